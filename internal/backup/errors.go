package backup

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown ids, or ids whose record has no artifact.
	ErrNotFound = errors.New("backup not found")
	// ErrCorruptState marks an unreadable history document. It is logged and never returned by the manager.
	ErrCorruptState = errors.New("history document is corrupt")
	ErrReadOnly     = errors.New("backup manager is read-only")
	ErrInvalidKind  = errors.New("invalid backup type")
	ErrClosed       = errors.New("backup manager is not running")
)

// IOError wraps a filesystem failure during copy, compress, extract or delete.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// WrapIO returns nil for a nil err, otherwise an *IOError.
func WrapIO(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// NotFound builds an ErrNotFound error for id.
func NotFound(id int64) error {
	return fmt.Errorf("%w: id %d", ErrNotFound, id)
}
