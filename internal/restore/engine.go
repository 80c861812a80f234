package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/archive"
	"github.com/rowjay/report-backup/internal/backup"
)

// DefaultMaxEntryBytes caps a single extracted file.
const DefaultMaxEntryBytes int64 = 1 << 30

var ErrUnsafePath = errors.New("archive entry escapes the restore directory")

// Result is the outcome of one restore.
type Result struct {
	Path     string
	Record   backup.Record
	Metadata *backup.Metadata
}

// Engine extracts completed artifacts into fresh directories. It never writes
// outside its restore directory and never touches live application data.
type Engine struct {
	fs            afero.Fs
	dir           string
	key           []byte
	maxEntryBytes int64
	log           zerolog.Logger
}

func New(fs afero.Fs, dir string, key []byte, maxEntryBytes int64, log zerolog.Logger) *Engine {
	if maxEntryBytes <= 0 {
		maxEntryBytes = DefaultMaxEntryBytes
	}
	return &Engine{
		fs:            fs,
		dir:           dir,
		key:           key,
		maxEntryBytes: maxEntryBytes,
		log:           log.With().Str("component", "restore").Logger(),
	}
}

// Extract unpacks rec's artifact. Records that are not completed, or whose
// artifact is gone, yield backup.ErrNotFound before anything is written.
func (e *Engine) Extract(ctx context.Context, rec backup.Record) (*Result, error) {
	if rec.Status != backup.StatusCompleted || rec.ArtifactPath == "" {
		return nil, backup.NotFound(rec.ID)
	}
	if ok, err := afero.Exists(e.fs, rec.ArtifactPath); err != nil {
		return nil, backup.WrapIO("stat artifact", rec.ArtifactPath, err)
	} else if !ok {
		return nil, fmt.Errorf("%w: artifact for id %d is missing", backup.ErrNotFound, rec.ID)
	}

	if err := e.fs.MkdirAll(e.dir, 0o750); err != nil {
		return nil, backup.WrapIO("create restore directory", e.dir, err)
	}
	dest, err := afero.TempDir(e.fs, e.dir, "restore_"+rec.Name+"_")
	if err != nil {
		return nil, backup.WrapIO("create restore directory", e.dir, err)
	}

	if err := archive.Walk(ctx, e.fs, rec.ArtifactPath, e.key, func(entry archive.Entry, body io.Reader) error {
		return e.extractEntry(dest, entry, body)
	}); err != nil {
		if rmErr := e.fs.RemoveAll(dest); rmErr != nil {
			e.log.Warn().Err(rmErr).Str("path", dest).Msg("could not remove incomplete restore")
		}
		return nil, err
	}

	res := &Result{Path: dest, Record: rec.Clone(), Metadata: e.readMetadata(dest)}
	e.log.Info().Int64("id", rec.ID).Str("path", dest).Msg("backup extracted")
	return res, nil
}

func (e *Engine) extractEntry(dest string, entry archive.Entry, body io.Reader) error {
	target, err := safeJoin(dest, entry.Name)
	if err != nil {
		return err
	}
	if entry.IsDir {
		return backup.WrapIO("create directory", target, e.fs.MkdirAll(target, 0o750))
	}
	if entry.Size > e.maxEntryBytes {
		return fmt.Errorf("entry %s exceeds size limit (%d > %d bytes)", entry.Name, entry.Size, e.maxEntryBytes)
	}
	if err := e.fs.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return backup.WrapIO("create directory", filepath.Dir(target), err)
	}

	perm := entry.Mode.Perm()
	if perm == 0 {
		perm = 0o600
	}
	out, err := e.fs.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return backup.WrapIO("create", target, err)
	}
	n, err := io.Copy(out, io.LimitReader(body, e.maxEntryBytes+1))
	if err != nil {
		_ = out.Close()
		return backup.WrapIO("extract", entry.Name, err)
	}
	if err := out.Close(); err != nil {
		return backup.WrapIO("extract", entry.Name, err)
	}
	if n > e.maxEntryBytes {
		return fmt.Errorf("entry %s exceeds size limit of %d bytes", entry.Name, e.maxEntryBytes)
	}
	if !entry.ModTime.IsZero() {
		_ = e.fs.Chtimes(target, entry.ModTime, entry.ModTime)
	}
	return nil
}

func (e *Engine) readMetadata(dest string) *backup.Metadata {
	data, err := afero.ReadFile(e.fs, filepath.Join(dest, backup.MetadataFile))
	if err != nil {
		return nil
	}
	var md backup.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		e.log.Warn().Err(err).Msg("ignoring unreadable backup metadata")
		return nil
	}
	return &md
}

// safeJoin resolves an archive entry name below dest, rejecting absolute names
// and any name that climbs out of dest.
func safeJoin(dest, name string) (string, error) {
	clean := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, filepath.FromSlash(clean))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
