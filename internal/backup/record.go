package backup

import (
	"fmt"
	"regexp"
	"time"
)

// Status is the lifecycle state of one backup attempt.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusInProgress || s.IsTerminal()
}

// Kind tags what triggered a backup. The set is open; these are the built-in triggers.
type Kind string

const (
	KindManual    Kind = "manual"
	KindAutomated Kind = "automated"
	KindWeekly    Kind = "weekly"
)

var kindPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)

// ParseKind validates a type tag. Tags end up in artifact file names.
func ParseKind(v string) (Kind, error) {
	if !kindPattern.MatchString(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, v)
	}
	return Kind(v), nil
}

// Record is one backup attempt.
type Record struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Type          Kind      `json:"type"`
	CreatedAt     time.Time `json:"created_at"`
	Status        Status    `json:"status"`
	IncludedFiles []string  `json:"files"`
	SizeBytes     int64     `json:"size_bytes"`
	ArtifactPath  string    `json:"artifact_path,omitempty"`
	ErrorMessage  string    `json:"error,omitempty"`
	// RemoteKey is the object key of the off-site replica, if one was uploaded.
	RemoteKey string `json:"remote_key,omitempty"`
}

// Clone returns a deep copy so callers cannot alias internal slices.
func (r Record) Clone() Record {
	out := r
	if r.IncludedFiles != nil {
		out.IncludedFiles = append([]string(nil), r.IncludedFiles...)
	}
	return out
}

// Complete finalizes an in-progress record as completed.
func (r *Record) Complete(artifactPath string, size int64) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("record %d already %s", r.ID, r.Status)
	}
	r.Status = StatusCompleted
	r.ArtifactPath = artifactPath
	r.SizeBytes = size
	r.ErrorMessage = ""
	return nil
}

// Fail finalizes an in-progress record as failed. An empty message is replaced
// so that failed records always carry a reason.
func (r *Record) Fail(cause error) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("record %d already %s", r.ID, r.Status)
	}
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	r.Status = StatusFailed
	r.ErrorMessage = msg
	r.ArtifactPath = ""
	r.SizeBytes = 0
	return nil
}

// Name builds the record name from its creation time and type tag.
func Name(createdAt time.Time, kind Kind) string {
	return fmt.Sprintf("%s_%s", createdAt.UTC().Format(TimestampLayout), kind)
}

// TimestampLayout is the compact UTC layout used in record and artifact names.
const TimestampLayout = "20060102T150405Z"
