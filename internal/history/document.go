package history

import (
	"time"

	"github.com/rowjay/report-backup/internal/backup"
)

// entry is the on-disk shape of one record. error, artifactPath and remote are null when unset.
type entry struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Status       string    `json:"status"`
	Files        []string  `json:"files"`
	Size         int64     `json:"size"`
	Error        *string   `json:"error"`
	ArtifactPath *string   `json:"artifactPath"`
	Remote       *string   `json:"remote,omitempty"`
}

func toEntry(r backup.Record) entry {
	files := r.IncludedFiles
	if files == nil {
		files = []string{}
	}
	return entry{
		ID:           r.ID,
		Name:         r.Name,
		Type:         string(r.Type),
		Timestamp:    r.CreatedAt,
		Status:       string(r.Status),
		Files:        files,
		Size:         r.SizeBytes,
		Error:        optional(r.ErrorMessage),
		ArtifactPath: optional(r.ArtifactPath),
		Remote:       optional(r.RemoteKey),
	}
}

func fromEntry(e entry) backup.Record {
	return backup.Record{
		ID:            e.ID,
		Name:          e.Name,
		Type:          backup.Kind(e.Type),
		CreatedAt:     e.Timestamp,
		Status:        backup.Status(e.Status),
		IncludedFiles: e.Files,
		SizeBytes:     e.Size,
		ErrorMessage:  deref(e.Error),
		ArtifactPath:  deref(e.ArtifactPath),
		RemoteKey:     deref(e.Remote),
	}
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
