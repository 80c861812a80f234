package app

import (
	"math"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/schedule"
)

// Status aggregates the history.
type Status struct {
	Total          int   `json:"total_backups"`
	Completed      int   `json:"completed_backups"`
	Failed         int   `json:"failed_backups"`
	TotalSizeBytes int64 `json:"total_size_bytes"`
	// TotalSizeMB is TotalSizeBytes in MiB, rounded to two decimals.
	TotalSizeMB float64        `json:"total_size_mb"`
	MaxBackups  int            `json:"max_backups"`
	MaxFailed   int            `json:"max_failed"`
	BackupDir   string         `json:"backup_dir"`
	LastBackup  *backup.Record `json:"last_backup"`
	NextRuns    []schedule.Run `json:"next_runs,omitempty"`
}

// Status counts records by status and sums completed artifact sizes. The last
// backup is the record with the highest id.
func (m *Manager) Status() (Status, error) {
	store, err := m.history()
	if err != nil {
		return Status{}, err
	}
	records := store.List()
	st := Status{
		Total:      len(records),
		MaxBackups: m.opts.Retention.MaxCompleted,
		MaxFailed:  m.opts.Retention.MaxFailed,
		BackupDir:  m.opts.Root,
	}
	for _, r := range records {
		switch r.Status {
		case backup.StatusCompleted:
			st.Completed++
			st.TotalSizeBytes += r.SizeBytes
		case backup.StatusFailed:
			st.Failed++
		}
	}
	st.TotalSizeMB = math.Round(float64(st.TotalSizeBytes)/(1<<20)*100) / 100
	if n := len(records); n > 0 {
		last := records[n-1]
		st.LastBackup = &last
	}
	if m.scheduler != nil {
		st.NextRuns = m.scheduler.Upcoming()
	}
	return st, nil
}
