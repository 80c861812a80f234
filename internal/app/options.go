package app

import (
	"time"

	"github.com/rowjay/report-backup/internal/archive"
	"github.com/rowjay/report-backup/internal/collect"
	"github.com/rowjay/report-backup/internal/config"
	"github.com/rowjay/report-backup/internal/cryptoutil"
	"github.com/rowjay/report-backup/internal/retention"
	"github.com/rowjay/report-backup/internal/schedule"
	"github.com/rowjay/report-backup/internal/util"
)

// Options is the static configuration of a Manager.
type Options struct {
	Root        string
	HistoryPath string
	// LockPath enables the instance lock. Empty skips locking.
	LockPath      string
	RestoreDir    string
	Categories    []collect.Category
	Format        archive.Format
	EncryptionKey []byte
	Retention     retention.Policy
	MaxEntryBytes int64

	ScheduleEnabled bool
	Triggers        []schedule.Trigger
	PollInterval    time.Duration
	Location        *time.Location

	ReplicaPrefix   string
	ReplicaAttempts int
	ReplicaBackoff  time.Duration

	// ReadOnly managers serve list, status, info, download and restore only.
	ReadOnly bool
}

// OptionsFromConfig resolves a loaded config into manager options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := Options{
		Root:        cfg.Backup.Root,
		HistoryPath: cfg.HistoryPath(),
		LockPath:    cfg.LockPath(),
		RestoreDir:  cfg.RestoreDir(),
		Format: archive.Format{
			Container:   cfg.Backup.Format,
			Compression: cfg.Backup.Compression,
			Encrypted:   cfg.Backup.Encryption,
		},
		Retention: retention.Policy{
			MaxCompleted: cfg.Retention.MaxBackups,
			MaxFailed:    cfg.Retention.MaxFailed,
		},
		MaxEntryBytes:   cfg.Restore.MaxEntryBytes,
		ScheduleEnabled: cfg.Schedule.Enabled,
		PollInterval:    cfg.Schedule.PollInterval,
		ReplicaPrefix:   cfg.Replication.Storage.Prefix,
		ReplicaAttempts: cfg.Replication.RetryCount,
		ReplicaBackoff:  cfg.Replication.RetryBackoff,
	}
	if opts.Format.Container == archive.FormatZip {
		opts.Format.Compression = ""
	}
	for _, c := range cfg.Backup.Categories {
		opts.Categories = append(opts.Categories, collect.Category{Name: c.Name, Source: c.Source, Patterns: c.Patterns})
	}
	if cfg.Backup.EncryptionKey != "" {
		key, err := cryptoutil.ParseKey(cfg.Backup.EncryptionKey)
		if err != nil {
			return Options{}, err
		}
		opts.EncryptionKey = key
	}
	loc, err := util.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return Options{}, err
	}
	opts.Location = loc
	for _, t := range cfg.Schedule.Triggers {
		trigger, err := schedule.FromConfig(t.Type, t.At, t.Weekday, t.Cron)
		if err != nil {
			return Options{}, err
		}
		opts.Triggers = append(opts.Triggers, trigger)
	}
	return opts, nil
}
