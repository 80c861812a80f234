package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/cryptoutil"
	"github.com/rowjay/report-backup/internal/util"
)

const (
	defaultHistoryFile = "backup_history.json"
	defaultLockFile    = ".rbu.lock"
	defaultRestoreDir  = "restores"
)

// HistoryPath is where the history document lives.
func (c *Config) HistoryPath() string {
	if c.Backup.HistoryFile != "" {
		return c.Backup.HistoryFile
	}
	return filepath.Join(c.Backup.Root, defaultHistoryFile)
}

// LockPath is the instance lock guarding the backup root.
func (c *Config) LockPath() string {
	if c.Global.LockFile != "" {
		return c.Global.LockFile
	}
	return filepath.Join(c.Backup.Root, defaultLockFile)
}

// RestoreDir is the parent of every restore directory.
func (c *Config) RestoreDir() string {
	if c.Restore.Dir != "" {
		return c.Restore.Dir
	}
	return filepath.Join(c.Backup.Root, defaultRestoreDir)
}

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	if c.Backup.Root == "" {
		errs = append(errs, errors.New("backup.root is required"))
	}
	switch c.Backup.Format {
	case "tar":
		switch c.Backup.Compression {
		case "", "none", "gzip", "zstd":
		default:
			errs = append(errs, fmt.Errorf("backup.compression: unsupported value %q", c.Backup.Compression))
		}
	case "zip":
		if c.Backup.Encryption {
			errs = append(errs, errors.New("backup.encryption requires backup.format tar"))
		}
	default:
		errs = append(errs, fmt.Errorf("backup.format: unsupported value %q", c.Backup.Format))
	}
	if c.Backup.Encryption {
		if _, err := cryptoutil.ParseKey(c.Backup.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("backup.encryption_key: %w", err))
		}
	}
	if c.Retention.MaxBackups < 0 || c.Retention.MaxFailed < 0 {
		errs = append(errs, errors.New("retention limits must not be negative"))
	}
	if _, err := util.LoadLocation(c.Schedule.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("schedule.timezone: %w", err))
	}
	for i, t := range c.Schedule.Triggers {
		if _, err := backup.ParseKind(t.Type); err != nil {
			errs = append(errs, fmt.Errorf("schedule.triggers[%d].type: %w", i, err))
		}
		if t.Cron != "" {
			continue
		}
		if _, _, err := util.ParseClock(t.At); err != nil {
			errs = append(errs, fmt.Errorf("schedule.triggers[%d].at: %w", i, err))
		}
		if t.Weekday != "" {
			if _, err := util.ParseWeekday(t.Weekday); err != nil {
				errs = append(errs, fmt.Errorf("schedule.triggers[%d].weekday: %w", i, err))
			}
		}
	}
	if c.Replication.Enabled {
		switch c.Replication.Storage.Backend {
		case "local":
			if c.Replication.Storage.Local.Path == "" {
				errs = append(errs, errors.New("replication.storage.local.path is required"))
			}
		case "s3":
			if c.Replication.Storage.S3.Endpoint == "" || c.Replication.Storage.S3.Bucket == "" {
				errs = append(errs, errors.New("replication.storage.s3 endpoint and bucket are required"))
			}
		default:
			errs = append(errs, fmt.Errorf("replication.storage.backend: unsupported value %q", c.Replication.Storage.Backend))
		}
	}
	return errors.Join(errs...)
}
