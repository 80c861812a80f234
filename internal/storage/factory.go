package storage

import (
	"fmt"

	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/config"
)

// New builds the replication target named by cfg.Backend.
func New(fs afero.Fs, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.Local.Path == "" {
			return nil, fmt.Errorf("local replication path is required")
		}
		return NewLocal(fs, cfg.Local.Path), nil
	case "s3":
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 endpoint and bucket are required")
		}
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
