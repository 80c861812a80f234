package replicate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/storage"
	"github.com/rowjay/report-backup/internal/util"
)

// Replicator copies completed artifacts to an off-site Storage. Failures are
// reported to the caller, who treats replication as best-effort.
type Replicator struct {
	store    storage.Storage
	fs       afero.Fs
	prefix   string
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

func New(store storage.Storage, fs afero.Fs, prefix string, attempts int, backoff time.Duration, log zerolog.Logger) *Replicator {
	return &Replicator{
		store:    store,
		fs:       fs,
		prefix:   prefix,
		attempts: attempts,
		backoff:  backoff,
		log:      log.With().Str("component", "replicate").Str("target", store.String()).Logger(),
	}
}

// Upload sends rec's artifact and returns the object key once the replica's size
// matches the local artifact.
func (r *Replicator) Upload(ctx context.Context, rec backup.Record) (string, error) {
	if rec.Status != backup.StatusCompleted {
		return "", fmt.Errorf("record %d is %s, only completed backups are replicated", rec.ID, rec.Status)
	}
	key := util.ObjectKey(r.prefix, rec.CreatedAt, rec.ArtifactPath)
	meta := map[string]string{
		"rbu-id":   strconv.FormatInt(rec.ID, 10),
		"rbu-type": string(rec.Type),
		"rbu-name": rec.Name,
	}

	err := util.Retry(ctx, r.attempts, r.backoff, func() error {
		f, err := r.fs.Open(rec.ArtifactPath)
		if err != nil {
			return backup.WrapIO("open artifact", rec.ArtifactPath, err)
		}
		defer f.Close()
		if err := r.store.Put(ctx, key, f, rec.SizeBytes, meta); err != nil {
			r.log.Warn().Err(err).Int64("id", rec.ID).Msg("upload attempt failed")
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("replicate %s: %w", rec.Name, err)
	}

	info, err := r.store.Stat(ctx, key)
	if err != nil {
		return "", fmt.Errorf("verify replica %s: %w", key, err)
	}
	if info.Size != rec.SizeBytes {
		return "", fmt.Errorf("verify replica %s: size %d, expected %d", key, info.Size, rec.SizeBytes)
	}
	r.log.Info().Int64("id", rec.ID).Str("key", key).Msg("artifact replicated")
	return key, nil
}

// Remove deletes a replica. Missing replicas are not an error.
func (r *Replicator) Remove(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	return util.Retry(ctx, r.attempts, r.backoff, func() error {
		return r.store.Delete(ctx, key)
	})
}
