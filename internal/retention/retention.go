package retention

import (
	"context"
	"errors"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/history"
)

// Policy bounds the history. Zero values disable the corresponding cap.
type Policy struct {
	MaxCompleted int
	// MaxFailed caps failed records kept for diagnostics. Zero keeps all of them.
	MaxFailed int
}

// Select returns the records the policy prunes, oldest first by creation time.
func Select(records []backup.Record, p Policy) []backup.Record {
	var out []backup.Record
	out = append(out, excess(records, backup.StatusCompleted, p.MaxCompleted)...)
	out = append(out, excess(records, backup.StatusFailed, p.MaxFailed)...)
	return out
}

func excess(records []backup.Record, status backup.Status, limit int) []backup.Record {
	if limit <= 0 {
		return nil
	}
	var matched []backup.Record
	for _, r := range records {
		if r.Status == status {
			matched = append(matched, r)
		}
	}
	if len(matched) <= limit {
		return nil
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched[:len(matched)-limit]
}

// Enforcer applies a Policy to the history. Pruning happens in two steps:
// Enforce drops records inside an Update transaction, and Discard removes their
// artifacts once that transaction has been persisted.
type Enforcer struct {
	fs     afero.Fs
	policy Policy
	log    zerolog.Logger

	// Claim reports whether an artifact may be removed now. False means a
	// reader still holds it and removes it when done. Nil claims everything.
	Claim func(path string) bool
	// AfterRemove runs for every discarded record.
	AfterRemove func(ctx context.Context, rec backup.Record)
}

func NewEnforcer(fs afero.Fs, policy Policy, log zerolog.Logger) *Enforcer {
	return &Enforcer{fs: fs, policy: policy, log: log.With().Str("component", "retention").Logger()}
}

func (e *Enforcer) Policy() Policy { return e.policy }

// Enforce deletes the records the policy prunes from tx and returns them. It
// does not touch the filesystem.
func (e *Enforcer) Enforce(tx *history.Tx) ([]backup.Record, error) {
	victims := Select(tx.Records(), e.policy)
	for _, rec := range victims {
		if _, err := tx.Delete(rec.ID); err != nil {
			return nil, err
		}
	}
	return victims, nil
}

// Discard removes the artifacts of records pruned by a committed Enforce.
// Removal is best-effort: a failure is logged and the rest continue.
func (e *Enforcer) Discard(ctx context.Context, victims []backup.Record) {
	for _, rec := range victims {
		if rec.ArtifactPath != "" && (e.Claim == nil || e.Claim(rec.ArtifactPath)) {
			if err := e.fs.Remove(rec.ArtifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.log.Warn().Err(err).Int64("id", rec.ID).Str("path", rec.ArtifactPath).Msg("could not delete pruned artifact")
			}
		}
		if e.AfterRemove != nil {
			e.AfterRemove(ctx, rec)
		}
		e.log.Info().Int64("id", rec.ID).Str("status", string(rec.Status)).Msg("pruned backup")
	}
}
