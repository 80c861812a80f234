package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/archive"
	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/collect"
	"github.com/rowjay/report-backup/internal/history"
	"github.com/rowjay/report-backup/internal/lock"
	"github.com/rowjay/report-backup/internal/metrics"
	"github.com/rowjay/report-backup/internal/notify"
	"github.com/rowjay/report-backup/internal/replicate"
	"github.com/rowjay/report-backup/internal/restore"
	"github.com/rowjay/report-backup/internal/retention"
	"github.com/rowjay/report-backup/internal/schedule"
	"github.com/rowjay/report-backup/internal/storage"
	"github.com/rowjay/report-backup/internal/version"
)

const (
	stagingPrefix = ".staging-"
	notifyTimeout = 15 * time.Second
)

// Deps are the collaborators a Manager consumes.
type Deps struct {
	Fs     afero.Fs
	Clock  clock.Clock
	Logger zerolog.Logger
	// Notifier receives every finalized attempt. Nil disables notifications.
	Notifier notify.Notifier
	// Replica is the off-site store completed artifacts are copied to. Nil disables replication.
	Replica storage.Storage
}

// Manager orchestrates backups over one backup root.
type Manager struct {
	opts     Options
	fs       afero.Fs
	clock    clock.Clock
	log      zerolog.Logger
	notifier notify.Notifier

	collector  *collect.Collector
	archiver   *archive.Archiver
	restorer   *restore.Engine
	enforcer   *retention.Enforcer
	replicator *replicate.Replicator
	scheduler  *schedule.Scheduler
	pins       *pinSet

	// pipeline serializes whole create runs so staging and compression never overlap.
	pipeline sync.Mutex

	mu      sync.Mutex
	store   *history.Store
	guard   *lock.Lock
	running bool
}

// New wires the components. Nothing touches the filesystem until Init.
func New(opts Options, deps Deps) (*Manager, error) {
	if opts.Root == "" {
		return nil, errors.New("backup root is required")
	}
	if opts.HistoryPath == "" {
		opts.HistoryPath = filepath.Join(opts.Root, "backup_history.json")
	}
	if opts.RestoreDir == "" {
		opts.RestoreDir = filepath.Join(opts.Root, "restores")
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	m := &Manager{
		opts:     opts,
		fs:       deps.Fs,
		clock:    deps.Clock,
		log:      deps.Logger.With().Str("component", "manager").Logger(),
		notifier: deps.Notifier,
		pins:     newPinSet(),
	}

	var err error
	if m.collector, err = collect.New(m.fs, opts.Categories, deps.Logger, opts.Root); err != nil {
		return nil, err
	}
	if m.archiver, err = archive.New(m.fs, opts.Format, opts.EncryptionKey, deps.Logger); err != nil {
		return nil, err
	}
	m.restorer = restore.New(m.fs, opts.RestoreDir, opts.EncryptionKey, opts.MaxEntryBytes, deps.Logger)
	m.enforcer = retention.NewEnforcer(m.fs, opts.Retention, deps.Logger)
	m.enforcer.Claim = m.pins.claim
	m.enforcer.AfterRemove = func(_ context.Context, rec backup.Record) {
		metrics.RetentionPruned.Inc()
		m.log.Info().Int64("id", rec.ID).Str("name", rec.Name).Msg("backup pruned by retention")
	}
	if deps.Replica != nil {
		m.replicator = replicate.New(deps.Replica, m.fs, opts.ReplicaPrefix, opts.ReplicaAttempts, opts.ReplicaBackoff, deps.Logger)
	}
	if opts.ScheduleEnabled && !opts.ReadOnly && len(opts.Triggers) > 0 {
		m.scheduler, err = schedule.New(m, opts.Triggers, schedule.Options{
			Clock:    m.clock,
			Location: opts.Location,
			Interval: opts.PollInterval,
			Logger:   deps.Logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Init prepares the backup root, takes the instance lock, loads the history and
// starts the scheduler.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return errors.New("backup manager already initialized")
	}

	historyFs := m.fs
	if m.opts.ReadOnly {
		historyFs = afero.NewReadOnlyFs(m.fs)
		if ok, _ := afero.DirExists(m.fs, m.opts.Root); !ok {
			// nothing has been recorded yet
			historyFs = afero.NewMemMapFs()
		}
	} else {
		if err := m.fs.MkdirAll(m.opts.Root, 0o750); err != nil {
			return backup.WrapIO("create backup root", m.opts.Root, err)
		}
		if m.opts.LockPath != "" {
			guard, err := lock.Acquire(m.opts.LockPath)
			if err != nil {
				return err
			}
			m.guard = guard
		}
		m.sweepStaging()
	}

	store, err := history.Open(historyFs, m.opts.HistoryPath, m.log)
	if err != nil {
		_ = m.guard.Release()
		m.guard = nil
		return err
	}
	m.store = store
	metrics.SetHistory(store.List())

	if m.scheduler != nil {
		if err := m.scheduler.Start(ctx); err != nil {
			_ = m.guard.Release()
			m.guard = nil
			return err
		}
	}
	m.running = true
	m.log.Info().Str("root", m.opts.Root).Bool("read_only", m.opts.ReadOnly).Int("records", len(store.List())).Msg("backup manager ready")
	return nil
}

// Shutdown stops the scheduler, cancelling a scheduled run in flight, and
// releases the instance lock.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	guard := m.guard
	m.guard = nil
	m.mu.Unlock()

	if m.scheduler != nil {
		stopped := make(chan struct{})
		go func() {
			m.scheduler.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// wait for a manual run to reach its append
	m.pipeline.Lock()
	defer m.pipeline.Unlock()

	if err := guard.Release(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	m.log.Info().Msg("backup manager stopped")
	return nil
}

func (m *Manager) history() (*history.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, backup.ErrClosed
	}
	return m.store, nil
}

func (m *Manager) writableHistory() (*history.Store, error) {
	if m.opts.ReadOnly {
		return nil, backup.ErrReadOnly
	}
	return m.history()
}

// sweepStaging removes staging trees left behind by a crashed process.
func (m *Manager) sweepStaging() {
	matches, err := afero.Glob(m.fs, filepath.Join(m.opts.Root, stagingPrefix+"*"))
	if err != nil {
		return
	}
	for _, dir := range matches {
		if err := m.fs.RemoveAll(dir); err != nil {
			m.log.Warn().Err(err).Str("path", dir).Msg("could not remove stale staging directory")
			continue
		}
		m.log.Info().Str("path", dir).Msg("removed stale staging directory")
	}
}

// CreateBackup runs one backup attempt and returns its terminal record.
// Pipeline failures come back as a failed record, not an error; an error means
// the attempt could not be recorded at all.
func (m *Manager) CreateBackup(ctx context.Context, kind backup.Kind) (backup.Record, error) {
	if _, err := backup.ParseKind(string(kind)); err != nil {
		return backup.Record{}, err
	}
	store, err := m.writableHistory()
	if err != nil {
		return backup.Record{}, err
	}

	m.pipeline.Lock()
	defer m.pipeline.Unlock()

	started := m.clock.Now()
	id, err := store.NextID()
	if err != nil {
		return backup.Record{}, fmt.Errorf("allocate backup id: %w", err)
	}
	rec := backup.Record{
		ID:        id,
		Name:      backup.Name(started, kind),
		Type:      kind,
		CreatedAt: started.UTC(),
		Status:    backup.StatusInProgress,
	}
	log := m.log.With().Int64("id", id).Str("name", rec.Name).Logger()
	log.Info().Str("type", string(kind)).Msg("backup started")

	files, artifact, size, runErr := m.build(ctx, rec)
	rec.IncludedFiles = files
	if runErr != nil {
		_ = rec.Fail(runErr)
		log.Error().Err(runErr).Msg("backup failed")
	} else {
		_ = rec.Complete(artifact, size)
	}

	var pruned []backup.Record
	err = store.Update(func(tx *history.Tx) error {
		if err := tx.Append(rec); err != nil {
			return err
		}
		var err error
		pruned, err = m.enforcer.Enforce(tx)
		return err
	})
	if err != nil {
		if rec.ArtifactPath != "" {
			if rmErr := m.fs.Remove(rec.ArtifactPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn().Err(rmErr).Msg("could not remove unrecorded artifact")
			}
		}
		return backup.Record{}, fmt.Errorf("record backup %d: %w", id, err)
	}
	m.enforcer.Discard(ctx, pruned)

	if m.replicator != nil {
		m.removeReplicas(ctx, pruned)
		if rec.Status == backup.StatusCompleted {
			rec = m.replicate(ctx, store, rec)
		}
	}

	ended := m.clock.Now()
	metrics.ObserveBackup(rec, ended.Sub(started))
	metrics.SetHistory(store.List())
	if rec.Status == backup.StatusCompleted {
		log.Info().Int64("size", rec.SizeBytes).Int("files", len(rec.IncludedFiles)).Str("artifact", rec.ArtifactPath).Msg("backup completed")
	}
	m.notify(ctx, rec, started, ended)
	return rec.Clone(), nil
}

// build stages, describes and archives one attempt. The staging tree is
// removed on every exit path.
func (m *Manager) build(ctx context.Context, rec backup.Record) (files []string, artifact string, size int64, err error) {
	staging := filepath.Join(m.opts.Root, stagingPrefix+uuid.NewString())
	if err := m.fs.MkdirAll(staging, 0o750); err != nil {
		return nil, "", 0, backup.WrapIO("create staging directory", staging, err)
	}
	defer func() {
		if rmErr := m.fs.RemoveAll(staging); rmErr != nil {
			m.log.Warn().Err(rmErr).Str("path", staging).Msg("could not remove staging directory")
		}
	}()

	files, err = m.collector.Collect(ctx, staging)
	if err != nil {
		return files, "", 0, err
	}
	if err := m.writeMetadata(staging, rec, files); err != nil {
		return files, "", 0, err
	}

	artifact = m.artifactPath(rec)
	size, err = m.archiver.Create(ctx, staging, artifact)
	if err != nil {
		return files, "", 0, err
	}
	return files, artifact, size, nil
}

func (m *Manager) writeMetadata(staging string, rec backup.Record, files []string) error {
	host, _ := os.Hostname()
	meta := backup.Metadata{
		ID:          rec.ID,
		Name:        rec.Name,
		Type:        rec.Type,
		Timestamp:   rec.CreatedAt,
		Files:       files,
		Host:        host,
		ToolVersion: version.Version,
	}
	if meta.Files == nil {
		meta.Files = []string{}
	}
	payload, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(staging, backup.MetadataFile)
	return backup.WrapIO("write metadata", path, afero.WriteFile(m.fs, path, payload, 0o600))
}

// artifactPath is <root>/<name>.<ext>, suffixed with the id when two attempts
// share a second.
func (m *Manager) artifactPath(rec backup.Record) string {
	ext := m.archiver.Format().Extension()
	path := filepath.Join(m.opts.Root, rec.Name+"."+ext)
	if ok, _ := afero.Exists(m.fs, path); ok {
		path = filepath.Join(m.opts.Root, fmt.Sprintf("%s_%d.%s", rec.Name, rec.ID, ext))
	}
	return path
}

func (m *Manager) replicate(ctx context.Context, store *history.Store, rec backup.Record) backup.Record {
	key, err := m.replicator.Upload(ctx, rec)
	if err != nil {
		metrics.ReplicationFailures.Inc()
		m.log.Warn().Err(err).Int64("id", rec.ID).Msg("artifact not replicated")
		return rec
	}
	err = store.Update(func(tx *history.Tx) error {
		if _, ok := tx.Get(rec.ID); !ok {
			// pruned already
			return nil
		}
		return tx.Replace(rec.ID, func(r *backup.Record) { r.RemoteKey = key })
	})
	if err != nil {
		m.log.Warn().Err(err).Int64("id", rec.ID).Str("key", key).Msg("could not record replica key")
		return rec
	}
	rec.RemoteKey = key
	return rec
}

func (m *Manager) removeReplicas(ctx context.Context, records []backup.Record) {
	for _, rec := range records {
		if rec.RemoteKey == "" {
			continue
		}
		if err := m.replicator.Remove(ctx, rec.RemoteKey); err != nil {
			m.log.Warn().Err(err).Int64("id", rec.ID).Str("key", rec.RemoteKey).Msg("could not remove replica")
		}
	}
}

func (m *Manager) notify(ctx context.Context, rec backup.Record, started, ended time.Time) {
	if m.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := m.notifier.Notify(nctx, notify.EventFor(rec, started, ended)); err != nil {
		m.log.Warn().Err(err).Int64("id", rec.ID).Msg("notification failed")
	}
}

// RestoreBackup extracts a completed backup into a fresh directory under the
// restore dir. Applying the restored files is the caller's job. The artifact is
// pinned for the duration of the extraction, so a concurrent delete or prune
// drops the record at once but leaves the file until the restore is done.
func (m *Manager) RestoreBackup(ctx context.Context, id int64) (*restore.Result, error) {
	store, err := m.history()
	if err != nil {
		return nil, err
	}
	var rec backup.Record
	err = store.View(func(tx *history.Tx) error {
		var ok bool
		if rec, ok = tx.Get(id); !ok {
			return backup.NotFound(id)
		}
		if rec.ArtifactPath != "" {
			m.pins.pin(rec.ArtifactPath)
		}
		return nil
	})
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if rec.ArtifactPath != "" {
		defer m.unpin(rec.ArtifactPath)
	}

	res, err := m.restorer.Extract(ctx, rec)
	if err != nil {
		metrics.RestoresTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.RestoresTotal.WithLabelValues("completed").Inc()
	return res, nil
}

func (m *Manager) unpin(path string) {
	if m.pins.unpin(path) {
		m.removeArtifact(path)
	}
}

func (m *Manager) removeArtifact(path string) {
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn().Err(err).Str("path", path).Msg("could not delete artifact")
	}
}

// DeleteBackup removes a record and then its artifact. It reports false when
// id is not in the history. An artifact that cannot be removed after the
// record is gone is logged and left behind.
func (m *Manager) DeleteBackup(ctx context.Context, id int64) (bool, error) {
	store, err := m.writableHistory()
	if err != nil {
		return false, err
	}
	var removed *backup.Record
	err = store.Update(func(tx *history.Tx) error {
		rec, ok := tx.Get(id)
		if !ok {
			return nil
		}
		if _, err := tx.Delete(id); err != nil {
			return err
		}
		removed = &rec
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed == nil {
		return false, nil
	}
	if removed.ArtifactPath != "" && m.pins.claim(removed.ArtifactPath) {
		m.removeArtifact(removed.ArtifactPath)
	}
	if m.replicator != nil {
		m.removeReplicas(ctx, []backup.Record{*removed})
	}
	metrics.SetHistory(store.List())
	m.log.Info().Int64("id", id).Str("name", removed.Name).Msg("backup deleted")
	return true, nil
}

// ListBackups returns a copy of the full history in id order.
func (m *Manager) ListBackups() ([]backup.Record, error) {
	store, err := m.history()
	if err != nil {
		return nil, err
	}
	return store.List(), nil
}

// GetBackup returns one record.
func (m *Manager) GetBackup(id int64) (backup.Record, error) {
	store, err := m.history()
	if err != nil {
		return backup.Record{}, err
	}
	return store.Get(id)
}

// Open streams the artifact of a completed backup.
func (m *Manager) Open(id int64) (io.ReadCloser, backup.Record, error) {
	store, err := m.history()
	if err != nil {
		return nil, backup.Record{}, err
	}
	var (
		rc  io.ReadCloser
		out backup.Record
	)
	err = store.View(func(tx *history.Tx) error {
		rec, ok := tx.Get(id)
		if !ok || rec.Status != backup.StatusCompleted || rec.ArtifactPath == "" {
			return backup.NotFound(id)
		}
		f, err := m.fs.Open(rec.ArtifactPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: artifact for id %d is missing", backup.ErrNotFound, id)
			}
			return backup.WrapIO("open artifact", rec.ArtifactPath, err)
		}
		rc, out = f, rec
		return nil
	})
	if err != nil {
		return nil, backup.Record{}, err
	}
	return rc, out, nil
}
