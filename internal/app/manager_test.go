package app

import (
	"context"
	"errors"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/archive"
	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/collect"
	"github.com/rowjay/report-backup/internal/notify"
	"github.com/rowjay/report-backup/internal/retention"
	"github.com/rowjay/report-backup/internal/schedule"
	"github.com/rowjay/report-backup/internal/storage"
)

const root = "/backups"

type failOpenFs struct {
	afero.Fs
	path string
}

func (f failOpenFs) Open(name string) (afero.File, error) {
	if name == f.path {
		return nil, errors.New("permission denied")
	}
	return f.Fs.Open(name)
}

// failRenameFs fails renames onto path while broken is set.
type failRenameFs struct {
	afero.Fs
	path   string
	broken *atomic.Bool
}

func (f failRenameFs) Rename(oldname, newname string) error {
	if newname == f.path && f.broken.Load() {
		return errors.New("disk full")
	}
	return f.Fs.Rename(oldname, newname)
}

type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Notify(_ context.Context, e notify.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func seed(t *testing.T, fs afero.Fs) {
	t.Helper()
	files := map[string]string{
		"/app/database/schema/001_reports.sql": "create table reports();",
		"/app/static/css/site.css":             "body{}",
		"/app/static/img/logo.png":             "png",
		"/app/app.log":                         "started",
	}
	for path, body := range files {
		if err := fs.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := afero.WriteFile(fs, path, []byte(body), 0o640); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func testOptions() Options {
	return Options{
		Root: root,
		Categories: []collect.Category{
			{Name: "database", Source: "/app/database/schema", Patterns: []string{"*.sql"}},
			{Name: "static", Source: "/app/static"},
			{Name: "logs", Source: "/app", Patterns: []string{"*.log"}},
			{Name: "uploads", Source: "/app/uploads"},
		},
		Format:    archive.Format{Container: archive.FormatTar, Compression: "zstd"},
		Retention: retention.Policy{MaxCompleted: 30},
	}
}

type fixture struct {
	fs    afero.Fs
	clock *clock.Mock
	m     *Manager
}

func newFixture(t *testing.T, opts Options, deps Deps) *fixture {
	t.Helper()
	if deps.Fs == nil {
		deps.Fs = afero.NewMemMapFs()
	}
	seed(t, deps.Fs)
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC))
	deps.Clock = mock
	deps.Logger = zerolog.Nop()

	m, err := New(opts, deps)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &fixture{fs: deps.Fs, clock: mock, m: m}
}

func (f *fixture) create(t *testing.T, kind backup.Kind) backup.Record {
	t.Helper()
	rec, err := f.m.CreateBackup(context.Background(), kind)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Add(time.Minute)
	return rec
}

func ids(records []backup.Record) []int64 {
	out := make([]int64, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

func TestCreateBackupCompletes(t *testing.T) {
	notifier := &captureNotifier{}
	f := newFixture(t, testOptions(), Deps{Notifier: notifier})
	rec := f.create(t, backup.KindManual)

	if rec.Status != backup.StatusCompleted || rec.ID != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Name != "20240501T020000Z_manual" {
		t.Fatalf("unexpected name: %s", rec.Name)
	}
	if rec.ArtifactPath != filepath.Join(root, "20240501T020000Z_manual.tar.zst") {
		t.Fatalf("unexpected artifact path: %s", rec.ArtifactPath)
	}
	info, err := f.fs.Stat(rec.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if info.Size() != rec.SizeBytes {
		t.Fatalf("size %d does not match artifact %d", rec.SizeBytes, info.Size())
	}
	want := []string{"database/001_reports.sql", "static/css/site.css", "static/img/logo.png", "logs/app.log"}
	if strings.Join(rec.IncludedFiles, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected files: %v", rec.IncludedFiles)
	}
	if staged, _ := afero.Glob(f.fs, filepath.Join(root, stagingPrefix+"*")); len(staged) != 0 {
		t.Fatalf("staging left behind: %v", staged)
	}
	if len(notifier.events) != 1 || notifier.events[0].Status != backup.StatusCompleted {
		t.Fatalf("unexpected notifications: %+v", notifier.events)
	}
}

func TestRetentionKeepsNewestCompleted(t *testing.T) {
	opts := testOptions()
	opts.Retention.MaxCompleted = 2
	f := newFixture(t, opts, Deps{})

	first := f.create(t, backup.KindManual)
	f.create(t, backup.KindManual)
	f.create(t, backup.KindManual)

	list, err := f.m.ListBackups()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := ids(list)
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected ids [2 3], got %v", got)
	}
	if ok, _ := afero.Exists(f.fs, first.ArtifactPath); ok {
		t.Fatalf("pruned artifact still on disk")
	}
}

func TestFailedCategoryFailsWholeBackup(t *testing.T) {
	mem := afero.NewMemMapFs()
	notifier := &captureNotifier{}
	f := newFixture(t, testOptions(), Deps{
		Fs:       failOpenFs{Fs: mem, path: "/app/static/img/logo.png"},
		Notifier: notifier,
	})
	rec := f.create(t, backup.KindAutomated)

	if rec.Status != backup.StatusFailed {
		t.Fatalf("expected failed record, got %+v", rec)
	}
	if !strings.Contains(rec.ErrorMessage, "permission denied") {
		t.Fatalf("error not captured: %q", rec.ErrorMessage)
	}
	if rec.ArtifactPath != "" || rec.SizeBytes != 0 {
		t.Fatalf("failed record carries an artifact: %+v", rec)
	}
	entries, err := afero.ReadDir(mem, root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tar") || strings.HasPrefix(e.Name(), stagingPrefix) {
			t.Fatalf("left behind after failure: %s", e.Name())
		}
	}
	stored, err := f.m.GetBackup(rec.ID)
	if err != nil || stored.Status != backup.StatusFailed {
		t.Fatalf("failed record not in history: %+v, %v", stored, err)
	}
	if len(notifier.events) != 1 || notifier.events[0].Error == "" {
		t.Fatalf("failure not notified: %+v", notifier.events)
	}
}

func TestFailedRecordsExemptFromRetention(t *testing.T) {
	mem := afero.NewMemMapFs()
	opts := testOptions()
	opts.Retention.MaxCompleted = 1
	f := newFixture(t, opts, Deps{Fs: failOpenFs{Fs: mem, path: "/app/app.log"}})
	f.create(t, backup.KindManual)
	f.create(t, backup.KindManual)

	st, err := f.m.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Failed != 2 || st.Completed != 0 {
		t.Fatalf("failed records should be kept: %+v", st)
	}
}

func TestConcurrentCreatesGetUniqueIDs(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	const n = 6
	var wg sync.WaitGroup
	results := make(chan backup.Record, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := f.m.CreateBackup(context.Background(), backup.KindManual)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			results <- rec
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	paths := map[string]bool{}
	for rec := range results {
		if rec.Status != backup.StatusCompleted {
			t.Fatalf("unexpected status: %+v", rec)
		}
		if seen[rec.ID] || paths[rec.ArtifactPath] {
			t.Fatalf("duplicate id or artifact: %+v", rec)
		}
		seen[rec.ID] = true
		paths[rec.ArtifactPath] = true
	}
	for id := int64(1); id <= n; id++ {
		if !seen[id] {
			t.Fatalf("id %d never allocated: %v", id, seen)
		}
	}
}

func TestIDsNotReusedAfterDelete(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	first := f.create(t, backup.KindManual)
	if ok, err := f.m.DeleteBackup(context.Background(), first.ID); err != nil || !ok {
		t.Fatalf("delete: %v, %v", ok, err)
	}
	if second := f.create(t, backup.KindManual); second.ID != 2 {
		t.Fatalf("expected id 2, got %d", second.ID)
	}
}

func TestRestoreBackup(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	rec := f.create(t, backup.KindWeekly)

	res, err := f.m.RestoreBackup(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	body, err := afero.ReadFile(f.fs, filepath.Join(res.Path, "database", "001_reports.sql"))
	if err != nil || string(body) != "create table reports();" {
		t.Fatalf("unexpected restored content: %q, %v", body, err)
	}
	if res.Metadata == nil || res.Metadata.ID != rec.ID || len(res.Metadata.Files) != 4 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
	if !strings.HasPrefix(res.Path, filepath.Join(root, "restores")) {
		t.Fatalf("restore outside restore dir: %s", res.Path)
	}
}

func TestRestoreUnknownIDWritesNothing(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	_, err := f.m.RestoreBackup(context.Background(), 42)
	if !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, _ := afero.DirExists(f.fs, filepath.Join(root, "restores")); ok {
		t.Fatalf("restore directory created for unknown id")
	}
}

func TestRestoreFailedRecordIsNotFound(t *testing.T) {
	mem := afero.NewMemMapFs()
	f := newFixture(t, testOptions(), Deps{Fs: failOpenFs{Fs: mem, path: "/app/app.log"}})
	rec := f.create(t, backup.KindManual)
	if _, err := f.m.RestoreBackup(context.Background(), rec.ID); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteBackup(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	rec := f.create(t, backup.KindManual)
	f.create(t, backup.KindManual)

	if ok, err := f.m.DeleteBackup(context.Background(), 99); err != nil || ok {
		t.Fatalf("unknown id: %v, %v", ok, err)
	}
	if list, _ := f.m.ListBackups(); len(list) != 2 {
		t.Fatalf("history changed by unknown delete: %v", ids(list))
	}

	// artifact already gone is tolerated
	if err := f.fs.Remove(rec.ArtifactPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, err := f.m.DeleteBackup(context.Background(), rec.ID); err != nil || !ok {
		t.Fatalf("delete: %v, %v", ok, err)
	}
	if ok, err := f.m.DeleteBackup(context.Background(), rec.ID); err != nil || ok {
		t.Fatalf("second delete: %v, %v", ok, err)
	}
	if _, err := f.m.GetBackup(rec.ID); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListBackupsIsACopy(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	f.create(t, backup.KindManual)

	list, _ := f.m.ListBackups()
	list[0].Status = backup.StatusFailed
	list[0].IncludedFiles[0] = "tampered"

	again, _ := f.m.ListBackups()
	if again[0].Status != backup.StatusCompleted || again[0].IncludedFiles[0] == "tampered" {
		t.Fatalf("caller mutation leaked into history: %+v", again[0])
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	a := f.create(t, backup.KindManual)
	b := f.create(t, backup.KindAutomated)

	st, err := f.m.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Total != 2 || st.Completed != 2 || st.Failed != 0 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.TotalSizeBytes != a.SizeBytes+b.SizeBytes {
		t.Fatalf("unexpected total size: %d", st.TotalSizeBytes)
	}
	if want := math.Round(float64(a.SizeBytes+b.SizeBytes)/(1<<20)*100) / 100; st.TotalSizeMB != want {
		t.Fatalf("unexpected total size in MB: %v, want %v", st.TotalSizeMB, want)
	}
	if st.LastBackup == nil || st.LastBackup.ID != b.ID {
		t.Fatalf("unexpected last backup: %+v", st.LastBackup)
	}
	if st.MaxBackups != 30 || st.BackupDir != root {
		t.Fatalf("unexpected settings: %+v", st)
	}
}

func TestOpenStreamsArtifact(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	rec := f.create(t, backup.KindManual)

	rc, got, err := f.m.Open(rec.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if int64(len(body)) != rec.SizeBytes || got.ID != rec.ID {
		t.Fatalf("unexpected download: %d bytes for %+v", len(body), got)
	}
	if _, _, err := f.m.Open(7); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplicationRecordsRemoteKey(t *testing.T) {
	mem := afero.NewMemMapFs()
	replica := storage.NewLocal(mem, "/replica")
	opts := testOptions()
	opts.ReplicaPrefix = "reports"
	opts.ReplicaAttempts = 1
	f := newFixture(t, opts, Deps{Fs: mem, Replica: replica})

	rec := f.create(t, backup.KindManual)
	if rec.RemoteKey != "reports/2024/05/20240501T020000Z_manual.tar.zst" {
		t.Fatalf("unexpected remote key: %q", rec.RemoteKey)
	}
	stored, _ := f.m.GetBackup(rec.ID)
	if stored.RemoteKey != rec.RemoteKey {
		t.Fatalf("remote key not persisted: %+v", stored)
	}
	if ok, _ := replica.Exists(context.Background(), rec.RemoteKey); !ok {
		t.Fatalf("replica missing")
	}

	if _, err := f.m.DeleteBackup(context.Background(), rec.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := replica.Exists(context.Background(), rec.RemoteKey); ok {
		t.Fatalf("replica not removed with its backup")
	}
}

func TestReadOnlyManager(t *testing.T) {
	mem := afero.NewMemMapFs()
	writer := newFixture(t, testOptions(), Deps{Fs: mem})
	rec := writer.create(t, backup.KindManual)

	opts := testOptions()
	opts.ReadOnly = true
	reader := newFixture(t, opts, Deps{Fs: mem})

	if _, err := reader.m.CreateBackup(context.Background(), backup.KindManual); !errors.Is(err, backup.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	if _, err := reader.m.DeleteBackup(context.Background(), rec.ID); !errors.Is(err, backup.ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
	got, err := reader.m.GetBackup(rec.ID)
	if err != nil || got.Name != rec.Name {
		t.Fatalf("read-only manager cannot read history: %+v, %v", got, err)
	}
}

func TestReadOnlyManagerWithoutRoot(t *testing.T) {
	opts := testOptions()
	opts.ReadOnly = true
	f := newFixture(t, opts, Deps{})
	list, err := f.m.ListBackups()
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty history, got %v, %v", list, err)
	}
	if ok, _ := afero.DirExists(f.fs, root); ok {
		t.Fatalf("read-only manager created the backup root")
	}
}

func TestManagerRequiresInit(t *testing.T) {
	m, err := New(testOptions(), Deps{Fs: afero.NewMemMapFs(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := m.CreateBackup(context.Background(), backup.KindManual); !errors.Is(err, backup.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := m.ListBackups(); !errors.Is(err, backup.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCreateRejectsInvalidKind(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	if _, err := f.m.CreateBackup(context.Background(), "../etc"); !errors.Is(err, backup.ErrInvalidKind) {
		t.Fatalf("expected ErrInvalidKind, got %v", err)
	}
	if list, _ := f.m.ListBackups(); len(list) != 0 {
		t.Fatalf("invalid kind allocated a record")
	}
}

func TestInitSweepsStaleStaging(t *testing.T) {
	mem := afero.NewMemMapFs()
	stale := filepath.Join(root, stagingPrefix+"leftover")
	if err := mem.MkdirAll(stale, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	newFixture(t, testOptions(), Deps{Fs: mem})
	if ok, _ := afero.DirExists(mem, stale); ok {
		t.Fatalf("stale staging directory not removed")
	}
}

func TestScheduledTriggerCreatesBackup(t *testing.T) {
	daily, err := schedule.Daily(backup.KindAutomated, "02:01")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	opts := testOptions()
	opts.ScheduleEnabled = true
	opts.Triggers = []schedule.Trigger{daily}
	opts.Location = time.UTC
	f := newFixture(t, opts, Deps{})

	st, _ := f.m.Status()
	if len(st.NextRuns) != 1 || !st.NextRuns[0].Next.Equal(time.Date(2024, 5, 1, 2, 1, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run: %v", st.NextRuns)
	}

	f.clock.Add(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if list, _ := f.m.ListBackups(); len(list) == 1 {
			if list[0].Type != backup.KindAutomated || list[0].Status != backup.StatusCompleted {
				t.Fatalf("unexpected scheduled record: %+v", list[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scheduled backup did not run")
}

func artifacts(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	matches, err := afero.Glob(fs, filepath.Join(root, "*.tar.zst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestHistoryWriteFailureKeepsPrunedArtifact(t *testing.T) {
	broken := &atomic.Bool{}
	fs := failRenameFs{Fs: afero.NewMemMapFs(), path: filepath.Join(root, "backup_history.json"), broken: broken}
	opts := testOptions()
	opts.Retention = retention.Policy{MaxCompleted: 1}
	f := newFixture(t, opts, Deps{Fs: fs})

	first := f.create(t, backup.KindManual)
	broken.Store(true)
	if _, err := f.m.CreateBackup(context.Background(), backup.KindManual); err == nil {
		t.Fatalf("expected create to fail when the history cannot be written")
	}

	got, err := f.m.GetBackup(first.ID)
	if err != nil || got.Status != backup.StatusCompleted {
		t.Fatalf("expected record %d to stay completed, got %+v, %v", first.ID, got, err)
	}
	if ok, _ := afero.Exists(fs, first.ArtifactPath); !ok {
		t.Fatalf("artifact of record %d removed by a prune that was never recorded", first.ID)
	}
	if left := artifacts(t, fs); len(left) != 1 || left[0] != first.ArtifactPath {
		t.Fatalf("unexpected artifacts on disk: %v", left)
	}
}

func TestDeleteHistoryFailureKeepsArtifact(t *testing.T) {
	broken := &atomic.Bool{}
	fs := failRenameFs{Fs: afero.NewMemMapFs(), path: filepath.Join(root, "backup_history.json"), broken: broken}
	f := newFixture(t, testOptions(), Deps{Fs: fs})
	rec := f.create(t, backup.KindManual)

	broken.Store(true)
	if _, err := f.m.DeleteBackup(context.Background(), rec.ID); err == nil {
		t.Fatalf("expected delete to fail when the history cannot be written")
	}
	if _, err := f.m.GetBackup(rec.ID); err != nil {
		t.Fatalf("record should still be listed: %v", err)
	}
	if ok, _ := afero.Exists(fs, rec.ArtifactPath); !ok {
		t.Fatalf("artifact removed although the record is still completed")
	}

	broken.Store(false)
	if ok, err := f.m.DeleteBackup(context.Background(), rec.ID); err != nil || !ok {
		t.Fatalf("delete after recovery: %v, %v", ok, err)
	}
	if ok, _ := afero.Exists(fs, rec.ArtifactPath); ok {
		t.Fatalf("artifact left behind after delete")
	}
}

func TestDeleteWaitsForPinnedArtifact(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	rec := f.create(t, backup.KindManual)

	// a restore in flight holds the artifact
	f.m.pins.pin(rec.ArtifactPath)
	if ok, err := f.m.DeleteBackup(context.Background(), rec.ID); err != nil || !ok {
		t.Fatalf("delete: %v, %v", ok, err)
	}
	if _, err := f.m.GetBackup(rec.ID); !errors.Is(err, backup.ErrNotFound) {
		t.Fatalf("expected record to be gone, got %v", err)
	}
	if ok, _ := afero.Exists(f.fs, rec.ArtifactPath); !ok {
		t.Fatalf("artifact removed while a restore still reads it")
	}
	f.m.unpin(rec.ArtifactPath)
	if ok, _ := afero.Exists(f.fs, rec.ArtifactPath); ok {
		t.Fatalf("artifact not removed by its last reader")
	}
}

func TestRestoreReleasesPin(t *testing.T) {
	f := newFixture(t, testOptions(), Deps{})
	rec := f.create(t, backup.KindManual)
	if _, err := f.m.RestoreBackup(context.Background(), rec.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if ok, err := f.m.DeleteBackup(context.Background(), rec.ID); err != nil || !ok {
		t.Fatalf("delete: %v, %v", ok, err)
	}
	if ok, _ := afero.Exists(f.fs, rec.ArtifactPath); ok {
		t.Fatalf("artifact kept although no restore holds it")
	}
}
