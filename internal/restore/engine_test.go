package restore

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/rowjay/report-backup/internal/archive"
	"github.com/rowjay/report-backup/internal/backup"
	"github.com/rowjay/report-backup/internal/compress"
)

const root = "/backups"

func buildArtifact(t *testing.T, fs afero.Fs) backup.Record {
	t.Helper()
	staging := filepath.Join(root, ".staging")
	md, _ := json.Marshal(backup.Metadata{ID: 7, Name: "20240101T020000Z_manual", Type: backup.KindManual})
	files := map[string][]byte{
		"static/site.css":   []byte("body{}"),
		backup.MetadataFile: md,
	}
	for name, body := range files {
		p := filepath.Join(staging, filepath.FromSlash(name))
		_ = fs.MkdirAll(filepath.Dir(p), 0o750)
		if err := afero.WriteFile(fs, p, body, 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	a, err := archive.New(fs, archive.Format{Container: archive.FormatTar, Compression: compress.TypeZstd}, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("archiver: %v", err)
	}
	dest := filepath.Join(root, "20240101T020000Z_manual.tar.zst")
	size, err := a.Create(context.Background(), staging, dest)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = fs.RemoveAll(staging)
	return backup.Record{
		ID:           7,
		Name:         "20240101T020000Z_manual",
		Type:         backup.KindManual,
		Status:       backup.StatusCompleted,
		ArtifactPath: dest,
		SizeBytes:    size,
	}
}

func TestExtractCompletedArtifact(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := buildArtifact(t, fs)
	e := New(fs, filepath.Join(root, "restores"), nil, 0, zerolog.Nop())

	res, err := e.Extract(context.Background(), rec)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	data, err := afero.ReadFile(fs, filepath.Join(res.Path, "static", "site.css"))
	if err != nil || string(data) != "body{}" {
		t.Fatalf("restored file wrong: %q %v", data, err)
	}
	if res.Metadata == nil || res.Metadata.ID != 7 {
		t.Fatalf("metadata not decoded: %+v", res.Metadata)
	}

	again, err := e.Extract(context.Background(), rec)
	if err != nil {
		t.Fatalf("second extract: %v", err)
	}
	if again.Path == res.Path {
		t.Fatalf("each restore must use a fresh directory")
	}
}

func TestExtractRejectsNonCompletedWithoutWriting(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := New(fs, filepath.Join(root, "restores"), nil, 0, zerolog.Nop())
	records := []backup.Record{
		{ID: 1, Status: backup.StatusFailed, ErrorMessage: "boom"},
		{ID: 2, Status: backup.StatusCompleted, ArtifactPath: filepath.Join(root, "gone.tar.zst")},
		{},
	}
	for _, rec := range records {
		_, err := e.Extract(context.Background(), rec)
		if !errors.Is(err, backup.ErrNotFound) {
			t.Fatalf("id %d: expected ErrNotFound, got %v", rec.ID, err)
		}
	}
	if ok, _ := afero.Exists(fs, root); ok {
		t.Fatalf("restore wrote to the filesystem for a missing backup")
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	fs := afero.NewMemMapFs()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	body := []byte("owned")
	if err := tw.WriteHeader(&tar.Header{Name: "../../etc/cron.d/x", Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
		t.Fatalf("header: %v", err)
	}
	_, _ = tw.Write(body)
	_ = tw.Close()
	artifact := filepath.Join(root, "evil.tar")
	_ = fs.MkdirAll(root, 0o750)
	if err := afero.WriteFile(fs, artifact, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	restores := filepath.Join(root, "restores")
	e := New(fs, restores, nil, 0, zerolog.Nop())
	_, err := e.Extract(context.Background(), backup.Record{ID: 9, Name: "evil", Status: backup.StatusCompleted, ArtifactPath: artifact})
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
	if ok, _ := afero.Exists(fs, "/etc/cron.d/x"); ok {
		t.Fatalf("entry escaped the restore directory")
	}
	entries, _ := afero.ReadDir(fs, restores)
	if len(entries) != 0 {
		t.Fatalf("incomplete restore directory left behind")
	}
}

func TestExtractEnforcesEntryLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	rec := buildArtifact(t, fs)
	e := New(fs, filepath.Join(root, "restores"), nil, 4, zerolog.Nop())
	if _, err := e.Extract(context.Background(), rec); err == nil {
		t.Fatalf("expected size limit error")
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"static/a.css", true},
		{"./static/a.css", true},
		{"a/../b", true},
		{"../a", false},
		{"/etc/passwd", false},
		{`..\windows`, false},
		{".", false},
	}
	for _, tc := range tests {
		_, err := safeJoin("/restore", tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("safeJoin(%q) err = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}
