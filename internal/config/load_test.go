package config

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rbu.yaml")
	if err := os.WriteFile(path, []byte("backup:\n  root: "+dir+"\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retention.MaxBackups != 30 {
		t.Fatalf("unexpected max_backups: %d", cfg.Retention.MaxBackups)
	}
	if cfg.Backup.Format != "tar" || cfg.Backup.Compression != "zstd" {
		t.Fatalf("unexpected archive defaults: %s/%s", cfg.Backup.Format, cfg.Backup.Compression)
	}
	if len(cfg.Backup.Categories) != 4 || cfg.Backup.Categories[0].Name != "database" {
		t.Fatalf("unexpected default categories: %+v", cfg.Backup.Categories)
	}
	if len(cfg.Schedule.Triggers) != 2 || cfg.Schedule.Triggers[1].Weekday != "sunday" {
		t.Fatalf("unexpected default triggers: %+v", cfg.Schedule.Triggers)
	}
	if cfg.Schedule.PollInterval != time.Minute {
		t.Fatalf("unexpected poll interval: %s", cfg.Schedule.PollInterval)
	}
	if cfg.HistoryPath() != filepath.Join(dir, "backup_history.json") {
		t.Fatalf("unexpected history path: %s", cfg.HistoryPath())
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rbu.yaml")
	body := `
backup:
  root: /srv/backups
  format: zip
  categories:
    - name: uploads
      source: /srv/app/uploads
retention:
  max_backups: 2
schedule:
  triggers:
    - type: nightly
      cron: "30 1 * * *"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("RBU_RETENTION_MAX_FAILED", "5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Backup.Format != "zip" || cfg.Retention.MaxBackups != 2 {
		t.Fatalf("file values not applied: %+v", cfg.Backup)
	}
	if cfg.Retention.MaxFailed != 5 {
		t.Fatalf("env override not applied: %d", cfg.Retention.MaxFailed)
	}
	if len(cfg.Backup.Categories) != 1 || cfg.Backup.Categories[0].Name != "uploads" {
		t.Fatalf("categories not replaced: %+v", cfg.Backup.Categories)
	}
	if len(cfg.Schedule.Triggers) != 1 || cfg.Schedule.Triggers[0].Cron != "30 1 * * *" {
		t.Fatalf("triggers not replaced: %+v", cfg.Schedule.Triggers)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rbu.yaml")
	body := "backup:\n  root: /srv\n  format: rar\nschedule:\n  triggers:\n    - type: daily\n      at: \"25:00\"\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoadEncryptedConfig(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "rbu.yaml")
	if err := os.WriteFile(plain, []byte("retention:\n  max_backups: 7\n"), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{5}, 32))
	out, err := EncryptConfigFile(plain, "", key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != plain+".enc" {
		t.Fatalf("unexpected output path: %s", out)
	}

	t.Setenv("RBU_CONFIG_KEY", key)
	cfg, err := Load(out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retention.MaxBackups != 7 {
		t.Fatalf("unexpected max_backups: %d", cfg.Retention.MaxBackups)
	}
}
