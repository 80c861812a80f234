package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rowjay/report-backup/internal/cryptoutil"
)

const (
	envPrefix = "RBU"
	keyEnv    = "RBU_CONFIG_KEY"
	pathEnv   = "RBU_CONFIG"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
// An empty path searches the working directory, the user config dir and /etc/rbu.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved := resolveConfigPath(path)
	if resolved != "" {
		if err := readConfigFile(vp, resolved); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", displayPath(resolved), err)
	}
	return &cfg, nil
}

func readConfigFile(vp *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	vp.SetConfigType(configTypeFromPath(path))
	if isEncryptedPath(path) {
		key := os.Getenv(keyEnv)
		if key == "" {
			key = vp.GetString("global.config_passphrase")
		}
		if key == "" {
			return errors.New("config file is encrypted but " + keyEnv + " is not set")
		}
		if data, err = decryptConfig(data, key); err != nil {
			return fmt.Errorf("decrypt config: %w", err)
		}
	}
	if err := vp.ReadConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var configNames = []string{"rbu.yaml", "rbu.yml", "rbu.toml", "rbu.json"}

// resolveConfigPath picks the explicit path, then RBU_CONFIG, then the first
// rbu.* file (plain before encrypted) in the search directories.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if envPath := os.Getenv(pathEnv); envPath != "" {
		return envPath
	}
	dirs := []string{"."}
	if configDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(configDir, "rbu"))
	}
	dirs = append(dirs, "/etc/rbu")
	for _, dir := range dirs {
		for _, suffix := range []string{"", ".enc"} {
			for _, name := range configNames {
				p := filepath.Join(dir, name+suffix)
				if _, err := os.Stat(p); err == nil {
					return p
				}
			}
		}
	}
	return ""
}

func displayPath(p string) string {
	if p == "" {
		return "(defaults)"
	}
	return p
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(path, ".enc"), ".encrypted")
	switch filepath.Ext(base) {
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("backup.root", "./backups")
	vp.SetDefault("backup.format", "tar")
	vp.SetDefault("backup.compression", "zstd")
	vp.SetDefault("backup.categories", []map[string]any{
		{"name": "database", "source": "database/schema", "patterns": []string{"*.sql"}},
		{"name": "static", "source": "static", "patterns": []string{"**"}},
		{"name": "logs", "source": ".", "patterns": []string{"*.log"}},
		{"name": "config", "source": ".", "patterns": []string{"rbu.yaml", ".env.example", ".gitignore"}},
	})
	vp.SetDefault("retention.max_backups", 30)
	vp.SetDefault("retention.max_failed", 0)
	vp.SetDefault("restore.max_entry_bytes", int64(1<<30))
	vp.SetDefault("schedule.enabled", true)
	vp.SetDefault("schedule.poll_interval", "1m")
	vp.SetDefault("schedule.timezone", "")
	vp.SetDefault("schedule.triggers", []map[string]any{
		{"type": "automated", "at": "02:00"},
		{"type": "weekly", "at": "03:00", "weekday": "sunday"},
	})
	vp.SetDefault("replication.enabled", false)
	vp.SetDefault("replication.storage.backend", "local")
	vp.SetDefault("replication.retry_count", 3)
	vp.SetDefault("replication.retry_backoff", "10s")
	vp.SetDefault("server.listen", "127.0.0.1:8085")
	vp.SetDefault("server.read_timeout", "30s")
	vp.SetDefault("server.write_timeout", "10m")
	vp.SetDefault("server.shutdown_timeout", "30s")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
	if cfg.Schedule.PollInterval <= 0 {
		cfg.Schedule.PollInterval = time.Minute
	}
	if cfg.Replication.RetryBackoff == 0 {
		cfg.Replication.RetryBackoff = 10 * time.Second
	}
	cfg.Global.LogLevel = strings.ToLower(cfg.Global.LogLevel)
	cfg.Backup.Format = strings.ToLower(cfg.Backup.Format)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Replication.Storage.Backend = strings.ToLower(cfg.Replication.Storage.Backend)
}

func expandEnv(cfg *Config) {
	cfg.Backup.Root = os.ExpandEnv(cfg.Backup.Root)
	cfg.Backup.EncryptionKey = os.ExpandEnv(cfg.Backup.EncryptionKey)
	for i := range cfg.Backup.Categories {
		cfg.Backup.Categories[i].Source = os.ExpandEnv(cfg.Backup.Categories[i].Source)
	}
	s3 := &cfg.Replication.Storage.S3
	s3.AccessKey = os.ExpandEnv(s3.AccessKey)
	s3.SecretKey = os.ExpandEnv(s3.SecretKey)
	s3.SessionToken = os.ExpandEnv(s3.SessionToken)
	cfg.Server.Token = os.ExpandEnv(cfg.Server.Token)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
