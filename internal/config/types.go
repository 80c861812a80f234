package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Replication   ReplicationConfig   `mapstructure:"replication"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Server        ServerConfig        `mapstructure:"server"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`  // defaults to <backup.root>/.rbu.lock
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"`
}

type BackupConfig struct {
	Root          string     `mapstructure:"root"`
	HistoryFile   string     `mapstructure:"history_file"` // defaults to <root>/backup_history.json
	Format        string     `mapstructure:"format"`       // tar or zip
	Compression   string     `mapstructure:"compression"`  // none, gzip, zstd (tar only)
	Encryption    bool       `mapstructure:"encryption"`
	EncryptionKey string     `mapstructure:"encryption_key"`
	Categories    []Category `mapstructure:"categories"`
}

type Category struct {
	Name     string   `mapstructure:"name"`
	Source   string   `mapstructure:"source"`
	Patterns []string `mapstructure:"patterns"`
}

type RetentionConfig struct {
	MaxBackups int `mapstructure:"max_backups"`
	MaxFailed  int `mapstructure:"max_failed"` // 0 keeps every failed record
}

type RestoreConfig struct {
	Dir           string `mapstructure:"dir"` // defaults to <backup.root>/restores
	MaxEntryBytes int64  `mapstructure:"max_entry_bytes"`
}

type ScheduleConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timezone     string        `mapstructure:"timezone"`
	Triggers     []Trigger     `mapstructure:"triggers"`
}

type Trigger struct {
	Type    string `mapstructure:"type"`
	At      string `mapstructure:"at"`      // HH:MM
	Weekday string `mapstructure:"weekday"` // empty for daily
	Cron    string `mapstructure:"cron"`    // overrides at/weekday
}

type ReplicationConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Storage      StorageConfig `mapstructure:"storage"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type NotificationsConfig struct {
	OnSuccess  bool             `mapstructure:"on_success"` // failures are always sent
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Token           string        `mapstructure:"token"` // optional bearer token for /api
}
