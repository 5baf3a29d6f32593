package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PollerConfig controls the mailbox poll loop.
type PollerConfig struct {
	// Enabled set to false makes the poller fully inert.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval is the wall-clock interval between poll cycles.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`

	// StartupDelay is the warm-up before the first cycle.
	StartupDelay time.Duration `mapstructure:"startup_delay" yaml:"startup_delay"`

	// SearchWindow limits candidate messages to this recency.
	SearchWindow time.Duration `mapstructure:"search_window" yaml:"search_window"`

	// Workers is the number of artifact processing goroutines.
	Workers int `mapstructure:"workers" yaml:"workers"`

	// QueueSize bounds the number of dispatched but unstarted jobs.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`

	// RetryBatch limits how many retryable records one cycle re-dispatches.
	RetryBatch int `mapstructure:"retry_batch" yaml:"retry_batch"`
}

// MailboxConfig holds the IMAP connection settings. The password is
// resolved from the environment or keyring, never from the file.
type MailboxConfig struct {
	Host             string        `mapstructure:"host" yaml:"host"`
	Port             string        `mapstructure:"port" yaml:"port"`
	Username         string        `mapstructure:"username" yaml:"username"`
	TLS              bool          `mapstructure:"tls" yaml:"tls"`
	Mailbox          string        `mapstructure:"mailbox" yaml:"mailbox"`
	ProcessedKeyword string        `mapstructure:"processed_keyword" yaml:"processed_keyword"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxMessages      int           `mapstructure:"max_messages" yaml:"max_messages"`
}

// AllowlistConfig holds the fallback used when no allowlist is persisted.
type AllowlistConfig struct {
	DefaultDomain string `mapstructure:"default_domain" yaml:"default_domain"`
}

// ClassifierConfig tunes artifact detection.
type ClassifierConfig struct {
	TripMarkers   []string `mapstructure:"trip_markers" yaml:"trip_markers"`
	PaxMarkers    []string `mapstructure:"pax_markers" yaml:"pax_markers"`
	MinImageBytes int64    `mapstructure:"min_image_bytes" yaml:"min_image_bytes"`
}

// ExtractionConfig holds the content-extraction service settings.
type ExtractionConfig struct {
	APIURL    string        `mapstructure:"api_url" yaml:"api_url"`
	Model     string        `mapstructure:"model" yaml:"model"`
	MaxTokens int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ImporterConfig holds the import state machine settings.
type ImporterConfig struct {
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// MinioConfig holds the object storage staging settings.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Secure    bool   `mapstructure:"secure" yaml:"secure"`
}

// StagingConfig selects where raw artifact bytes are kept.
type StagingConfig struct {
	// Backend is "fs" or "minio".
	Backend string      `mapstructure:"backend" yaml:"backend"`
	Dir     string      `mapstructure:"dir" yaml:"dir"`
	Minio   MinioConfig `mapstructure:"minio" yaml:"minio"`
}

// SMTPNotifyConfig configures email outcome notifications.
type SMTPNotifyConfig struct {
	Host     string   `mapstructure:"host" yaml:"host"`
	Port     string   `mapstructure:"port" yaml:"port"`
	Username string   `mapstructure:"username" yaml:"username"`
	From     string   `mapstructure:"from" yaml:"from"`
	To       []string `mapstructure:"to" yaml:"to"`
	TLS      bool     `mapstructure:"tls" yaml:"tls"`
}

// KafkaNotifyConfig configures outcome events on Kafka.
type KafkaNotifyConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// RedisNotifyConfig configures outcome entries on a Redis stream.
type RedisNotifyConfig struct {
	Addr   string `mapstructure:"addr" yaml:"addr"`
	DB     int    `mapstructure:"db" yaml:"db"`
	Stream string `mapstructure:"stream" yaml:"stream"`
}

// NotifyConfig holds all notifier settings. A notifier with an empty
// address is not constructed.
type NotifyConfig struct {
	Timeout time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	SMTP    SMTPNotifyConfig  `mapstructure:"smtp" yaml:"smtp"`
	Kafka   KafkaNotifyConfig `mapstructure:"kafka" yaml:"kafka"`
	Redis   RedisNotifyConfig `mapstructure:"redis" yaml:"redis"`
}

// ReconcileConfig seeds the known tour classifications.
type ReconcileConfig struct {
	Classifications map[string]string `mapstructure:"classifications" yaml:"classifications"`
}

// MetricsConfig holds the admin HTTP listener.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Poller     PollerConfig     `mapstructure:"poller" yaml:"poller"`
	Mailbox    MailboxConfig    `mapstructure:"mailbox" yaml:"mailbox"`
	Allowlist  AllowlistConfig  `mapstructure:"allowlist" yaml:"allowlist"`
	Classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Extraction ExtractionConfig `mapstructure:"extraction" yaml:"extraction"`
	Importer   ImporterConfig   `mapstructure:"importer" yaml:"importer"`
	Staging    StagingConfig    `mapstructure:"staging" yaml:"staging"`
	Notify     NotifyConfig     `mapstructure:"notify" yaml:"notify"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile" yaml:"reconcile"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
}

// envPrefix prefixes environment overrides, e.g. BOOKINGMAIL_POLLER_ENABLED.
const envPrefix = "BOOKINGMAIL"

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/bookingmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "bookingmail", "config.yaml")
}

// defaultDataDir is where the database and staged artifacts live by default.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "bookingmail")
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("database.path", filepath.Join(dataDir, "bookingmail.db"))

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", 5*time.Minute)
	v.SetDefault("poller.startup_delay", 10*time.Second)
	v.SetDefault("poller.search_window", 7*24*time.Hour)
	v.SetDefault("poller.workers", 4)
	v.SetDefault("poller.queue_size", 64)
	v.SetDefault("poller.retry_batch", 50)

	v.SetDefault("mailbox.port", "993")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.mailbox", "INBOX")
	v.SetDefault("mailbox.processed_keyword", "$BookingImported")
	v.SetDefault("mailbox.timeout", 60*time.Second)
	v.SetDefault("mailbox.max_messages", 100)

	v.SetDefault("allowlist.default_domain", "@orient-insight.uz")

	v.SetDefault("classifier.trip_markers", []string{"tour", "trip", "программа"})
	v.SetDefault("classifier.pax_markers", []string{"pax", "passengers", "persons"})
	v.SetDefault("classifier.min_image_bytes", 8*1024)

	v.SetDefault("extraction.api_url", "https://api.anthropic.com/v1/messages")
	v.SetDefault("extraction.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("extraction.max_tokens", 4096)
	v.SetDefault("extraction.timeout", 90*time.Second)

	v.SetDefault("importer.max_retries", 3)

	v.SetDefault("staging.backend", "fs")
	v.SetDefault("staging.dir", filepath.Join(dataDir, "artifacts"))
	v.SetDefault("staging.minio.bucket", "booking-artifacts")

	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.smtp.port", "587")
	v.SetDefault("notify.kafka.topic", "booking-import-outcomes")
	v.SetDefault("notify.redis.stream", "booking:imports")

	v.SetDefault("reconcile.classifications", map[string]string{
		"CO": "Classic Oriental",
		"ER": "Extended Route",
		"KZ": "Kazakhstan Combined",
		"TM": "Turkmenistan Combined",
	})

	v.SetDefault("metrics.addr", ":9102")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads configuration from the given YAML file path using Viper,
// applying BOOKINGMAIL_* environment overrides. If the file does not exist,
// defaults and environment are used.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks settings that have no sensible fallback.
func (c *AppConfig) Validate() error {
	if c.Importer.MaxRetries < 1 {
		return fmt.Errorf("importer.max_retries must be at least 1, got %d", c.Importer.MaxRetries)
	}
	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive, got %s", c.Poller.Interval)
	}
	switch c.Staging.Backend {
	case "fs", "minio":
	default:
		return fmt.Errorf("staging.backend must be fs or minio, got %q", c.Staging.Backend)
	}
	return nil
}
