// Package config loads the mailcore configuration from TOML or YAML,
// applies MAILCORE_* environment overrides and validates the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	burnt "github.com/BurntSushi/toml"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" or "5m" in config files
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML accepts the same strings as UnmarshalText
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

// MarshalYAML writes the duration string
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// ServerConfig is the SMTP listener identity
type ServerConfig struct {
	Hostname         string   `toml:"hostname" yaml:"hostname"`
	Listen           string   `toml:"listen" yaml:"listen"`
	ListenSubmission string   `toml:"listen_submission" yaml:"listen_submission"`
	TLSCert          string   `toml:"tls_cert" yaml:"tls_cert"`
	TLSKey           string   `toml:"tls_key" yaml:"tls_key"`
	MaxMessageBytes  int64    `toml:"max_message_bytes" yaml:"max_message_bytes"`
	MaxRecipients    int      `toml:"max_recipients" yaml:"max_recipients"`
	ReadTimeout      Duration `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout     Duration `toml:"write_timeout" yaml:"write_timeout"`
}

// DatabaseConfig selects the policy and queue database
type DatabaseConfig struct {
	Driver       string `toml:"driver" yaml:"driver"` // postgres or sqlite3
	DSN          string `toml:"dsn" yaml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns" yaml:"max_open_conns"`
}

// PolicyConfig selects where domain policy comes from. The database source
// needs postgres; the file source reads a YAML document at startup.
type PolicyConfig struct {
	Source string `toml:"source" yaml:"source"` // database or file
	File   string `toml:"file" yaml:"file"`
}

// RedisConfig enables the queue fast path and the delivery stats store
type RedisConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
}

// ClusterConfig elects one instance to run the queue sweeps when several
// share a database. It needs redis.
type ClusterConfig struct {
	Enabled  bool     `toml:"enabled" yaml:"enabled"`
	NodeID   string   `toml:"node_id" yaml:"node_id"` // defaults to server.hostname
	LeaseTTL Duration `toml:"lease_ttl" yaml:"lease_ttl"`
}

// QueueConfig covers the queue manager, body storage and worker pool
type QueueConfig struct {
	Workers          int      `toml:"workers" yaml:"workers"`
	BatchSize        int      `toml:"batch_size" yaml:"batch_size"`
	PollInterval     Duration `toml:"poll_interval" yaml:"poll_interval"`
	RetryDelay       Duration `toml:"retry_delay" yaml:"retry_delay"`
	MaxRetryDelay    Duration `toml:"max_retry_delay" yaml:"max_retry_delay"`
	MaxRetries       int      `toml:"max_retries" yaml:"max_retries"`
	DelayNotifyAfter int      `toml:"delay_notify_after" yaml:"delay_notify_after"`
	StaleAfter       Duration `toml:"stale_after" yaml:"stale_after"`
	RecoveryInterval Duration `toml:"recovery_interval" yaml:"recovery_interval"`
	CleanupInterval  Duration `toml:"cleanup_interval" yaml:"cleanup_interval"`
	Retention        Duration `toml:"retention" yaml:"retention"`
	BodyStore        string   `toml:"body_store" yaml:"body_store"` // file or s3
	BodyDir          string   `toml:"body_dir" yaml:"body_dir"`
	S3Bucket         string   `toml:"s3_bucket" yaml:"s3_bucket"`
	S3Prefix         string   `toml:"s3_prefix" yaml:"s3_prefix"`
	S3Region         string   `toml:"s3_region" yaml:"s3_region"`
	S3Endpoint       string   `toml:"s3_endpoint" yaml:"s3_endpoint"`
}

// DeliveryConfig covers local mailboxes, the SMTP relay and its guards
type DeliveryConfig struct {
	MailboxRoot         string   `toml:"mailbox_root" yaml:"mailbox_root"`
	MaxHops             int      `toml:"max_hops" yaml:"max_hops"`
	RelayPort           int      `toml:"relay_port" yaml:"relay_port"`
	ConnectTimeout      Duration `toml:"connect_timeout" yaml:"connect_timeout"`
	CommandTimeout      Duration `toml:"command_timeout" yaml:"command_timeout"`
	TLSMinVersion       string   `toml:"tls_min_version" yaml:"tls_min_version"`
	PerDomainRate       float64  `toml:"per_domain_rate" yaml:"per_domain_rate"`
	PerDomainBurst      int      `toml:"per_domain_burst" yaml:"per_domain_burst"`
	BreakerMaxRequests  uint32   `toml:"breaker_max_requests" yaml:"breaker_max_requests"`
	BreakerInterval     Duration `toml:"breaker_interval" yaml:"breaker_interval"`
	BreakerTimeout      Duration `toml:"breaker_timeout" yaml:"breaker_timeout"`
	BreakerMinRequests  uint32   `toml:"breaker_min_requests" yaml:"breaker_min_requests"`
	BreakerFailureRatio float64  `toml:"breaker_failure_ratio" yaml:"breaker_failure_ratio"`
}

// DKIMConfig controls signing. Keys live in the policy store.
type DKIMConfig struct {
	EncryptionKey          string   `toml:"encryption_key" yaml:"encryption_key"`
	Selector               string   `toml:"selector" yaml:"selector"`
	HeaderCanonicalization string   `toml:"header_canonicalization" yaml:"header_canonicalization"`
	BodyCanonicalization   string   `toml:"body_canonicalization" yaml:"body_canonicalization"`
	Expiry                 Duration `toml:"expiry" yaml:"expiry"`
	KeyCacheTTL            Duration `toml:"key_cache_ttl" yaml:"key_cache_ttl"`
}

// DNSConfig configures the recursive resolver
type DNSConfig struct {
	Servers  []string `toml:"servers" yaml:"servers"`
	Timeout  Duration `toml:"timeout" yaml:"timeout"`
	CacheTTL Duration `toml:"cache_ttl" yaml:"cache_ttl"`
}

// DMARCConfig configures validation and aggregate reporting
type DMARCConfig struct {
	OrgDomainMode  string   `toml:"org_domain_mode" yaml:"org_domain_mode"` // psl or heuristic
	Timeout        Duration `toml:"timeout" yaml:"timeout"`
	ReportOrg      string   `toml:"report_org" yaml:"report_org"`
	ReportEmail    string   `toml:"report_email" yaml:"report_email"`
	ReportInterval Duration `toml:"report_interval" yaml:"report_interval"`
	ReportDir      string   `toml:"report_dir" yaml:"report_dir"`
}

// ScannerConfig points at a clamd instance that scans every accepted message
type ScannerConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	Type           string   `toml:"type" yaml:"type"`
	Address        string   `toml:"address" yaml:"address"` // unix:/path or tcp://host:port
	Timeout        Duration `toml:"timeout" yaml:"timeout"`
	MaxSize        int64    `toml:"max_size" yaml:"max_size"`
	RejectInfected bool     `toml:"reject_infected" yaml:"reject_infected"`
}

// CacheConfig selects the policy and DNS cache backend
type CacheConfig struct {
	Type      string   `toml:"type" yaml:"type"` // memory, redis or memcached
	Addr      string   `toml:"addr" yaml:"addr"`
	Password  string   `toml:"password" yaml:"password"`
	Prefix    string   `toml:"prefix" yaml:"prefix"`
	PolicyTTL Duration `toml:"policy_ttl" yaml:"policy_ttl"`
}

// MetricsConfig toggles the prometheus endpoint and the valkey stats store
type MetricsConfig struct {
	Enabled    bool `toml:"enabled" yaml:"enabled"`
	StatsStore bool `toml:"stats_store" yaml:"stats_store"`
}

// APIConfig is the admin HTTP listener
type APIConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	Listen         string   `toml:"listen" yaml:"listen"`
	RateLimit      float64  `toml:"rate_limit" yaml:"rate_limit"` // requests per second per client, 0 disables
	RateBurst      int      `toml:"rate_burst" yaml:"rate_burst"`
	TrustedProxies []string `toml:"trusted_proxies" yaml:"trusted_proxies"`
}

// LoggingConfig is passed to logging.Setup
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"` // json or text
	Output string `toml:"output" yaml:"output"` // stdout, stderr or a file path
}

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Database DatabaseConfig `toml:"database" yaml:"database"`
	Policy   PolicyConfig   `toml:"policy" yaml:"policy"`
	Redis    RedisConfig    `toml:"redis" yaml:"redis"`
	Cluster  ClusterConfig  `toml:"cluster" yaml:"cluster"`
	Queue    QueueConfig    `toml:"queue" yaml:"queue"`
	Delivery DeliveryConfig `toml:"delivery" yaml:"delivery"`
	DKIM     DKIMConfig     `toml:"dkim" yaml:"dkim"`
	DNS      DNSConfig      `toml:"dns" yaml:"dns"`
	DMARC    DMARCConfig    `toml:"dmarc" yaml:"dmarc"`
	Scanner  ScannerConfig  `toml:"scanner" yaml:"scanner"`
	Cache    CacheConfig    `toml:"cache" yaml:"cache"`
	Metrics  MetricsConfig  `toml:"metrics" yaml:"metrics"`
	API      APIConfig      `toml:"api" yaml:"api"`
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`

	// Path is the file the configuration was loaded from, if any
	Path string `toml:"-" yaml:"-"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":25"
	cfg.Server.ListenSubmission = ":587"
	cfg.Server.MaxMessageBytes = 50 * 1024 * 1024
	cfg.Server.MaxRecipients = 100
	cfg.Server.ReadTimeout = Duration(time.Minute)
	cfg.Server.WriteTimeout = Duration(time.Minute)

	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = "file:/var/lib/mailcore/mailcore.db?_busy_timeout=5000"
	cfg.Database.MaxOpenConns = 10

	cfg.Policy.Source = "file"
	cfg.Policy.File = "/etc/mailcore/policy.yaml"

	cfg.Redis.Addr = "localhost:6379"
	cfg.Cluster.LeaseTTL = Duration(30 * time.Second)

	cfg.Queue.Workers = 4
	cfg.Queue.BatchSize = 10
	cfg.Queue.PollInterval = Duration(5 * time.Second)
	cfg.Queue.RetryDelay = Duration(5 * time.Minute)
	cfg.Queue.MaxRetryDelay = Duration(time.Hour)
	cfg.Queue.MaxRetries = 5
	cfg.Queue.StaleAfter = Duration(30 * time.Minute)
	cfg.Queue.RecoveryInterval = Duration(5 * time.Minute)
	cfg.Queue.CleanupInterval = Duration(time.Hour)
	cfg.Queue.Retention = Duration(7 * 24 * time.Hour)
	cfg.Queue.BodyStore = "file"
	cfg.Queue.BodyDir = "/var/spool/mailcore/bodies"

	cfg.Delivery.MailboxRoot = "/var/spool/mailcore/mailboxes"
	cfg.Delivery.MaxHops = 10
	cfg.Delivery.RelayPort = 25
	cfg.Delivery.ConnectTimeout = Duration(30 * time.Second)
	cfg.Delivery.CommandTimeout = Duration(5 * time.Minute)
	cfg.Delivery.TLSMinVersion = "1.2"
	cfg.Delivery.PerDomainRate = 5
	cfg.Delivery.PerDomainBurst = 10
	cfg.Delivery.BreakerMaxRequests = 50
	cfg.Delivery.BreakerInterval = Duration(time.Minute)
	cfg.Delivery.BreakerTimeout = Duration(time.Minute)
	cfg.Delivery.BreakerMinRequests = 5
	cfg.Delivery.BreakerFailureRatio = 0.5

	cfg.DKIM.Selector = "mail"
	cfg.DKIM.HeaderCanonicalization = "relaxed"
	cfg.DKIM.BodyCanonicalization = "relaxed"
	cfg.DKIM.Expiry = Duration(7 * 24 * time.Hour)
	cfg.DKIM.KeyCacheTTL = Duration(time.Hour)

	cfg.DNS.Timeout = Duration(5 * time.Second)
	cfg.DNS.CacheTTL = Duration(5 * time.Minute)

	cfg.DMARC.OrgDomainMode = "psl"
	cfg.DMARC.Timeout = Duration(10 * time.Second)
	cfg.DMARC.ReportOrg = "mailcore"
	cfg.DMARC.ReportInterval = Duration(24 * time.Hour)
	cfg.DMARC.ReportDir = "/var/spool/mailcore/dmarc-reports"

	cfg.Scanner.Type = "clamav"
	cfg.Scanner.Address = "unix:/var/run/clamav/clamd.sock"
	cfg.Scanner.Timeout = Duration(30 * time.Second)
	cfg.Scanner.MaxSize = 25 * 1024 * 1024
	cfg.Scanner.RejectInfected = true

	cfg.Cache.Type = "memory"
	cfg.Cache.Prefix = "mailcore:"
	cfg.Cache.PolicyTTL = Duration(5 * time.Minute)

	cfg.Metrics.Enabled = true

	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8025"
	cfg.API.RateLimit = 10
	cfg.API.RateBurst = 20

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return "", fmt.Errorf("config file not found at specified path: %s", configPath)
		}
		return configPath, nil
	}

	locations := []string{
		"./mailcore.toml",
		"./mailcore.yaml",
		"./config/mailcore.toml",
		os.ExpandEnv("$HOME/.mailcore.toml"),
		"/etc/mailcore/mailcore.toml",
		"/etc/mailcore/mailcore.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", ErrNoConfigFile
}

// ErrNoConfigFile is returned by FindConfigFile when no location matched
var ErrNoConfigFile = errors.New("no config file found")

// Load reads configPath (or the first file found in the default locations)
// over the defaults, applies environment overrides and validates the result.
// Without any config file the defaults are used.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	logger := slog.Default().With("component", "config")

	file, err := FindConfigFile(configPath)
	switch {
	case errors.Is(err, ErrNoConfigFile):
		logger.Info("No config file found, using defaults")
	case err != nil:
		return nil, err
	default:
		if err := NewConfigFileSecurity().ValidateConfigFileSecurity(file); err != nil {
			return nil, fmt.Errorf("config file security validation failed: %w", err)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Decode(file, data, cfg); err != nil {
			return nil, err
		}
		cfg.Path = file
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	logger.Info("Configuration loaded",
		"path", cfg.Path,
		"hostname", cfg.Server.Hostname,
		"database", cfg.Database.Driver)
	return cfg, nil
}

// Decode parses data into cfg, picking YAML for .yaml/.yml files and TOML
// otherwise. Keys missing from data keep their current values.
func Decode(name string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("error parsing YAML configuration: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("error parsing TOML configuration: %w", err)
		}
	}
	return nil
}

// envOverrides maps MAILCORE_* variables onto fields, mostly secrets that
// should stay out of config files
var envOverrides = map[string]func(c *Config, v string){
	"MAILCORE_HOSTNAME":            func(c *Config, v string) { c.Server.Hostname = v },
	"MAILCORE_DATABASE_DRIVER":     func(c *Config, v string) { c.Database.Driver = v },
	"MAILCORE_DATABASE_DSN":        func(c *Config, v string) { c.Database.DSN = v },
	"MAILCORE_REDIS_ADDR":          func(c *Config, v string) { c.Redis.Addr = v },
	"MAILCORE_REDIS_PASSWORD":      func(c *Config, v string) { c.Redis.Password = v },
	"MAILCORE_DKIM_ENCRYPTION_KEY": func(c *Config, v string) { c.DKIM.EncryptionKey = v },
	"MAILCORE_CACHE_PASSWORD":      func(c *Config, v string) { c.Cache.Password = v },
	"MAILCORE_LOG_LEVEL":           func(c *Config, v string) { c.Logging.Level = v },
}

// ApplyEnv applies MAILCORE_* overrides using lookup, normally os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for name, apply := range envOverrides {
		if v, ok := lookup(name); ok && v != "" {
			apply(c, v)
		}
	}
}

const redacted = "***REDACTED***"

// Redacted returns a copy with secrets masked
func (c *Config) Redacted() *Config {
	out := *c
	out.DNS.Servers = append([]string(nil), c.DNS.Servers...)
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Database.DSN)
	mask(&out.Redis.Password)
	mask(&out.DKIM.EncryptionKey)
	mask(&out.Cache.Password)
	return &out
}

// Dump writes the effective configuration as TOML with secrets masked
func (c *Config) Dump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "# mailcore effective configuration"); err != nil {
		return err
	}
	return burnt.NewEncoder(w).Encode(c.Redacted())
}

// SaveConfig writes the configuration to configPath as TOML. Secrets are
// kept, so the file is created owner-readable only.
func (c *Config) SaveConfig(configPath string) error {
	var b strings.Builder
	b.WriteString("# mailcore configuration\n")
	if err := burnt.NewEncoder(&b).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return NewConfigFileSecurity().CreateSecureConfigFile(configPath, []byte(b.String()), true)
}

// CreateDefaultConfig creates a default configuration file
func CreateDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	return DefaultConfig().SaveConfig(configPath)
}
