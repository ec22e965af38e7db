package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	Datasource DatasourceConfig `yaml:"datasource"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	SES        SESConfig        `yaml:"ses"`
	DKIM       DKIMConfig       `yaml:"dkim"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Lock       LockConfig       `yaml:"lock"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname string `yaml:"hostname" env:"ONTASK_HOSTNAME"`
	// BaseURL is the public URL tracking markers point at
	BaseURL string `yaml:"base_url" env:"ONTASK_BASE_URL"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr" env:"ONTASK_API_LISTEN_ADDR"`
	// APIKeys are bcrypt hashes; an empty list leaves the API open
	APIKeys        []string      `yaml:"api_keys" env:"ONTASK_API_KEYS" envSeparator:","`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path" env:"ONTASK_STORAGE_PATH"`
	// JobRetention prunes job history older than this (0 = keep forever)
	JobRetention    time.Duration `yaml:"job_retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DatasourceConfig points at the SQL database datalabs are imported from
type DatasourceConfig struct {
	Driver string `yaml:"driver" env:"ONTASK_DATASOURCE_DRIVER"`
	DSN    string `yaml:"dsn" env:"ONTASK_DATASOURCE_DSN"`
}

// SMTPConfig contains outbound SMTP relay settings
type SMTPConfig struct {
	Host               string        `yaml:"host" env:"ONTASK_SMTP_HOST"`
	Port               int           `yaml:"port" env:"ONTASK_SMTP_PORT"`
	Username           string        `yaml:"username" env:"ONTASK_SMTP_USERNAME"`
	Password           string        `yaml:"password" env:"ONTASK_SMTP_PASSWORD"`
	From               string        `yaml:"from" env:"ONTASK_SMTP_FROM"`
	TLS                string        `yaml:"tls"` // none, starttls, tls
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

// SESConfig contains Amazon SES settings
type SESConfig struct {
	Region           string `yaml:"region" env:"ONTASK_SES_REGION"`
	AccessKeyID      string `yaml:"access_key_id" env:"ONTASK_SES_ACCESS_KEY_ID"`
	SecretAccessKey  string `yaml:"secret_access_key" env:"ONTASK_SES_SECRET_ACCESS_KEY"`
	From             string `yaml:"from" env:"ONTASK_SES_FROM"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// DKIMConfig contains DKIM signing settings for the SMTP transport
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// TrackingConfig contains open-tracking token settings
type TrackingConfig struct {
	Secret   string        `yaml:"secret" env:"ONTASK_TRACKING_SECRET"`
	TokenTTL time.Duration `yaml:"token_ttl"` // 0 = tokens never expire
}

// DispatchConfig contains campaign run settings
type DispatchConfig struct {
	Transport   string `yaml:"transport" env:"ONTASK_DISPATCH_TRANSPORT"` // smtp, ses
	Concurrency int    `yaml:"concurrency"`
	DemoMode    bool   `yaml:"demo_mode"`
}

// SchedulerConfig contains scheduled run settings
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// LockConfig selects the run lock; an empty RedisAddr keeps locks in process
type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr" env:"ONTASK_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"ONTASK_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// RateLimitConfig contains outbound rate limiting settings
type RateLimitConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Global             *LimitValues  `yaml:"global,omitempty"`
	PerCampaign        *LimitValues  `yaml:"per_campaign,omitempty"`
	PerRecipientDomain *LimitValues  `yaml:"per_recipient_domain,omitempty"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	MessagesPerHour int `yaml:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	CollectInterval time.Duration `yaml:"collect_interval"`
	AllowedIPs      []string      `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"ONTASK_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"ONTASK_LOG_FORMAT"` // json, text
}

// Load loads configuration from a YAML file, then applies ONTASK_*
// environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	// any value, including empty, turns demo mode on
	if _, ok := os.LookupEnv("ONTASK_DEMO"); ok {
		c.Dispatch.DemoMode = true
	}
	return nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 10 << 20 // 10 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		// manual runs answer only when the whole run is done
		c.API.WriteTimeout = 10 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/ontask/ontask.db"
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.Dispatch.Transport == "" {
		c.Dispatch.Transport = "smtp"
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 1
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SMTP.TLS == "" {
		c.SMTP.TLS = "starttls"
	}
	if c.SMTP.Timeout == 0 {
		c.SMTP.Timeout = 30 * time.Second
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = time.Minute
	}

	if c.Lock.TTL == 0 {
		c.Lock.TTL = time.Minute
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.CollectInterval == 0 {
		c.Metrics.CollectInterval = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Tracking.Secret == "" {
		return fmt.Errorf("tracking.secret is required")
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("dispatch.concurrency must be at least 1")
	}

	switch c.Dispatch.Transport {
	case "smtp":
		if err := c.validateSMTP(); err != nil {
			return err
		}
	case "ses":
		if c.SES.Region == "" {
			return fmt.Errorf("ses.region is required when dispatch.transport is ses")
		}
		if c.SES.From == "" {
			return fmt.Errorf("ses.from is required when dispatch.transport is ses")
		}
	default:
		return fmt.Errorf("invalid dispatch.transport: %s (must be smtp or ses)", c.Dispatch.Transport)
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	if c.Datasource.DSN != "" {
		switch c.Datasource.Driver {
		case "sqlite3", "postgres":
		default:
			return fmt.Errorf("invalid datasource.driver: %s (must be sqlite3 or postgres)", c.Datasource.Driver)
		}
	}

	if c.Scheduler.Enabled && c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}

	return nil
}

func (c *Config) validateSMTP() error {
	if c.SMTP.Host == "" {
		return fmt.Errorf("smtp.host is required when dispatch.transport is smtp")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required when dispatch.transport is smtp")
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[c.SMTP.TLS] {
		return fmt.Errorf("invalid smtp.tls: %s (must be none, starttls, or tls)", c.SMTP.TLS)
	}
	return nil
}

// validateDKIM validates DKIM configuration
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.Dispatch.Transport != "smtp" {
		return fmt.Errorf("dkim signing is only supported with the smtp transport")
	}
	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}

	return nil
}
