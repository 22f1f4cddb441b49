// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Index backends.
const (
	IndexMemory        = "memory"
	IndexElasticsearch = "elasticsearch"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Pattern sources.
const (
	PatternSourceConfig = "config"
	PatternSourceDB     = "db"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Patterns PatternConfig  `mapstructure:"patterns"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Index    IndexConfig    `mapstructure:"index"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Progress ProgressConfig `mapstructure:"progress"`
	// Seeds are crawled as NEW lists when no database is configured.
	Seeds []string `mapstructure:"seeds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs sessions and per-host workers.
type CrawlerConfig struct {
	UserAgent             string      `mapstructure:"user_agent"`
	DelaySeconds          float64     `mapstructure:"delay_seconds"`
	MaxWorkers            int         `mapstructure:"max_workers"`
	URLBudget             int64       `mapstructure:"url_budget"`
	InclusionEnabled      bool        `mapstructure:"inclusion_enabled"`
	ExclusionEnabled      bool        `mapstructure:"exclusion_enabled"`
	RespectRobots         bool        `mapstructure:"respect_robots"`
	RequestTimeoutSeconds int         `mapstructure:"request_timeout_seconds"`
	MaxBodyBytes          int         `mapstructure:"max_body_bytes"`
	MaxTextBytes          int         `mapstructure:"max_text_bytes"`
	Proxy                 ProxyConfig `mapstructure:"proxy"`
}

// ProxyConfig routes fetches through an HTTP proxy when enabled.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// PatternConfig selects where inclusion and exclusion lists come from.
type PatternConfig struct {
	Source    string   `mapstructure:"source"`
	Inclusion []string `mapstructure:"inclusion"`
	Exclusion []string `mapstructure:"exclusion"`
}

// QueueConfig tunes the crawl queue.
type QueueConfig struct {
	MaxBuffer int `mapstructure:"max_buffer"`
}

// IndexConfig selects the search index backend.
type IndexConfig struct {
	Backend    string   `mapstructure:"backend"`
	Addresses  []string `mapstructure:"addresses"`
	Name       string   `mapstructure:"name"`
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	MaxRetries int      `mapstructure:"max_retries"`
}

// DBConfig controls access to the URL database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	PatternTable    string        `mapstructure:"pattern_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// RefreshAfter is how old a fetch must be before the URL is crawled again.
	RefreshAfter time.Duration `mapstructure:"refresh_after"`
	LimitPerHost int           `mapstructure:"limit_per_host"`
	EnsureSchema bool          `mapstructure:"ensure_schema"`
}

// StorageConfig selects the archive for fetched bodies.
type StorageConfig struct {
	Archive string `mapstructure:"archive"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the commit notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ProgressConfig controls the progress event hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("crawler.user_agent", "webcrawl-indexer/0.1")
	v.SetDefault("crawler.delay_seconds", 2)
	v.SetDefault("crawler.max_workers", 4)
	v.SetDefault("crawler.url_budget", 0)
	v.SetDefault("crawler.inclusion_enabled", false)
	v.SetDefault("crawler.exclusion_enabled", true)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.request_timeout_seconds", 15)
	v.SetDefault("crawler.max_body_bytes", 10<<20)
	v.SetDefault("crawler.max_text_bytes", 1<<20)
	v.SetDefault("crawler.proxy.enabled", false)
	v.SetDefault("patterns.source", PatternSourceConfig)
	v.SetDefault("queue.max_buffer", 100)
	v.SetDefault("index.backend", IndexMemory)
	v.SetDefault("index.name", "pages")
	v.SetDefault("index.max_retries", 3)
	v.SetDefault("db.table", "urls")
	v.SetDefault("db.pattern_table", "url_patterns")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.refresh_after", 7*24*time.Hour)
	v.SetDefault("db.limit_per_host", 1000)
	v.SetDefault("db.ensure_schema", true)
	v.SetDefault("storage.archive", ArchiveNone)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait_ms", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.MaxWorkers <= 0 {
		return errors.New("crawler.max_workers must be > 0")
	}
	if c.Crawler.DelaySeconds < 0 {
		return errors.New("crawler.delay_seconds must be >= 0")
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		return errors.New("crawler.request_timeout_seconds must be > 0")
	}
	if c.Crawler.Proxy.Enabled {
		if c.Crawler.Proxy.Host == "" {
			return errors.New("crawler.proxy.host must be set when the proxy is enabled")
		}
		if c.Crawler.Proxy.Port <= 0 || c.Crawler.Proxy.Port > 65535 {
			return errors.New("crawler.proxy.port must be in 1..65535")
		}
	}
	switch c.Patterns.Source {
	case PatternSourceConfig:
	case PatternSourceDB:
		if c.DB.DSN == "" {
			return errors.New("patterns.source=db requires db.dsn")
		}
	default:
		return fmt.Errorf("patterns.source %q must be %q or %q", c.Patterns.Source, PatternSourceConfig, PatternSourceDB)
	}
	if c.Queue.MaxBuffer <= 0 {
		return errors.New("queue.max_buffer must be > 0")
	}
	switch c.Index.Backend {
	case IndexMemory:
	case IndexElasticsearch:
		if len(c.Index.Addresses) == 0 {
			return errors.New("index.addresses must be set for the elasticsearch backend")
		}
		if c.Index.Name == "" {
			return errors.New("index.name must be set for the elasticsearch backend")
		}
	default:
		return fmt.Errorf("index.backend %q is not supported", c.Index.Backend)
	}
	if c.DB.LimitPerHost < 0 {
		return errors.New("db.limit_per_host must be >= 0")
	}
	switch c.Storage.Archive {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Storage.BaseDir == "" {
			return errors.New("storage.base_dir must be set for the local archive")
		}
	case ArchiveGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("storage.archive %q is not supported", c.Storage.Archive)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return errors.New("pubsub.project_id must be set when pubsub.topic is")
	}
	return nil
}

// Delay is the politeness delay between requests to one host.
func (c CrawlerConfig) Delay() time.Duration {
	return time.Duration(c.DelaySeconds * float64(time.Second))
}

// RequestTimeout bounds a single fetch.
func (c CrawlerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ProxyURL returns the proxy to fetch through, or nil when disabled.
func (c CrawlerConfig) ProxyURL() *url.URL {
	if !c.Proxy.Enabled {
		return nil
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort(c.Proxy.Host, strconv.Itoa(c.Proxy.Port))}
}

// RequestTimeout bounds a single API request.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// MaxBatchWait converts the millisecond setting.
func (c ProgressConfig) MaxBatchWait() time.Duration {
	return time.Duration(c.MaxBatchWaitMs) * time.Millisecond
}
