package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  user_agent: real-agent
  delay_seconds: 1.5
  max_workers: 6
  url_budget: 500
  inclusion_enabled: true
  respect_robots: false
  request_timeout_seconds: 45
  proxy:
    enabled: true
    host: proxy.internal
    port: 3128
patterns:
  inclusion: ["https://example.com/*"]
  exclusion: ["*/admin/*", "regex:\\.pdf$"]
queue:
  max_buffer: 50
index:
  backend: elasticsearch
  addresses: ["http://es:9200"]
  name: web
db:
  dsn: postgres://crawler@db/crawl
  refresh_after: 48h
  limit_per_host: 20
storage:
  archive: gcs
  bucket: bodies
pubsub:
  project_id: proj
  topic: commits
logging:
  development: false
seeds:
  - https://example.com/
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.MaxWorkers != 6 || cfg.Crawler.URLBudget != 500 || cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if !cfg.Crawler.ExclusionEnabled {
		t.Fatalf("expected exclusion to stay enabled by default")
	}
	if got := cfg.Crawler.Delay(); got != 1500*time.Millisecond {
		t.Fatalf("expected delay 1.5s, got %v", got)
	}
	if got := cfg.Crawler.ProxyURL(); got == nil || got.String() != "http://proxy.internal:3128" {
		t.Fatalf("unexpected proxy url %v", got)
	}
	if len(cfg.Patterns.Exclusion) != 2 || cfg.Patterns.Exclusion[1] != `regex:\.pdf$` {
		t.Fatalf("expected exclusion patterns to load: %+v", cfg.Patterns)
	}
	if cfg.Index.Backend != IndexElasticsearch || cfg.Index.Name != "web" {
		t.Fatalf("expected elasticsearch index: %+v", cfg.Index)
	}
	if cfg.DB.RefreshAfter != 48*time.Hour || cfg.DB.LimitPerHost != 20 || cfg.DB.Table != "urls" {
		t.Fatalf("expected db overrides and defaults: %+v", cfg.DB)
	}
	if cfg.Storage.Archive != ArchiveGCS || cfg.Storage.Prefix != "pages" {
		t.Fatalf("expected gcs archive with default prefix: %+v", cfg.Storage)
	}
	if len(cfg.Seeds) != 1 {
		t.Fatalf("expected one seed, got %v", cfg.Seeds)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Delay() != 2*time.Second {
		t.Fatalf("expected 2s default delay, got %v", cfg.Crawler.Delay())
	}
	if cfg.Crawler.ProxyURL() != nil {
		t.Fatalf("expected no proxy by default")
	}
	if cfg.Index.Backend != IndexMemory || cfg.Storage.Archive != ArchiveNone {
		t.Fatalf("expected in-memory defaults: %+v %+v", cfg.Index, cfg.Storage)
	}
	if cfg.Progress.MaxBatchWait() != 500*time.Millisecond {
		t.Fatalf("unexpected batch wait %v", cfg.Progress.MaxBatchWait())
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CRAWLER_CRAWLER_MAX_WORKERS", "11")
	t.Setenv("CRAWLER_SERVER_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.MaxWorkers != 11 || cfg.Server.Port != 7070 {
		t.Fatalf("expected env overrides, got workers=%d port=%d", cfg.Crawler.MaxWorkers, cfg.Server.Port)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Crawler:  CrawlerConfig{MaxWorkers: 1, RequestTimeoutSeconds: 10},
		Patterns: PatternConfig{Source: PatternSourceConfig},
		Queue:    QueueConfig{MaxBuffer: 10},
		Index:    IndexConfig{Backend: IndexMemory},
		Storage:  StorageConfig{Archive: ArchiveNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"no workers", func(c *Config) { c.Crawler.MaxWorkers = 0 }, "crawler.max_workers"},
		{"negative delay", func(c *Config) { c.Crawler.DelaySeconds = -1 }, "crawler.delay_seconds"},
		{"no request timeout", func(c *Config) { c.Crawler.RequestTimeoutSeconds = 0 }, "crawler.request_timeout_seconds"},
		{"proxy without host", func(c *Config) { c.Crawler.Proxy = ProxyConfig{Enabled: true, Port: 80} }, "crawler.proxy.host"},
		{"proxy bad port", func(c *Config) { c.Crawler.Proxy = ProxyConfig{Enabled: true, Host: "p"} }, "crawler.proxy.port"},
		{"db patterns without dsn", func(c *Config) { c.Patterns.Source = PatternSourceDB }, "db.dsn"},
		{"unknown pattern source", func(c *Config) { c.Patterns.Source = "file" }, "patterns.source"},
		{"empty queue buffer", func(c *Config) { c.Queue.MaxBuffer = 0 }, "queue.max_buffer"},
		{"elasticsearch without addresses", func(c *Config) { c.Index.Backend = IndexElasticsearch }, "index.addresses"},
		{"unknown index", func(c *Config) { c.Index.Backend = "solr" }, "index.backend"},
		{"negative host limit", func(c *Config) { c.DB.LimitPerHost = -1 }, "db.limit_per_host"},
		{"local archive without dir", func(c *Config) { c.Storage.Archive = ArchiveLocal }, "storage.base_dir"},
		{"gcs archive without bucket", func(c *Config) { c.Storage.Archive = ArchiveGCS }, "storage.bucket"},
		{"unknown archive", func(c *Config) { c.Storage.Archive = "s3" }, "storage.archive"},
		{"topic without project", func(c *Config) { c.PubSub.Topic = "t" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestProxyURLHostPort(t *testing.T) {
	t.Parallel()

	c := CrawlerConfig{Proxy: ProxyConfig{Enabled: true, Host: "::1", Port: 8080}}
	want := &url.URL{Scheme: "http", Host: "[::1]:8080"}
	if got := c.ProxyURL(); got.String() != want.String() {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
