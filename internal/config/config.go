// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. LEDGER_CRAWLER_LEDGER_BACKEND.
const EnvPrefix = "LEDGER_CRAWLER"

// Supported ledger backends.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Site     SiteConfig     `mapstructure:"site"`
	Sink     SinkConfig     `mapstructure:"sink"`
	Progress ProgressConfig `mapstructure:"progress"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// CrawlerConfig governs the fetch engine and refresh behavior.
type CrawlerConfig struct {
	Seeds          []string      `mapstructure:"seeds"`
	UserAgent      string        `mapstructure:"user_agent"`
	Concurrency    int           `mapstructure:"concurrency"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	// RefreshMode revisits category pages that would otherwise be deduped.
	RefreshMode      bool `mapstructure:"refresh_mode"`
	RefreshDays      int  `mapstructure:"refresh_days"`
	MaxCategoryPages int  `mapstructure:"max_category_pages"`
	// RateLimitRPS caps fetches per host per second; 0 disables throttling.
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
	// GCInterval controls badger value-log GC; 0 disables it.
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// SiteConfig holds the CSS selectors for the crawled site.
type SiteConfig struct {
	CategorySelector string `mapstructure:"category_selector"`
	ItemSelector     string `mapstructure:"item_selector"`
	NextPageSelector string `mapstructure:"next_page_selector"`
	ItemDateSelector string `mapstructure:"item_date_selector"`
	ItemDateLayout   string `mapstructure:"item_date_layout"`
	// CategoryNameSelector names resumed category pages.
	CategoryNameSelector string            `mapstructure:"category_name_selector"`
	PageParam            string            `mapstructure:"page_param"`
	RecordFields         map[string]string `mapstructure:"record_fields"`
}

// SinkConfig configures record output.
type SinkConfig struct {
	// Path of the JSON-lines output; empty logs records instead.
	Path string `mapstructure:"path"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize int  `mapstructure:"buffer_size"`
	LogEnabled bool `mapstructure:"log_enabled"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.user_agent", "ledger-crawler/0.1")
	v.SetDefault("crawler.concurrency", 8)
	v.SetDefault("crawler.request_timeout", "15s")
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.refresh_mode", false)
	v.SetDefault("crawler.refresh_days", 1)
	v.SetDefault("crawler.max_category_pages", 0)
	v.SetDefault("crawler.rate_limit_rps", 4.0)
	v.SetDefault("crawler.rate_limit_burst", 1)
	v.SetDefault("ledger.backend", BackendBadger)
	v.SetDefault("ledger.path", "data/ledger")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("ledger.table", "url_ledger")
	v.SetDefault("ledger.max_conns", 8)
	v.SetDefault("ledger.gc_interval", "10m")
	v.SetDefault("site.category_selector", "")
	v.SetDefault("site.item_selector", "")
	v.SetDefault("site.next_page_selector", "")
	v.SetDefault("site.item_date_selector", "")
	v.SetDefault("site.item_date_layout", "2006-01-02")
	v.SetDefault("site.category_name_selector", "")
	v.SetDefault("site.page_param", "page")
	v.SetDefault("site.record_fields", map[string]string{"title": "h1"})
	v.SetDefault("sink.path", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if c.Crawler.RefreshDays < 0 {
		return fmt.Errorf("crawler.refresh_days must be >= 0")
	}
	if c.Crawler.MaxCategoryPages < 0 {
		return fmt.Errorf("crawler.max_category_pages must be >= 0")
	}
	if c.Crawler.RateLimitRPS < 0 || c.Crawler.RateLimitBurst < 0 {
		return fmt.Errorf("crawler.rate_limit_rps and crawler.rate_limit_burst must be >= 0")
	}
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendBadger:
		if strings.TrimSpace(c.Ledger.Path) == "" {
			return fmt.Errorf("ledger.path must be set for the badger backend")
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			return fmt.Errorf("ledger.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be one of memory, badger, postgres; got %q", c.Ledger.Backend)
	}
	if c.Ledger.MaxConns < 0 {
		return fmt.Errorf("ledger.max_conns must be >= 0")
	}
	if c.Progress.BufferSize < 0 {
		return fmt.Errorf("progress.buffer_size must be >= 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// ValidateCrawl checks the settings only a crawl needs. Seeds are optional:
// a run without them only resumes unfinished pages.
func (c Config) ValidateCrawl() error {
	if strings.TrimSpace(c.Site.CategorySelector) == "" || strings.TrimSpace(c.Site.ItemSelector) == "" {
		return fmt.Errorf("site.category_selector and site.item_selector are required")
	}
	return nil
}
