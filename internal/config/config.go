// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sitepulse/indexd/internal/indexing"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig                `mapstructure:"server"`
	Auth      AuthConfig                  `mapstructure:"auth"`
	Logging   LoggingConfig               `mapstructure:"logging"`
	Dispatch  DispatchConfig              `mapstructure:"dispatch"`
	Session   SessionConfig               `mapstructure:"session"`
	DB        DBConfig                    `mapstructure:"db"`
	Redis     RedisConfig                 `mapstructure:"redis"`
	Ledger    LedgerConfig                `mapstructure:"ledger"`
	Jobs      JobStoreConfig              `mapstructure:"jobs"`
	Artifacts ArtifactConfig              `mapstructure:"artifacts"`
	PubSub    PubSubConfig                `mapstructure:"pubsub"`
	Browser   BrowserConfig               `mapstructure:"browser"`
	Providers map[string]ProviderSettings `mapstructure:"providers"`
	Sites     map[string]SiteSettings     `mapstructure:"sites"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DispatchConfig governs the per-provider worker pools and retry policy.
type DispatchConfig struct {
	QueueDepth         int `mapstructure:"queue_depth"`
	DefaultConcurrency int `mapstructure:"default_concurrency"`
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
	BackoffBaseMs      int `mapstructure:"backoff_base_ms"`
	BackoffCapMs       int `mapstructure:"backoff_cap_ms"`
}

// SessionConfig configures the browser session manager.
type SessionConfig struct {
	CookieDir       string `mapstructure:"cookie_dir"`
	CaptchaAttempts int    `mapstructure:"captcha_attempts"`
	CaptchaEndpoint string `mapstructure:"captcha_endpoint"`
	CaptchaAPIKey   string `mapstructure:"captcha_api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig controls the optional redis quota ledger.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LedgerConfig selects the quota ledger backend.
type LedgerConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres | redis
}

// JobStoreConfig selects the job store backend.
type JobStoreConfig struct {
	Backend string `mapstructure:"backend"` // memory | postgres
}

// ArtifactConfig selects where failure-page snapshots are written.
type ArtifactConfig struct {
	Backend   string `mapstructure:"backend"` // none | local | gcs
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for publish-subscribe outcome notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	MaxParallel   int    `mapstructure:"max_parallel"`
	UserAgent     string `mapstructure:"user_agent"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// ProviderSettings configures one indexing channel.
type ProviderSettings struct {
	Kind           string                 `mapstructure:"kind"` // api_token | browser
	Enabled        bool                   `mapstructure:"enabled"`
	Endpoint       string                 `mapstructure:"endpoint"`
	APIKey         string                 `mapstructure:"api_key"`
	QuotaCap       int                    `mapstructure:"quota_cap"`
	Concurrency    int                    `mapstructure:"concurrency"`
	TimeoutSeconds int                    `mapstructure:"timeout_seconds"`
	MaxAttempts    int                    `mapstructure:"max_attempts"`
	SingleFlight   bool                   `mapstructure:"single_flight"`
	Account        string                 `mapstructure:"account"`
	Username       string                 `mapstructure:"username"`
	Password       string                 `mapstructure:"password"`
	LoginURL       string                 `mapstructure:"login_url"`
	ProbeURL       string                 `mapstructure:"probe_url"`
	QueryURL       string                 `mapstructure:"query_url"`
	Selectors      indexing.FlowSelectors `mapstructure:"selectors"`
}

// SiteSettings scopes providers per registered site. An empty provider list
// enables every configured provider for the site.
type SiteSettings struct {
	Providers []string `mapstructure:"providers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INDEXD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("dispatch.queue_depth", 64)
	v.SetDefault("dispatch.default_concurrency", 2)
	v.SetDefault("dispatch.default_max_attempts", 3)
	v.SetDefault("dispatch.backoff_base_ms", 2000)
	v.SetDefault("dispatch.backoff_cap_ms", 60000)
	v.SetDefault("session.cookie_dir", "cookies")
	v.SetDefault("session.captcha_attempts", 3)
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("jobs.backend", "memory")
	v.SetDefault("artifacts.backend", "none")
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.user_agent", "indexd-bot/0.1")
	v.SetDefault("browser.nav_timeout_seconds", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Dispatch.QueueDepth <= 0 {
		return fmt.Errorf("dispatch.queue_depth must be > 0")
	}
	if c.Session.CaptchaAttempts <= 0 {
		return fmt.Errorf("session.captcha_attempts must be > 0")
	}
	switch c.Jobs.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("jobs.backend is 'postgres' but db.dsn is not set")
		}
	default:
		return fmt.Errorf("unknown jobs backend: %s", c.Jobs.Backend)
	}
	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("ledger.backend is 'postgres' but db.dsn is not set")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("ledger.backend is 'redis' but redis.addr is not set")
		}
	default:
		return fmt.Errorf("unknown ledger backend: %s", c.Ledger.Backend)
	}
	switch c.Artifacts.Backend {
	case "none":
	case "local":
		if c.Artifacts.BaseDir == "" {
			return fmt.Errorf("artifacts.backend is 'local' but artifacts.base_dir is not set")
		}
	case "gcs":
		if c.Artifacts.GCSBucket == "" {
			return fmt.Errorf("artifacts.backend is 'gcs' but artifacts.gcs_bucket is not set")
		}
	default:
		return fmt.Errorf("unknown artifacts backend: %s", c.Artifacts.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	for name, p := range c.Providers {
		if err := validateProvider(name, p); err != nil {
			return err
		}
	}
	for site, s := range c.Sites {
		for _, name := range s.Providers {
			if _, ok := c.Providers[name]; !ok {
				return fmt.Errorf("site %s references unknown provider %s", site, name)
			}
		}
	}
	return nil
}

func validateProvider(name string, p ProviderSettings) error {
	switch p.Kind {
	case "api_token":
		if p.Enabled && p.Endpoint == "" {
			return fmt.Errorf("provider %s: endpoint is required for api_token providers", name)
		}
	case "browser":
		if p.Enabled {
			if p.Account == "" {
				return fmt.Errorf("provider %s: account is required for browser providers", name)
			}
			if p.Endpoint == "" || p.LoginURL == "" || p.ProbeURL == "" {
				return fmt.Errorf("provider %s: endpoint, login_url and probe_url are required for browser providers", name)
			}
		}
	default:
		return fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
	}
	if p.QuotaCap < 0 {
		return fmt.Errorf("provider %s: quota_cap must be >= 0", name)
	}
	return nil
}

// ProviderConfig resolves one provider into the engine's read-only form,
// applying dispatch defaults.
func (c Config) ProviderConfig(name string) (indexing.ProviderConfig, bool) {
	p, ok := c.Providers[name]
	if !ok {
		return indexing.ProviderConfig{}, false
	}
	kind := indexing.ProviderAPIToken
	timeout := 15 * time.Second
	if p.Kind == "browser" {
		kind = indexing.ProviderBrowser
		timeout = 30 * time.Second
	}
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = c.Dispatch.DefaultConcurrency
	}
	if p.Kind == "browser" && p.SingleFlight {
		concurrency = 1
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = c.Dispatch.DefaultMaxAttempts
	}
	return indexing.ProviderConfig{
		ID:           indexing.ProviderID(name),
		Kind:         kind,
		Enabled:      p.Enabled,
		Endpoint:     p.Endpoint,
		APIKey:       p.APIKey,
		QuotaCap:     p.QuotaCap,
		Concurrency:  concurrency,
		Timeout:      timeout,
		MaxAttempts:  maxAttempts,
		SingleFlight: p.SingleFlight,
		Account:      p.Account,
		Username:     p.Username,
		Password:     p.Password,
		LoginURL:     p.LoginURL,
		ProbeURL:     p.ProbeURL,
		QueryURL:     p.QueryURL,
		Selectors:    p.Selectors,
	}, true
}

// Lookup implements indexing.ProviderConfigSource for per-site resolution.
func (c Config) Lookup(siteID string, provider indexing.ProviderID) (indexing.ProviderConfig, bool) {
	pc, ok := c.ProviderConfig(string(provider))
	if !ok || !pc.Enabled {
		return indexing.ProviderConfig{}, false
	}
	site, ok := c.Sites[siteID]
	if ok && len(site.Providers) > 0 {
		found := false
		for _, name := range site.Providers {
			if name == string(provider) {
				found = true
				break
			}
		}
		if !found {
			return indexing.ProviderConfig{}, false
		}
	}
	return pc, true
}

// EnabledFor lists the providers enabled for a site in stable order.
func (c Config) EnabledFor(siteID string) []indexing.ProviderID {
	var names []string
	if site, ok := c.Sites[siteID]; ok && len(site.Providers) > 0 {
		names = append(names, site.Providers...)
	} else {
		for name := range c.Providers {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]indexing.ProviderID, 0, len(names))
	for _, name := range names {
		if pc, ok := c.ProviderConfig(name); ok && pc.Enabled {
			out = append(out, pc.ID)
		}
	}
	return out
}

// Backoff converts the dispatch retry knobs into a policy.
func (c Config) Backoff() indexing.BackoffPolicy {
	return indexing.BackoffPolicy{
		MaxAttempts: c.Dispatch.DefaultMaxAttempts,
		BaseDelay:   time.Duration(c.Dispatch.BackoffBaseMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.Dispatch.BackoffCapMs) * time.Millisecond,
	}
}
