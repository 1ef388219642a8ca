package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sitepulse/indexd/internal/indexing"
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
dispatch:
  queue_depth: 128
  default_concurrency: 4
  default_max_attempts: 5
session:
  cookie_dir: /tmp/cookies
  captcha_attempts: 2
providers:
  indexapi:
    kind: api_token
    enabled: true
    endpoint: https://api.indexer.example/v1/submit
    api_key: token-1
    quota_cap: 200
    timeout_seconds: 20
  webconsole:
    kind: browser
    enabled: true
    endpoint: https://console.indexer.example/submit
    login_url: https://console.indexer.example/login
    probe_url: https://console.indexer.example/dashboard
    account: acct1
    quota_cap: 10
    single_flight: true
    selectors:
      url_field: "#url-input"
      submit_button: "#submit"
      success_indicator: ".submit-ok"
sites:
  S1:
    providers: [indexapi]
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

	api, ok := cfg.ProviderConfig("indexapi")
	if !ok {
		t.Fatalf("expected indexapi provider to resolve")
	}
	if api.Kind != indexing.ProviderAPIToken || api.QuotaCap != 200 {
		t.Fatalf("unexpected api provider config: %+v", api)
	}
	if api.Timeout != 20*time.Second {
		t.Fatalf("expected timeout override 20s, got %v", api.Timeout)
	}
	if api.Concurrency != 4 {
		t.Fatalf("expected dispatch default concurrency 4, got %d", api.Concurrency)
	}
	if api.MaxAttempts != 5 {
		t.Fatalf("expected max attempts 5, got %d", api.MaxAttempts)
	}

	browser, ok := cfg.ProviderConfig("webconsole")
	if !ok {
		t.Fatalf("expected webconsole provider to resolve")
	}
	if browser.Kind != indexing.ProviderBrowser || browser.Account != "acct1" {
		t.Fatalf("unexpected browser provider config: %+v", browser)
	}
	if !browser.SingleFlight || browser.Concurrency != 1 {
		t.Fatalf("single_flight providers must run one worker, got %d", browser.Concurrency)
	}
	if browser.Selectors.URLField != "#url-input" {
		t.Fatalf("expected selectors to load, got %+v", browser.Selectors)
	}
}

func TestSiteScoping(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Dispatch: DispatchConfig{DefaultConcurrency: 2, DefaultMaxAttempts: 3},
		Providers: map[string]ProviderSettings{
			"indexapi":   {Kind: "api_token", Enabled: true, Endpoint: "https://a"},
			"webconsole": {Kind: "browser", Enabled: true, Endpoint: "https://b", LoginURL: "https://b/l", ProbeURL: "https://b/p", Account: "acct1"},
			"disabled":   {Kind: "api_token", Enabled: false, Endpoint: "https://c"},
		},
		Sites: map[string]SiteSettings{
			"S1": {Providers: []string{"indexapi"}},
		},
	}

	if _, ok := cfg.Lookup("S1", "indexapi"); !ok {
		t.Fatalf("indexapi should be enabled for S1")
	}
	if _, ok := cfg.Lookup("S1", "webconsole"); ok {
		t.Fatalf("webconsole should be scoped out for S1")
	}
	if _, ok := cfg.Lookup("S2", "webconsole"); !ok {
		t.Fatalf("unscoped site should see every enabled provider")
	}
	if _, ok := cfg.Lookup("S2", "disabled"); ok {
		t.Fatalf("disabled provider must never resolve")
	}

	enabled := cfg.EnabledFor("S2")
	if len(enabled) != 2 {
		t.Fatalf("expected 2 enabled providers for S2, got %v", enabled)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Dispatch: DispatchConfig{QueueDepth: 64},
		Session:  SessionConfig{CaptchaAttempts: 3},
		Jobs:     JobStoreConfig{Backend: "memory"},
		Ledger:   LedgerConfig{Backend: "memory"},
		Artifacts: ArtifactConfig{
			Backend: "none",
		},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "postgres jobs without dsn",
			cfg: func() Config {
				c := base
				c.Jobs.Backend = "postgres"
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "redis ledger without addr",
			cfg: func() Config {
				c := base
				c.Ledger.Backend = "redis"
				return c
			}(),
			want: "redis.addr",
		},
		{
			name: "local artifacts without dir",
			cfg: func() Config {
				c := base
				c.Artifacts.Backend = "local"
				return c
			}(),
			want: "artifacts.base_dir",
		},
		{
			name: "browser provider missing account",
			cfg: func() Config {
				c := base
				c.Providers = map[string]ProviderSettings{
					"webconsole": {Kind: "browser", Enabled: true, Endpoint: "https://b", LoginURL: "https://b/l", ProbeURL: "https://b/p"},
				}
				return c
			}(),
			want: "account",
		},
		{
			name: "site references unknown provider",
			cfg: func() Config {
				c := base
				c.Sites = map[string]SiteSettings{"S1": {Providers: []string{"ghost"}}}
				return c
			}(),
			want: "unknown provider",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
