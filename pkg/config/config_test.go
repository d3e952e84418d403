package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("testdata/config.yml")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.ListenAddress != "127.0.0.1:5300" {
		t.Errorf("Expected listen address 127.0.0.1:5300, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Server.FallbackPort != 5301 {
		t.Errorf("Expected fallback port 5301, got %d", cfg.Server.FallbackPort)
	}
	if cfg.Upstream.Timeout != 2*time.Second {
		t.Errorf("Expected upstream timeout 2s, got %s", cfg.Upstream.Timeout)
	}
	if len(cfg.Policy.Seed.BlockedCountries) != 2 {
		t.Errorf("Expected 2 seeded countries, got %d", len(cfg.Policy.Seed.BlockedCountries))
	}
	if cfg.Alerts.Cooldown != 10*time.Minute {
		t.Errorf("Expected alert cooldown 10m, got %s", cfg.Alerts.Cooldown)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected log format json, got %s", cfg.Logging.Format)
	}

	// defaults still applied to unset fields
	if cfg.Policy.SinkholeIPv4 != "0.0.0.0" {
		t.Errorf("Expected default sinkhole 0.0.0.0, got %s", cfg.Policy.SinkholeIPv4)
	}
	if cfg.Geo.Timeout != 2*time.Second {
		t.Errorf("Expected default geo timeout 2s, got %s", cfg.Geo.Timeout)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	cfg := LoadWithDefaults()

	if cfg.Server.ListenAddress != ":53" {
		t.Errorf("Expected default listen address :53, got %s", cfg.Server.ListenAddress)
	}
	if cfg.Server.FallbackPort != 5353 {
		t.Errorf("Expected default fallback port 5353, got %d", cfg.Server.FallbackPort)
	}
	if cfg.Upstream.Address != "8.8.8.8:53" {
		t.Errorf("Expected default upstream 8.8.8.8:53, got %s", cfg.Upstream.Address)
	}
	if cfg.Upstream.Timeout != 3*time.Second {
		t.Errorf("Expected default upstream timeout 3s, got %s", cfg.Upstream.Timeout)
	}
	if len(cfg.Geo.SkipNetworks) != len(DefaultSkipNetworks) {
		t.Errorf("Expected default skip networks, got %v", cfg.Geo.SkipNetworks)
	}
	if !cfg.Storage.WAL() {
		t.Error("Expected WAL mode on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParse_WALMode(t *testing.T) {
	cfg, err := Parse([]byte("storage:\n  database_path: /tmp/x.db\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Storage.WAL() {
		t.Error("WAL should default to on when wal_mode is omitted")
	}

	cfg, err = Parse([]byte("storage:\n  wal_mode: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.WAL() {
		t.Error("explicit wal_mode: false must be honored")
	}

	again, err := Parse([]byte("storage:\n  wal_mode: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if fields := RestartRequired(cfg, again); len(fields) != 0 {
		t.Errorf("identical storage sections reported as changed: %v", fields)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		mutate  func(*Config)
		name    string
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "listen address without port",
			mutate:  func(c *Config) { c.Server.ListenAddress = "localhost" },
			wantErr: "server.listen_address",
		},
		{
			name:    "fallback port out of range",
			mutate:  func(c *Config) { c.Server.FallbackPort = 70000 },
			wantErr: "fallback_port",
		},
		{
			name:    "bad upstream",
			mutate:  func(c *Config) { c.Upstream.Address = "8.8.8.8" },
			wantErr: "upstream.address",
		},
		{
			name:    "ipv6 sinkhole in ipv4 slot",
			mutate:  func(c *Config) { c.Policy.SinkholeIPv4 = "::1" },
			wantErr: "sinkhole_ipv4",
		},
		{
			name:    "unknown timezone",
			mutate:  func(c *Config) { c.Policy.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "three letter country",
			mutate:  func(c *Config) { c.Policy.Seed.BlockedCountries = []string{"USA"} },
			wantErr: "country code",
		},
		{
			name: "geo url without placeholder",
			mutate: func(c *Config) {
				c.Geo.Enabled = true
				c.Geo.URL = "http://geo.local/lookup"
			},
			wantErr: "geo.url",
		},
		{
			name:    "bad skip network",
			mutate:  func(c *Config) { c.Geo.SkipNetworks = []string{"10.0.0.0/33"} },
			wantErr: "skip_networks",
		},
		{
			name: "smtp without recipients",
			mutate: func(c *Config) {
				c.Alerts.Enabled = true
				c.Alerts.SMTP.Host = "smtp.local"
				c.Alerts.SMTP.From = "dns@local"
			},
			wantErr: "alerts.smtp",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging level",
		},
		{
			name:    "file output without path",
			mutate:  func(c *Config) { c.Logging.Output = "file" },
			wantErr: "file_path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadWithDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("server: [unterminated")); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestLocation(t *testing.T) {
	cfg := LoadWithDefaults()
	cfg.Policy.Timezone = "UTC"
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v, want UTC", cfg.Location())
	}
}

func TestRestartRequired(t *testing.T) {
	old := LoadWithDefaults()
	updated := LoadWithDefaults()
	updated.Logging.Level = "debug"
	updated.Alerts.Cooldown = time.Minute

	if fields := RestartRequired(old, updated); len(fields) != 0 {
		t.Errorf("level and alert changes should apply live, got %v", fields)
	}

	updated.Upstream.Address = "9.9.9.9:53"
	updated.Server.FallbackPort = 0
	fields := RestartRequired(old, updated)
	if len(fields) != 2 || fields[0] != "server" || fields[1] != "upstream" {
		t.Errorf("RestartRequired() = %v, want [server upstream]", fields)
	}

	updated.Policy.Timezone = "UTC"
	fields = RestartRequired(old, updated)
	if len(fields) != 3 || fields[2] != "policy" {
		t.Errorf("RestartRequired() = %v, want policy listed third", fields)
	}
}
