package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Policy      PolicyConfig      `yaml:"policy"`
	Geo         GeoConfig         `yaml:"geo"`
	Storage     StorageConfig     `yaml:"storage"`
	SideEffects SideEffectsConfig `yaml:"side_effects"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Logging     LoggingConfig     `yaml:"logging"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	ListenAddress        string `yaml:"listen_address"`
	FallbackPort         int    `yaml:"fallback_port"` // tried once when listen_address cannot be bound; 0 disables
	MaxConcurrentQueries int    `yaml:"max_concurrent_queries"`
	ReadBufferSize       int    `yaml:"read_buffer_size"`
}

// UpstreamConfig describes the single resolver permitted queries go to
type UpstreamConfig struct {
	Address        string               `yaml:"address"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig controls fail-fast behaviour towards the upstream
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// PolicyConfig holds block response and seeding settings
type PolicyConfig struct {
	SinkholeIPv4 string     `yaml:"sinkhole_ipv4"`
	SinkholeIPv6 string     `yaml:"sinkhole_ipv6"`
	BlockTTL     uint32     `yaml:"block_ttl"`
	Timezone     string     `yaml:"timezone"` // used for HH:MM access windows
	Seed         SeedConfig `yaml:"seed"`
}

// SeedConfig lists entries inserted into the policy store at startup.
// Existing rows are never modified or removed.
type SeedConfig struct {
	BlockedDomains   []string `yaml:"blocked_domains"`
	BlockedCountries []string `yaml:"blocked_countries"`
}

// GeoConfig holds IP geolocation settings
type GeoConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"` // %s is replaced by the client IP
	Timeout      time.Duration `yaml:"timeout"`
	SkipNetworks []string      `yaml:"skip_networks"`
	// Resolvers used to resolve the geo endpoint host. Empty means the system resolver.
	Resolvers []string `yaml:"resolvers"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	DatabasePath string        `yaml:"database_path"`
	BusyTimeout  time.Duration `yaml:"busy_timeout"`
	WALMode      *bool         `yaml:"wal_mode"` // nil means on
	MaxOpenConns int           `yaml:"max_open_conns"`
}

// WAL reports whether write-ahead logging is enabled
func (s StorageConfig) WAL() bool {
	return s.WALMode == nil || *s.WALMode
}

func (s StorageConfig) equal(o StorageConfig) bool {
	return s.DatabasePath == o.DatabasePath &&
		s.BusyTimeout == o.BusyTimeout &&
		s.MaxOpenConns == o.MaxOpenConns &&
		s.WAL() == o.WAL()
}

// SideEffectsConfig sizes the worker pool that persists logs and sends alerts
type SideEffectsConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// AlertsConfig holds block notification settings
type AlertsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Cooldown time.Duration `yaml:"cooldown"` // per client+domain; 0 alerts on every block
	Filter   string        `yaml:"filter"`   // expr expression evaluated against the alert event
	SMTP     SMTPConfig    `yaml:"smtp"`
	Webhook  WebhookConfig `yaml:"webhook"`
}

// SMTPConfig holds e-mail delivery settings
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// WebhookConfig holds HTTP alert delivery settings
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error
	Format    string `yaml:"format"`     // json, text
	Output    string `yaml:"output"`     // stdout, stderr, file
	FilePath  string `yaml:"file_path"`  // if output=file
	AddSource bool   `yaml:"add_source"` // include source file/line
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServiceName       string `yaml:"service_name"`
	ServiceVersion    string `yaml:"service_version"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
	PrometheusPort    int    `yaml:"prometheus_port"`
	ProcessMetrics    bool   `yaml:"process_metrics"`
}

// DefaultSkipNetworks are answered locally by the geo resolver.
var DefaultSkipNetworks = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"100.64.0.0/10",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

// Load loads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults creates a configuration with sensible defaults
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":53"
	}
	if c.Server.FallbackPort == 0 {
		c.Server.FallbackPort = 5353
	}
	if c.Server.MaxConcurrentQueries == 0 {
		c.Server.MaxConcurrentQueries = 1024
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = 4096
	}

	if c.Upstream.Address == "" {
		c.Upstream.Address = "8.8.8.8:53"
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = 3 * time.Second
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.SuccessThreshold == 0 {
		c.Upstream.CircuitBreaker.SuccessThreshold = 2
	}
	if c.Upstream.CircuitBreaker.Cooldown == 0 {
		c.Upstream.CircuitBreaker.Cooldown = 30 * time.Second
	}

	if c.Policy.SinkholeIPv4 == "" {
		c.Policy.SinkholeIPv4 = "0.0.0.0"
	}
	if c.Policy.SinkholeIPv6 == "" {
		c.Policy.SinkholeIPv6 = "::"
	}
	if c.Policy.BlockTTL == 0 {
		c.Policy.BlockTTL = 60
	}
	if c.Policy.Timezone == "" {
		c.Policy.Timezone = "Local"
	}

	if c.Geo.URL == "" {
		c.Geo.URL = "http://ip-api.com/json/%s?fields=status,countryCode,city"
	}
	if c.Geo.Timeout == 0 {
		c.Geo.Timeout = 2 * time.Second
	}
	if c.Geo.SkipNetworks == nil {
		c.Geo.SkipNetworks = append([]string(nil), DefaultSkipNetworks...)
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "./zerotrust-dns.db"
	}
	if c.Storage.BusyTimeout == 0 {
		c.Storage.BusyTimeout = 5 * time.Second
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 4
	}
	if c.Storage.WALMode == nil {
		wal := true
		c.Storage.WALMode = &wal
	}

	if c.SideEffects.Workers == 0 {
		c.SideEffects.Workers = 4
	}
	if c.SideEffects.QueueSize == 0 {
		c.SideEffects.QueueSize = 4096
	}
	if c.SideEffects.TaskTimeout == 0 {
		c.SideEffects.TaskTimeout = 10 * time.Second
	}

	if c.Alerts.SMTP.Port == 0 {
		c.Alerts.SMTP.Port = 587
	}
	if c.Alerts.Webhook.Timeout == 0 {
		c.Alerts.Webhook.Timeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "zerotrust-dns"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("invalid server.listen_address %q: %w", c.Server.ListenAddress, err)
	}
	if c.Server.FallbackPort < 0 || c.Server.FallbackPort > 65535 {
		return fmt.Errorf("server.fallback_port out of range: %d", c.Server.FallbackPort)
	}
	if c.Server.MaxConcurrentQueries < 1 {
		return fmt.Errorf("server.max_concurrent_queries must be positive")
	}

	if _, _, err := net.SplitHostPort(c.Upstream.Address); err != nil {
		return fmt.Errorf("invalid upstream.address %q: %w", c.Upstream.Address, err)
	}
	if c.Upstream.Timeout < 0 {
		return fmt.Errorf("upstream.timeout cannot be negative")
	}

	if addr, err := netip.ParseAddr(c.Policy.SinkholeIPv4); err != nil || !addr.Is4() {
		return fmt.Errorf("policy.sinkhole_ipv4 must be an IPv4 address: %q", c.Policy.SinkholeIPv4)
	}
	if addr, err := netip.ParseAddr(c.Policy.SinkholeIPv6); err != nil || !addr.Is6() {
		return fmt.Errorf("policy.sinkhole_ipv6 must be an IPv6 address: %q", c.Policy.SinkholeIPv6)
	}
	if _, err := time.LoadLocation(c.Policy.Timezone); err != nil {
		return fmt.Errorf("invalid policy.timezone %q: %w", c.Policy.Timezone, err)
	}
	for _, code := range c.Policy.Seed.BlockedCountries {
		if len(strings.TrimSpace(code)) != 2 {
			return fmt.Errorf("invalid country code in policy.seed.blocked_countries: %q", code)
		}
	}

	if c.Geo.Enabled && !strings.Contains(c.Geo.URL, "%s") {
		return fmt.Errorf("geo.url must contain %%s placeholder for the client IP")
	}
	for _, cidr := range c.Geo.SkipNetworks {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return fmt.Errorf("invalid geo.skip_networks entry %q: %w", cidr, err)
		}
	}

	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path cannot be empty")
	}

	if c.SideEffects.Workers < 1 {
		return fmt.Errorf("side_effects.workers must be positive")
	}
	if c.SideEffects.QueueSize < 1 {
		return fmt.Errorf("side_effects.queue_size must be positive")
	}

	if c.Alerts.Enabled {
		if c.Alerts.SMTP.Host != "" && (c.Alerts.SMTP.From == "" || len(c.Alerts.SMTP.To) == 0) {
			return fmt.Errorf("alerts.smtp requires from and at least one recipient")
		}
		if c.Alerts.Cooldown < 0 {
			return fmt.Errorf("alerts.cooldown cannot be negative")
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid logging format: %s (must be json or text)", c.Logging.Format)
	}
	validOutputs := map[string]bool{
		"stdout": true,
		"stderr": true,
		"file":   true,
	}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid logging output: %s (must be stdout, stderr, or file)", c.Logging.Output)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path must be set when output is 'file'")
	}

	return nil
}

// Location returns the time zone used for daily access windows
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Policy.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}
