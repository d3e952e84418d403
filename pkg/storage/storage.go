package storage

import (
	"context"
	"time"
)

// Action values recorded in dns_logs.action
const (
	ActionAllowed = "ALLOWED"
	ActionBlocked = "BLOCKED"
)

// PolicyStore is the read side of the policy tables consulted on every query.
// Implementations must not cache between calls.
type PolicyStore interface {
	MatchBlockedDomain(ctx context.Context, domain string) (entry string, found bool, err error)
	HasBlockedCountries(ctx context.Context) (bool, error)
	IsCountryBlocked(ctx context.Context, countryCode string) (bool, error)
	AccessPoliciesForDomain(ctx context.Context, domain string) ([]*AccessPolicy, error)
}

// Ledger persists query decisions and the statistics derived from them
type Ledger interface {
	RecordQuery(ctx context.Context, entry *LogEntry) error
}

// AccessPolicy allows or denies one client (IP or CIDR) a domain suffix
// inside a time window. StartTime and EndTime are "HH:MM" for a daily
// window or RFC 3339 timestamps for an absolute one.
type AccessPolicy struct {
	ClientIP  string `json:"client_ip"`
	Domain    string `json:"domain"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	ID        int64  `json:"id"`
	Allowed   bool   `json:"allowed"`
}

// LogEntry is one row of dns_logs
type LogEntry struct {
	Timestamp      time.Time    `json:"timestamp"`
	QueryID        string       `json:"query_id"`
	ClientIP       string       `json:"client_ip"`
	Country        string       `json:"country"`
	City           string       `json:"city"`
	Domain         string       `json:"domain"`
	QueryType      string       `json:"query_type"`
	Action         string       `json:"action"`
	BlockReason    string       `json:"block_reason,omitempty"`
	Trace          []TraceEntry `json:"trace,omitempty"`
	ID             int64        `json:"id"`
	ResponseCode   int          `json:"response_code"`
	ResponseTimeMs float64      `json:"response_time_ms"`
}

// TraceEntry records one policy stage consulted for a query
type TraceEntry struct {
	Stage  string `json:"stage"`
	Action string `json:"action"`
	Rule   string `json:"rule,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// DomainStat is the running query count for a domain
type DomainStat struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// ClientStat is a distinct client seen by the gateway
type ClientStat struct {
	FirstSeen time.Time `json:"first_seen"`
	ClientIP  string    `json:"client_ip"`
}

// Statistics aggregates the ledger
type Statistics struct {
	TotalQueries   int64   `json:"total_queries"`
	BlockedQueries int64   `json:"blocked_queries"`
	UniqueDomains  int64   `json:"unique_domains"`
	UniqueClients  int64   `json:"unique_clients"`
	BlockRate      float64 `json:"block_rate"` // percent
}

// Config holds SQLite connection settings
type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
	WALMode      bool
}

// DefaultConfig returns settings suitable for a single gateway process
func DefaultConfig() Config {
	return Config{
		Path:         "./zerotrust-dns.db",
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
		WALMode:      true,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Path == "" {
		return ErrInvalidConfig
	}
	if c.BusyTimeout < 0 || c.MaxOpenConns < 0 {
		return ErrInvalidConfig
	}
	return nil
}
