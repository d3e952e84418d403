// Package geo maps client IPs to a country and city through an HTTP
// geolocation service. Every failure yields the Unknown location, so a
// broken service can never cause a geography block.
package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/yl2chen/cidranger"
	"golang.org/x/sync/singleflight"

	"zerotrust-dns/pkg/logging"
)

// Unknown is returned whenever a location cannot be determined
var Unknown = Location{CountryCode: "UN", City: "Unknown"}

// Lookup results reported to MetricsRecorder
const (
	ResultResolved = "resolved"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Location is the resolved position of a client
type Location struct {
	CountryCode string `json:"country_code"`
	City        string `json:"city"`
}

// MetricsRecorder receives one call per lookup
type MetricsRecorder interface {
	RecordGeoLookup(ctx context.Context, result string)
}

// Options configures a Resolver
type Options struct {
	HTTPClient   *http.Client
	Metrics      MetricsRecorder
	Logger       *logging.Logger
	URL          string // %s is replaced by the IP
	SkipNetworks []string
	Timeout      time.Duration
	Enabled      bool
}

// Resolver looks up client locations. Safe for concurrent use.
type Resolver struct {
	client  *http.Client
	metrics MetricsRecorder
	logger  *logging.Logger
	skip    cidranger.Ranger
	group   singleflight.Group
	url     string
	timeout time.Duration
	enabled bool
}

// New builds a Resolver. Invalid skip networks are logged and ignored.
func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Global()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	skip := cidranger.NewPCTrieRanger()
	for _, cidr := range opts.SkipNetworks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Ignoring invalid geo skip network", "cidr", cidr, "error", err)
			continue
		}
		_ = skip.Insert(cidranger.NewBasicRangerEntry(*ipnet))
	}

	return &Resolver{
		client:  client,
		metrics: opts.Metrics,
		logger:  logger,
		skip:    skip,
		url:     opts.URL,
		timeout: opts.Timeout,
		enabled: opts.Enabled,
	}
}

// Resolve returns the location of ip, or Unknown. It never blocks longer
// than the configured timeout and returns early if ctx is done.
func (r *Resolver) Resolve(ctx context.Context, ip string) Location {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if !r.enabled || parsed == nil || r.skipped(parsed) {
		r.record(ctx, ResultSkipped)
		return Unknown
	}
	key := parsed.String()

	// the shared lookup must outlive any single caller's context
	ch := r.group.DoChan(key, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return r.fetch(lookupCtx, key)
	})

	select {
	case <-ctx.Done():
		r.record(ctx, ResultFailed)
		return Unknown
	case res := <-ch:
		if res.Err != nil {
			r.logger.Debug("Geo lookup failed", "ip", key, "error", res.Err)
			r.record(ctx, ResultFailed)
			return Unknown
		}
		r.record(ctx, ResultResolved)
		return res.Val.(Location)
	}
}

func (r *Resolver) skipped(ip net.IP) bool {
	ok, err := r.skip.Contains(ip)
	return err == nil && ok
}

func (r *Resolver) record(ctx context.Context, result string) {
	if r.metrics != nil {
		r.metrics.RecordGeoLookup(ctx, result)
	}
}

// response accepts the field spellings of the common free services
type response struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	CountrySnk  string `json:"country_code"`
	Country     string `json:"country"`
	City        string `json:"city"`
}

func (r *Resolver) fetch(ctx context.Context, ip string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(r.url, ip), nil)
	if err != nil {
		return Unknown, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Unknown, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Unknown, fmt.Errorf("geo service returned %s", resp.Status)
	}

	var body response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Unknown, fmt.Errorf("decode geo response: %w", err)
	}
	return body.location()
}

func (b response) location() (Location, error) {
	if strings.EqualFold(b.Status, "fail") {
		return Unknown, fmt.Errorf("geo service reported failure")
	}

	code := b.CountryCode
	if code == "" {
		code = b.CountrySnk
	}
	if code == "" && len(b.Country) == 2 {
		code = b.Country
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if !validCode(code) {
		return Unknown, fmt.Errorf("invalid country code %q", code)
	}

	city := strings.TrimSpace(b.City)
	if city == "" {
		city = Unknown.City
	}
	return Location{CountryCode: code, City: city}, nil
}

func validCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}
