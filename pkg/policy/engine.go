// Package policy decides whether a DNS query is answered or sinkholed.
//
// Stages run in a fixed order and the first one that decides wins:
//
//  1. access policies for the client and domain active right now
//  2. the domain blocklist
//  3. the country blocklist, only when at least one country is blocked
//  4. allow
//
// Policy data is read from the store on every call. A store failure is
// returned to the caller rather than guessed around.
package policy

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"zerotrust-dns/pkg/geo"
	"zerotrust-dns/pkg/logging"
	"zerotrust-dns/pkg/pattern"
	"zerotrust-dns/pkg/storage"
)

// Action is the outcome of a decision
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
)

// Reasons attached to decisions
const (
	ReasonAccessAllow    = "access_policy_allow"
	ReasonAccessDeny     = "access_policy_deny"
	ReasonBlockedDomain  = "blocked_domain"
	ReasonBlockedCountry = "blocked_country"
	ReasonDefault        = "default_allow"
)

// Stage names used in decisions and traces
const (
	StageAccessPolicy = "access_policy"
	StageDomain       = "domain"
	StageGeo          = "geo"
	StageDefault      = "default"
)

// GeoResolver resolves client locations. Implementations must fail open.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) geo.Location
}

// Decision is the result of evaluating one query
type Decision struct {
	Action      Action
	Reason      string
	Stage       string
	Rule        string // matched entry, policy id or country code
	Location    geo.Location
	GeoResolved bool
	Trace       []storage.TraceEntry
}

// Blocked reports whether the query must be sinkholed
func (d Decision) Blocked() bool {
	return d.Action == ActionBlock
}

// Engine evaluates queries against a PolicyStore
type Engine struct {
	store  storage.PolicyStore
	geo    GeoResolver
	logger *logging.Logger
	loc    *time.Location
	now    func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLocation sets the time zone of daily access windows
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. geo may be nil, in which case every client
// is treated as the Unknown location.
func NewEngine(store storage.PolicyStore, geoResolver GeoResolver, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		geo:    geoResolver,
		logger: logging.Global(),
		loc:    time.Local,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide evaluates the query of clientIP for domain
func (e *Engine) Decide(ctx context.Context, clientIP, domain string) (Decision, error) {
	domain = pattern.Normalize(domain)
	trace := newTraceRecorder()

	// access policies
	policies, err := e.store.AccessPoliciesForDomain(ctx, domain)
	if err != nil {
		return Decision{}, fmt.Errorf("load access policies: %w", err)
	}
	if p := e.selectPolicy(policies, clientIP, domain); p != nil {
		d := Decision{Stage: StageAccessPolicy, Rule: fmt.Sprintf("policy:%d", p.ID)}
		if p.Allowed {
			d.Action, d.Reason = ActionAllow, ReasonAccessAllow
		} else {
			d.Action, d.Reason = ActionBlock, ReasonAccessDeny
		}
		trace.record(StageAccessPolicy, d.Action, d.Rule, p.Domain+" "+p.StartTime+"-"+p.EndTime)
		d.Trace = trace.entries
		return d, nil
	}
	trace.record(StageAccessPolicy, "", "", "no active policy")

	// domain blocklist
	entry, found, err := e.store.MatchBlockedDomain(ctx, domain)
	if err != nil {
		return Decision{}, fmt.Errorf("match blocked domain: %w", err)
	}
	if found {
		trace.record(StageDomain, ActionBlock, entry, "")
		return Decision{
			Action: ActionBlock,
			Reason: ReasonBlockedDomain,
			Stage:  StageDomain,
			Rule:   entry,
			Trace:  trace.entries,
		}, nil
	}
	trace.record(StageDomain, "", "", "not listed")

	// geography
	anyCountry, err := e.store.HasBlockedCountries(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("check blocked countries: %w", err)
	}
	if anyCountry {
		loc := geo.Unknown
		if e.geo != nil {
			loc = e.geo.Resolve(ctx, clientIP)
		}
		code := strings.ToUpper(loc.CountryCode)

		blocked := false
		if !storage.SentinelCountries[code] {
			blocked, err = e.store.IsCountryBlocked(ctx, code)
			if err != nil {
				return Decision{}, fmt.Errorf("check country %s: %w", code, err)
			}
		}
		if blocked {
			trace.record(StageGeo, ActionBlock, code, loc.City)
			return Decision{
				Action:      ActionBlock,
				Reason:      ReasonBlockedCountry,
				Stage:       StageGeo,
				Rule:        code,
				Location:    loc,
				GeoResolved: true,
				Trace:       trace.entries,
			}, nil
		}
		trace.record(StageGeo, "", code, "not blocked")
		trace.record(StageDefault, ActionAllow, "", "")
		return Decision{
			Action:      ActionAllow,
			Reason:      ReasonDefault,
			Stage:       StageDefault,
			Location:    loc,
			GeoResolved: true,
			Trace:       trace.entries,
		}, nil
	}

	trace.record(StageDefault, ActionAllow, "", "")
	return Decision{
		Action: ActionAllow,
		Reason: ReasonDefault,
		Stage:  StageDefault,
		Trace:  trace.entries,
	}, nil
}

// selectPolicy picks the authoritative active policy: the most specific
// domain wins, and a deny beats an allow at equal specificity.
func (e *Engine) selectPolicy(policies []*storage.AccessPolicy, clientIP, domain string) *storage.AccessPolicy {
	if len(policies) == 0 {
		return nil
	}
	client, err := netip.ParseAddr(strings.TrimSpace(clientIP))
	if err != nil {
		return nil
	}
	client = client.Unmap()
	now := e.now()

	var (
		best     *storage.AccessPolicy
		bestRank int
	)
	for _, p := range policies {
		if !pattern.Match(domain, p.Domain) || !clientMatches(p.ClientIP, client) {
			continue
		}
		w, err := ParseWindow(p.StartTime, p.EndTime)
		if err != nil {
			e.logger.Warn("Skipping access policy with invalid window",
				"policy_id", p.ID, "start", p.StartTime, "end", p.EndTime)
			continue
		}
		if !w.Active(now, e.loc) {
			continue
		}

		rank := pattern.Specificity(p.Domain)
		switch {
		case best == nil, rank > bestRank:
			best, bestRank = p, rank
		case rank == bestRank && best.Allowed && !p.Allowed:
			best = p
		}
	}
	return best
}
