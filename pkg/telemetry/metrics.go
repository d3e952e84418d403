package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds every application instrument. A nil *Metrics records nothing.
type Metrics struct {
	QueriesTotal     metric.Int64Counter
	QueriesBlocked   metric.Int64Counter
	QueriesForwarded metric.Int64Counter
	QueriesMalformed metric.Int64Counter
	UpstreamFailures metric.Int64Counter
	QueryDuration    metric.Float64Histogram
	QueriesActive    metric.Int64UpDownCounter
	GeoLookups       metric.Int64Counter
	TasksDropped     metric.Int64Counter
	AlertsSent       metric.Int64Counter
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
}

// InitMetrics creates all instruments on the telemetry meter
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter(t.meterName())
	m := &Metrics{}

	counters := []counterSpec{
		{&m.QueriesTotal, "dns.queries.total", "DNS queries received"},
		{&m.QueriesBlocked, "dns.queries.blocked", "DNS queries answered with the sinkhole"},
		{&m.QueriesForwarded, "dns.queries.forwarded", "DNS queries relayed upstream"},
		{&m.QueriesMalformed, "dns.queries.malformed", "Datagrams dropped as undecodable"},
		{&m.UpstreamFailures, "dns.upstream.failures", "Failed upstream exchanges by kind"},
		{&m.GeoLookups, "geo.lookups", "Geolocation lookups by result"},
		{&m.TasksDropped, "tasks.dropped", "Background tasks dropped because the queue was full"},
		{&m.AlertsSent, "alerts.sent", "Alerts by result"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.QueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	m.QueriesActive, err = meter.Int64UpDownCounter(
		"dns.queries.active",
		metric.WithDescription("DNS queries currently being handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active queries gauge: %w", err)
	}

	if t.cfg.Enabled && t.cfg.ProcessMetrics {
		if err := registerProcessMetrics(meter); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (t *Telemetry) meterName() string {
	if t.cfg.ServiceName != "" {
		return t.cfg.ServiceName
	}
	return "zerotrust-dns"
}

// RecordQuery counts a decoded query
func (m *Metrics) RecordQuery(ctx context.Context, qtype string) {
	if m == nil {
		return
	}
	m.QueriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("qtype", qtype)))
}

// RecordBlocked counts a sinkholed query
func (m *Metrics) RecordBlocked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.QueriesBlocked.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordForwarded counts a relayed query
func (m *Metrics) RecordForwarded(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueriesForwarded.Add(ctx, 1)
}

// RecordMalformed counts a dropped datagram
func (m *Metrics) RecordMalformed(ctx context.Context) {
	if m == nil {
		return
	}
	m.QueriesMalformed.Add(ctx, 1)
}

// RecordUpstreamFailure counts a failed exchange or store error by kind
func (m *Metrics) RecordUpstreamFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.UpstreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordDuration observes how long a query took end to end
func (m *Metrics) RecordDuration(ctx context.Context, d time.Duration, action string) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.QueryDuration.Record(ctx, ms, metric.WithAttributes(attribute.String("action", action)))
}

// AddActive adjusts the in-flight query gauge
func (m *Metrics) AddActive(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.QueriesActive.Add(ctx, delta)
}

// RecordTaskDropped counts a background task lost to a full queue
func (m *Metrics) RecordTaskDropped(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.TasksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordGeoLookup counts a geolocation lookup
func (m *Metrics) RecordGeoLookup(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.GeoLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordAlert counts an alert outcome
func (m *Metrics) RecordAlert(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.AlertsSent.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
