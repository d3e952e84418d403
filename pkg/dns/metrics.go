package dns

import (
	"context"
	"time"
)

// Metrics receives query pipeline measurements. *telemetry.Metrics
// satisfies it.
type Metrics interface {
	RecordQuery(ctx context.Context, qtype string)
	RecordBlocked(ctx context.Context, reason string)
	RecordForwarded(ctx context.Context)
	RecordMalformed(ctx context.Context)
	RecordUpstreamFailure(ctx context.Context, kind string)
	RecordDuration(ctx context.Context, d time.Duration, action string)
	AddActive(ctx context.Context, delta int64)
	RecordTaskDropped(ctx context.Context, kind string)
}

type noopMetrics struct{}

func (noopMetrics) RecordQuery(context.Context, string)                   {}
func (noopMetrics) RecordBlocked(context.Context, string)                 {}
func (noopMetrics) RecordForwarded(context.Context)                       {}
func (noopMetrics) RecordMalformed(context.Context)                       {}
func (noopMetrics) RecordUpstreamFailure(context.Context, string)         {}
func (noopMetrics) RecordDuration(context.Context, time.Duration, string) {}
func (noopMetrics) AddActive(context.Context, int64)                      {}
func (noopMetrics) RecordTaskDropped(context.Context, string)             {}
