// Package notify sends alerts for blocked queries.
//
// Alerts are best effort. A delivery failure is logged and counted, never
// returned to the query path. Repeats for the same client and domain inside
// the configured cooldown are suppressed, and an optional filter expression
// decides which blocks alert at all.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/logging"
	"zerotrust-dns/pkg/ratelimit"
)

// Results recorded per alert
const (
	ResultSent       = "sent"
	ResultFailed     = "failed"
	ResultFiltered   = "filtered"
	ResultSuppressed = "suppressed"
)

const maxTrackedPairs = 10000

// Event describes one blocked query. Field names are the identifiers
// available to filter expressions.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	QueryID   string    `json:"query_id"`
	ClientIP  string    `json:"client_ip"`
	Domain    string    `json:"domain"`
	QueryType string    `json:"query_type"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	Reason    string    `json:"reason"`
	Rule      string    `json:"rule"`
}

// Notifier delivers an event over one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// MetricsRecorder counts alert outcomes
type MetricsRecorder interface {
	RecordAlert(ctx context.Context, result string)
}

// Options holds optional collaborators. HTTPClient lends its transport to
// the webhook channel; the timeout always comes from the alert config.
type Options struct {
	HTTPClient *http.Client
	Metrics    MetricsRecorder
	Logger     *logging.Logger
}

// Dispatcher filters, rate limits and fans out alerts
type Dispatcher struct {
	mu        sync.RWMutex
	enabled   bool
	filter    *vm.Program
	notifiers []Notifier

	limiter    *ratelimit.Limiter
	httpClient *http.Client
	metrics    MetricsRecorder
	logger     *logging.Logger
}

// New creates a dispatcher. It fails only when the filter does not compile.
func New(cfg config.AlertsConfig, opts Options) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	d := &Dispatcher{
		limiter:    ratelimit.New(cfg.Cooldown, maxTrackedPairs),
		httpClient: opts.HTTPClient,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if err := d.Apply(cfg); err != nil {
		return nil, err
	}
	d.limiter.StartCleanup(time.Minute)
	return d, nil
}

// Apply swaps in new alert settings. On a filter compile error the previous
// settings stay in force.
func (d *Dispatcher) Apply(cfg config.AlertsConfig) error {
	filter, err := CompileFilter(cfg.Filter)
	if err != nil {
		return err
	}
	notifiers := d.buildNotifiers(cfg)

	d.mu.Lock()
	d.enabled = cfg.Enabled
	d.filter = filter
	d.notifiers = notifiers
	d.mu.Unlock()

	d.limiter.SetInterval(cfg.Cooldown)
	return nil
}

func (d *Dispatcher) buildNotifiers(cfg config.AlertsConfig) []Notifier {
	notifiers := []Notifier{NewLogNotifier(d.logger)}
	if cfg.SMTP.Host != "" && len(cfg.SMTP.To) > 0 {
		notifiers = append(notifiers, NewSMTPNotifier(cfg.SMTP))
	}
	if cfg.Webhook.URL != "" {
		client := &http.Client{Timeout: cfg.Webhook.Timeout}
		if d.httpClient != nil {
			client.Transport = d.httpClient.Transport
		}
		notifiers = append(notifiers, NewWebhookNotifier(cfg.Webhook.URL, client))
	}
	return notifiers
}

// CompileFilter compiles a boolean filter over Event. An empty source
// compiles to nil, which admits every event.
func CompileFilter(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(Event{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile alert filter: %w", err)
	}
	return program, nil
}

// Enabled reports whether alerts are switched on
func (d *Dispatcher) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled
}

// Notify delivers ev to every configured channel. It blocks until all
// channels finish or ctx ends, so callers run it off the query path.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	d.mu.RLock()
	enabled, filter, notifiers := d.enabled, d.filter, d.notifiers
	d.mu.RUnlock()

	if !enabled {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if filter != nil {
		ok, err := expr.Run(filter, ev)
		if err != nil {
			d.logger.Warn("Alert filter failed", "domain", ev.Domain, "error", err)
			d.record(ctx, ResultFailed)
			return
		}
		if pass, _ := ok.(bool); !pass {
			d.record(ctx, ResultFiltered)
			return
		}
	}

	if !d.limiter.Allow(ev.ClientIP + "|" + ev.Domain) {
		d.logger.Debug("Alert suppressed by cooldown", "client_ip", ev.ClientIP, "domain", ev.Domain)
		d.record(ctx, ResultSuppressed)
		return
	}

	errs := make([]error, len(notifiers))
	done := make(chan struct{})
	var wg sync.WaitGroup
	for i, n := range notifiers {
		wg.Add(1)
		go func(i int, n Notifier) {
			defer wg.Done()
			if err := n.Notify(ctx, ev); err != nil {
				errs[i] = fmt.Errorf("%s: %w", n.Name(), err)
			}
		}(i, n)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	// a channel that ignores ctx is abandoned rather than waited on
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Error("Alert delivery did not finish in time",
			"client_ip", ev.ClientIP,
			"domain", ev.Domain,
			"error", ctx.Err(),
		)
		d.record(context.WithoutCancel(ctx), ResultFailed)
		return
	}

	if err := errors.Join(errs...); err != nil {
		d.logger.Error("Failed to deliver alert",
			"client_ip", ev.ClientIP,
			"domain", ev.Domain,
			"error", err,
		)
		d.record(ctx, ResultFailed)
		return
	}
	d.record(ctx, ResultSent)
}

func (d *Dispatcher) record(ctx context.Context, result string) {
	if d.metrics != nil {
		d.metrics.RecordAlert(ctx, result)
	}
}

// Close stops background cleanup
func (d *Dispatcher) Close() {
	d.limiter.Stop()
}
