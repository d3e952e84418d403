// Package dns is the UDP front end of the gateway: it reads client queries,
// asks the policy engine for a verdict and answers with the sinkhole, the
// upstream's reply or SERVFAIL. Logging and alerting run on a TaskQueue
// after the answer has been sent.
package dns

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/forwarder"
	"zerotrust-dns/pkg/geo"
	"zerotrust-dns/pkg/logging"
	"zerotrust-dns/pkg/notify"
	"zerotrust-dns/pkg/policy"
	"zerotrust-dns/pkg/storage"
)

// Outcome labels used for durations and logs
const (
	outcomeBlock    = "block"
	outcomeForward  = "forward"
	outcomeServFail = "servfail"
)

// Decider returns a verdict for a query
type Decider interface {
	Decide(ctx context.Context, clientIP, domain string) (policy.Decision, error)
}

// Upstream relays raw query bytes and returns the raw reply
type Upstream interface {
	Forward(ctx context.Context, raw []byte) ([]byte, error)
}

// Alerter is told about blocked queries
type Alerter interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Handler runs the per-query pipeline
type Handler struct {
	engine   Decider
	upstream Upstream
	geo      policy.GeoResolver
	ledger   storage.Ledger
	alerts   Alerter
	tasks    *TaskQueue
	metrics  Metrics
	logger   *logging.Logger
	sinkV4   net.IP
	sinkV6   net.IP
	blockTTL uint32
	now      func() time.Time
}

type outcome struct {
	decision policy.Decision
	label    string
	rcode    int
	decided  bool
}

// NewHandler creates a handler answering blocked queries as cfg describes
func NewHandler(engine Decider, upstream Upstream, cfg config.PolicyConfig) *Handler {
	h := &Handler{
		engine:   engine,
		upstream: upstream,
		metrics:  noopMetrics{},
		logger:   logging.Global(),
		sinkV4:   net.ParseIP(cfg.SinkholeIPv4),
		sinkV6:   net.ParseIP(cfg.SinkholeIPv6),
		blockTTL: cfg.BlockTTL,
		now:      time.Now,
	}
	if h.sinkV4 == nil {
		h.sinkV4 = net.IPv4zero
	}
	if h.sinkV6 == nil {
		h.sinkV6 = net.IPv6zero
	}
	return h
}

// SetGeo sets the resolver used to fill in locations the engine did not need
func (h *Handler) SetGeo(g policy.GeoResolver) { h.geo = g }

// SetLedger sets where decisions are recorded
func (h *Handler) SetLedger(l storage.Ledger) { h.ledger = l }

// SetAlerts sets the alert sink for blocked queries
func (h *Handler) SetAlerts(a Alerter) { h.alerts = a }

// SetTaskQueue sets the queue side effects run on. Without one they are skipped.
func (h *Handler) SetTaskQueue(q *TaskQueue) { h.tasks = q }

// SetMetrics sets the metrics sink
func (h *Handler) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	h.metrics = m
}

// SetLogger sets the logger
func (h *Handler) SetLogger(l *logging.Logger) { h.logger = l }

// ServeDatagram handles one datagram from addr. write is called at most
// once; undecodable datagrams are dropped without a reply.
func (h *Handler) ServeDatagram(ctx context.Context, raw []byte, addr net.Addr, write func([]byte) error) {
	start := h.now()
	h.metrics.AddActive(ctx, 1)
	defer h.metrics.AddActive(ctx, -1)

	req := new(dns.Msg)
	if err := req.Unpack(raw); err != nil || len(req.Question) == 0 {
		h.metrics.RecordMalformed(ctx)
		h.logger.Debug("Dropping malformed datagram", "client_ip", clientIP(addr), "bytes", len(raw), "error", err)
		return
	}

	q := newQuery(req, raw, addr, start)
	h.metrics.RecordQuery(ctx, q.TypeLabel())

	resp, out := h.resolve(ctx, q, req)
	if resp == nil {
		return
	}
	if err := write(resp); err != nil {
		h.logger.Debug("Failed to write response", "query_id", q.ID, "client_ip", q.ClientIP, "error", err)
	}

	elapsed := h.now().Sub(start)
	h.metrics.RecordDuration(ctx, elapsed, out.label)
	h.logger.Debug("Query answered",
		"query_id", q.ID,
		"client_ip", q.ClientIP,
		"domain", q.Domain,
		"type", q.TypeLabel(),
		"action", out.label,
		"reason", out.decision.Reason,
		"duration_ms", elapsed.Milliseconds(),
	)

	if out.decided {
		h.dispatch(q, out, elapsed)
	}
}

func (h *Handler) resolve(ctx context.Context, q Query, req *dns.Msg) ([]byte, outcome) {
	decision, err := h.engine.Decide(ctx, q.ClientIP, q.Domain)
	if err != nil {
		h.logger.Error("Policy evaluation failed",
			"query_id", q.ID,
			"client_ip", q.ClientIP,
			"domain", q.Domain,
			"error", err,
		)
		return h.pack(q, BuildServFail(req)), outcome{label: outcomeServFail, rcode: dns.RcodeServerFailure}
	}

	out := outcome{decision: decision, decided: true}
	if decision.Blocked() {
		h.metrics.RecordBlocked(ctx, decision.Reason)
		out.label, out.rcode = outcomeBlock, dns.RcodeSuccess
		return h.pack(q, BuildBlockResponse(req, h.sinkV4, h.sinkV6, h.blockTTL)), out
	}

	resp, err := h.upstream.Forward(ctx, q.Raw)
	if err != nil {
		h.metrics.RecordUpstreamFailure(ctx, forwarder.Kind(err))
		h.logger.Warn("Upstream exchange failed",
			"query_id", q.ID,
			"domain", q.Domain,
			"error", err,
		)
		out.label, out.rcode = outcomeServFail, dns.RcodeServerFailure
		return h.pack(q, BuildServFail(req)), out
	}

	h.metrics.RecordForwarded(ctx)
	out.label = outcomeForward
	if len(resp) > 3 {
		out.rcode = int(resp[3] & 0x0f)
	}
	return resp, out
}

func (h *Handler) pack(q Query, msg *dns.Msg) []byte {
	out, err := msg.Pack()
	if err != nil {
		h.logger.Error("Failed to pack response", "query_id", q.ID, "error", err)
		return nil
	}
	return out
}

// dispatch queues the ledger write and, for blocks, the alert. The location
// is resolved here when the engine did not need it.
func (h *Handler) dispatch(q Query, out outcome, elapsed time.Duration) {
	if h.tasks == nil || (h.ledger == nil && h.alerts == nil) {
		return
	}
	d := out.decision

	h.tasks.Submit(TaskLedger, func(ctx context.Context) {
		loc := d.Location
		if !d.GeoResolved {
			loc = h.locate(ctx, q.ClientIP)
		}

		if h.ledger != nil {
			entry := &storage.LogEntry{
				Timestamp:      q.ReceivedAt,
				QueryID:        q.ID,
				ClientIP:       q.ClientIP,
				Country:        loc.CountryCode,
				City:           loc.City,
				Domain:         q.Domain,
				QueryType:      q.TypeLabel(),
				Action:         storage.ActionAllowed,
				Trace:          d.Trace,
				ResponseCode:   out.rcode,
				ResponseTimeMs: float64(elapsed.Microseconds()) / 1000,
			}
			if d.Blocked() {
				entry.Action = storage.ActionBlocked
				entry.BlockReason = d.Reason
			}
			if err := h.ledger.RecordQuery(ctx, entry); err != nil {
				h.logger.Error("Failed to record query",
					"query_id", q.ID,
					"domain", q.Domain,
					"error", err,
				)
			}
		}

		if d.Blocked() && h.alerts != nil {
			ev := notify.Event{
				Timestamp: q.ReceivedAt,
				QueryID:   q.ID,
				ClientIP:  q.ClientIP,
				Domain:    q.Domain,
				QueryType: q.TypeLabel(),
				Country:   loc.CountryCode,
				City:      loc.City,
				Reason:    d.Reason,
				Rule:      d.Rule,
			}
			h.tasks.Chain(TaskAlert, func(ctx context.Context) {
				h.alerts.Notify(ctx, ev)
			})
		}
	})
}

func (h *Handler) locate(ctx context.Context, ip string) geo.Location {
	if h.geo == nil {
		return geo.Unknown
	}
	return h.geo.Resolve(ctx, ip)
}
