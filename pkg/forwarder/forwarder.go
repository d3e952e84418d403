// Package forwarder relays permitted queries to the single upstream resolver.
// The query bytes are sent unchanged and the reply bytes are returned
// unchanged. There is exactly one attempt per query.
package forwarder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/logging"
)

// Forwarder sends raw queries to one upstream over UDP
type Forwarder struct {
	address    string
	timeout    time.Duration
	breaker    *CircuitBreaker
	logger     *logging.Logger
	clientPool sync.Pool
}

// New creates a forwarder from the upstream configuration
func New(cfg config.UpstreamConfig, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Global()
	}
	address := cfg.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, "53")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	f := &Forwarder{
		address: address,
		timeout: timeout,
		logger:  logger,
	}
	if cfg.CircuitBreaker.Enabled {
		cb := cfg.CircuitBreaker
		f.breaker = NewCircuitBreaker(cb.FailureThreshold, cb.SuccessThreshold, cb.Cooldown)
	}
	f.clientPool.New = func() any {
		return &dns.Client{Net: "udp", Timeout: timeout, UDPSize: dns.MaxMsgSize}
	}

	logger.Info("Forwarder initialized",
		"upstream", address,
		"timeout", timeout,
		"circuit_breaker", f.breaker != nil,
	)
	return f
}

// Address returns the upstream host:port
func (f *Forwarder) Address() string {
	return f.address
}

// Breaker returns the circuit breaker, or nil when disabled
func (f *Forwarder) Breaker() *CircuitBreaker {
	return f.breaker
}

// Forward sends raw to the upstream and returns its reply verbatim.
// Datagrams whose transaction id does not match the query are ignored.
func (f *Forwarder) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	if len(raw) < 12 {
		return nil, ErrInvalidQuery
	}
	if f.breaker == nil {
		return f.exchange(ctx, raw)
	}

	var resp []byte
	err := f.breaker.Call(func() error {
		var err error
		resp, err = f.exchange(ctx, raw)
		return err
	})
	return resp, err
}

func (f *Forwarder) exchange(ctx context.Context, raw []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "dial", Addr: f.address, Err: err}
	}

	client := f.clientPool.Get().(*dns.Client)
	defer f.clientPool.Put(client)

	conn, err := client.DialContext(ctx, f.address)
	if err != nil {
		return nil, &TransportError{Op: "dial", Addr: f.address, Err: err}
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(f.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, &TransportError{Op: "deadline", Addr: f.address, Err: err}
	}
	// unblock the read as soon as the caller gives up
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Conn.Write(raw); err != nil {
		return nil, f.classify(ctx, "write", err)
	}

	id := binary.BigEndian.Uint16(raw[:2])
	buf := make([]byte, dns.MaxMsgSize)
	for {
		n, err := conn.Conn.Read(buf)
		if err != nil {
			return nil, f.classify(ctx, "read", err)
		}
		if n < 12 || binary.BigEndian.Uint16(buf[:2]) != id {
			f.logger.Debug("Discarding stray upstream datagram", "upstream", f.address, "bytes", n)
			continue
		}
		out := make([]byte, n)
		copy(out, buf[:n])
		return out, nil
	}
}

func (f *Forwarder) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return &TransportError{Op: op, Addr: f.address, Err: ctx.Err()}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w after %s: %v", ErrUpstreamTimeout, f.timeout, err)
	}
	return &TransportError{Op: op, Addr: f.address, Err: err}
}
