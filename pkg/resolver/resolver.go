// Package resolver resolves hostnames for the gateway's own outbound HTTP
// traffic. When the gateway is the host's resolver, going through the
// system resolver would route those lookups back into the gateway.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"zerotrust-dns/pkg/logging"
)

// ErrNoAddresses is returned when every configured server answered without addresses
var ErrNoAddresses = errors.New("no addresses found")

// Resolver looks up A and AAAA records directly against fixed servers.
// With no servers configured it defers to the system resolver.
type Resolver struct {
	logger  *logging.Logger
	dialer  *net.Dialer
	client  *dns.Client
	servers []string
}

// New creates a resolver for servers (host:port). Empty servers means system resolver.
func New(servers []string, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Global()
	}
	if len(servers) > 0 {
		logger.Debug("Outbound resolver initialized", "servers", servers)
	}
	return &Resolver{
		logger:  logger,
		servers: servers,
		client:  &dns.Client{Net: "udp", Timeout: 2 * time.Second},
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP returns the IPv4 then IPv6 addresses of host, trying each server in order
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if len(r.servers) == 0 {
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}

	var errs []error
	for _, server := range r.servers {
		ips, err := r.lookupAt(ctx, server, host)
		if err == nil && len(ips) > 0 {
			return ips, nil
		}
		if err == nil {
			err = ErrNoAddresses
		}
		r.logger.Debug("Outbound lookup failed", "host", host, "server", server, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
	}
	return nil, fmt.Errorf("resolve %s: %w", host, errors.Join(errs...))
}

func (r *Resolver) lookupAt(ctx context.Context, server, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
		// IPv4 is enough for dialing
		if len(ips) > 0 {
			return ips, nil
		}
	}
	return ips, nil
}

// DialContext matches http.Transport.DialContext
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}
	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoAddresses, host)
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := r.dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Servers returns the configured servers
func (r *Resolver) Servers() []string {
	return r.servers
}
