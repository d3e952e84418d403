package resolver

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/logging"
)

func getTestLogger() *logging.Logger {
	return logging.NewWithWriter(&config.LoggingConfig{Level: "error", Format: "text"}, io.Discard)
}

// startMockDNS answers every A query for host with addr and NXDOMAIN otherwise
func startMockDNS(t *testing.T, host, addr string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Name == dns.Fqdn(host) && q.Qtype == dns.TypeA:
			rr, _ := dns.NewRR(q.Name + " 60 IN A " + addr)
			resp.Answer = append(resp.Answer, rr)
		case q.Name != dns.Fqdn(host):
			resp.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = server.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestNew(t *testing.T) {
	r := New([]string{"127.0.0.1:53"}, getTestLogger())
	if len(r.Servers()) != 1 {
		t.Errorf("Servers() = %v", r.Servers())
	}
	if New(nil, nil) == nil {
		t.Error("New(nil, nil) returned nil")
	}
}

func TestLookupIP_ConfiguredServer(t *testing.T) {
	server := startMockDNS(t, "geo.test", "127.0.0.1")
	r := New([]string{server}, getTestLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ips, err := r.LookupIP(ctx, "geo.test")
	if err != nil {
		t.Fatalf("LookupIP() error = %v", err)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("LookupIP() = %v, want [127.0.0.1]", ips)
	}
}

func TestLookupIP_NoAddresses(t *testing.T) {
	server := startMockDNS(t, "geo.test", "127.0.0.1")
	r := New([]string{server}, getTestLogger())

	_, err := r.LookupIP(context.Background(), "missing.test")
	if err == nil {
		t.Fatal("expected error for unknown host")
	}
	if !strings.Contains(err.Error(), "missing.test") {
		t.Errorf("error should name the host: %v", err)
	}
}

func TestLookupIP_Literal(t *testing.T) {
	r := New([]string{"192.0.2.1:53"}, getTestLogger())
	ips, err := r.LookupIP(context.Background(), "10.1.2.3")
	if err != nil || len(ips) != 1 {
		t.Fatalf("LookupIP(literal) = %v, %v", ips, err)
	}
}

func TestDialContext_InvalidAddress(t *testing.T) {
	r := New(nil, getTestLogger())
	if _, err := r.DialContext(context.Background(), "tcp", "no-port"); err == nil {
		t.Error("DialContext() should fail without a port")
	}
}

func TestNewHTTPClient_ResolvesThroughServers(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer api.Close()

	_, port, _ := net.SplitHostPort(api.Listener.Addr().String())
	server := startMockDNS(t, "geo.test", "127.0.0.1")
	client := New([]string{server}, getTestLogger()).NewHTTPClient(3 * time.Second)

	if client.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", client.Timeout)
	}

	resp, err := client.Get("http://geo.test:" + port + "/")
	if err != nil {
		t.Fatalf("GET through resolver failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
}
