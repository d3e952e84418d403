package dns

import (
	"net"
	"testing"

	"github.com/miekg/dns"
)

var (
	testSinkV4 = net.ParseIP("0.0.0.0")
	testSinkV6 = net.ParseIP("::")
)

func question(name string, qtype uint16) *dns.Msg {
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	req.Id = 0xBEEF
	return req
}

func TestBuildBlockResponse_A(t *testing.T) {
	req := question("ads.example.com", dns.TypeA)
	resp := BuildBlockResponse(req, testSinkV4, testSinkV6, 60)

	if resp.Id != req.Id {
		t.Errorf("Id = %x, want %x", resp.Id, req.Id)
	}
	if !resp.Response || resp.Rcode != dns.RcodeSuccess {
		t.Errorf("want NOERROR response, got rcode %d", resp.Rcode)
	}
	if len(resp.Question) != 1 || resp.Question[0] != req.Question[0] {
		t.Errorf("question not echoed: %v", resp.Question)
	}
	if len(resp.Answer) != 1 {
		t.Fatalf("len(Answer) = %d, want 1", len(resp.Answer))
	}
	a, ok := resp.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", resp.Answer[0])
	}
	if !a.A.Equal(net.IPv4zero) || a.Hdr.Ttl != 60 || a.Hdr.Name != "ads.example.com." {
		t.Errorf("unexpected answer %v", a)
	}
}

func TestBuildBlockResponse_AAAA(t *testing.T) {
	resp := BuildBlockResponse(question("ads.example.com", dns.TypeAAAA), testSinkV4, testSinkV6, 30)
	if len(resp.Answer) != 1 {
		t.Fatalf("len(Answer) = %d, want 1", len(resp.Answer))
	}
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	if !ok {
		t.Fatalf("answer is %T, want *dns.AAAA", resp.Answer[0])
	}
	if !aaaa.AAAA.Equal(net.IPv6zero) {
		t.Errorf("AAAA = %v, want ::", aaaa.AAAA)
	}
}

func TestBuildBlockResponse_OtherTypesAreEmpty(t *testing.T) {
	for _, qtype := range []uint16{dns.TypeMX, dns.TypeTXT, dns.TypeHTTPS} {
		resp := BuildBlockResponse(question("ads.example.com", qtype), testSinkV4, testSinkV6, 60)
		if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) != 0 {
			t.Errorf("%s: rcode %d answers %d, want NOERROR with none",
				dns.TypeToString[qtype], resp.Rcode, len(resp.Answer))
		}
	}
}

func TestBuildBlockResponse_CustomSinkhole(t *testing.T) {
	resp := BuildBlockResponse(question("ads.example.com", dns.TypeA), net.ParseIP("10.10.10.10"), testSinkV6, 60)
	if a := resp.Answer[0].(*dns.A); a.A.String() != "10.10.10.10" {
		t.Errorf("A = %s, want 10.10.10.10", a.A)
	}
}

func TestBuildBlockResponse_EchoesEDNS(t *testing.T) {
	req := question("ads.example.com", dns.TypeA)
	req.SetEdns0(1232, false)
	if BuildBlockResponse(req, testSinkV4, testSinkV6, 60).IsEdns0() == nil {
		t.Error("expected OPT record in block response")
	}
}

func TestBuildServFail(t *testing.T) {
	req := question("down.example.com", dns.TypeA)
	resp := BuildServFail(req)

	if resp.Id != req.Id {
		t.Errorf("Id = %x, want %x", resp.Id, req.Id)
	}
	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("Rcode = %d, want SERVFAIL", resp.Rcode)
	}
	if len(resp.Question) != 1 || resp.Question[0].Name != "down.example.com." {
		t.Errorf("question not echoed: %v", resp.Question)
	}
	if len(resp.Answer) != 0 {
		t.Error("SERVFAIL must not carry answers")
	}
}
