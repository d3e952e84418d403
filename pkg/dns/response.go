package dns

import (
	"net"

	"github.com/miekg/dns"
)

// BuildBlockResponse answers req with the sinkhole. A and AAAA questions get
// the sinkhole address; any other type gets an empty NOERROR answer.
func BuildBlockResponse(req *dns.Msg, sinkV4, sinkV6 net.IP, ttl uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	if len(req.Question) > 0 {
		q := req.Question[0]
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: ttl}
		switch q.Qtype {
		case dns.TypeA:
			if ip := sinkV4.To4(); ip != nil {
				resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: ip})
			}
		case dns.TypeAAAA:
			if ip := sinkV6.To16(); ip != nil {
				resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip})
			}
		}
	}

	echoEDNS(req, resp)
	return resp
}

// BuildServFail answers req with SERVFAIL, keeping its id and question
func BuildServFail(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(req, dns.RcodeServerFailure)
	resp.RecursionAvailable = true
	echoEDNS(req, resp)
	return resp
}
