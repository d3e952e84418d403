package dns

import (
	"github.com/miekg/dns"
)

// Advertised UDP payload bounds for synthetic answers
const (
	DefaultEDNSBufferSize = 1232
	MaxEDNSBufferSize     = 4096
	MinEDNSBufferSize     = 512
)

// EDNSInfo is the OPT record content of a request
type EDNSInfo struct {
	Present    bool
	Version    uint8
	BufferSize uint16
	DO         bool
}

// GetEDNSInfo reads the OPT record of req, if any
func GetEDNSInfo(req *dns.Msg) EDNSInfo {
	if req == nil {
		return EDNSInfo{}
	}
	opt := req.IsEdns0()
	if opt == nil {
		return EDNSInfo{}
	}
	return EDNSInfo{
		Present:    true,
		Version:    opt.Version(),
		BufferSize: opt.UDPSize(),
		DO:         opt.Do(),
	}
}

// echoEDNS adds an OPT record to resp when req carried one. The DO bit is
// copied and the payload size is clamped.
func echoEDNS(req, resp *dns.Msg) {
	info := GetEDNSInfo(req)
	if !info.Present || resp.IsEdns0() != nil {
		return
	}
	opt := &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
	opt.SetUDPSize(negotiateBufferSize(info.BufferSize))
	if info.DO {
		opt.SetDo()
	}
	resp.Extra = append(resp.Extra, opt)
}

func negotiateBufferSize(requested uint16) uint16 {
	switch {
	case requested == 0:
		return DefaultEDNSBufferSize
	case requested < MinEDNSBufferSize:
		return MinEDNSBufferSize
	case requested > MaxEDNSBufferSize:
		return MaxEDNSBufferSize
	default:
		return requested
	}
}
