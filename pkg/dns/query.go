package dns

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"zerotrust-dns/pkg/pattern"
)

// Query is one decoded client question. It is not modified after parsing.
type Query struct {
	ReceivedAt time.Time
	ID         string
	ClientIP   string
	Domain     string
	Raw        []byte
	TxID       uint16
	QType      uint16
}

func newQuery(req *dns.Msg, raw []byte, addr net.Addr, received time.Time) Query {
	q := req.Question[0]
	return Query{
		ReceivedAt: received,
		ID:         uuid.NewString(),
		ClientIP:   clientIP(addr),
		Domain:     pattern.Normalize(q.Name),
		Raw:        raw,
		TxID:       req.Id,
		QType:      q.Qtype,
	}
}

// TypeLabel returns the mnemonic of the query type, or TYPEnnn when unknown
func (q Query) TypeLabel() string {
	return dnsTypeLabel(q.QType)
}

func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}

func clientIP(addr net.Addr) string {
	switch a := addr.(type) {
	case nil:
		return "unknown"
	case *net.UDPAddr:
		return a.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
