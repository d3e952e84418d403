package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// ErrInvalidWindow is returned for unparseable or mixed start/end values
var ErrInvalidWindow = errors.New("invalid time window")

// Window is the half-open interval [start, end) in which a policy applies.
// Daily windows repeat every day in the engine's location and wrap midnight
// when start > end. A window with start == end is never active.
type Window struct {
	start, end       time.Time
	startSec, endSec int
	daily            bool
}

// ParseWindow accepts "HH:MM" / "HH:MM:SS" pairs or RFC 3339 pairs
func ParseWindow(start, end string) (Window, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)

	ss, errS := parseClock(start)
	es, errE := parseClock(end)
	if errS == nil && errE == nil {
		return Window{startSec: ss, endSec: es, daily: true}, nil
	}

	st, errS := time.Parse(time.RFC3339, start)
	et, errE := time.Parse(time.RFC3339, end)
	if errS == nil && errE == nil {
		return Window{start: st, end: et}, nil
	}

	return Window{}, fmt.Errorf("%w: %q-%q", ErrInvalidWindow, start, end)
}

func parseClock(s string) (int, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
		}
	}
	return 0, ErrInvalidWindow
}

// Active reports whether now falls inside the window
func (w Window) Active(now time.Time, loc *time.Location) bool {
	if !w.daily {
		return !now.Before(w.start) && now.Before(w.end)
	}

	if loc != nil {
		now = now.In(loc)
	}
	sec := now.Hour()*3600 + now.Minute()*60 + now.Second()

	switch {
	case w.startSec == w.endSec:
		return false
	case w.startSec < w.endSec:
		return sec >= w.startSec && sec < w.endSec
	default:
		return sec >= w.startSec || sec < w.endSec
	}
}

// clientMatches reports whether client (IP literal) is addressed by target,
// which is an IP literal or CIDR prefix. IPv4-mapped IPv6 addresses
// compare equal to their IPv4 form.
func clientMatches(target string, client netip.Addr) bool {
	target = strings.TrimSpace(target)
	if addr, err := netip.ParseAddr(target); err == nil {
		return addr.Unmap() == client
	}
	prefix, err := netip.ParsePrefix(target)
	if err != nil {
		return false
	}
	return prefix.Masked().Contains(client)
}
