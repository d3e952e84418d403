package forwarder

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamTimeout is returned when no matching reply arrived in time
	ErrUpstreamTimeout = errors.New("upstream timeout")

	// ErrCircuitOpen is returned when the breaker rejects the query
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrInvalidQuery is returned for payloads too short to carry a DNS header
	ErrInvalidQuery = errors.New("invalid query payload")
)

// TransportError is a dial, write or read failure talking to the upstream
type TransportError struct {
	Err  error
	Op   string
	Addr string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Kind classifies err for metrics: "timeout", "circuit_open", "transport" or "other"
func Kind(err error) string {
	var te *TransportError
	switch {
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.As(err, &te):
		return "transport"
	default:
		return "other"
	}
}
