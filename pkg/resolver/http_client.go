package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient returns a client whose connections resolve through r.
// The timeout bounds the whole request, including the lookup.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if len(r.servers) == 0 {
		return &http.Client{Timeout: timeout}
	}

	transport := &http.Transport{
		DialContext:           r.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}
