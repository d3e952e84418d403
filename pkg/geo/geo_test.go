package geo

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/logging"
)

type countingMetrics struct {
	mu      sync.Mutex
	results map[string]int
}

func (m *countingMetrics) RecordGeoLookup(_ context.Context, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(&config.LoggingConfig{Level: "error"}, io.Discard)
}

func newTestResolver(url string, metrics MetricsRecorder) *Resolver {
	return New(Options{
		Enabled:      true,
		URL:          url + "/json/%s",
		Timeout:      300 * time.Millisecond,
		SkipNetworks: config.DefaultSkipNetworks,
		Metrics:      metrics,
		Logger:       testLogger(),
	})
}

func TestResolve_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/8.8.4.4", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"success","countryCode":"us","city":"Mountain View"}`)
	}))
	defer srv.Close()

	metrics := &countingMetrics{}
	loc := newTestResolver(srv.URL, metrics).Resolve(context.Background(), "8.8.4.4")
	assert.Equal(t, Location{CountryCode: "US", City: "Mountain View"}, loc)
	assert.Equal(t, 1, metrics.results[ResultResolved])
}

func TestResolve_AlternateFieldNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"country":"DE"}`)
	}))
	defer srv.Close()

	loc := newTestResolver(srv.URL, nil).Resolve(context.Background(), "203.0.113.9")
	assert.Equal(t, "DE", loc.CountryCode)
	assert.Equal(t, "Unknown", loc.City)
}

func TestResolve_FailuresFallBackToUnknown(t *testing.T) {
	tests := []struct {
		handler http.HandlerFunc
		name    string
	}{
		{name: "server error", handler: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}},
		{name: "bad json", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{not json")
		}},
		{name: "status fail", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"status":"fail","message":"reserved range"}`)
		}},
		{name: "invalid code", handler: func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"countryCode":"Germany"}`)
		}},
		{name: "timeout", handler: func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			start := time.Now()
			loc := newTestResolver(srv.URL, nil).Resolve(context.Background(), "198.51.100.7")
			assert.Equal(t, Unknown, loc)
			assert.Less(t, time.Since(start), 900*time.Millisecond)
		})
	}
}

func TestResolve_SkipsPrivateAndDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"countryCode":"US"}`)
	}))
	defer srv.Close()

	metrics := &countingMetrics{}
	r := newTestResolver(srv.URL, metrics)
	for _, ip := range []string{"127.0.0.1", "192.168.1.20", "10.9.8.7", "::1", "not-an-ip"} {
		assert.Equal(t, Unknown, r.Resolve(context.Background(), ip), ip)
	}
	assert.Zero(t, hits.Load())
	assert.Equal(t, 5, metrics.results[ResultSkipped])

	disabled := New(Options{URL: srv.URL + "/%s", Logger: testLogger()})
	assert.Equal(t, Unknown, disabled.Resolve(context.Background(), "8.8.8.8"))
	assert.Zero(t, hits.Load())
}

func TestResolve_ConcurrentLookupsCollapse(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = io.WriteString(w, `{"countryCode":"FR","city":"Paris"}`)
	}))
	defer srv.Close()

	r := newTestResolver(srv.URL, nil)
	const callers = 10
	var wg sync.WaitGroup
	results := make(chan Location, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Resolve(context.Background(), "203.0.113.50")
		}()
	}

	// let every caller join the in-flight lookup
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for loc := range results {
		assert.Equal(t, "FR", loc.CountryCode)
	}
	assert.EqualValues(t, 1, hits.Load())
}

func TestResolve_CallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = io.WriteString(w, `{"countryCode":"US"}`)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.Equal(t, Unknown, newTestResolver(srv.URL, nil).Resolve(ctx, "8.8.8.8"))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
