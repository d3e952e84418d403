// Package ratelimit suppresses repeats of keyed events with one token
// bucket per key.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits at most one event per key per interval. A zero interval
// admits everything. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	keys     map[string]*entry
	interval time.Duration
	maxKeys  int
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter. maxKeys bounds memory; the least recently seen key
// is evicted when it is reached (0 means unbounded).
func New(interval time.Duration, maxKeys int) *Limiter {
	return &Limiter{
		keys:     make(map[string]*entry, 64),
		interval: interval,
		maxKeys:  maxKeys,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Allow reports whether an event for key may proceed now
func (l *Limiter) Allow(key string) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.interval <= 0 {
		return true
	}

	now := l.now()
	e, ok := l.keys[key]
	if !ok {
		if l.maxKeys > 0 && len(l.keys) >= l.maxKeys {
			l.evictOldestLocked()
		}
		e = &entry{limiter: rate.NewLimiter(rate.Every(l.interval), 1)}
		l.keys[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// SetInterval changes the interval for all keys and forgets existing state
func (l *Limiter) SetInterval(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if interval == l.interval {
		return
	}
	l.interval = interval
	l.keys = make(map[string]*entry, 64)
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// StartCleanup drops keys idle for longer than the interval, every period,
// until Stop is called.
func (l *Limiter) StartCleanup(period time.Duration) {
	if period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop ends the cleanup goroutine
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.keys {
		if now.Sub(e.lastSeen) > l.interval {
			delete(l.keys, key)
		}
	}
}

func (l *Limiter) evictOldestLocked() {
	var (
		oldestKey  string
		oldestTime time.Time
		first      = true
	)
	for key, e := range l.keys {
		if first || e.lastSeen.Before(oldestTime) {
			oldestKey, oldestTime, first = key, e.lastSeen, false
		}
	}
	if !first {
		delete(l.keys, oldestKey)
	}
}
