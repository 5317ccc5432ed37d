// Package ratelimit implements a per-remote-endpoint token bucket and
// flood detection: a bounded registry of limiters keyed by remote
// endpoint, built on golang.org/x/time/rate with a hand-rolled
// flood-detection layer on top (x/time/rate has no native notion of
// "N denials within a window").
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config controls the capacity, refill, flood, and eviction behavior
// of a Registry.
type Config struct {
	// MaxPacketsPerSecond is both the bucket capacity and the
	// sustained refill rate.
	MaxPacketsPerSecond int
	// TokenRefillInterval sets the refill rate: a limiter's rate.Limit
	// is derived as MaxPacketsPerSecond per TokenRefillInterval. Tokens
	// accrue continuously; refill is not quantized to whole intervals.
	TokenRefillInterval time.Duration
	// FloodThreshold is the number of denials within FloodWindow that
	// triggers a throttle penalty.
	FloodThreshold int
	// FloodWindow is the sliding interval over which denials count
	// toward FloodThreshold.
	FloodWindow time.Duration
	// ThrottlePenaltyDivisor divides effective capacity while a
	// throttle penalty is active.
	ThrottlePenaltyDivisor int
	// MaxEntries bounds the registry; once full, the oldest idle
	// entry is evicted to make room for a new endpoint.
	MaxEntries int
	// IdleTimeout marks an entry eligible for cleanup once it has
	// seen no packet for this long.
	IdleTimeout time.Duration
	// FloodsDetected, if set, is incremented each time an endpoint
	// crosses FloodThreshold and a new throttle penalty is applied.
	FloodsDetected prometheus.Counter
}

// entry is one remote endpoint's limiter plus the bookkeeping needed
// for flood detection and idle eviction.
type entry struct {
	limiter    *rate.Limiter
	lastSeen   time.Time
	denials    []time.Time // sliding window of recent denial timestamps
	penalized  bool
	penaltyEnd time.Time
}

// Registry tracks one Limiter per remote endpoint key (typically a
// "host:port" string), bounded by Config.MaxEntries.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds an empty Registry. Cleanup and eviction are driven by the
// caller (the Relay's single-threaded tick), not an internal goroutine.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*entry, cfg.MaxEntries),
	}
}

// Allow reports whether a packet from key may proceed, creating a
// limiter for key on first sight (evicting the oldest idle entry first
// if the registry is at capacity). It applies the flood-detection
// throttle: while a penalty is active the effective capacity is
// divided by ThrottlePenaltyDivisor.
func (r *Registry) Allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.getOrCreateLocked(key, now)
	e.lastSeen = now

	if e.penalized && now.After(e.penaltyEnd) {
		e.penalized = false
		e.denials = nil
		e.limiter.SetBurstAt(now, r.cfg.MaxPacketsPerSecond)
		e.limiter.SetLimitAt(now, r.refillRate())
	}

	if e.limiter.AllowN(now, 1) {
		return true
	}

	r.recordDenialLocked(e, now)
	return false
}

// Size reports the number of tracked endpoints.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cleanup removes entries idle beyond Config.IdleTimeout, returning
// the number removed. Intended to be called from the Relay's periodic
// cleanup tick.
func (r *Registry) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.lastSeen) > r.cfg.IdleTimeout {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

func (r *Registry) getOrCreateLocked(key string, now time.Time) *entry {
	if e, ok := r.entries[key]; ok {
		return e
	}

	if len(r.entries) >= r.cfg.MaxEntries {
		r.evictOldestIdleLocked()
	}

	e := &entry{
		limiter:  rate.NewLimiter(r.refillRate(), r.cfg.MaxPacketsPerSecond),
		lastSeen: now,
	}
	r.entries[key] = e
	return e
}

// evictOldestIdleLocked drops the least-recently-seen entry to make
// room for a new endpoint when the registry is at capacity.
func (r *Registry) evictOldestIdleLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, e := range r.entries {
		if first || e.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastSeen
			first = false
		}
	}

	if !first {
		delete(r.entries, oldestKey)
	}
}

// recordDenialLocked appends a denial timestamp, drops entries outside
// the sliding flood window, and applies a throttle penalty once
// FloodThreshold denials remain within FloodWindow.
func (r *Registry) recordDenialLocked(e *entry, now time.Time) {
	cutoff := now.Add(-r.cfg.FloodWindow)
	kept := e.denials[:0]
	for _, t := range e.denials {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.denials = append(kept, now)

	if len(e.denials) >= r.cfg.FloodThreshold && !e.penalized {
		e.penalized = true
		e.penaltyEnd = now.Add(r.cfg.FloodWindow)
		penalized := r.cfg.MaxPacketsPerSecond / r.cfg.ThrottlePenaltyDivisor
		if penalized < 1 {
			penalized = 1
		}
		e.limiter.SetBurstAt(now, penalized)
		e.limiter.SetLimitAt(now, rate.Limit(penalized)/rate.Limit(r.cfg.TokenRefillInterval.Seconds()))
		if r.cfg.FloodsDetected != nil {
			r.cfg.FloodsDetected.Inc()
		}
	}
}

// refillRate converts the configured capacity and refill interval into
// a rate.Limit (tokens per second); the refill interval defaults to 1s
// with a per-second refill amount equal to capacity.
func (r *Registry) refillRate() rate.Limit {
	return rate.Limit(float64(r.cfg.MaxPacketsPerSecond) / r.cfg.TokenRefillInterval.Seconds())
}
