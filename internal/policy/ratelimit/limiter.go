// Package ratelimit implements the per-host politeness gate backed by token
// buckets, with server-driven cooldowns layered on top.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

// HostLimit overrides the default token bucket for a single host.
type HostLimit struct {
	RPS   float64
	Burst int
}

// Config holds politeness gate configuration.
type Config struct {
	// DefaultRPS is the steady request rate per host; <= 0 means unlimited.
	DefaultRPS float64
	// DefaultBurst is the bucket size per host; <= 0 means 1.
	DefaultBurst int
	// PerHost overrides the defaults for specific hosts, keyed by lowercased
	// hostname.
	PerHost map[string]HostLimit
}

// Limiter gates dispatch per host. Unlike a blocking limiter it never sleeps:
// TryAcquire either takes a token now or reports that the caller should try
// the host again later, which keeps a single dispatch loop from stalling on
// one slow host while others have work ready.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	cooldowns map[string]time.Time

	defaultRate  rate.Limit
	defaultBurst int
	perHost      map[string]HostLimit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		cooldowns:    make(map[string]time.Time),
		defaultRate:  r,
		defaultBurst: burst,
		perHost:      cfg.PerHost,
	}
}

// TryAcquire takes one token for the host if available. It returns false
// while the host is cooling down after a penalty or when the bucket is empty.
// Tasks without a resolvable host bypass the gate.
func (l *Limiter) TryAcquire(host string, now time.Time) bool {
	if host == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.cooldowns[host]; ok {
		if now.Before(until) {
			metrics.RecordGateDeferral(host)
			return false
		}
		delete(l.cooldowns, host)
	}
	if !l.limiterLocked(host).AllowN(now, 1) {
		metrics.RecordGateDeferral(host)
		return false
	}
	return true
}

// Penalize blocks the host until the given time, typically from a 429
// Retry-After. An existing later cooldown is kept.
func (l *Limiter) Penalize(host string, until time.Time) {
	if host == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.cooldowns[host]; ok && existing.After(until) {
		return
	}
	l.cooldowns[host] = until
	metrics.RecordGatePenalty(host)
}

// CooldownUntil reports the end of the host's active cooldown, if any.
func (l *Limiter) CooldownUntil(host string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.cooldowns[host]
	return until, ok
}

func (l *Limiter) limiterLocked(host string) *rate.Limiter {
	if lim, ok := l.limiters[host]; ok {
		return lim
	}
	r, burst := l.defaultRate, l.defaultBurst
	if override, ok := l.perHost[host]; ok {
		if override.RPS > 0 {
			r = rate.Limit(override.RPS)
		}
		if override.Burst > 0 {
			burst = override.Burst
		}
	}
	lim := rate.NewLimiter(r, burst)
	l.limiters[host] = lim
	return lim
}
