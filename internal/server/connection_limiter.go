package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	rateLimiterCleanupEvery = 5 * time.Minute
	rateLimiterIdleAfter    = 10 * time.Minute
)

// LimitReason names the limit that rejected a connection. It doubles as the
// websocket_connections_rejected_total label.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonPerIP  LimitReason = "per_ip_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

// ConnectionLimits guards websocket upgrades with a global cap, a per-IP cap
// and a per-IP token bucket for new connections.
type ConnectionLimits struct {
	global *globalLimiter
	perIP  *ipLimiter
	rate   *ipRateLimiter
}

func NewConnectionLimits(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int, clock clockwork.Clock) *ConnectionLimits {
	return &ConnectionLimits{
		global: &globalLimiter{max: globalMax},
		perIP:  &ipLimiter{ips: make(map[string]int), maxPer: perIPMax},
		rate:   newIPRateLimiter(connectionsPerSecond, burst, clock),
	}
}

// Acquire reserves a connection slot for ip. Callers must Release a
// successful acquisition exactly once.
func (l *ConnectionLimits) Acquire(ip string) (bool, LimitReason) {
	if !l.rate.allow(ip) {
		return false, LimitReasonRate
	}
	if !l.global.acquire() {
		return false, LimitReasonGlobal
	}
	if !l.perIP.acquire(ip) {
		l.global.release()
		return false, LimitReasonPerIP
	}
	return true, ""
}

func (l *ConnectionLimits) Release(ip string) {
	l.perIP.release(ip)
	l.global.release()
}

// Current returns the number of held connection slots.
func (l *ConnectionLimits) Current() int64 {
	return l.global.current.Load()
}

// CountFor returns the number of slots held by ip.
func (l *ConnectionLimits) CountFor(ip string) int {
	return l.perIP.count(ip)
}

type globalLimiter struct {
	current atomic.Int64
	max     int64
}

func (l *globalLimiter) acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *globalLimiter) release() {
	l.current.Add(-1)
}

type ipLimiter struct {
	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func (l *ipLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *ipLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch count := l.ips[ip]; {
	case count > 1:
		l.ips[ip] = count - 1
	case count == 1:
		delete(l.ips, ip)
	}
}

func (l *ipLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ips[ip]
}

type ipRateLimiter struct {
	clock clockwork.Clock
	rate  rate.Limit
	burst int

	mu        sync.Mutex
	limiters  map[string]*rateEntry
	cleanupAt time.Time
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(perSecond float64, burst int, clock clockwork.Clock) *ipRateLimiter {
	return &ipRateLimiter{
		clock:     clock,
		rate:      rate.Limit(perSecond),
		burst:     burst,
		limiters:  make(map[string]*rateEntry),
		cleanupAt: clock.Now().Add(rateLimiterCleanupEvery),
	}
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.evictIdle(now)
		l.cleanupAt = now.Add(rateLimiterCleanupEvery)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// evictIdle must be called with mu held.
func (l *ipRateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-rateLimiterIdleAfter)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *ipRateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
