package rpc

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL  = 5 * time.Minute
	reaperInterval  = time.Minute
	forwardedHeader = "X-Forwarded-For"
)

// RateLimiterConfig expresses the per-client budget in requests per minute
// with a burst allowance.
type RateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands each client IP its own token bucket. Idle visitors are
// reaped by Run so the map does not grow with one entry per address seen.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	nowFn     func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	perSecond := rate.Limit(float64(cfg.RequestsPerMinute) / 60.0)
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: perSecond,
		burst:     burst,
		nowFn:     time.Now,
		visitors:  make(map[string]*visitor),
	}
}

// Allow reports whether the client may proceed, consuming one token.
func (l *RateLimiter) Allow(clientIP string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[clientIP]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[clientIP] = v
	}
	v.lastSeen = l.nowFn()
	return v.limiter.Allow()
}

// Run reaps idle visitors until the context is cancelled.
func (l *RateLimiter) Run(ctx context.Context) {
	if l == nil {
		return
	}
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.reap()
		}
	}
}

func (l *RateLimiter) reap() {
	cutoff := l.nowFn().Add(-visitorIdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, v := range l.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(l.visitors, ip)
		}
	}
}

// clientID resolves the caller's address, preferring proxy headers when
// present.
func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get(forwardedHeader); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = raw[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
