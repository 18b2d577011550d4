// Package ratelimit implements hierarchical admission control: a global
// bucket, one bucket per route (event type), and one lazily created bucket
// per tenant. A request is admitted only when every applicable bucket
// allows it; the check short-circuits on the first rejection.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Scope names reported in rejection verdicts and metrics.
const (
	ScopeGlobal = "global"
	ScopeRoute  = "route"
	ScopeTenant = "tenant"
)

// BucketConfig describes one token bucket: sustained rate per second and
// burst capacity.
type BucketConfig struct {
	Rate  float64
	Burst int
}

// Config holds the bucket settings for all three scopes.
type Config struct {
	Global BucketConfig
	Route  BucketConfig
	Tenant BucketConfig
}

// Verdict is the result of an admission check. Rejection is a signal, not
// an error; the caller decides how to surface the retry hint.
type Verdict struct {
	Allowed bool
	// Scope names the bucket that rejected, empty when allowed.
	Scope string
}

// Limiter is the hierarchical token-bucket admission controller. Buckets
// are process-local; cardinality is bounded by route and tenant counts, so
// per-identity buckets are never evicted.
type Limiter struct {
	global *rate.Limiter
	cfg    Config

	mu      sync.Mutex
	routes  map[string]*rate.Limiter
	tenants map[string]*rate.Limiter
}

// New creates a Limiter from the given config.
func New(cfg Config) *Limiter {
	return &Limiter{
		global:  rate.NewLimiter(rate.Limit(cfg.Global.Rate), cfg.Global.Burst),
		cfg:     cfg,
		routes:  make(map[string]*rate.Limiter),
		tenants: make(map[string]*rate.Limiter),
	}
}

// Allow checks global, then route, then tenant buckets. All must allow.
func (l *Limiter) Allow(route, tenant string) Verdict {
	if !l.global.Allow() {
		return Verdict{Scope: ScopeGlobal}
	}
	if !l.bucket(&l.routes, route, l.cfg.Route).Allow() {
		return Verdict{Scope: ScopeRoute}
	}
	if !l.bucket(&l.tenants, tenant, l.cfg.Tenant).Allow() {
		return Verdict{Scope: ScopeTenant}
	}
	return Verdict{Allowed: true}
}

// RetryAfter returns the whole-second hint clients should wait before
// retrying a rejected request: the time one token takes to refill at the
// slowest configured rate, rounded up.
func (l *Limiter) RetryAfter() time.Duration {
	slowest := l.cfg.Global.Rate
	if l.cfg.Route.Rate < slowest {
		slowest = l.cfg.Route.Rate
	}
	if l.cfg.Tenant.Rate < slowest {
		slowest = l.cfg.Tenant.Rate
	}
	if slowest <= 0 {
		return time.Second
	}
	secs := math.Ceil(1 / slowest)
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}

// bucket returns the limiter for key, creating it on first use.
func (l *Limiter) bucket(buckets *map[string]*rate.Limiter, key string, cfg BucketConfig) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := (*buckets)[key]; ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	(*buckets)[key] = lim
	return lim
}
