package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func generousConfig() Config {
	return Config{
		Global: BucketConfig{Rate: 1000, Burst: 1000},
		Route:  BucketConfig{Rate: 1000, Burst: 1000},
		Tenant: BucketConfig{Rate: 1000, Burst: 1000},
	}
}

func TestAllowWithinBurst(t *testing.T) {
	cfg := generousConfig()
	cfg.Tenant = BucketConfig{Rate: 1, Burst: 5}
	l := New(cfg)

	for i := 0; i < 5; i++ {
		verdict := l.Allow("build.start", "acme")
		assert.True(t, verdict.Allowed, "request %d within burst should pass", i)
	}

	verdict := l.Allow("build.start", "acme")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ScopeTenant, verdict.Scope)
}

func TestAllowTenantIsolation(t *testing.T) {
	cfg := generousConfig()
	cfg.Tenant = BucketConfig{Rate: 1, Burst: 1}
	l := New(cfg)

	assert.True(t, l.Allow("build.start", "acme").Allowed)
	assert.False(t, l.Allow("build.start", "acme").Allowed)

	// A different tenant has its own bucket.
	assert.True(t, l.Allow("build.start", "globex").Allowed)
}

func TestAllowRouteScope(t *testing.T) {
	cfg := generousConfig()
	cfg.Route = BucketConfig{Rate: 1, Burst: 2}
	l := New(cfg)

	assert.True(t, l.Allow("build.start", "acme").Allowed)
	assert.True(t, l.Allow("build.start", "globex").Allowed)

	verdict := l.Allow("build.start", "initech")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ScopeRoute, verdict.Scope)

	// Other routes are unaffected.
	assert.True(t, l.Allow("build.cancel", "acme").Allowed)
}

func TestAllowGlobalScope(t *testing.T) {
	cfg := generousConfig()
	cfg.Global = BucketConfig{Rate: 1, Burst: 1}
	l := New(cfg)

	assert.True(t, l.Allow("build.start", "acme").Allowed)

	verdict := l.Allow("build.cancel", "globex")
	assert.False(t, verdict.Allowed)
	assert.Equal(t, ScopeGlobal, verdict.Scope)
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{
			name: "slowest bucket wins",
			cfg: Config{
				Global: BucketConfig{Rate: 100, Burst: 1},
				Route:  BucketConfig{Rate: 0.5, Burst: 1},
				Tenant: BucketConfig{Rate: 10, Burst: 1},
			},
			want: 2 * time.Second,
		},
		{
			name: "fast rates floor at one second",
			cfg:  generousConfig(),
			want: time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.cfg).RetryAfter())
		})
	}
}
