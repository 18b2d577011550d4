package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline-lab/forgeline/internal/core/config"
	"github.com/forgeline-lab/forgeline/internal/dispatch"
	"github.com/forgeline-lab/forgeline/internal/guard"
	"github.com/forgeline-lab/forgeline/internal/ingestion"
	"github.com/forgeline-lab/forgeline/internal/kv"
	"github.com/forgeline-lab/forgeline/internal/orchestrator"
	"github.com/forgeline-lab/forgeline/internal/ratelimit"
	"github.com/forgeline-lab/forgeline/internal/router"
	"github.com/forgeline-lab/forgeline/internal/schema"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	g := guard.New(kv.NewMemoryStore(), guard.Config{}, nil)
	bucket := ratelimit.BucketConfig{Rate: 100, Burst: 100}
	limiter := ratelimit.New(ratelimit.Config{Global: bucket, Route: bucket, Tenant: bucket})
	orch := orchestrator.New(orchestrator.NewMemoryEngine(), orchestrator.Config{MaxConcurrent: 10}, g, nil)
	pool := dispatch.NewPool(dispatch.Config{}, nil)

	svc := ingestion.NewService(schema.NewRegistry(), g, limiter, pool, orch, router.New(), nil)
	handler := ingestion.NewHandler(svc, limiter, ingestion.HandlerConfig{})

	return New(config.Default().Server, handler)
}

func TestHealthAlwaysOK(t *testing.T) {
	srv := newTestServer(t)

	// The probe reports liveness only; it must answer 200 regardless of
	// dependency state so store outages do not trigger restarts.
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
