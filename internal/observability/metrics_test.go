package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewMetricsRecorder(t *testing.T) {
	// Without a meter provider configured the global otel API is a no-op,
	// but initialization must still succeed and recording must not panic.
	m := NewMetricsRecorder()
	assert.NotNil(t, m)

	ctx := context.Background()
	m.RecordEventReceived(ctx, "build.start")
	m.RecordOrderViolation(ctx, "acme/fn")
	m.RecordSequenceGap(ctx, "acme/fn", 3)
	m.RecordRejection(ctx, "rate_limited")
	m.RecordJobCreated(ctx, "acme")
	m.RecordJobCompleted(ctx, "acme", true, 2*time.Second)
}

func TestNoopMetrics(t *testing.T) {
	var m MetricsRecorder = NoopMetrics{}
	ctx := context.Background()
	m.RecordEventReceived(ctx, "build.start")
	m.RecordJobCompleted(ctx, "acme", false, 0)
}
