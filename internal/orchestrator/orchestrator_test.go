package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/forgeline-lab/forgeline/internal/api/v1"
	coreerrors "github.com/forgeline-lab/forgeline/internal/core/errors"
)

// recordingReleaser captures released stream keys.
type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(ctx context.Context, streamKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, streamKey)
	return nil
}

func buildRequest(tenant, resource string) *v1.BuildRequest {
	return v1.NewBuildRequest(v1.EventTypeBuildStart, "corr-1", &v1.BuildEventData{
		TenantID:   tenant,
		ResourceID: resource,
	})
}

func newTestOrchestrator(cfg Config) (*Orchestrator, *MemoryEngine, *recordingReleaser) {
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 10
	}
	engine := NewMemoryEngine()
	releaser := &recordingReleaser{}
	return New(engine, cfg, releaser, nil), engine, releaser
}

func TestJobNameDeterministic(t *testing.T) {
	name1 := JobName("Acme", "my_func", "abcdef1234567890")
	name2 := JobName("Acme", "my_func", "abcdef1234567890")
	assert.Equal(t, name1, name2)
	assert.Equal(t, "build-acme-my-func-abcdef12", name1)

	// Different content yields a different name.
	assert.NotEqual(t, name1, JobName("Acme", "my_func", "0000000000000000"))
}

func TestCreateJob(t *testing.T) {
	ctx := context.Background()
	orch, engine, _ := newTestOrchestrator(Config{})

	name, err := orch.CreateJob(ctx, buildRequest("acme", "fn"))
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.Equal(t, 1, engine.Count())
	assert.Equal(t, 1, orch.ActiveCount())

	job, ok := orch.Job(name)
	require.True(t, ok)
	assert.Equal(t, StatePending, job.State)
}

func TestCreateJobStreamDedup(t *testing.T) {
	ctx := context.Background()
	orch, engine, _ := newTestOrchestrator(Config{})

	name1, err := orch.CreateJob(ctx, buildRequest("acme", "fn"))
	require.NoError(t, err)

	// A second submission for the same stream returns the in-flight job
	// instead of creating another.
	name2, err := orch.CreateJob(ctx, buildRequest("acme", "fn"))
	require.NoError(t, err)
	assert.Equal(t, name1, name2)
	assert.Equal(t, 1, engine.Count())
}

func TestCreateJobConcurrencyCeiling(t *testing.T) {
	ctx := context.Background()
	orch, _, _ := newTestOrchestrator(Config{MaxConcurrent: 2})

	_, err := orch.CreateJob(ctx, buildRequest("t1", "r1"))
	require.NoError(t, err)
	_, err = orch.CreateJob(ctx, buildRequest("t2", "r2"))
	require.NoError(t, err)

	_, err = orch.CreateJob(ctx, buildRequest("t3", "r3"))
	assert.ErrorIs(t, err, coreerrors.ErrConcurrencyLimit)
}

func TestCreateJobNameCollision(t *testing.T) {
	ctx := context.Background()
	orch, engine, _ := newTestOrchestrator(Config{})

	req := buildRequest("acme", "fn")
	name := JobName(req.TenantID, req.ResourceID, req.Fingerprint)

	// Another process already created the job on the engine.
	require.NoError(t, engine.CreateJob(ctx, name, JobSpec{}))

	got, err := orch.CreateJob(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, name, got)
	assert.Equal(t, 1, engine.Count())
}

func TestCompleteSuccess(t *testing.T) {
	ctx := context.Background()
	orch, _, releaser := newTestOrchestrator(Config{})

	req := buildRequest("acme", "fn")
	name, err := orch.CreateJob(ctx, req)
	require.NoError(t, err)

	require.NoError(t, orch.Complete(ctx, name, StateSucceeded))

	job, ok := orch.Job(name)
	require.True(t, ok)
	assert.Equal(t, StateSucceeded, job.State)
	assert.Equal(t, 0, orch.ActiveCount())
	assert.Equal(t, []string{req.StreamKey()}, releaser.released)

	// The stream accepts new work immediately after success.
	_, err = orch.CreateJob(ctx, buildRequest("acme", "fn2"))
	require.NoError(t, err)
	assert.False(t, orch.BackoffActive(req.StreamKey()))
}

func TestCompleteFailureStartsBackoff(t *testing.T) {
	ctx := context.Background()
	orch, _, _ := newTestOrchestrator(Config{BackoffWindow: 5 * time.Minute})

	now := time.Now()
	orch.SetClock(func() time.Time { return now })

	req := buildRequest("acme", "fn")
	name, err := orch.CreateJob(ctx, req)
	require.NoError(t, err)
	require.NoError(t, orch.Complete(ctx, name, StateFailed))

	assert.True(t, orch.BackoffActive(req.StreamKey()))

	_, err = orch.CreateJob(ctx, buildRequest("acme", "fn"))
	assert.ErrorIs(t, err, coreerrors.ErrBackoffActive)

	// Inside the window the stream stays blocked; after it, retries pass.
	orch.SetClock(func() time.Time { return now.Add(4 * time.Minute) })
	_, err = orch.CreateJob(ctx, buildRequest("acme", "fn"))
	assert.ErrorIs(t, err, coreerrors.ErrBackoffActive)

	orch.SetClock(func() time.Time { return now.Add(6 * time.Minute) })
	_, err = orch.CreateJob(ctx, buildRequest("acme", "fn"))
	require.NoError(t, err)
}

func TestCompleteIsTerminal(t *testing.T) {
	ctx := context.Background()
	orch, _, _ := newTestOrchestrator(Config{})

	name, err := orch.CreateJob(ctx, buildRequest("acme", "fn"))
	require.NoError(t, err)
	require.NoError(t, orch.Complete(ctx, name, StateSucceeded))

	// A late failure report cannot resurrect or flip a terminal job.
	require.NoError(t, orch.Complete(ctx, name, StateFailed))
	job, _ := orch.Job(name)
	assert.Equal(t, StateSucceeded, job.State)
	assert.False(t, orch.BackoffActive("acme/fn"))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	orch, engine, releaser := newTestOrchestrator(Config{})

	req := buildRequest("acme", "fn")
	name, err := orch.CreateJob(ctx, req)
	require.NoError(t, err)

	cancelled, err := orch.Cancel(ctx, req.StreamKey())
	require.NoError(t, err)
	assert.Equal(t, name, cancelled)
	assert.Equal(t, 0, engine.Count())
	assert.Equal(t, []string{req.StreamKey()}, releaser.released)

	// Cancelling an idle stream is a no-op.
	cancelled, err = orch.Cancel(ctx, req.StreamKey())
	require.NoError(t, err)
	assert.Empty(t, cancelled)
}

func TestCancelClearsBackoff(t *testing.T) {
	ctx := context.Background()
	orch, _, _ := newTestOrchestrator(Config{BackoffWindow: 5 * time.Minute})

	req := buildRequest("acme", "fn")
	name, err := orch.CreateJob(ctx, req)
	require.NoError(t, err)
	require.NoError(t, orch.Complete(ctx, name, StateFailed))
	require.True(t, orch.BackoffActive(req.StreamKey()))

	_, err = orch.Cancel(ctx, req.StreamKey())
	require.NoError(t, err)
	assert.False(t, orch.BackoffActive(req.StreamKey()))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	orch, engine, _ := newTestOrchestrator(Config{
		BackoffWindow:    5 * time.Minute,
		SuccessRetention: time.Hour,
	})

	now := time.Now()
	orch.SetClock(func() time.Time { return now })

	okName, err := orch.CreateJob(ctx, buildRequest("t1", "r1"))
	require.NoError(t, err)
	failName, err := orch.CreateJob(ctx, buildRequest("t2", "r2"))
	require.NoError(t, err)
	require.NoError(t, orch.Complete(ctx, okName, StateSucceeded))
	require.NoError(t, orch.Complete(ctx, failName, StateFailed))

	// Inside both retention windows nothing is cleaned.
	orch.Sweep(ctx)
	_, ok := orch.Job(okName)
	assert.True(t, ok)

	// After the backoff window the failed job goes; success is retained.
	orch.SetClock(func() time.Time { return now.Add(10 * time.Minute) })
	orch.Sweep(ctx)
	_, ok = orch.Job(failName)
	assert.False(t, ok)
	_, ok = orch.Job(okName)
	assert.True(t, ok)
	assert.False(t, orch.BackoffActive("t2/r2"))

	// After the retention TTL the succeeded job goes too.
	orch.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	orch.Sweep(ctx)
	_, ok = orch.Job(okName)
	assert.False(t, ok)
	assert.Equal(t, 0, engine.Count())
}

func TestSyncStatuses(t *testing.T) {
	ctx := context.Background()
	orch, engine, releaser := newTestOrchestrator(Config{})

	req := buildRequest("acme", "fn")
	name, err := orch.CreateJob(ctx, req)
	require.NoError(t, err)

	engine.SetState(name, StateRunning)
	orch.SyncStatuses(ctx)
	job, _ := orch.Job(name)
	assert.Equal(t, StateRunning, job.State)

	// A completion event the transport lost is picked up by polling.
	engine.SetState(name, StateSucceeded)
	orch.SyncStatuses(ctx)
	job, _ = orch.Job(name)
	assert.Equal(t, StateSucceeded, job.State)
	assert.Equal(t, []string{req.StreamKey()}, releaser.released)
}

func TestCreateJobConcurrentSameStream(t *testing.T) {
	ctx := context.Background()
	orch, engine, _ := newTestOrchestrator(Config{MaxConcurrent: 100})

	var wg sync.WaitGroup
	names := make([]string, 20)
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name, err := orch.CreateJob(ctx, buildRequest("acme", "fn"))
			if err == nil {
				names[i] = name
			}
		}(i)
	}
	wg.Wait()

	// Every successful submission resolved to the same job.
	seen := map[string]bool{}
	for _, name := range names {
		if name != "" {
			seen[name] = true
		}
	}
	assert.Len(t, seen, 1)
	assert.Equal(t, 1, engine.Count())
}

func TestEngineErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	releaser := &recordingReleaser{}
	engine := &erroringEngine{}
	orch := New(engine, Config{MaxConcurrent: 10}, releaser, nil)

	_, err := orch.CreateJob(ctx, buildRequest("acme", "fn"))
	require.Error(t, err)
	var sysErr *coreerrors.SystemError
	assert.ErrorAs(t, err, &sysErr)

	// No tracking state leaks; the stream is immediately retryable.
	assert.Equal(t, 0, orch.ActiveCount())
	_, active := orch.HasActiveJob("acme/fn")
	assert.False(t, active)
}

type erroringEngine struct{}

func (erroringEngine) CreateJob(context.Context, string, JobSpec) error {
	return errors.New("engine unavailable")
}

func (erroringEngine) GetJobStatus(context.Context, string) (JobState, error) {
	return "", fmt.Errorf("engine unavailable")
}

func (erroringEngine) DeleteJob(context.Context, string) error {
	return errors.New("engine unavailable")
}
