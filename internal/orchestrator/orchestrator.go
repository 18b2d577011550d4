// Package orchestrator creates, deduplicates, and tracks build jobs on the
// external execution engine. It enforces a global concurrency ceiling, at
// most one non-terminal job per build stream, and a failure backoff window
// per stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	v1 "github.com/forgeline-lab/forgeline/internal/api/v1"
	coreerrors "github.com/forgeline-lab/forgeline/internal/core/errors"
	"github.com/forgeline-lab/forgeline/internal/observability"
)

// Config controls orchestrator policy.
type Config struct {
	// MaxConcurrent caps non-terminal jobs across all streams.
	MaxConcurrent int
	// BackoffWindow blocks retries for a stream after a failed job.
	BackoffWindow time.Duration
	// SuccessRetention keeps succeeded jobs before cleanup deletes them.
	SuccessRetention time.Duration
}

// StreamReleaser clears per-stream sequence state on terminal completion.
// Satisfied by the sequence guard.
type StreamReleaser interface {
	Release(ctx context.Context, streamKey string) error
}

// Job is the orchestrator's record of one unit of build work.
type Job struct {
	Name        string
	StreamKey   string
	TenantID    string
	State       JobState
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Orchestrator tracks jobs and drives the external engine.
type Orchestrator struct {
	engine   Engine
	cfg      Config
	releaser StreamReleaser
	metrics  observability.MetricsRecorder

	mu          sync.Mutex
	jobs        map[string]*Job      // keyed by job name
	byStream    map[string]string    // stream key -> non-terminal job name
	lastFailure map[string]time.Time // stream key -> most recent failure

	now func() time.Time
}

// New creates an Orchestrator. releaser may be nil when no sequence state
// cleanup is wanted (tests).
func New(engine Engine, cfg Config, releaser StreamReleaser, metrics observability.MetricsRecorder) *Orchestrator {
	if cfg.BackoffWindow <= 0 {
		cfg.BackoffWindow = 5 * time.Minute
	}
	if cfg.SuccessRetention <= 0 {
		cfg.SuccessRetention = time.Hour
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Orchestrator{
		engine:      engine,
		cfg:         cfg,
		releaser:    releaser,
		metrics:     metrics,
		jobs:        make(map[string]*Job),
		byStream:    make(map[string]string),
		lastFailure: make(map[string]time.Time),
		now:         time.Now,
	}
}

// JobName derives the deterministic job name for a build request. Name
// collisions on the engine are how duplicate submissions race safely
// across processes, so the name must depend only on the request content.
func JobName(tenantID, resourceID, fingerprint string) string {
	short := fingerprint
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("build-%s-%s-%s", sanitizeNamePart(tenantID), sanitizeNamePart(resourceID), short)
}

// sanitizeNamePart lowercases and strips characters the engine rejects in
// resource names.
func sanitizeNamePart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// CreateJob admits one build request, enforcing in order: the global
// concurrency ceiling, per-stream dedup, and the failure backoff window.
// On the engine's name-collision error the existing job's name is returned
// as success, which makes creation at-most-once under duplicate races.
//
// Creation is atomic from the caller's view: on cancellation or engine
// failure no tracking state is left behind.
func (o *Orchestrator) CreateJob(ctx context.Context, req *v1.BuildRequest) (string, error) {
	streamKey := req.StreamKey()
	name := JobName(req.TenantID, req.ResourceID, req.Fingerprint)

	o.mu.Lock()
	if active := o.activeCountLocked(); active >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		o.metrics.RecordRejection(ctx, coreerrors.KindConcurrencyLimit)
		return "", fmt.Errorf("%w: %d active jobs", coreerrors.ErrConcurrencyLimit, active)
	}

	if existing, ok := o.byStream[streamKey]; ok {
		o.mu.Unlock()
		slog.Info("Build already in flight, returning existing job",
			"stream", streamKey, "job_name", existing)
		return existing, nil
	}

	if failedAt, ok := o.lastFailure[streamKey]; ok {
		if elapsed := o.now().Sub(failedAt); elapsed < o.cfg.BackoffWindow {
			o.mu.Unlock()
			o.metrics.RecordRejection(ctx, coreerrors.KindBackoffActive)
			return "", fmt.Errorf("%w: %s remaining for stream %q",
				coreerrors.ErrBackoffActive, o.cfg.BackoffWindow-elapsed, streamKey)
		}
		delete(o.lastFailure, streamKey)
	}

	// Reserve the stream before releasing the lock so a concurrent
	// submission for the same stream short-circuits instead of racing
	// the engine call.
	job := &Job{
		Name:      name,
		StreamKey: streamKey,
		TenantID:  req.TenantID,
		State:     StatePending,
		CreatedAt: o.now(),
	}
	o.jobs[name] = job
	o.byStream[streamKey] = name
	o.mu.Unlock()

	spec := JobSpec{
		TenantID:      req.TenantID,
		ResourceID:    req.ResourceID,
		ContextID:     req.ContextID,
		Fingerprint:   req.Fingerprint,
		EventType:     req.EventType,
		CorrelationID: req.CorrelationID,
		Parameters:    req.Parameters,
	}

	err := o.engine.CreateJob(ctx, name, spec)
	switch {
	case err == nil:
		o.metrics.RecordJobCreated(ctx, req.TenantID)
		slog.Info("Created build job",
			"job_name", name, "stream", streamKey, "correlation_id", req.CorrelationID)
		return name, nil
	case errors.Is(err, ErrJobExists):
		// Another process created the same deterministic name first.
		slog.Info("Job name collision, build already started elsewhere",
			"job_name", name, "stream", streamKey)
		return name, nil
	default:
		o.mu.Lock()
		delete(o.jobs, name)
		delete(o.byStream, streamKey)
		o.mu.Unlock()
		return "", coreerrors.NewSystemError("orchestrator: engine create", err)
	}
}

// HasActiveJob reports whether the stream has a non-terminal job. Cheap
// synchronous check used by the ingress for the duplicate-in-flight reply.
func (o *Orchestrator) HasActiveJob(streamKey string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name, ok := o.byStream[streamKey]
	return name, ok
}

// BackoffActive reports whether the stream is inside its failure backoff
// window.
func (o *Orchestrator) BackoffActive(streamKey string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	failedAt, ok := o.lastFailure[streamKey]
	return ok && o.now().Sub(failedAt) < o.cfg.BackoffWindow
}

// ActiveCount returns the number of non-terminal jobs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activeCountLocked()
}

func (o *Orchestrator) activeCountLocked() int {
	count := 0
	for _, job := range o.jobs {
		if !job.State.Terminal() {
			count++
		}
	}
	return count
}

// Job returns a copy of the tracked job record.
func (o *Orchestrator) Job(name string) (Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[name]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// MarkRunning records that the engine started executing the job.
func (o *Orchestrator) MarkRunning(jobName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if job, ok := o.jobs[jobName]; ok && job.State == StatePending {
		job.State = StateRunning
	}
}

// Complete records a terminal state reported by the engine. Failed jobs
// start the stream's backoff window; the stream's sequence state is
// released so a fresh build stream can begin.
func (o *Orchestrator) Complete(ctx context.Context, jobName string, state JobState) error {
	if !state.Terminal() {
		return fmt.Errorf("orchestrator: %q is not a terminal state", state)
	}

	o.mu.Lock()
	job, ok := o.jobs[jobName]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: unknown job %q", jobName)
	}
	if job.State.Terminal() {
		// Terminal states are never resurrected; a repeated completion
		// report is a no-op.
		o.mu.Unlock()
		return nil
	}
	job.State = state
	job.CompletedAt = o.now()
	delete(o.byStream, job.StreamKey)
	if state == StateFailed {
		o.lastFailure[job.StreamKey] = job.CompletedAt
	}
	streamKey := job.StreamKey
	tenantID := job.TenantID
	duration := job.CompletedAt.Sub(job.CreatedAt)
	o.mu.Unlock()

	o.metrics.RecordJobCompleted(ctx, tenantID, state == StateSucceeded, duration)
	slog.Info("Build job completed",
		"job_name", jobName, "stream", streamKey, "state", string(state), "duration", duration)

	if o.releaser != nil {
		if err := o.releaser.Release(ctx, streamKey); err != nil {
			slog.Error("Failed to release stream state", "stream", streamKey, "error", err)
		}
	}
	return nil
}

// Cancel deletes the stream's in-flight job, if any, and clears its
// tracking and backoff state. Returns the cancelled job's name.
func (o *Orchestrator) Cancel(ctx context.Context, streamKey string) (string, error) {
	o.mu.Lock()
	name, ok := o.byStream[streamKey]
	if !ok {
		delete(o.lastFailure, streamKey)
		o.mu.Unlock()
		return "", nil
	}
	delete(o.byStream, streamKey)
	delete(o.jobs, name)
	delete(o.lastFailure, streamKey)
	o.mu.Unlock()

	if err := o.engine.DeleteJob(ctx, name); err != nil && !errors.Is(err, ErrJobNotFound) {
		return name, coreerrors.NewSystemError("orchestrator: engine delete", err)
	}

	slog.Info("Cancelled build job", "job_name", name, "stream", streamKey)

	if o.releaser != nil {
		if err := o.releaser.Release(ctx, streamKey); err != nil {
			slog.Error("Failed to release stream state", "stream", streamKey, "error", err)
		}
	}
	return name, nil
}

// SyncStatuses polls the engine for every non-terminal job and applies any
// terminal transitions it reports. Safety net for completion events lost
// by the transport.
func (o *Orchestrator) SyncStatuses(ctx context.Context) {
	o.mu.Lock()
	names := make([]string, 0, len(o.byStream))
	for _, name := range o.byStream {
		names = append(names, name)
	}
	o.mu.Unlock()

	for _, name := range names {
		state, err := o.engine.GetJobStatus(ctx, name)
		if err != nil {
			if !errors.Is(err, ErrJobNotFound) {
				slog.Warn("Failed to poll job status", "job_name", name, "error", err)
			}
			continue
		}
		switch {
		case state == StateRunning:
			o.MarkRunning(name)
		case state.Terminal():
			if err := o.Complete(ctx, name, state); err != nil {
				slog.Warn("Failed to apply polled completion", "job_name", name, "error", err)
			}
		}
	}
}

// Sweep deletes terminal jobs past their retention: failed jobs once the
// backoff window has expired, succeeded jobs once the success retention
// has elapsed. Invoked periodically from main.
func (o *Orchestrator) Sweep(ctx context.Context) {
	now := o.now()

	o.mu.Lock()
	var expired []*Job
	for _, job := range o.jobs {
		if !job.State.Terminal() {
			continue
		}
		retention := o.cfg.SuccessRetention
		if job.State == StateFailed {
			retention = o.cfg.BackoffWindow
		}
		if now.Sub(job.CompletedAt) >= retention {
			expired = append(expired, job)
		}
	}
	for _, job := range expired {
		delete(o.jobs, job.Name)
		if job.State == StateFailed && !o.lastFailure[job.StreamKey].After(job.CompletedAt) {
			delete(o.lastFailure, job.StreamKey)
		}
	}
	o.mu.Unlock()

	for _, job := range expired {
		if err := o.engine.DeleteJob(ctx, job.Name); err != nil && !errors.Is(err, ErrJobNotFound) {
			slog.Warn("Failed to delete expired job", "job_name", job.Name, "error", err)
		}
	}
}

// SetClock overrides the orchestrator's clock. Test helper.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = now
}
