package orchestrator

import (
	"context"
	"errors"
	"sync"
)

// Engine errors. The engine is idempotent by name: creating an existing
// name fails with ErrJobExists, which callers treat as dedup success.
var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
)

// JobState is the lifecycle state reported by the execution engine.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobSpec is what the orchestrator hands to the execution engine.
type JobSpec struct {
	TenantID      string
	ResourceID    string
	ContextID     string
	Fingerprint   string
	EventType     string
	CorrelationID string
	Parameters    map[string]interface{}
}

// Engine is the boundary to the external job execution system.
type Engine interface {
	// CreateJob submits a job under a deterministic name. Returns
	// ErrJobExists when the name is already taken.
	CreateJob(ctx context.Context, name string, spec JobSpec) error

	// GetJobStatus reports the current state, or ErrJobNotFound.
	GetJobStatus(ctx context.Context, name string) (JobState, error)

	// DeleteJob removes a job. Deleting a missing job returns
	// ErrJobNotFound.
	DeleteJob(ctx context.Context, name string) error
}

// MemoryEngine is an in-process Engine for tests and local development.
// Job state transitions are driven explicitly through SetState.
type MemoryEngine struct {
	mu   sync.Mutex
	jobs map[string]JobState
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{jobs: make(map[string]JobState)}
}

func (e *MemoryEngine) CreateJob(ctx context.Context, name string, spec JobSpec) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.jobs[name]; exists {
		return ErrJobExists
	}
	e.jobs[name] = StatePending
	return nil
}

func (e *MemoryEngine) GetJobStatus(ctx context.Context, name string) (JobState, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	state, exists := e.jobs[name]
	if !exists {
		return "", ErrJobNotFound
	}
	return state, nil
}

func (e *MemoryEngine) DeleteJob(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.jobs[name]; !exists {
		return ErrJobNotFound
	}
	delete(e.jobs, name)
	return nil
}

// SetState forces a job into the given state. Test helper standing in for
// the engine's own lifecycle transitions.
func (e *MemoryEngine) SetState(name string, state JobState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.jobs[name]; exists {
		e.jobs[name] = state
	}
}

// Count returns the number of jobs known to the engine.
func (e *MemoryEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}
