// Package ingestion implements the CloudEvents ingress: envelope parsing,
// schema validation, admission control, and routing into the asynchronous
// build pipeline.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	v1 "github.com/forgeline-lab/forgeline/internal/api/v1"
	coreerrors "github.com/forgeline-lab/forgeline/internal/core/errors"
	"github.com/forgeline-lab/forgeline/internal/dispatch"
	"github.com/forgeline-lab/forgeline/internal/guard"
	"github.com/forgeline-lab/forgeline/internal/observability"
	"github.com/forgeline-lab/forgeline/internal/orchestrator"
	"github.com/forgeline-lab/forgeline/internal/ratelimit"
	"github.com/forgeline-lab/forgeline/internal/router"
	"github.com/forgeline-lab/forgeline/internal/schema"
)

// Service wires the ingress pipeline: every accepted event flows through
// schema validation, rate limiting, and the sequence guard before its
// handler runs.
type Service struct {
	registry *schema.Registry
	guard    *guard.Guard
	limiter  *ratelimit.Limiter
	pool     *dispatch.Pool
	orch     *orchestrator.Orchestrator
	router   *router.Router
	metrics  observability.MetricsRecorder
}

// NewService builds the pipeline and registers the event handlers.
func NewService(
	registry *schema.Registry,
	g *guard.Guard,
	limiter *ratelimit.Limiter,
	pool *dispatch.Pool,
	orch *orchestrator.Orchestrator,
	rt *router.Router,
	metrics observability.MetricsRecorder,
) *Service {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	s := &Service{
		registry: registry,
		guard:    g,
		limiter:  limiter,
		pool:     pool,
		orch:     orch,
		router:   rt,
		metrics:  metrics,
	}

	rt.Register(v1.EventTypeBuildStart, s.handleBuildCommand)
	rt.Register(v1.EventTypeBuildRetry, s.handleBuildCommand)
	rt.Register(v1.EventTypeServiceDeploy, s.handleBuildCommand)
	rt.Register(v1.EventTypeBuildCancel, s.handleCancel)
	rt.Register(v1.EventTypeServiceDelete, s.handleCancel)
	rt.Register(v1.EventTypeResponseSuccess, s.handleCompletion)
	rt.Register(v1.EventTypeResponseError, s.handleCompletion)

	return s
}

// RegisterSchema installs or replaces one schema definition at runtime.
func (s *Service) RegisterSchema(definition []byte) (*schema.Spec, error) {
	return s.registry.Register(definition)
}

// Process runs one parsed CloudEvent through the full admission pipeline
// and routes it. The returned Result is the synchronous acknowledgement;
// build work itself happens on the dispatcher.
func (s *Service) Process(ctx context.Context, ev *cloudevents.Event) (*router.Result, error) {
	s.metrics.RecordEventReceived(ctx, ev.Type())

	payload, err := decodePayload(ev)
	if err != nil {
		return nil, err
	}

	version := schemaVersion(ev)
	parsed, err := s.registry.Validate(ctx, ev.Type(), version, payload)
	if err != nil {
		return nil, err
	}

	tenant, _ := payload["tenant_id"].(string)
	if verdict := s.limiter.Allow(ev.Type(), tenant); !verdict.Allowed {
		s.metrics.RecordRejection(ctx, coreerrors.KindRateLimited)
		return nil, fmt.Errorf("%w: %s bucket", coreerrors.ErrRateLimited, verdict.Scope)
	}

	if isCommand(ev.Type()) {
		resource, _ := payload["resource_id"].(string)
		streamKey := v1.StreamKey(tenant, resource)
		decision, err := s.guard.CheckAndAdmit(ctx, ev.ID(), streamKey, sequenceOf(payload))
		if err != nil {
			return nil, err
		}
		switch decision.Verdict {
		case guard.Duplicate:
			return nil, &coreerrors.DuplicateError{EventID: ev.ID()}
		case guard.OutOfOrder:
			return nil, &coreerrors.OutOfOrderError{
				StreamKey: streamKey,
				Sequence:  sequenceOf(payload),
				Expected:  decision.LastProcessed,
			}
		}
	}

	result, err := s.router.Route(ctx, &router.Event{
		ID:            ev.ID(),
		Type:          parsed.Type,
		CorrelationID: correlationOf(ev, payload),
		Data:          parsed.Fields,
	})
	if err != nil {
		// The event was not processed; release the idempotency claim so a
		// retry with the same ID is admitted instead of acked as duplicate.
		if isCommand(ev.Type()) {
			if ferr := s.guard.Forget(ctx, ev.ID()); ferr != nil {
				slog.Warn("Failed to release idempotency claim",
					"event_id", ev.ID(), "error", ferr)
			}
		}
		return nil, err
	}
	return result, nil
}

// handleBuildCommand admits one build command and hands the actual engine
// submission to the dispatcher. Duplicate in-flight work and active backoff
// windows are rejected synchronously so the client hears about them in the
// acknowledgement rather than from a log line.
func (s *Service) handleBuildCommand(ctx context.Context, ev *router.Event) (*router.Result, error) {
	data, err := decodeBuildData(ev.Data)
	if err != nil {
		return nil, err
	}

	req := v1.NewBuildRequest(ev.Type, ev.CorrelationID, data)
	streamKey := req.StreamKey()

	if name, active := s.orch.HasActiveJob(streamKey); active {
		return nil, &buildInFlightError{StreamKey: streamKey, JobName: name}
	}
	if s.orch.BackoffActive(streamKey) {
		s.metrics.RecordRejection(ctx, coreerrors.KindBackoffActive)
		return nil, fmt.Errorf("%w: stream %q", coreerrors.ErrBackoffActive, streamKey)
	}

	eventID := ev.ID
	task := dispatch.TaskFunc(func(taskCtx context.Context) error {
		if _, err := s.orch.CreateJob(taskCtx, req); err != nil {
			if ferr := s.guard.Forget(taskCtx, eventID); ferr != nil {
				slog.Warn("Failed to release idempotency claim",
					"event_id", eventID, "error", ferr)
			}
			return fmt.Errorf("create job for stream %q: %w", streamKey, err)
		}
		return nil
	})
	if err := s.pool.Submit(task); err != nil {
		return nil, err
	}

	return &router.Result{
		Status:  router.StatusQueued,
		Message: "build queued",
		JobName: orchestrator.JobName(req.TenantID, req.ResourceID, req.Fingerprint),
	}, nil
}

// handleCancel tears down the stream's in-flight job, if any.
func (s *Service) handleCancel(ctx context.Context, ev *router.Event) (*router.Result, error) {
	data, err := decodeBuildData(ev.Data)
	if err != nil {
		return nil, err
	}

	streamKey := v1.StreamKey(data.TenantID, data.ResourceID)
	name, err := s.orch.Cancel(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return &router.Result{
			Status:  router.StatusAccepted,
			Message: "no active build for stream",
		}, nil
	}
	return &router.Result{
		Status:  router.StatusAccepted,
		Message: "build cancelled",
		JobName: name,
	}, nil
}

// handleCompletion applies a terminal state reported by the build engine.
func (s *Service) handleCompletion(ctx context.Context, ev *router.Event) (*router.Result, error) {
	var data v1.BuildCompletionEventData
	if err := remarshal(ev.Data, &data); err != nil {
		return nil, badPayloadError(err)
	}
	if data.JobName == "" {
		return nil, badPayloadError(fmt.Errorf("job_name is required"))
	}

	state := orchestrator.StateSucceeded
	if ev.Type == v1.EventTypeResponseError || data.Status == "failed" {
		state = orchestrator.StateFailed
	}
	if err := s.orch.Complete(ctx, data.JobName, state); err != nil {
		slog.Warn("Completion for unknown job", "job_name", data.JobName, "error", err)
		return &router.Result{
			Status:  router.StatusIgnored,
			Message: "completion for unknown job",
		}, nil
	}
	return &router.Result{Status: router.StatusAccepted, Message: "completion recorded"}, nil
}

// isCommand reports whether the event type goes through the sequence guard.
// Response events are engine-originated and carry no client sequence.
func isCommand(eventType string) bool {
	switch eventType {
	case v1.EventTypeBuildStart, v1.EventTypeBuildCancel, v1.EventTypeBuildRetry,
		v1.EventTypeServiceDeploy, v1.EventTypeServiceDelete:
		return true
	}
	return false
}

// decodePayload extracts the event data as a JSON object.
func decodePayload(ev *cloudevents.Event) (map[string]interface{}, error) {
	raw := ev.Data()
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &payloadError{Kind: coreerrors.KindInvalidJSON, Err: err}
	}
	return payload, nil
}

// decodeBuildData converts a validated payload map into typed build data.
func decodeBuildData(fields map[string]interface{}) (*v1.BuildEventData, error) {
	var data v1.BuildEventData
	if err := remarshal(fields, &data); err != nil {
		return nil, badPayloadError(err)
	}
	if err := data.Validate(); err != nil {
		return nil, badPayloadError(err)
	}
	return &data, nil
}

// remarshal converts between map and struct forms through JSON.
func remarshal(src map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

// schemaVersion extracts the schema version from the event's dataschema
// attribute. The last path segment is expected to look like "v2"; a missing
// or unparseable attribute selects the default version.
func schemaVersion(ev *cloudevents.Event) int {
	ds := ev.DataSchema()
	if ds == "" {
		return 0
	}
	seg := ds
	if idx := strings.LastIndex(ds, "/"); idx >= 0 {
		seg = ds[idx+1:]
	}
	seg = strings.TrimPrefix(seg, "v")
	version, err := strconv.Atoi(seg)
	if err != nil || version <= 0 {
		return 0
	}
	return version
}

// sequenceOf reads the payload's sequence number, tolerating the float64
// that encoding/json produces for numbers.
func sequenceOf(payload map[string]interface{}) int64 {
	switch v := payload["sequence"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
	}
	return 0
}

// correlationOf prefers the explicit correlation extension, then the
// payload field, then falls back to the event ID.
func correlationOf(ev *cloudevents.Event, payload map[string]interface{}) string {
	if ext, ok := ev.Extensions()["correlationid"]; ok {
		if str, ok := ext.(string); ok && str != "" {
			return str
		}
	}
	if str, ok := payload["correlation_id"].(string); ok && str != "" {
		return str
	}
	return ev.ID()
}

// payloadError is a malformed or invalid event payload.
type payloadError struct {
	Kind string
	Err  error
}

func (e *payloadError) Error() string { return e.Err.Error() }

func (e *payloadError) Unwrap() error { return e.Err }

func badPayloadError(err error) error {
	return &payloadError{Kind: coreerrors.KindValidation, Err: err}
}

// buildInFlightError reports that the stream already has a running build.
type buildInFlightError struct {
	StreamKey string
	JobName   string
}

func (e *buildInFlightError) Error() string {
	return fmt.Sprintf("stream %q already has build %q in flight", e.StreamKey, e.JobName)
}

// asPayloadError extracts a payloadError, if any.
func asPayloadError(err error) (*payloadError, bool) {
	var pe *payloadError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
