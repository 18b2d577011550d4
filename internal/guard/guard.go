// Package guard enforces per-stream ordering detection and event-level
// duplicate suppression on top of the shared key-value store. State is
// externally durable so dead-letter replays after a process restart do
// not reprocess already-handled events.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	coreerrors "github.com/forgeline-lab/forgeline/internal/core/errors"
	"github.com/forgeline-lab/forgeline/internal/kv"
	"github.com/forgeline-lab/forgeline/internal/observability"
)

const (
	idempotencyKeyPrefix = "idempotency:event:"
	sequenceKeyPrefix    = "sequence:stream:"
)

// Verdict classifies the admission decision for one event.
type Verdict int

const (
	// Admitted means the event should be processed.
	Admitted Verdict = iota
	// Duplicate means the event was already processed; callers must
	// short-circuit with a success response.
	Duplicate
	// OutOfOrder means the sequence regressed and strict mode rejected it.
	OutOfOrder
)

// Decision is the result of CheckAndAdmit.
type Decision struct {
	Verdict Verdict
	// Gap is the number of skipped sequence positions when the event
	// jumped ahead, zero otherwise.
	Gap int64
	// LastProcessed is the stream's sequence position before this event.
	LastProcessed int64
}

// Config controls guard behavior.
type Config struct {
	// IdempotencyTTL bounds how long processed-event markers live.
	IdempotencyTTL time.Duration
	// SequenceTTL bounds how long idle stream state lives.
	SequenceTTL time.Duration
	// Strict rejects sequence regressions instead of processing them.
	Strict bool
	// FailOpen admits events when the store is unreachable instead of
	// surfacing a system error.
	FailOpen bool
}

// Guard tracks per-stream sequence state and processed event IDs.
type Guard struct {
	store   kv.Store
	cfg     Config
	metrics observability.MetricsRecorder
}

// New creates a Guard over the given store.
func New(store kv.Store, cfg Config, metrics observability.MetricsRecorder) *Guard {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.SequenceTTL <= 0 {
		cfg.SequenceTTL = 24 * time.Hour
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Guard{store: store, cfg: cfg, metrics: metrics}
}

// CheckAndAdmit decides whether the event identified by eventID on the
// given stream should be processed.
//
// The idempotency marker is claimed up front with SetIfAbsent, so exactly
// one of N concurrent deliveries of the same event ID wins the claim; the
// rest see Duplicate. The claim only becomes durable on successful
// processing: callers must Forget the event when admission or processing
// fails after this point, so an instructed client retry is not swallowed
// as a duplicate.
//
// Events with sequence 0 carry no ordering information; only duplicate
// suppression applies to them. For sequenced events the stream state is
// advanced with an atomic compare-and-swap so concurrent ingress
// processes cannot race a read-then-write window.
func (g *Guard) CheckAndAdmit(ctx context.Context, eventID, streamKey string, sequence int64) (Decision, error) {
	claimed, err := g.store.SetIfAbsent(ctx, idempotencyKeyPrefix+eventID,
		strconv.FormatInt(time.Now().Unix(), 10), g.cfg.IdempotencyTTL)
	if err != nil {
		return g.storeFailure("guard: idempotency claim", err)
	}
	if !claimed {
		return Decision{Verdict: Duplicate}, nil
	}

	if sequence == 0 {
		return Decision{Verdict: Admitted}, nil
	}

	seqKey := sequenceKeyPrefix + streamKey
	for {
		raw, err := g.store.Get(ctx, seqKey)
		last := int64(0)
		switch {
		case err == nil:
			last, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Decision{}, coreerrors.NewSystemError("guard: sequence state corrupt",
					fmt.Errorf("stream %q: %w", streamKey, err))
			}
		case errors.Is(err, kv.ErrNotFound):
			raw = ""
		default:
			return g.storeFailure("guard: sequence lookup", err)
		}

		if sequence < last || (g.cfg.Strict && sequence == last) {
			// Strict mode treats a replayed position the same as a
			// regression: anything <= the last processed sequence is stale.
			g.metrics.RecordOrderViolation(ctx, streamKey)
			if g.cfg.Strict {
				g.forget(ctx, eventID)
				return Decision{Verdict: OutOfOrder, LastProcessed: last}, nil
			}
			slog.Warn("Sequence regression, processing leniently",
				"stream", streamKey, "sequence", sequence, "last_processed", last)
			// Lenient mode processes the event without advancing state.
			return Decision{Verdict: Admitted, LastProcessed: last}, nil
		}

		if sequence == last {
			// Lenient: same position, distinct event ID. Not counted as a
			// regression; state stays where it is.
			return Decision{Verdict: Admitted, LastProcessed: last}, nil
		}

		var gap int64
		if last > 0 && sequence > last+1 {
			gap = sequence - last - 1
			g.metrics.RecordSequenceGap(ctx, streamKey, gap)
			slog.Info("Sequence gap observed",
				"stream", streamKey, "sequence", sequence, "last_processed", last, "gap", gap)
		}

		swapped, err := g.store.CompareAndSwap(ctx, seqKey, raw, strconv.FormatInt(sequence, 10), g.cfg.SequenceTTL)
		if err != nil {
			return g.storeFailure("guard: sequence advance", err)
		}
		if !swapped {
			// Another process advanced the stream between our read and
			// swap; re-evaluate against the fresh state.
			continue
		}

		return Decision{Verdict: Admitted, Gap: gap, LastProcessed: last}, nil
	}
}

// Release deletes the stream's sequence state. Called when a build stream
// reaches a terminal state so idle streams do not accumulate; a later
// event for the same pair starts a fresh stream.
func (g *Guard) Release(ctx context.Context, streamKey string) error {
	if err := g.store.Del(ctx, sequenceKeyPrefix+streamKey); err != nil {
		return coreerrors.NewSystemError("guard: sequence release", err)
	}
	return nil
}

// Forget deletes the idempotency claim for eventID so a later retry of the
// same event is admitted again. Callers invoke it when processing fails
// after CheckAndAdmit took the claim; a 429 or 409 that left the claim in
// place would turn the instructed retry into a silent duplicate ack.
func (g *Guard) Forget(ctx context.Context, eventID string) error {
	if err := g.store.Del(ctx, idempotencyKeyPrefix+eventID); err != nil {
		return coreerrors.NewSystemError("guard: idempotency release", err)
	}
	return nil
}

// forget is the best-effort internal variant; the admission verdict stands
// even when the claim cleanup fails.
func (g *Guard) forget(ctx context.Context, eventID string) {
	if err := g.Forget(ctx, eventID); err != nil {
		slog.Warn("Failed to release idempotency claim", "event_id", eventID, "error", err)
	}
}

// storeFailure maps a store error to the configured failure mode.
func (g *Guard) storeFailure(op string, err error) (Decision, error) {
	if g.cfg.FailOpen {
		slog.Warn("Key-value store unavailable, admitting event (fail-open)",
			"op", op, "error", err)
		return Decision{Verdict: Admitted}, nil
	}
	return Decision{}, coreerrors.NewSystemError(op, err)
}
