package ingestion

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/gin-gonic/gin"

	v1 "github.com/forgeline-lab/forgeline/internal/api/v1"
	coreerrors "github.com/forgeline-lab/forgeline/internal/core/errors"
	"github.com/forgeline-lab/forgeline/internal/ratelimit"
	"github.com/forgeline-lab/forgeline/internal/router"
	"github.com/forgeline-lab/forgeline/internal/schema"
)

// HandlerConfig tunes the HTTP ingress surface.
type HandlerConfig struct {
	// MaxBodyBytes caps the request body size.
	MaxBodyBytes int64
	// QueueRetryAfter is the client retry hint when the dispatch queue is full.
	QueueRetryAfter time.Duration
	// BackoffWindow is the client retry hint during a stream's failure backoff.
	BackoffWindow time.Duration
}

// Handler is the gin-facing CloudEvents ingress endpoint.
type Handler struct {
	svc     *Service
	limiter *ratelimit.Limiter
	cfg     HandlerConfig
}

// NewHandler creates the ingress handler.
func NewHandler(svc *Service, limiter *ratelimit.Limiter, cfg HandlerConfig) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.QueueRetryAfter <= 0 {
		cfg.QueueRetryAfter = 5 * time.Second
	}
	if cfg.BackoffWindow <= 0 {
		cfg.BackoffWindow = 5 * time.Minute
	}
	return &Handler{svc: svc, limiter: limiter, cfg: cfg}
}

// HandleEvent accepts one CloudEvent in binary or structured content mode.
func (h *Handler) HandleEvent(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes)

	ev, err := cehttp.NewEventFromHTTPRequest(c.Request)
	if err != nil {
		h.writeError(c, &payloadError{Kind: coreerrors.KindInvalidJSON, Err: err})
		return
	}
	if ev.SpecVersion() != v1.CloudEventSpecVersion {
		h.writeError(c, badPayloadError(
			errors.New("unsupported CloudEvents specversion "+ev.SpecVersion())))
		return
	}
	if err := ev.Validate(); err != nil {
		h.writeError(c, badPayloadError(err))
		return
	}

	result, err := h.svc.Process(c.Request.Context(), ev)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusAccepted
	if result.Status == router.StatusIgnored {
		status = http.StatusOK
	}
	c.JSON(status, v1.HandlerResponse{
		Status:        result.Status,
		Message:       result.Message,
		JobName:       result.JobName,
		CorrelationID: correlationOf(ev, nil),
		Timestamp:     time.Now().UTC(),
	})
}

// HandleRegisterSchema installs a YAML schema definition at runtime,
// replacing any existing definition for the same event type and version.
func (h *Handler) HandleRegisterSchema(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxBodyBytes)

	definition, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindInvalidJSON,
			Message:   "failed to read request body",
		})
		return
	}

	spec, err := h.svc.RegisterSchema(definition)
	if err != nil {
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindValidation,
			Message:   err.Error(),
		})
		return
	}

	slog.Info("Schema registered", "event_type", spec.Event, "version", spec.Version)
	c.JSON(http.StatusCreated, gin.H{
		"event":   spec.Event,
		"version": spec.Version,
	})
}

// writeError maps a pipeline error to its HTTP shape. Duplicates are a
// success from the client's perspective; retryable rejections carry a
// Retry-After header so well-behaved producers back off.
func (h *Handler) writeError(c *gin.Context, err error) {
	var (
		dupErr      *coreerrors.DuplicateError
		oooErr      *coreerrors.OutOfOrderError
		inFlightErr *buildInFlightError
		unknownVer  *schema.UnknownVersionError
		schemaErr   *schema.ValidationError
	)

	switch {
	case errors.As(err, &dupErr):
		c.JSON(http.StatusOK, v1.HandlerResponse{
			Status:    "duplicate",
			Message:   "event already processed",
			Timestamp: time.Now().UTC(),
		})

	case errors.As(err, &oooErr):
		c.JSON(http.StatusConflict, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindOutOfOrder,
			Message:   "sequence regressed for this stream, do not retry",
			Details: map[string]interface{}{
				"stream":         oooErr.StreamKey,
				"sequence":       oooErr.Sequence,
				"last_processed": oooErr.Expected,
			},
		})

	case errors.As(err, &inFlightErr):
		c.JSON(http.StatusConflict, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindDuplicate,
			Message:   "a build for this stream is already in flight",
			Details:   map[string]interface{}{"job_name": inFlightErr.JobName},
		})

	case errors.Is(err, coreerrors.ErrRateLimited):
		h.writeRetryable(c, coreerrors.KindRateLimited, err, h.limiter.RetryAfter())

	case errors.Is(err, coreerrors.ErrQueueFull):
		h.writeRetryable(c, coreerrors.KindQueueFull, err, h.cfg.QueueRetryAfter)

	case errors.Is(err, coreerrors.ErrBackoffActive):
		h.writeRetryable(c, coreerrors.KindBackoffActive, err, h.cfg.BackoffWindow)

	case errors.As(err, &unknownVer):
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindSchemaNotFound,
			Message:   unknownVer.Error(),
		})

	case errors.As(err, &schemaErr):
		c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindSchemaValidation,
			Message:   schemaErr.Error(),
			Details:   schemaErr.Details(),
		})

	default:
		if pe, ok := asPayloadError(err); ok {
			c.JSON(http.StatusBadRequest, coreerrors.ErrorResponse{
				ErrorType: pe.Kind,
				Message:   pe.Error(),
			})
			return
		}
		slog.Error("Event processing failed", "error", err)
		c.JSON(http.StatusInternalServerError, coreerrors.ErrorResponse{
			ErrorType: coreerrors.KindSystem,
			Message:   "internal processing failure, retry later",
		})
	}
}

// writeRetryable emits a 429 with matching Retry-After header and body hint.
func (h *Handler) writeRetryable(c *gin.Context, kind string, err error, after time.Duration) {
	secs := coreerrors.RetryAfterHint(err, after)
	c.Header("Retry-After", strconv.Itoa(secs))
	c.JSON(http.StatusTooManyRequests, coreerrors.ErrorResponse{
		ErrorType:         kind,
		Message:           err.Error(),
		RetryAfterSeconds: secs,
	})
}
