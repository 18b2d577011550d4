package v1

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// CloudEvent type constants consumed by the orchestrator.
const (
	// Command events.
	EventTypeBuildStart    = "build.start"
	EventTypeBuildCancel   = "build.cancel"
	EventTypeBuildRetry    = "build.retry"
	EventTypeServiceDeploy = "service.deploy"
	EventTypeServiceDelete = "service.delete"

	// Response events, used for metrics emission only.
	EventTypeResponseSuccess = "response.success"
	EventTypeResponseError   = "response.error"
)

// CloudEvents envelope constants.
const (
	CloudEventSpecVersion = "1.0"
	ContentTypeJSON       = "application/json"
	ContentTypeCloudEvent = "application/cloudevents+json"
)

// BuildEventData is the payload carried by build command events.
// It is only trusted after schema validation has passed.
type BuildEventData struct {
	TenantID    string                 `json:"tenant_id"`
	ResourceID  string                 `json:"resource_id"`
	ContextID   string                 `json:"context_id,omitempty"`
	Sequence    int64                  `json:"sequence,omitempty"`
	ContentHash string                 `json:"content_hash,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Validate checks the payload's required attributes.
func (d *BuildEventData) Validate() error {
	if d.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if d.ResourceID == "" {
		return fmt.Errorf("resource_id is required")
	}
	if len(d.TenantID) > 100 {
		return fmt.Errorf("tenant_id must be 100 characters or less")
	}
	if len(d.ResourceID) > 100 {
		return fmt.Errorf("resource_id must be 100 characters or less")
	}
	if d.Sequence < 0 {
		return fmt.Errorf("sequence must be >= 0")
	}
	return nil
}

// GetParameterAsString safely extracts a string parameter.
func (d *BuildEventData) GetParameterAsString(key string) (string, bool) {
	if d.Parameters == nil {
		return "", false
	}
	if val, ok := d.Parameters[key]; ok {
		if str, ok := val.(string); ok {
			return str, true
		}
	}
	return "", false
}

// GetParameterAsInt safely extracts an int parameter.
func (d *BuildEventData) GetParameterAsInt(key string) (int, bool) {
	if d.Parameters == nil {
		return 0, false
	}
	if val, ok := d.Parameters[key]; ok {
		switch v := val.(type) {
		case int:
			return v, true
		case float64:
			return int(v), true
		case string:
			if i, err := strconv.Atoi(v); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

// BuildRequest is the typed unit of work handed to the orchestrator.
// It is constructed per accepted event, consumed once, then discarded.
type BuildRequest struct {
	TenantID      string
	ResourceID    string
	ContextID     string
	Sequence      int64
	Fingerprint   string
	EventType     string
	CorrelationID string
	Parameters    map[string]interface{}
	CreatedAt     time.Time
}

// StreamKey identifies the build stream this request belongs to.
func (r *BuildRequest) StreamKey() string {
	return StreamKey(r.TenantID, r.ResourceID)
}

// StreamKey builds the canonical (tenant, resource) stream identifier.
func StreamKey(tenantID, resourceID string) string {
	return tenantID + "/" + resourceID
}

// NewBuildRequest derives a BuildRequest from validated event data.
// When the payload carries no content hash, the fingerprint is computed
// over the identifying fields so the downstream job name stays
// deterministic for identical submissions.
func NewBuildRequest(eventType, correlationID string, data *BuildEventData) *BuildRequest {
	fp := data.ContentHash
	if fp == "" {
		sum := sha256.Sum256([]byte(data.TenantID + "\x00" + data.ResourceID + "\x00" + data.ContextID))
		fp = hex.EncodeToString(sum[:])
	}
	return &BuildRequest{
		TenantID:      data.TenantID,
		ResourceID:    data.ResourceID,
		ContextID:     data.ContextID,
		Sequence:      data.Sequence,
		Fingerprint:   fp,
		EventType:     eventType,
		CorrelationID: correlationID,
		Parameters:    data.Parameters,
		CreatedAt:     time.Now().UTC(),
	}
}

// BuildCompletionEventData is the payload of response events emitted by the
// external build engine when a job reaches a terminal state.
type BuildCompletionEventData struct {
	TenantID      string `json:"tenant_id"`
	ResourceID    string `json:"resource_id"`
	JobName       string `json:"job_name"`
	ImageURI      string `json:"image_uri,omitempty"`
	Status        string `json:"status"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ServiceDeleteEventData is the payload of service.delete events.
type ServiceDeleteEventData struct {
	TenantID      string `json:"tenant_id"`
	ResourceID    string `json:"resource_id"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// HandlerResponse is the body returned by the ingress endpoint.
type HandlerResponse struct {
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	JobName       string    `json:"job_name,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
