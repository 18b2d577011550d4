package schema

import "fmt"

// UnknownVersionError is returned when an event declares a schema version
// that is not present in the registry.
type UnknownVersionError struct {
	EventType string
	Version   int
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown schema version %d for event type %q", e.Version, e.EventType)
}

// ValidationError reports the first failing field path of a payload.
type ValidationError struct {
	EventType string
	Version   int
	Field     string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s v%d: field %q: %s", e.EventType, e.Version, e.Field, e.Message)
}

// Details returns the structured error payload surfaced to clients.
func (e *ValidationError) Details() map[string]interface{} {
	return map[string]interface{}{
		"schema":  e.EventType,
		"version": e.Version,
		"field":   e.Field,
	}
}
