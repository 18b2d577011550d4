package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ParsedEvent is the typed result of a successful validation. Only
// ParsedEvent instances cross the validator boundary; raw untyped maps
// never travel further into the pipeline.
type ParsedEvent struct {
	Type    string
	Version int
	Fields  map[string]interface{}
}

// registration holds one schema version prior to compilation.
type registration struct {
	spec        *Spec
	fingerprint string
}

// Registry maps (event type, version) to schema definitions and validates
// payloads against them. Versions can be registered at any time; lookups
// and registrations may interleave freely.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]map[int]*registration

	// Compiled specs cached by fingerprint; singleflight dedupes
	// concurrent compilation of the same version.
	compiledMu   sync.RWMutex
	compiled     map[string]*CompiledSpec
	compileGroup singleflight.Group
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[string]map[int]*registration),
		compiled: make(map[string]*CompiledSpec),
	}
}

// Register parses a YAML definition and installs it. Re-registering an
// existing (type, version) replaces the definition; the stale compiled
// form is dropped from the cache.
func (r *Registry) Register(definition []byte) (*Spec, error) {
	spec, err := ParseSpec(definition)
	if err != nil {
		return nil, err
	}

	reg := &registration{
		spec:        spec,
		fingerprint: ComputeFingerprint(definition),
	}

	r.mu.Lock()
	byVersion, ok := r.versions[spec.Event]
	if !ok {
		byVersion = make(map[int]*registration)
		r.versions[spec.Event] = byVersion
	}
	byVersion[spec.Version] = reg
	r.mu.Unlock()

	return spec, nil
}

// LoadDir registers every .yaml/.yml file in dir. Used at startup; later
// registrations can still arrive through the runtime API.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema directory: %w", err)
	}

	count := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		definition, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return count, fmt.Errorf("failed to read schema file %q: %w", entry.Name(), err)
		}
		if _, err := r.Register(definition); err != nil {
			return count, fmt.Errorf("schema file %q: %w", entry.Name(), err)
		}
		count++
	}
	return count, nil
}

// DefaultVersion returns the oldest registered version for eventType, or 0
// when no schema exists for it. Events without a dataschema tag validate
// against the oldest version for backward compatibility.
func (r *Registry) DefaultVersion(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion, ok := r.versions[eventType]
	if !ok || len(byVersion) == 0 {
		return 0
	}
	versions := make([]int, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions[0]
}

// Versions returns the registered versions for eventType in ascending order.
func (r *Registry) Versions(eventType string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion := r.versions[eventType]
	versions := make([]int, 0, len(byVersion))
	for v := range byVersion {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// Validate checks payload against the schema for (eventType, version).
// version 0 selects the default (oldest) registered version. An event type
// with no registered schemas validates trivially: the payload passes
// through untyped-checked, which keeps unknown-but-wellformed command
// types routable. Unknown explicit versions return UnknownVersionError.
func (r *Registry) Validate(ctx context.Context, eventType string, version int, payload map[string]interface{}) (*ParsedEvent, error) {
	if version == 0 {
		version = r.DefaultVersion(eventType)
		if version == 0 {
			return &ParsedEvent{Type: eventType, Fields: payload}, nil
		}
	}

	r.mu.RLock()
	reg, ok := r.versions[eventType][version]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownVersionError{EventType: eventType, Version: version}
	}

	compiled, err := r.getOrCompile(ctx, reg)
	if err != nil {
		return nil, err
	}

	if err := compiled.validatePayload(payload); err != nil {
		return nil, err
	}

	return &ParsedEvent{Type: eventType, Version: version, Fields: payload}, nil
}

// getOrCompile returns the compiled form of a registration, compiling at
// most once per fingerprint even under concurrent validation.
func (r *Registry) getOrCompile(ctx context.Context, reg *registration) (*CompiledSpec, error) {
	r.compiledMu.RLock()
	if compiled, exists := r.compiled[reg.fingerprint]; exists {
		r.compiledMu.RUnlock()
		return compiled, nil
	}
	r.compiledMu.RUnlock()

	result, err, _ := r.compileGroup.Do(reg.fingerprint, func() (interface{}, error) {
		r.compiledMu.RLock()
		if compiled, exists := r.compiled[reg.fingerprint]; exists {
			r.compiledMu.RUnlock()
			return compiled, nil
		}
		r.compiledMu.RUnlock()

		compiled, err := reg.spec.compile(reg.fingerprint)
		if err != nil {
			return nil, err
		}

		r.compiledMu.Lock()
		r.compiled[reg.fingerprint] = compiled
		r.compiledMu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*CompiledSpec), nil
}
