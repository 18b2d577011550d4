// Package schema validates event payloads against a versioned registry of
// declarative field specifications. Definitions are YAML documents; new
// versions can be registered at runtime without a restart, enabling staged
// rollout of breaking payload changes.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the parsed form of one schema definition file.
type Spec struct {
	Event       string            `yaml:"event"`
	Version     int               `yaml:"version"`
	Description string            `yaml:"description,omitempty"`
	StrictMode  bool              `yaml:"strictMode,omitempty"`
	Fields      map[string]*Field `yaml:"fields"`
}

// Field defines a single payload field.
//
// Two declaration styles are supported:
//
//	shorthand:  tenant_id: string!
//	long form:  sequence:
//	              type: int64
//	              min: 1
//
// Type names: string, bool, int32, int64, float, double.
// A "!" suffix marks the field required.
type Field struct {
	Type     string `yaml:"type"`
	Kind     string `yaml:"-"`
	Required bool   `yaml:"required,omitempty"`

	Enum []interface{} `yaml:"enum,omitempty"`

	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`

	MinLength *int   `yaml:"minLength,omitempty"`
	MaxLength *int   `yaml:"maxLength,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`

	compiledPattern *regexp.Regexp `yaml:"-"`
}

// UnmarshalYAML accepts both the shorthand scalar and long-form mapping.
func (f *Field) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return f.parseTypeString(value.Value)
	}

	type fieldAlias Field
	var alias fieldAlias
	if err := value.Decode(&alias); err != nil {
		return err
	}
	*f = Field(alias)

	if f.Type == "" {
		return fmt.Errorf("field missing 'type'")
	}
	return f.parseTypeString(f.Type)
}

func (f *Field) parseTypeString(s string) error {
	if strings.HasSuffix(s, "!") {
		f.Required = true
		s = strings.TrimSuffix(s, "!")
	}

	switch s {
	case "string":
		f.Type = "string"
	case "bool":
		f.Type = "boolean"
	case "int32", "int64", "float", "double":
		f.Type = "number"
		f.Kind = s
	default:
		return fmt.Errorf("unsupported type %q (must be: string, bool, int32, int64, float, double)", s)
	}
	return nil
}

// ParseSpec parses and structurally validates one YAML schema definition.
func ParseSpec(definition []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(definition, &spec); err != nil {
		return nil, fmt.Errorf("invalid schema definition: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks that the spec itself is well formed. Called at
// registration time so definition errors never reach the hot path.
func (s *Spec) Validate() error {
	if s.Event == "" {
		return fmt.Errorf("event type is required")
	}
	if s.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema must define at least one field")
	}
	for name, field := range s.Fields {
		if field == nil {
			return fmt.Errorf("field %q: type cannot be empty", name)
		}
		if err := field.validate(); err != nil {
			return fmt.Errorf("field %q: %w", name, err)
		}
	}
	return nil
}

func (f *Field) validate() error {
	switch f.Type {
	case "string":
		if f.MinLength != nil && *f.MinLength < 0 {
			return fmt.Errorf("minLength cannot be negative")
		}
		if f.MaxLength != nil && *f.MaxLength < 0 {
			return fmt.Errorf("maxLength cannot be negative")
		}
		if f.MinLength != nil && f.MaxLength != nil && *f.MinLength > *f.MaxLength {
			return fmt.Errorf("minLength (%d) cannot exceed maxLength (%d)", *f.MinLength, *f.MaxLength)
		}
	case "boolean":
		if f.Min != nil || f.Max != nil || f.MinLength != nil || f.MaxLength != nil || f.Pattern != "" || len(f.Enum) > 0 {
			return fmt.Errorf("boolean fields do not support constraints")
		}
	case "number":
		if f.Kind == "" {
			return fmt.Errorf("number type requires kind (int32, int64, float, or double)")
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("min (%v) cannot exceed max (%v)", *f.Min, *f.Max)
		}
		if f.MinLength != nil || f.MaxLength != nil || f.Pattern != "" {
			return fmt.Errorf("number fields do not support length or pattern constraints")
		}
	default:
		return fmt.Errorf("unsupported type %q", f.Type)
	}
	return nil
}

// CompiledSpec is the runtime representation used for validation. Pattern
// regexes are compiled once; the fingerprint keys the compile cache.
type CompiledSpec struct {
	Spec        *Spec
	Fingerprint string
}

// compile prepares the spec for validation, compiling field regexes.
func (s *Spec) compile(fingerprint string) (*CompiledSpec, error) {
	for name, field := range s.Fields {
		if field.Pattern == "" {
			continue
		}
		compiled, err := regexp.Compile(field.Pattern)
		if err != nil {
			return nil, fmt.Errorf("field %q: invalid pattern: %w", name, err)
		}
		field.compiledPattern = compiled
	}
	return &CompiledSpec{Spec: s, Fingerprint: fingerprint}, nil
}

// ComputeFingerprint returns the stable content hash of a definition.
func ComputeFingerprint(definition []byte) string {
	sum := sha256.Sum256(definition)
	return hex.EncodeToString(sum[:])
}

// validatePayload checks data against the compiled spec and returns the
// first failing field as a ValidationError.
func (c *CompiledSpec) validatePayload(data map[string]interface{}) error {
	spec := c.Spec

	if spec.StrictMode {
		for key := range data {
			if _, exists := spec.Fields[key]; !exists {
				return &ValidationError{
					EventType: spec.Event,
					Version:   spec.Version,
					Field:     key,
					Message:   "unknown field not allowed in strict mode",
				}
			}
		}
	}

	for fieldName, fieldSpec := range spec.Fields {
		value, exists := data[fieldName]

		if fieldSpec.Required && !exists {
			return &ValidationError{
				EventType: spec.Event,
				Version:   spec.Version,
				Field:     fieldName,
				Message:   "required field is missing",
			}
		}
		if !exists {
			continue
		}
		if err := c.validateField(fieldName, fieldSpec, value); err != nil {
			return err
		}
	}
	return nil
}

func (c *CompiledSpec) fieldError(field, message string) *ValidationError {
	return &ValidationError{
		EventType: c.Spec.Event,
		Version:   c.Spec.Version,
		Field:     field,
		Message:   message,
	}
}

func (c *CompiledSpec) validateField(name string, spec *Field, value interface{}) error {
	if value == nil {
		if spec.Required {
			return c.fieldError(name, "required field cannot be null")
		}
		return nil
	}

	switch spec.Type {
	case "string":
		return c.validateString(name, spec, value)
	case "boolean":
		if _, ok := value.(bool); !ok {
			return c.fieldError(name, fmt.Sprintf("expected boolean, got %s", jsonTypeName(value)))
		}
		return nil
	case "number":
		return c.validateNumber(name, spec, value)
	default:
		return c.fieldError(name, fmt.Sprintf("unknown field type: %s", spec.Type))
	}
}

func (c *CompiledSpec) validateString(name string, spec *Field, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return c.fieldError(name, fmt.Sprintf("expected string, got %s", jsonTypeName(value)))
	}

	if len(spec.Enum) > 0 {
		found := false
		for _, allowed := range spec.Enum {
			if allowedStr, ok := allowed.(string); ok && allowedStr == str {
				found = true
				break
			}
		}
		if !found {
			return c.fieldError(name, fmt.Sprintf("value %q not in enum %v", str, spec.Enum))
		}
	}

	if spec.MinLength != nil && len(str) < *spec.MinLength {
		return c.fieldError(name, fmt.Sprintf("string length %d is less than minimum %d", len(str), *spec.MinLength))
	}
	if spec.MaxLength != nil && len(str) > *spec.MaxLength {
		return c.fieldError(name, fmt.Sprintf("string length %d exceeds maximum %d", len(str), *spec.MaxLength))
	}
	if spec.compiledPattern != nil && !spec.compiledPattern.MatchString(str) {
		return c.fieldError(name, fmt.Sprintf("string does not match pattern %q", spec.Pattern))
	}
	return nil
}

func (c *CompiledSpec) validateNumber(name string, spec *Field, value interface{}) error {
	// JSON unmarshals all numbers as float64.
	num, ok := value.(float64)
	if !ok {
		if intVal, ok := value.(int); ok {
			num = float64(intVal)
		} else if int64Val, ok := value.(int64); ok {
			num = float64(int64Val)
		} else {
			return c.fieldError(name, fmt.Sprintf("expected number, got %s", jsonTypeName(value)))
		}
	}

	switch spec.Kind {
	case "int32":
		if num != float64(int64(num)) {
			return c.fieldError(name, "expected integer, got float with fractional part")
		}
		if num < -2147483648 || num > 2147483647 {
			return c.fieldError(name, fmt.Sprintf("value %v out of range for int32", num))
		}
	case "int64":
		if num != float64(int64(num)) {
			return c.fieldError(name, "expected integer, got float with fractional part")
		}
	case "float":
		if num != 0 && (num < -3.4e38 || num > 3.4e38) {
			return c.fieldError(name, fmt.Sprintf("value %v out of range for float32", num))
		}
	case "double":
		// float64 needs no range check.
	}

	if len(spec.Enum) > 0 {
		found := false
		for _, allowed := range spec.Enum {
			var allowedNum float64
			switch v := allowed.(type) {
			case int:
				allowedNum = float64(v)
			case int64:
				allowedNum = float64(v)
			case float64:
				allowedNum = v
			default:
				continue
			}
			if allowedNum == num {
				found = true
				break
			}
		}
		if !found {
			return c.fieldError(name, fmt.Sprintf("value %v not in enum %v", num, spec.Enum))
		}
	}

	if spec.Min != nil && num < *spec.Min {
		return c.fieldError(name, fmt.Sprintf("value %v is less than minimum %v", num, *spec.Min))
	}
	if spec.Max != nil && num > *spec.Max {
		return c.fieldError(name, fmt.Sprintf("value %v exceeds maximum %v", num, *spec.Max))
	}
	return nil
}

func jsonTypeName(v interface{}) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
