package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/buildcore/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const planSchemaURL = "https://buildcore.dev/schemas/plan.json"

// planSchemaJSON is the JSON Schema for build plan documents.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://buildcore.dev/schemas/plan.json",
  "type": "object",
  "required": ["units"],
  "properties": {
    "name": { "type": "string" },
    "units": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/unit" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z0-9_.:/-]+$"
    },
    "unit": {
      "type": "object",
      "required": ["id", "action"],
      "properties": {
        "id": { "$ref": "#/$defs/id" },
        "action": { "type": "string", "minLength": 1 },
        "params": { "type": ["object", "null"] },
        "depends_on": { "type": "array", "items": { "$ref": "#/$defs/id" } },
        "run_after": { "type": "array", "items": { "$ref": "#/$defs/id" } },
        "inputs": { "type": "array", "items": { "$ref": "#/$defs/input" } },
        "outputs": { "type": "array", "items": { "$ref": "#/$defs/output" } },
        "only_if": { "type": "string" },
        "tags": { "type": "array", "items": { "type": "string" } },
        "metadata": { "type": "object", "additionalProperties": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "input": {
      "type": "object",
      "required": ["identity"],
      "properties": {
        "identity": { "type": "string", "minLength": 1 },
        "digest": { "type": "string" },
        "path": { "type": "string" }
      },
      "anyOf": [
        { "required": ["digest"] },
        { "required": ["path"] }
      ],
      "additionalProperties": false
    },
    "output": {
      "type": "object",
      "required": ["identity"],
      "properties": {
        "identity": { "type": "string", "minLength": 1 },
        "path": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates plan documents and action parameters using
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	planSchema *jsonschema.Schema

	// mu guards the cache of compiled parameter schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the plan schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource(planSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	planSchema, err := c.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &JSONSchemaValidator{
		planSchema: planSchema,
		cache:      make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidatePlan validates a raw plan document and returns every violation.
func (v *JSONSchemaValidator) ValidatePlan(doc []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, fmt.Sprintf("plan is not valid JSON: %v", err))
		return result
	}
	if err := v.planSchema.Validate(inst); err != nil {
		addViolations(result, err)
	}
	return result
}

// CompileSchema checks that raw is a usable JSON Schema and caches it.
func (v *JSONSchemaValidator) CompileSchema(raw []byte) error {
	if _, err := v.getOrCompile(raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}
	return nil
}

// ValidateParams validates params against a JSON Schema given as raw bytes.
// An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateParams(params map[string]any, paramSchema []byte) error {
	if len(paramSchema) == 0 {
		return nil
	}
	compiled, err := v.getOrCompile(paramSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid parameter schema").WithCause(err)
	}

	doc, err := toJSONValue(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize params").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toBuildError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	url := fmt.Sprintf("buildcore://param-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

func addViolations(result *schema.ValidationResult, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return
	}
	for _, v := range collectViolations(verr) {
		result.AddError(v.path, schema.ErrCodeValidation, v.message)
	}
}

// toBuildError converts a jsonschema.ValidationError into a BuildError
// listing each violation.
func toBuildError(err error) *schema.BuildError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, v.path+": "+v.message)
	}
	if len(msgs) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(msgs) == 1 {
		return schema.NewError(schema.ErrCodeValidation, msgs[0]).
			WithDetails(map[string]any{"violations": msgs})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "params failed validation with %d errors", len(msgs)).
		WithDetails(map[string]any{"violations": msgs})
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree down to its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
