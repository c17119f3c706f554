// Package plan loads build plan documents into unit descriptors.
package plan

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rendis/buildcore/internal/actions"
	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/internal/validation"
	"github.com/rendis/buildcore/pkg/schema"
)

// Loader validates plan documents and turns them into build plans. It checks
// the document shape with JSON Schema first and only then runs the semantic
// checks, which need a decoded plan.
type Loader struct {
	validator *validation.JSONSchemaValidator
	registry  *actions.Registry
	cel       *expressions.CELEngine
}

// NewLoader creates a Loader. registry and cel may be nil, which skips the
// action and only_if checks respectively.
func NewLoader(validator *validation.JSONSchemaValidator, registry *actions.Registry, cel *expressions.CELEngine) *Loader {
	return &Loader{validator: validator, registry: registry, cel: cel}
}

// Validate checks doc and returns every issue found. The decoded plan is
// returned whenever the document passed the schema check, even if semantic
// checks failed.
func (l *Loader) Validate(doc []byte) (*schema.BuildPlan, *schema.ValidationResult) {
	result := l.validator.ValidatePlan(doc)
	if !result.Valid() {
		return nil, result
	}

	p, err := decode(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	result.Merge(l.validateSemantic(p))
	return p, result
}

// Load validates doc and returns the plan, or the validation failure as a
// BuildError.
func (l *Loader) Load(doc []byte) (*schema.BuildPlan, error) {
	p, result := l.Validate(doc)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadFile reads and loads the plan at path. Files ending in .yaml or .yml
// are parsed as YAML.
func (l *Loader) LoadFile(path string) (*schema.BuildPlan, error) {
	doc, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return l.Load(doc)
}

// ReadFile returns the JSON form of the plan document at path.
func ReadFile(path string) ([]byte, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	if isYAML(path) {
		return FromYAML(doc)
	}
	return doc, nil
}

// decode parses the document. Units without params get an empty object so
// they stay cacheable.
func decode(doc []byte) (*schema.BuildPlan, error) {
	var p schema.BuildPlan
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	for i := range p.Units {
		if p.Units[i].Params.IsEmpty() {
			snap, err := schema.SnapshotParams(nil)
			if err != nil {
				return nil, err
			}
			p.Units[i].Params = snap
		}
	}
	return &p, nil
}
