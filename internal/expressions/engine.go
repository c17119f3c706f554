package expressions

import (
	"context"

	"github.com/rendis/buildcore/pkg/schema"
)

// Engine evaluates expressions against a map of top-level variables.
// Three implementations: CEL (unit predicates), Expr (selection filters),
// GoJQ (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// UnitPredicate decides something about a unit, such as whether to exclude it.
type UnitPredicate func(ctx context.Context, unit schema.UnitDescriptor) (bool, error)

// UnitVars exposes the selectable attributes of a unit as a plain map.
func UnitVars(u schema.UnitDescriptor) map[string]any {
	tags := make([]any, 0, len(u.Tags))
	for _, t := range u.Tags {
		tags = append(tags, t)
	}
	deps := make([]any, 0, len(u.DependsOn))
	for _, d := range u.DependsOn {
		deps = append(deps, d)
	}
	meta := make(map[string]any, len(u.Metadata))
	for k, v := range u.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"id":         u.ID,
		"action":     u.Action,
		"tags":       tags,
		"metadata":   meta,
		"depends_on": deps,
	}
}
