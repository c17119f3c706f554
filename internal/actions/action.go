package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/rendis/buildcore/pkg/schema"
)

// Action performs one unit's work. A fresh instance is created for every
// invocation and discarded afterwards.
type Action interface {
	Execute(ctx context.Context, target *Target) (*Output, error)
}

// Factory constructs a fresh Action from an isolated argument set.
type Factory func(args Args) (Action, error)

// Target is what an action runs against: the unit's identity and its
// declared inputs and outputs, with paths relative to WorkDir.
type Target struct {
	UnitID  string
	WorkDir string
	Inputs  []schema.InputDescriptor
	Outputs []schema.OutputDescriptor
	Logger  *slog.Logger
}

// Output is the optional result payload of an action.
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Args is the argument set materialized for a single invocation.
type Args struct {
	snapshot schema.ParamSnapshot
	values   map[string]any
}

// Values returns the materialized arguments. The map belongs to this
// invocation only.
func (a Args) Values() map[string]any {
	return a.values
}

// Coerce decodes the arguments into dst. It fails for parameterless
// invocations and for shapes dst does not accept.
func (a Args) Coerce(dst any) error {
	return a.snapshot.Coerce(dst)
}

// String returns the named argument, or def when absent or not a string.
func (a Args) String(key, def string) string {
	if s, ok := a.values[key].(string); ok {
		return s
	}
	return def
}

// Registration describes one action implementation.
type Registration struct {
	Tag         string
	Version     int
	Description string
	ParamSchema json.RawMessage
	Factory     Factory
}

// Identity is the implementation identity that enters fingerprints.
func (r Registration) Identity() string {
	return r.Tag + "@" + strconv.Itoa(r.Version)
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Tag         string          `json:"tag"`
	Version     int             `json:"version"`
	Description string          `json:"description,omitempty"`
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`
}
