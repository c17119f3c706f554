package actions

import (
	"sort"
	"sync"

	"github.com/rendis/buildcore/internal/validation"
	"github.com/rendis/buildcore/pkg/schema"
)

// Registry maps action tags to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[string]Registration
	validator *validation.JSONSchemaValidator
}

// NewRegistry creates an empty Registry. validator, when non-nil, checks
// parameter schemas at registration time.
func NewRegistry(validator *validation.JSONSchemaValidator) *Registry {
	return &Registry{
		entries:   make(map[string]Registration),
		validator: validator,
	}
}

// Register adds an action. Returns error on empty tag, nil factory,
// unusable parameter schema or duplicate tag.
func (r *Registry) Register(reg Registration) error {
	if reg.Tag == "" {
		return schema.NewError(schema.ErrCodeValidation, "action tag is empty")
	}
	if reg.Factory == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has no factory", reg.Tag)
	}
	if reg.Version <= 0 {
		reg.Version = 1
	}
	if len(reg.ParamSchema) > 0 && r.validator != nil {
		if err := r.validator.CompileSchema(reg.ParamSchema); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q: invalid param schema", reg.Tag).WithCause(err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[reg.Tag]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", reg.Tag)
	}
	r.entries[reg.Tag] = reg
	return nil
}

// Get retrieves a registration by tag.
func (r *Registry) Get(tag string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[tag]
	if !ok {
		return Registration{}, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", tag)
	}
	return reg, nil
}

// Identity returns the implementation identity for tag.
func (r *Registry) Identity(tag string) (string, error) {
	reg, err := r.Get(tag)
	if err != nil {
		return "", err
	}
	return reg.Identity(), nil
}

// List returns info for all registered actions, sorted by tag.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.entries))
	for _, reg := range r.entries {
		infos = append(infos, ActionInfo{
			Tag:         reg.Tag,
			Version:     reg.Version,
			Description: reg.Description,
			ParamSchema: reg.ParamSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Tag < infos[j].Tag
	})
	return infos
}

// Has checks if a tag is registered.
func (r *Registry) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[tag]
	return ok
}

// Count returns the number of registered actions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
