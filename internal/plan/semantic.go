package plan

import (
	"fmt"

	"github.com/rendis/buildcore/internal/engine"
	"github.com/rendis/buildcore/pkg/schema"
)

// validateSemantic checks what the schema cannot: action tags are registered,
// params satisfy the action's schema, only_if compiles and the units form a
// valid graph.
func (l *Loader) validateSemantic(p *schema.BuildPlan) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range p.Units {
		l.validateUnit(&p.Units[i], fmt.Sprintf("units[%d]", i), result)
	}

	if _, err := engine.BuildGraph(p.Units); err != nil {
		addBuildError(result, "units", err)
	}
	return result
}

func (l *Loader) validateUnit(u *schema.UnitDescriptor, path string, result *schema.ValidationResult) {
	if l.registry != nil {
		reg, err := l.registry.Get(u.Action)
		if err != nil {
			result.AddError(path+".action", schema.ErrCodeNotFound,
				fmt.Sprintf("action %q not registered", u.Action))
		} else if len(reg.ParamSchema) > 0 {
			params, err := u.Params.Isolate()
			if err == nil {
				err = l.validator.ValidateParams(params, reg.ParamSchema)
			}
			if err != nil {
				addBuildError(result, path+".params", err)
			}
		}
	}

	if u.OnlyIf != "" && l.cel != nil {
		if err := l.cel.Check(u.OnlyIf); err != nil {
			addBuildError(result, path+".only_if", err)
		}
	}

	if len(u.Inputs) == 0 && len(u.Outputs) == 0 {
		result.AddWarning(path, schema.ErrCodeValidation,
			"unit declares no inputs or outputs; it is up to date whenever its action and params are unchanged")
	}
	for j, dep := range u.DependsOn {
		if contains(u.RunAfter, dep) {
			result.AddWarning(fmt.Sprintf("%s.run_after", path), schema.ErrCodeValidation,
				fmt.Sprintf("%q is already a hard dependency (depends_on[%d])", dep, j))
		}
	}
}

// addBuildError records err under path, keeping its code when it carries one.
func addBuildError(result *schema.ValidationResult, path string, err error) {
	if be, ok := schema.AsBuildError(err); ok {
		msg := be.Message
		if be.UnitID != "" {
			msg = fmt.Sprintf("unit %s: %s", be.UnitID, msg)
		}
		result.AddError(path, be.Code, msg)
		return
	}
	result.AddError(path, schema.ErrCodeValidation, err.Error())
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
