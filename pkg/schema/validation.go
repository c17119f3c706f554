package schema

import "strings"

// ValidationSeverity tells whether an issue blocks a plan.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a plan document. Path locates it,
// either as a JSON pointer ("/units/1/action") or a field path
// ("units[1].action").
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one plan. Warnings never make a
// plan invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other; nil is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Errors = append(r.Errors, other.Errors...)
		r.Warnings = append(r.Warnings, other.Warnings...)
	}
}

// ToError returns nil for a valid plan. A single error keeps its own code;
// several collapse into one VALIDATION_ERROR naming each of them.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	var err *BuildError
	if len(r.Errors) == 1 {
		err = NewError(r.Errors[0].Code, r.Errors[0].String())
	} else {
		lines := make([]string, len(r.Errors))
		for i, issue := range r.Errors {
			lines[i] = issue.String()
		}
		err = NewErrorf(ErrCodeValidation, "plan validation failed with %d errors: %s",
			len(r.Errors), strings.Join(lines, "; "))
	}
	return err.WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
