package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/pkg/schema"
)

const maxPlanBytes = 4 << 20

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeBuildError maps err's code to an HTTP status.
func writeBuildError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var be *schema.BuildError
	if errors.As(err, &be) {
		switch be.Code {
		case schema.ErrCodeNotFound:
			status = http.StatusNotFound
		case schema.ErrCodeConflict:
			status = http.StatusConflict
		case schema.ErrCodeValidation, schema.ErrCodeCycleDetected, schema.ErrCodeMissingDependency:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{"error": be.Message, "code": be.Code, "details": be.Details})
		return
	}
	writeError(w, status, err.Error())
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryList splits a comma-separated query param.
func queryList(r *http.Request, key string) []string {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readPlan returns the JSON plan from the request body. YAML bodies are
// recognized by their content type.
func readPlan(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPlanBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "request body must contain a plan")
	}
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		return plan.FromYAML(body)
	}
	return body, nil
}
