package validation

import (
	"sync"
	"testing"

	"github.com/rendis/buildcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

// --- ValidatePlan ---

func TestValidatePlan_MinimalValid(t *testing.T) {
	v := newValidator(t)
	res := v.ValidatePlan([]byte(`{"units":[{"id":"a","action":"noop"}]}`))
	assert.True(t, res.Valid(), "%+v", res.Errors)
}

func TestValidatePlan_FullValid(t *testing.T) {
	v := newValidator(t)
	doc := `{
	  "name": "lib",
	  "units": [
	    {"id": "gen", "action": "fs.write", "params": {"content": "x"},
	     "outputs": [{"identity": "gen.txt", "path": "out/gen.txt"}]},
	    {"id": "compile", "action": "shell.exec", "depends_on": ["gen"], "run_after": [],
	     "inputs": [{"identity": "gen.txt", "path": "out/gen.txt"}, {"identity": "toolchain", "digest": "abc"}],
	     "only_if": "unit.metadata.os == 'linux'", "tags": ["slow"], "metadata": {"os": "linux"}}
	  ]
	}`
	res := v.ValidatePlan([]byte(doc))
	assert.True(t, res.Valid(), "%+v", res.Errors)
}

func TestValidatePlan_Violations(t *testing.T) {
	v := newValidator(t)
	cases := map[string]string{
		"not json":          `{"units":`,
		"no units":          `{}`,
		"empty units":       `{"units":[]}`,
		"missing action":    `{"units":[{"id":"a"}]}`,
		"bad id":            `{"units":[{"id":"a b","action":"noop"}]}`,
		"unknown field":     `{"units":[{"id":"a","action":"noop","retry":3}]}`,
		"params not object": `{"units":[{"id":"a","action":"noop","params":[1]}]}`,
		"input without src": `{"units":[{"id":"a","action":"noop","inputs":[{"identity":"x"}]}]}`,
		"metadata not str":  `{"units":[{"id":"a","action":"noop","metadata":{"k":1}}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			res := v.ValidatePlan([]byte(doc))
			assert.False(t, res.Valid())
			for _, issue := range res.Errors {
				assert.Equal(t, schema.ErrCodeValidation, issue.Code)
			}
		})
	}
}

func TestValidatePlan_ReportsInstanceLocation(t *testing.T) {
	v := newValidator(t)
	res := v.ValidatePlan([]byte(`{"units":[{"id":"a","action":"noop"},{"id":"b","action":""}]}`))
	require.False(t, res.Valid())
	assert.Equal(t, "/units/1/action", res.Errors[0].Path)
}

// --- ValidateParams ---

const contentSchema = `{
  "type": "object",
  "properties": {"content": {"type": "string"}, "mode": {"type": "integer", "minimum": 0}},
  "required": ["content"],
  "additionalProperties": false
}`

func TestValidateParams(t *testing.T) {
	v := newValidator(t)

	assert.NoError(t, v.ValidateParams(map[string]any{"content": "x", "mode": 420}, []byte(contentSchema)))
	assert.NoError(t, v.ValidateParams(map[string]any{"anything": 1}, nil))

	err := v.ValidateParams(map[string]any{"mode": -1}, []byte(contentSchema))
	be, ok := schema.AsBuildError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, be.Code)
	assert.Len(t, be.Details["violations"], 2)
}

func TestValidateParams_InvalidSchema(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateParams(map[string]any{}, []byte(`{"type": 12}`))
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Error(t, v.CompileSchema([]byte(`not json`)))
	assert.NoError(t, v.CompileSchema([]byte(contentSchema)))
}

func TestValidateParams_CacheConcurrent(t *testing.T) {
	v := newValidator(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = v.ValidateParams(map[string]any{"content": "x"}, []byte(contentSchema))
		}()
	}
	wg.Wait()

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
