package actions

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/pkg/schema"
)

// JQActions returns the JSON transform action backed by engine.
func JQActions(engine *expressions.GoJQEngine) []Registration {
	return []Registration{
		{
			Tag:         "jq",
			Description: "Apply a jq query to the JSON input and write the result to every output",
			ParamSchema: json.RawMessage(jqSchema),
			Factory: func(args Args) (Action, error) {
				a := &jqAction{engine: engine}
				if err := args.Coerce(a); err != nil {
					return nil, err
				}
				if err := engine.Check(a.Query); err != nil {
					return nil, err
				}
				return a, nil
			},
		},
	}
}

const jqSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string", "minLength": 1},
    "indent": {"type": "boolean"}
  },
  "required": ["query"],
  "additionalProperties": false
}`

type jqAction struct {
	engine *expressions.GoJQEngine
	Query  string `json:"query"`
	Indent bool   `json:"indent"`
}

func (a *jqAction) Execute(ctx context.Context, target *Target) (*Output, error) {
	if len(target.Inputs) != 1 || target.Inputs[0].Path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq needs exactly one file input")
	}
	raw, err := os.ReadFile(target.path(target.Inputs[0].Path))
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %s is not JSON", target.Inputs[0].Identity).WithCause(err)
	}

	results, err := a.engine.Transform(ctx, a.Query, doc)
	if err != nil {
		return nil, err
	}
	var result any = results
	if len(results) == 1 {
		result = results[0]
	}

	var data []byte
	if a.Indent {
		data, err = json.MarshalIndent(result, "", "  ")
	} else {
		data, err = json.Marshal(result)
	}
	if err != nil {
		return nil, err
	}

	for _, out := range target.Outputs {
		if out.Path == "" {
			continue
		}
		if err := writeFile(target.path(out.Path), append(data, '\n'), 0o644); err != nil {
			return nil, err
		}
	}
	return &Output{Data: data}, nil
}
