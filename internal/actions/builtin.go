package actions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rendis/buildcore/internal/expressions"
)

// BuiltinConfig configures the built-in actions.
type BuiltinConfig struct {
	Shell ShellConfig
	JQ    *expressions.GoJQEngine
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	if cfg.JQ == nil {
		cfg.JQ = expressions.NewGoJQEngine()
	}

	all := []Registration{
		{Tag: "noop", Description: "Do nothing", Factory: newNoop},
		{Tag: "fail", Description: "Always fail with the given message", ParamSchema: json.RawMessage(failSchema), Factory: newFail},
	}
	all = append(all, FSActions()...)
	all = append(all, CryptoActions()...)
	all = append(all, JQActions(cfg.JQ)...)
	all = append(all, ShellActions(cfg.Shell)...)

	for _, r := range all {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// --- noop ---

type noopAction struct{}

func newNoop(Args) (Action, error) { return &noopAction{}, nil }

func (a *noopAction) Execute(context.Context, *Target) (*Output, error) {
	return &Output{}, nil
}

// --- fail ---

const failSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string"},
    "delay": {"type": "string"}
  },
  "additionalProperties": false
}`

type failAction struct {
	message string
	delay   time.Duration
}

func newFail(args Args) (Action, error) {
	a := &failAction{message: args.String("message", "unit failed")}
	if d := args.String("delay", ""); d != "" {
		delay, err := time.ParseDuration(d)
		if err != nil {
			return nil, err
		}
		a.delay = delay
	}
	return a, nil
}

func (a *failAction) Execute(ctx context.Context, _ *Target) (*Output, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, errors.New(a.message)
}
