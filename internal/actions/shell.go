package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/rendis/buildcore/internal/isolation"
)

const defaultMaxOutputSize = 1 << 20

// ShellConfig configures the shell.exec action.
type ShellConfig struct {
	// PassEnv lists host environment variables visible to commands.
	PassEnv       []string
	MaxOutputSize int
	// Limits bound every command; declared outputs must be writable under them.
	Limits   isolation.Limits
	Isolator isolation.Isolator
}

// ShellActions returns the process execution actions.
func ShellActions(cfg ShellConfig) []Registration {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.New()
	}
	return []Registration{
		{
			Tag:         "shell.exec",
			Description: "Run a command in the work dir; a non-zero exit fails the unit",
			ParamSchema: json.RawMessage(shellExecSchema),
			Factory: func(args Args) (Action, error) {
				a := &shellExecAction{cfg: cfg}
				if err := args.Coerce(a); err != nil {
					return nil, err
				}
				return a, nil
			},
		},
	}
}

const shellExecSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "dir": {"type": "string"}
  },
  "required": ["command"],
  "additionalProperties": false
}`

type shellExecAction struct {
	cfg     ShellConfig
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	Dir     string            `json:"dir"`
}

func (a *shellExecAction) Execute(ctx context.Context, target *Target) (*Output, error) {
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = target.WorkDir
	if a.Dir != "" {
		cmd.Dir = target.path(a.Dir)
	}
	cmd.Env = a.environ()

	stdout := &limitedBuffer{max: a.cfg.MaxOutputSize}
	stderr := &limitedBuffer{max: a.cfg.MaxOutputSize}
	cmd.Stdout, cmd.Stderr = stdout, stderr

	for _, out := range target.Outputs {
		if err := a.cfg.Limits.CheckPath(target.path(out.Path), isolation.AccessWrite); err != nil {
			return nil, err
		}
	}
	wrapped, cleanup, err := a.cfg.Isolator.Wrap(ctx, cmd, a.cfg.Limits)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	err = wrapped.Run()
	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	if target.Logger != nil {
		target.Logger.Debug("command finished",
			slog.String("command", a.Command),
			slog.Int("exit_code", exitCode),
			slog.Int("stdout_bytes", stdout.Len()),
		)
	}

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s exited with code %d: %s", a.Command, exitCode, msg)
	}
	return jsonOutput(map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exitCode,
	})
}

// environ builds a deterministic environment: allowed host variables first,
// then explicit ones, sorted by key.
func (a *shellExecAction) environ() []string {
	env := make(map[string]string, len(a.cfg.PassEnv)+len(a.Env))
	for _, k := range a.cfg.PassEnv {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range a.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// limitedBuffer keeps at most max bytes and silently discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Len() int       { return b.buf.Len() }
func (b *limitedBuffer) String() string { return b.buf.String() }
