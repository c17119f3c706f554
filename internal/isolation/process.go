package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*ProcessIsolator)(nil)

// ProcessIsolator enforces the timeout and working directory rules with
// plain process control.
type ProcessIsolator struct{}

// Wrap checks the command's directory and clones it onto a context that
// carries the timeout. The caller must run the returned command and call
// cleanup once it exits.
func (p *ProcessIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if cmd.Dir != "" {
		if err := limits.CheckPath(cmd.Dir, AccessWrite); err != nil {
			return nil, nil, err
		}
	}

	execCtx, cancel := ctx, context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// Cancel is only honored for commands built by CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Err = cmd.Err
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.WaitDelay = 5 * time.Second

	return wrapped, cancel, nil
}
