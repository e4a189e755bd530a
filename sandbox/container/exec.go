package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

// pidDir holds one file per in-flight exec inside the container. The files go
// away with the container.
const pidDir = "/tmp/.sandboxd-exec"

// execWrapper records the shell's pid before replacing itself with the
// requested command, so the pid file names the command itself.
const execWrapper = `mkdir -p "` + pidDir + `" && echo $$ > "$0" && exec "$@"`

// Exec runs a command to completion inside the container. On timeout or
// cancellation the command is killed inside the container before returning.
func (a *Adapter) Exec(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.CommandResult, error) {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return sandbox.CommandResult{}, err
	}
	if len(req.Command) == 0 {
		return sandbox.CommandResult{}, fmt.Errorf("%w: empty command", errdefs.ErrExec)
	}

	pidFile := pidDir + "/" + uuid.NewString() + ".pid"
	args := a.execArgs(engine, id, pidFile, req)

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var stdin io.Reader
	if req.Stdin != nil {
		stdin = bytes.NewReader(req.Stdin)
	}

	start := time.Now()
	out, err := a.cmdRunner.RunCommand(runCtx, args, stdin)
	duration := time.Since(start)

	if runCtx.Err() != nil {
		a.killInContainer(engine, id, pidFile)
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return sandbox.CommandResult{}, fmt.Errorf("%w: %w", errdefs.ErrTimeout, ctx.Err())
			}
			return sandbox.CommandResult{}, ctx.Err()
		}
		return sandbox.CommandResult{}, fmt.Errorf("%w: command exceeded %s", errdefs.ErrTimeout, req.Timeout)
	}
	if err != nil {
		return sandbox.CommandResult{}, fmt.Errorf("%w: %s exec: %w", errdefs.ErrExec, engine, err)
	}

	// A non-zero exit is the command's own result unless the engine
	// confirms the container no longer runs.
	if out.ExitCode != 0 && a.gone(ctx, handle) {
		return sandbox.CommandResult{}, goneError("exec", id, out)
	}

	return sandbox.CommandResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: duration,
	}, nil
}

// Start runs a command inside the container and streams its output.
func (a *Adapter) Start(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.Process, error) {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return nil, err
	}
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", errdefs.ErrExec)
	}

	execID := uuid.NewString()
	pidFile := pidDir + "/" + execID + ".pid"

	proc, err := sandbox.StartCommand(ctx, a.execArgs(engine, id, pidFile, req), sandbox.StartOptions{
		ID:      execID,
		Stdin:   req.Stdin,
		Timeout: req.Timeout,
		OnCancel: func(ctx context.Context) error {
			return a.killPID(ctx, engine, id, pidFile)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s exec: %w", errdefs.ErrExec, engine, err)
	}

	a.logger.Debug("started streaming exec",
		zap.String(logger.KeyHandle, handle),
		zap.String("exec_id", execID))

	return proc, nil
}

func (a *Adapter) execArgs(engine, id, pidFile string, req sandbox.ExecRequest) []string {
	args := []string{engine, "exec"}
	if req.Stdin != nil {
		args = append(args, "-i")
	}
	if req.Workdir != "" {
		args = append(args, "--workdir", a.resolve(req.Workdir))
	}
	for _, k := range slices.Sorted(maps.Keys(req.Env)) {
		args = append(args, "-e", k+"="+req.Env[k])
	}
	args = append(args, id, "sh", "-c", execWrapper, pidFile)
	return append(args, req.Command...)
}

func (a *Adapter) killInContainer(engine, id, pidFile string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if err := a.killPID(ctx, engine, id, pidFile); err != nil {
		a.logger.Warn("failed to kill timed out command",
			zap.String("container", id), zap.String("pid_file", pidFile), zap.Error(err))
	}
}

func (a *Adapter) killPID(ctx context.Context, engine, id, pidFile string) error {
	script := `[ -f "$1" ] && kill -9 "$(cat "$1")" 2>/dev/null; rm -f "$1"`
	out, err := a.cmdRunner.RunCommand(ctx, []string{engine, "exec", id, "sh", "-c", script, "sh", pidFile}, nil)
	if err != nil {
		return err
	}
	if out.ExitCode != 0 && !isEngineRefusal(out.Stderr) {
		return fmt.Errorf("kill exited with %d: %s", out.ExitCode, bytes.TrimSpace(out.Stderr))
	}
	return nil
}

// gone asks the engine whether the container behind handle stopped running.
// A failed check counts as running.
func (a *Adapter) gone(ctx context.Context, handle string) bool {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	alive, err := a.Alive(pctx, handle)
	if err != nil {
		a.logger.Debug("liveness check after failed exec", zap.String(logger.KeyHandle, handle), zap.Error(err))
		return false
	}
	return !alive
}
