package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/isdmx/sandboxd/errdefs"
)

// killGrace bounds how long a killed command may keep its output pipes open.
const killGrace = 2 * time.Second

// CommandOutput is the captured result of a host command.
type CommandOutput struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string, stdin io.Reader) (CommandOutput, error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
//
// Commands run in their own process group; when ctx is done the whole group
// is killed and the context error is returned.
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string, stdin io.Reader) (CommandOutput, error) {
	if len(args) < 1 {
		return CommandOutput{}, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	KillGroupOnCancel(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	if stdin != nil {
		cmd.Stdin = stdin
	}

	err := cmd.Run()
	out := CommandOutput{Stdout: stdoutBuf.Bytes(), Stderr: stderrBuf.Bytes()}

	if ctxErr := ctx.Err(); ctxErr != nil {
		out.ExitCode = -1
		return out, ctxErr
	}
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			out.ExitCode = exitError.ExitCode()
			return out, nil
		}
		return out, err
	}

	return out, nil
}

// KillGroupOnCancel starts cmd in a new process group and makes context
// cancellation SIGKILL the whole group instead of only the leader.
func KillGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	cmd.WaitDelay = killGrace
}

// StartOptions configures StartCommand.
type StartOptions struct {
	// ID is reported by Process.ID.
	ID      string
	Dir     string
	Env     []string
	Stdin   []byte
	Timeout time.Duration
	// OnCancel runs after the host command was killed because of cancellation
	// or timeout. Adapters use it to stop work the host command only proxies,
	// such as a process inside a container.
	OnCancel func(ctx context.Context) error
}

// HostProcess is a Process backed by a host command. Stdout and Stderr must be
// drained concurrently with Wait.
type HostProcess struct {
	id       string
	cmd      *exec.Cmd
	stdout   *io.PipeReader
	stderr   *io.PipeReader
	started  time.Time
	cancel   context.CancelFunc
	onCancel func(ctx context.Context) error

	cancelled atomic.Bool
	done      chan struct{}
	result    CommandResult
	err       error
}

var _ Process = (*HostProcess)(nil)

// StartCommand starts args on the host without waiting for it to finish. The
// command runs in its own process group, which is killed when ctx is done,
// the timeout expires or Cancel is called.
func StartCommand(ctx context.Context, args []string, opts StartOptions) (*HostProcess, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}

	runCtx, cancel := context.WithCancel(ctx)
	var timeoutCtx context.Context = runCtx
	if opts.Timeout > 0 {
		var stop context.CancelFunc
		timeoutCtx, stop = context.WithTimeout(runCtx, opts.Timeout)
		inner := cancel
		cancel = func() {
			stop()
			inner()
		}
	}

	cmd := exec.CommandContext(timeoutCtx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	KillGroupOnCancel(cmd)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	p := &HostProcess{
		id:       opts.ID,
		cmd:      cmd,
		stdout:   stdoutR,
		stderr:   stderrR,
		started:  time.Now(),
		cancel:   cancel,
		onCancel: opts.OnCancel,
		done:     make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		stdoutW.Close()
		stderrW.Close()
		return nil, err
	}

	go func() {
		waitErr := cmd.Wait()
		stdoutW.Close()
		stderrW.Close()
		p.finish(ctx, timeoutCtx, waitErr)
		cancel()
		close(p.done)
	}()

	return p, nil
}

func (p *HostProcess) finish(parent, run context.Context, waitErr error) {
	p.result = CommandResult{ExitCode: -1, Duration: time.Since(p.started)}

	if run.Err() != nil {
		if p.onCancel != nil {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), killGrace)
			_ = p.onCancel(cleanupCtx)
			cancel()
		}
		switch {
		case p.cancelled.Load():
			p.err = context.Canceled
		case parent.Err() != nil:
			p.err = parent.Err()
		default:
			p.err = fmt.Errorf("%w: command exceeded %s", errdefs.ErrTimeout, time.Since(p.started).Round(time.Millisecond))
		}
		return
	}

	var exitError *exec.ExitError
	switch {
	case waitErr == nil:
		p.result.ExitCode = 0
	case errors.As(waitErr, &exitError):
		p.result.ExitCode = exitError.ExitCode()
	default:
		p.err = fmt.Errorf("%w: %w", errdefs.ErrExec, waitErr)
	}
}

// ID returns the identifier given at start.
func (p *HostProcess) ID() string { return p.id }

// Stdout streams the command's standard output.
func (p *HostProcess) Stdout() io.Reader { return p.stdout }

// Stderr streams the command's standard error.
func (p *HostProcess) Stderr() io.Reader { return p.stderr }

// Wait blocks until the command exits. Output is delivered only through the
// readers, so the returned result carries the exit code and duration.
func (p *HostProcess) Wait() (CommandResult, error) {
	<-p.done
	return p.result, p.err
}

// Cancel kills the command and waits for it to be reaped.
func (p *HostProcess) Cancel() error {
	p.cancelled.Store(true)
	p.cancel()
	<-p.done
	return nil
}
