package container

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

// isMissingContainer matches the engine's report of an unknown container. Only
// use it on output of engine commands that run nothing inside the container.
func isMissingContainer(stderr []byte) bool {
	msg := bytes.ToLower(stderr)
	return bytes.Contains(msg, []byte("no such container")) ||
		bytes.Contains(msg, []byte("no container with name or id"))
}

// isEngineRefusal also matches a stopped container. In the output of
// `<engine> exec` these strings may come from the command itself, so a match
// is only a reason to ask the engine with Alive.
func isEngineRefusal(stderr []byte) bool {
	return isMissingContainer(stderr) || bytes.Contains(bytes.ToLower(stderr), []byte("is not running"))
}

func goneError(op, target string, out sandbox.CommandOutput) error {
	return errdefs.Gone(fmt.Errorf("%s %s: container is not running: %s", op, target, strings.TrimSpace(string(out.Stderr))))
}

// classify maps a failed in-container command to the error taxonomy. It
// never reports the sandbox gone; callers decide that through Alive.
func classify(op, target string, out sandbox.CommandOutput) error {
	msg := strings.TrimSpace(string(out.Stderr))
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "no such file or directory"), strings.Contains(lower, "could not find the file"),
		strings.Contains(lower, "no such container:path"):
		return fmt.Errorf("%w: %s %s: %s", errdefs.ErrNotFound, op, target, msg)
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "read-only file system"),
		strings.Contains(lower, "operation not permitted"):
		return fmt.Errorf("%w: %s %s: %s", errdefs.ErrPermission, op, target, msg)
	default:
		return fmt.Errorf("%w: %s %s exited with %d: %s", errdefs.ErrExec, op, target, out.ExitCode, msg)
	}
}
