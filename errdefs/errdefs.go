// Package errdefs defines the error taxonomy shared by adapters, the registry
// store, sessions and the watchdog.
//
// Callers classify errors with errors.Is against the sentinels below. Adapter
// failures surfaced through a session are wrapped in a SessionError that keeps
// the original error reachable via errors.Unwrap.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrProvision means the backend could not create the environment.
	ErrProvision = errors.New("provision failed")
	// ErrNotFound means a session id or a path does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTimeout means an operation exceeded its deadline. The in-flight
	// backend operation has already been terminated when this is returned.
	ErrTimeout = errors.New("operation timed out")
	// ErrPermission means the backend rejected the operation.
	ErrPermission = errors.New("permission denied")
	// ErrExec means the backend was unreachable or the command could not start.
	ErrExec = errors.New("exec failed")
	// ErrUnsupported means the backend has no concept for the operation.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrCorruptState means the registry store could not be parsed.
	ErrCorruptState = errors.New("corrupt registry state")
	// ErrAdapterMismatch means a session was addressed with an adapter kind
	// different from the one recorded at creation.
	ErrAdapterMismatch = errors.New("adapter mismatch")
	// ErrSandboxGone means the backend resource behind a handle no longer exists.
	ErrSandboxGone = errors.New("sandbox no longer exists")
)

// SessionError annotates an error with the session it happened on.
type SessionError struct {
	ID  string
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.ID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Annotate wraps err in a SessionError. A nil err stays nil.
func Annotate(id, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *SessionError
	if errors.As(err, &se) && se.ID == id {
		return err
	}
	return &SessionError{ID: id, Op: op, Err: err}
}

// Gone wraps err so it matches both ErrSandboxGone and ErrExec.
func Gone(err error) error {
	return fmt.Errorf("%w: %w: %w", ErrExec, ErrSandboxGone, err)
}

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsTimeout(err error) bool         { return errors.Is(err, ErrTimeout) }
func IsProvision(err error) bool       { return errors.Is(err, ErrProvision) }
func IsPermission(err error) bool      { return errors.Is(err, ErrPermission) }
func IsExec(err error) bool            { return errors.Is(err, ErrExec) }
func IsUnsupported(err error) bool     { return errors.Is(err, ErrUnsupported) }
func IsCorruptState(err error) bool    { return errors.Is(err, ErrCorruptState) }
func IsAdapterMismatch(err error) bool { return errors.Is(err, ErrAdapterMismatch) }
func IsSandboxGone(err error) bool     { return errors.Is(err, ErrSandboxGone) }

// Code returns a short stable name for the error class, used by the MCP and
// CLI surfaces.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCorruptState):
		return "corrupt_state"
	case errors.Is(err, ErrAdapterMismatch):
		return "adapter_mismatch"
	case errors.Is(err, ErrProvision):
		return "provision"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermission):
		return "permission"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrExec):
		return "exec"
	default:
		return "internal"
	}
}
