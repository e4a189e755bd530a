package sandbox

import (
	"context"
	"io"
	"time"
)

// Adapter kinds shipped with sandboxd.
const (
	KindContainer = "container"
	KindRemote    = "remote"
	KindProcess   = "process"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusStopped, StatusError:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition out of s is allowed.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// ResourceLimits bounds what a sandbox may consume. Zero values mean unlimited.
type ResourceLimits struct {
	CPULimit    float64 `json:"cpu_limit,omitempty" mapstructure:"cpu_limit"`
	MemoryLimit string  `json:"memory_limit,omitempty" mapstructure:"memory_limit"`
	PidsLimit   int     `json:"pids_limit,omitempty" mapstructure:"pids_limit"`
	Network     string  `json:"network,omitempty" mapstructure:"network"`
}

// CreateRequest holds the parameters for provisioning a sandbox.
type CreateRequest struct {
	SessionID string            `json:"session_id"`
	Template  string            `json:"template"`
	Timeout   time.Duration     `json:"timeout"`
	Env       map[string]string `json:"env,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Workdir   string            `json:"workdir,omitempty"`
	Resources ResourceLimits    `json:"resources"`
	// Ports maps container ports to host ports published at creation. A zero
	// host port lets the backend pick one.
	Ports map[int]int `json:"ports,omitempty"`
}

// CreateResult is what the backend reports after provisioning.
type CreateResult struct {
	Handle string `json:"handle"`
	Status Status `json:"status"`
}

// ExecRequest describes one command run inside a sandbox.
type ExecRequest struct {
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`
	// Timeout of zero means no deadline beyond the caller's context.
	Timeout time.Duration `json:"timeout,omitempty"`
	Stdin   []byte        `json:"stdin,omitempty"`
}

// CommandResult represents the outcome of a command that ran to completion.
type CommandResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   []byte        `json:"stdout"`
	Stderr   []byte        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// Text returns stdout decoded as text.
func (r CommandResult) Text() string {
	return string(r.Stdout)
}

// FileInfo describes one directory entry inside a sandbox.
type FileInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	IsDir      bool      `json:"is_dir"`
	ModifiedAt time.Time `json:"modified_at"`
}

// PortRequest asks the backend to make a sandbox port reachable.
type PortRequest struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
}

// Binding is an exposed port.
type Binding struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	HostIP        string `json:"host_ip,omitempty"`
	Protocol      string `json:"protocol"`
}

// Adapter abstracts over where a sandbox actually runs. All methods block
// until the backend operation completes and must stop the backend operation
// when ctx is cancelled.
//
// File-plane operations are scoped to the sandbox's own filesystem. Relative
// paths resolve against the sandbox working directory.
type Adapter interface {
	Kind() string

	// Create fails with errdefs.ErrProvision when the template cannot be
	// resolved or capacity is exhausted.
	Create(ctx context.Context, req CreateRequest) (CreateResult, error)

	// Exec fails with errdefs.ErrTimeout after terminating the process, or
	// with errdefs.ErrExec when the command could not be started.
	Exec(ctx context.Context, handle string, req ExecRequest) (CommandResult, error)

	ReadFile(ctx context.Context, handle, path string) ([]byte, error)
	WriteFile(ctx context.Context, handle, path string, data []byte) error
	ListDir(ctx context.Context, handle, path string) ([]FileInfo, error)
	MakeDir(ctx context.Context, handle, path string, parents bool) error
	Remove(ctx context.Context, handle, path string, recursive bool) error

	// ExposePort fails with errdefs.ErrUnsupported when the backend has no
	// networking concept.
	ExposePort(ctx context.Context, handle string, req PortRequest) (Binding, error)

	// Destroy is idempotent; destroying a missing sandbox is not an error.
	Destroy(ctx context.Context, handle string) error
}

// Process is a command started with StreamingAdapter.Start. Output is read
// incrementally from Stdout and Stderr; Wait returns once the command exits.
type Process interface {
	ID() string
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (CommandResult, error)
	// Cancel forcibly terminates the command inside the sandbox.
	Cancel() error
}

// StreamingAdapter can run long-lived commands whose output is read while
// they run.
type StreamingAdapter interface {
	Adapter
	Start(ctx context.Context, handle string, req ExecRequest) (Process, error)
}

// LivenessChecker reports whether the backend resource behind a handle still exists.
type LivenessChecker interface {
	Alive(ctx context.Context, handle string) (bool, error)
}

// SessionReclaimer destroys backend resources tagged with a session id. It
// reaches sandboxes whose create never reported a handle.
type SessionReclaimer interface {
	ReclaimSession(ctx context.Context, sessionID string) (int, error)
}

// Mover renames paths inside a sandbox.
type Mover interface {
	Move(ctx context.Context, handle, src, dst string) error
}

// BuildRequest describes a template build from a local context directory.
type BuildRequest struct {
	Dir        string
	Dockerfile string
	Tag        string
}

// TemplateBuilder turns a build context into a reusable template reference.
type TemplateBuilder interface {
	BuildTemplate(ctx context.Context, req BuildRequest) (string, error)
	RemoveTemplate(ctx context.Context, ref string) error
}

const (
	CapabilityStreaming = "exec.streaming"
	CapabilityLiveness  = "sandbox.liveness"
	CapabilityMove      = "files.move"
	CapabilityTemplates = "templates.build"
)

// Capabilities reports which optional interfaces the adapter implements.
func Capabilities(a Adapter) map[string]bool {
	caps := map[string]bool{
		CapabilityStreaming: false,
		CapabilityLiveness:  false,
		CapabilityMove:      false,
		CapabilityTemplates: false,
	}
	if a == nil {
		return caps
	}
	if _, ok := a.(StreamingAdapter); ok {
		caps[CapabilityStreaming] = true
	}
	if _, ok := a.(LivenessChecker); ok {
		caps[CapabilityLiveness] = true
	}
	if _, ok := a.(Mover); ok {
		caps[CapabilityMove] = true
	}
	if _, ok := a.(TemplateBuilder); ok {
		caps[CapabilityTemplates] = true
	}
	return caps
}
