// Package container implements the sandbox adapter on top of a local
// container engine CLI (docker or podman).
//
// Every sandbox is a long-lived container running `sleep infinity`; commands
// and file operations go through `<engine> exec`. The backend handle has the
// form "<engine>/<container-id>" so any process can address the container with
// the engine that created it.
package container

import (
	"context"
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

// Supported engines.
const (
	EngineDocker = "docker"
	EnginePodman = "podman"
)

const (
	// LabelSessionID marks containers owned by sandboxd.
	LabelSessionID  = "sandboxd.id"
	labelMetaPrefix = "sandboxd.meta."

	defaultWorkdir = "/workspace"
	cleanupTimeout = 30 * time.Second
)

// Adapter runs sandboxes as containers.
type Adapter struct {
	logger    *zap.Logger
	engine    string
	workdir   string
	resources sandbox.ResourceLimits
	cmdRunner sandbox.CommandRunner
}

var (
	_ sandbox.StreamingAdapter = (*Adapter)(nil)
	_ sandbox.SessionReclaimer = (*Adapter)(nil)
	_ sandbox.LivenessChecker  = (*Adapter)(nil)
	_ sandbox.Mover            = (*Adapter)(nil)
	_ sandbox.TemplateBuilder  = (*Adapter)(nil)
	_ sandbox.Transferer       = (*Adapter)(nil)
)

// Option defines a functional option for Adapter
type Option func(*Adapter)

// WithCommandRunner sets the CommandRunner used to invoke the engine CLI
func WithCommandRunner(cmdRunner sandbox.CommandRunner) Option {
	return func(a *Adapter) {
		a.cmdRunner = cmdRunner
	}
}

// WithWorkdir sets the default working directory inside new containers
func WithWorkdir(dir string) Option {
	return func(a *Adapter) {
		if dir != "" {
			a.workdir = dir
		}
	}
}

// WithResources sets the default resource limits applied at creation
func WithResources(limits sandbox.ResourceLimits) Option {
	return func(a *Adapter) {
		a.resources = limits
	}
}

// New creates a container adapter that provisions with engine.
func New(log *zap.Logger, engine string, opts ...Option) (*Adapter, error) {
	if engine != EngineDocker && engine != EnginePodman {
		return nil, fmt.Errorf("unsupported container engine: %q", engine)
	}

	a := &Adapter{
		logger:    log.With(zap.String(logger.KeyAdapter, sandbox.KindContainer), zap.String("engine", engine)),
		engine:    engine,
		workdir:   defaultWorkdir,
		cmdRunner: sandbox.RealCommandRunner{},
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// DetectEngine returns hint when set, otherwise the first of docker and podman
// found on PATH.
func DetectEngine(hint string) (string, error) {
	switch hint {
	case EngineDocker, EnginePodman:
		return hint, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported container engine: %q", hint)
	}

	for _, engine := range []string{EngineDocker, EnginePodman} {
		if _, err := exec.LookPath(engine); err == nil {
			return engine, nil
		}
	}
	return "", fmt.Errorf("%w: neither docker nor podman found on PATH", errdefs.ErrProvision)
}

// Kind implements sandbox.Adapter.
func (*Adapter) Kind() string {
	return sandbox.KindContainer
}

// Engine returns the engine used for new containers.
func (a *Adapter) Engine() string {
	return a.engine
}

// Create starts a detached container for the session.
func (a *Adapter) Create(ctx context.Context, req sandbox.CreateRequest) (sandbox.CreateResult, error) {
	if _, err := name.ParseReference(req.Template); err != nil {
		return sandbox.CreateResult{}, fmt.Errorf("%w: invalid template reference %q: %w", errdefs.ErrProvision, req.Template, err)
	}

	containerName := "sandboxd-" + req.SessionID
	args := a.runArgs(containerName, req)

	a.logger.Debug("creating container",
		zap.String(logger.KeySessionID, req.SessionID),
		zap.String("template", req.Template))

	out, err := a.cmdRunner.RunCommand(ctx, args, nil)
	if err != nil {
		a.removeQuietly(a.engine, containerName)
		return sandbox.CreateResult{}, fmt.Errorf("%w: %s run: %w", errdefs.ErrProvision, a.engine, err)
	}
	if out.ExitCode != 0 {
		return sandbox.CreateResult{}, fmt.Errorf("%w: %s run exited with %d: %s",
			errdefs.ErrProvision, a.engine, out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	containerID := strings.TrimSpace(string(out.Stdout))
	if containerID == "" {
		return sandbox.CreateResult{}, fmt.Errorf("%w: %s run returned no container id", errdefs.ErrProvision, a.engine)
	}

	handle := a.engine + "/" + containerID
	a.logger.Info("container created",
		zap.String(logger.KeySessionID, req.SessionID),
		zap.String(logger.KeyHandle, handle))

	return sandbox.CreateResult{Handle: handle, Status: sandbox.StatusRunning}, nil
}

func (a *Adapter) runArgs(containerName string, req sandbox.CreateRequest) []string {
	workdir := req.Workdir
	if workdir == "" {
		workdir = a.workdir
	}

	args := []string{
		a.engine, "run", "-d", "--rm",
		"--name", containerName,
		"--label", LabelSessionID + "=" + req.SessionID,
		"--workdir", workdir,
		"-e", "PYTHONUNBUFFERED=1",
		"-e", "PYTHONDONTWRITEBYTECODE=1",
	}

	for _, k := range slices.Sorted(maps.Keys(req.Metadata)) {
		args = append(args, "--label", labelMetaPrefix+k+"="+req.Metadata[k])
	}
	for _, k := range slices.Sorted(maps.Keys(req.Env)) {
		args = append(args, "-e", k+"="+req.Env[k])
	}

	limits := mergeLimits(a.resources, req.Resources)
	if limits.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(limits.CPULimit, 'f', -1, 64))
	}
	if limits.MemoryLimit != "" {
		args = append(args, "--memory", limits.MemoryLimit)
	}
	if limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(limits.PidsLimit))
	}
	if limits.Network != "" {
		args = append(args, "--network", limits.Network)
	}

	for _, containerPort := range slices.Sorted(maps.Keys(req.Ports)) {
		publish := strconv.Itoa(containerPort)
		if hostPort := req.Ports[containerPort]; hostPort > 0 {
			publish = strconv.Itoa(hostPort) + ":" + publish
		}
		args = append(args, "-p", publish)
	}

	return append(args, req.Template, "sleep", "infinity")
}

// mergeLimits overlays per-request limits on the adapter defaults.
func mergeLimits(base, override sandbox.ResourceLimits) sandbox.ResourceLimits {
	out := base
	if override.CPULimit > 0 {
		out.CPULimit = override.CPULimit
	}
	if override.MemoryLimit != "" {
		out.MemoryLimit = override.MemoryLimit
	}
	if override.PidsLimit > 0 {
		out.PidsLimit = override.PidsLimit
	}
	if override.Network != "" {
		out.Network = override.Network
	}
	return out
}

// Destroy force-removes the container. A missing container is not an error.
func (a *Adapter) Destroy(ctx context.Context, handle string) error {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return err
	}

	out, err := a.cmdRunner.RunCommand(ctx, []string{engine, "rm", "-f", id}, nil)
	if err != nil {
		return fmt.Errorf("%w: %s rm: %w", errdefs.ErrExec, engine, err)
	}
	if out.ExitCode != 0 {
		if isMissingContainer(out.Stderr) {
			return nil
		}
		return fmt.Errorf("%w: %s rm exited with %d: %s", errdefs.ErrExec, engine, out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	a.logger.Info("container removed", zap.String(logger.KeyHandle, handle))
	return nil
}

// Alive reports whether the container exists and is running.
func (a *Adapter) Alive(ctx context.Context, handle string) (bool, error) {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return false, err
	}

	out, err := a.cmdRunner.RunCommand(ctx, []string{engine, "inspect", "--format", "{{.State.Running}}", id}, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %s inspect: %w", errdefs.ErrExec, engine, err)
	}
	if out.ExitCode != 0 {
		if isMissingContainer(out.Stderr) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s inspect exited with %d: %s", errdefs.ErrExec, engine, out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	return strings.TrimSpace(string(out.Stdout)) == "true", nil
}

// ReclaimSession force-removes every container labeled with sessionID and
// returns how many were removed.
func (a *Adapter) ReclaimSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" {
		return 0, fmt.Errorf("%w: empty session id", errdefs.ErrExec)
	}
	out, err := a.cmdRunner.RunCommand(ctx, []string{a.engine, "ps", "-aq", "--filter", "label=" + LabelSessionID + "=" + sessionID}, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %s ps: %w", errdefs.ErrExec, a.engine, err)
	}
	if out.ExitCode != 0 {
		return 0, fmt.Errorf("%w: %s ps exited with %d: %s", errdefs.ErrExec, a.engine, out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	removed := 0
	for _, id := range strings.Fields(string(out.Stdout)) {
		if err := a.Destroy(ctx, a.engine+"/"+id); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ExposePort reports the host binding of a port published at creation.
// Containers cannot publish new ports once started.
func (a *Adapter) ExposePort(ctx context.Context, handle string, req sandbox.PortRequest) (sandbox.Binding, error) {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return sandbox.Binding{}, err
	}

	protocol := req.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	spec := fmt.Sprintf("%d/%s", req.ContainerPort, protocol)

	out, err := a.cmdRunner.RunCommand(ctx, []string{engine, "port", id, spec}, nil)
	if err != nil {
		return sandbox.Binding{}, fmt.Errorf("%w: %s port: %w", errdefs.ErrExec, engine, err)
	}
	if out.ExitCode != 0 {
		if isMissingContainer(out.Stderr) {
			return sandbox.Binding{}, errdefs.Gone(fmt.Errorf("%s port: %s", engine, strings.TrimSpace(string(out.Stderr))))
		}
		return sandbox.Binding{}, fmt.Errorf("%w: port %s was not published when the container was created", errdefs.ErrUnsupported, spec)
	}

	binding, err := parsePortBinding(string(out.Stdout))
	if err != nil {
		return sandbox.Binding{}, fmt.Errorf("%w: port %s: %w", errdefs.ErrUnsupported, spec, err)
	}
	if req.HostPort != 0 && req.HostPort != binding.HostPort {
		return sandbox.Binding{}, fmt.Errorf("%w: port %s is published on host port %d, not %d",
			errdefs.ErrUnsupported, spec, binding.HostPort, req.HostPort)
	}

	binding.ContainerPort = req.ContainerPort
	binding.Protocol = protocol
	return binding, nil
}

// parsePortBinding reads the first "ip:port" line of `<engine> port` output.
func parsePortBinding(output string) (sandbox.Binding, error) {
	for line := range strings.Lines(output) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		idx := strings.LastIndex(line, ":")
		if idx < 0 {
			return sandbox.Binding{}, fmt.Errorf("unexpected port output %q", line)
		}
		hostPort, err := strconv.Atoi(line[idx+1:])
		if err != nil {
			return sandbox.Binding{}, fmt.Errorf("unexpected port output %q: %w", line, err)
		}
		return sandbox.Binding{
			HostIP:   strings.Trim(line[:idx], "[]"),
			HostPort: hostPort,
		}, nil
	}
	return sandbox.Binding{}, fmt.Errorf("no binding reported")
}

// parseHandle splits "<engine>/<id>". Bare ids use the adapter's engine.
func (a *Adapter) parseHandle(handle string) (engine, id string, err error) {
	engine, id, found := strings.Cut(handle, "/")
	if !found {
		engine, id = a.engine, handle
	}
	if engine != EngineDocker && engine != EnginePodman {
		return "", "", fmt.Errorf("%w: handle %q names unknown engine %q", errdefs.ErrExec, handle, engine)
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: empty container id in handle %q", errdefs.ErrExec, handle)
	}
	return engine, id, nil
}

// removeQuietly cleans up a container left behind by an interrupted create.
func (a *Adapter) removeQuietly(engine, container string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := a.cmdRunner.RunCommand(ctx, []string{engine, "rm", "-f", container}, nil); err != nil {
		a.logger.Warn("failed to remove container after interrupted create",
			zap.String("container", container), zap.Error(err))
	}
}
