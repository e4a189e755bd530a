// Package process implements the sandbox adapter with plain host directories
// and host processes.
//
// It offers no isolation whatsoever and exists for development and tests on
// machines without a container engine. Each sandbox is a directory under the
// adapter root; sandbox paths are mapped into its fs/ subdirectory.
package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

const (
	fsDir          = "fs"
	envFile        = "env.json"
	defaultWorkdir = "/workspace"
)

// Adapter runs sandboxes as host directories.
type Adapter struct {
	logger  *zap.Logger
	root    string
	workdir string

	mu      sync.Mutex
	running map[string]map[string]*sandbox.HostProcess
}

var (
	_ sandbox.StreamingAdapter = (*Adapter)(nil)
	_ sandbox.SessionReclaimer = (*Adapter)(nil)
	_ sandbox.LivenessChecker  = (*Adapter)(nil)
	_ sandbox.Mover            = (*Adapter)(nil)
)

// Option defines a functional option for Adapter
type Option func(*Adapter)

// WithWorkdir sets the sandbox-relative working directory for new sandboxes
func WithWorkdir(dir string) Option {
	return func(a *Adapter) {
		if dir != "" {
			a.workdir = path.Clean("/" + dir)
		}
	}
}

// New creates a process adapter keeping sandbox directories under root.
func New(log *zap.Logger, root string, opts ...Option) (*Adapter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve process adapter root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create process adapter root: %w", err)
	}

	a := &Adapter{
		logger:  log.With(zap.String(logger.KeyAdapter, sandbox.KindProcess)),
		root:    abs,
		workdir: defaultWorkdir,
		running: map[string]map[string]*sandbox.HostProcess{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Kind implements sandbox.Adapter.
func (*Adapter) Kind() string {
	return sandbox.KindProcess
}

// Create makes the sandbox directory. The template is recorded but not used.
func (a *Adapter) Create(_ context.Context, req sandbox.CreateRequest) (sandbox.CreateResult, error) {
	if req.SessionID == "" || strings.ContainsAny(req.SessionID, `/\`) || req.SessionID == "." || req.SessionID == ".." {
		return sandbox.CreateResult{}, fmt.Errorf("%w: invalid session id %q", errdefs.ErrProvision, req.SessionID)
	}

	dir := filepath.Join(a.root, req.SessionID)
	workdir := a.workdir
	if req.Workdir != "" {
		workdir = path.Clean("/" + req.Workdir)
	}

	if err := os.MkdirAll(filepath.Join(dir, fsDir, filepath.FromSlash(workdir)), sandbox.DirPermission); err != nil {
		return sandbox.CreateResult{}, fmt.Errorf("%w: create sandbox directory: %w", errdefs.ErrProvision, err)
	}

	state := sandboxState{Workdir: workdir, Env: req.Env, Template: req.Template}
	data, err := json.Marshal(state)
	if err != nil {
		return sandbox.CreateResult{}, fmt.Errorf("%w: encode sandbox state: %w", errdefs.ErrProvision, err)
	}
	if err := os.WriteFile(filepath.Join(dir, envFile), data, sandbox.FilePermission); err != nil {
		_ = os.RemoveAll(dir)
		return sandbox.CreateResult{}, fmt.Errorf("%w: write sandbox state: %w", errdefs.ErrProvision, err)
	}

	a.logger.Info("sandbox directory created",
		zap.String(logger.KeySessionID, req.SessionID),
		zap.String(logger.KeyHandle, dir))

	return sandbox.CreateResult{Handle: dir, Status: sandbox.StatusRunning}, nil
}

type sandboxState struct {
	Workdir  string            `json:"workdir"`
	Env      map[string]string `json:"env,omitempty"`
	Template string            `json:"template"`
}

// sandboxDir validates a handle and returns the sandbox directory.
func (a *Adapter) sandboxDir(handle string) (string, error) {
	dir := filepath.Clean(handle)
	if filepath.Dir(dir) != a.root {
		return "", fmt.Errorf("%w: handle %q is outside %s", errdefs.ErrExec, handle, a.root)
	}
	return dir, nil
}

func (a *Adapter) loadState(handle string) (string, sandboxState, error) {
	dir, err := a.sandboxDir(handle)
	if err != nil {
		return "", sandboxState{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, envFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", sandboxState{}, errdefs.Gone(fmt.Errorf("sandbox directory %s no longer exists", dir))
	}
	if err != nil {
		return "", sandboxState{}, fmt.Errorf("%w: read sandbox state: %w", errdefs.ErrExec, err)
	}
	var state sandboxState
	if err := json.Unmarshal(data, &state); err != nil {
		return "", sandboxState{}, fmt.Errorf("%w: decode sandbox state: %w", errdefs.ErrExec, err)
	}
	return dir, state, nil
}

// hostPath maps a sandbox path onto the host. The path is cleaned as an
// absolute path first, so ".." cannot climb above the sandbox filesystem.
func (a *Adapter) hostPath(handle, p string) (string, error) {
	dir, state, err := a.loadState(handle)
	if err != nil {
		return "", err
	}
	if !path.IsAbs(p) {
		p = path.Join(state.Workdir, p)
	}
	return filepath.Join(dir, fsDir, filepath.FromSlash(path.Clean(p))), nil
}

// sandboxPath maps a host path back into the sandbox namespace.
func sandboxPath(dir, host string) string {
	rel, err := filepath.Rel(filepath.Join(dir, fsDir), host)
	if err != nil {
		return host
	}
	return "/" + filepath.ToSlash(rel)
}

// Exec runs a command to completion in the sandbox working directory.
func (a *Adapter) Exec(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.CommandResult, error) {
	proc, err := a.start(ctx, handle, req)
	if err != nil {
		return sandbox.CommandResult{}, err
	}

	var stdout, stderr []byte
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdout, _ = io.ReadAll(proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		stderr, _ = io.ReadAll(proc.Stderr())
	}()

	result, err := proc.Wait()
	wg.Wait()
	if err != nil {
		return sandbox.CommandResult{}, err
	}

	result.Stdout = stdout
	result.Stderr = stderr
	return result, nil
}

// Start runs a command in the sandbox and streams its output.
func (a *Adapter) Start(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.Process, error) {
	return a.start(ctx, handle, req)
}

func (a *Adapter) start(ctx context.Context, handle string, req sandbox.ExecRequest) (*sandbox.HostProcess, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("%w: empty command", errdefs.ErrExec)
	}

	dir, state, err := a.loadState(handle)
	if err != nil {
		return nil, err
	}

	workdir := state.Workdir
	if req.Workdir != "" {
		workdir = req.Workdir
		if !path.IsAbs(workdir) {
			workdir = path.Join(state.Workdir, workdir)
		}
	}
	cwd := filepath.Join(dir, fsDir, filepath.FromSlash(path.Clean(workdir)))

	env := os.Environ()
	env = append(env, "PYTHONUNBUFFERED=1", "PYTHONDONTWRITEBYTECODE=1", "HOME="+cwd)
	for _, k := range slices.Sorted(maps.Keys(state.Env)) {
		env = append(env, k+"="+state.Env[k])
	}
	for _, k := range slices.Sorted(maps.Keys(req.Env)) {
		env = append(env, k+"="+req.Env[k])
	}

	execID := uuid.NewString()
	proc, err := sandbox.StartCommand(ctx, req.Command, sandbox.StartOptions{
		ID:      execID,
		Dir:     cwd,
		Env:     env,
		Stdin:   req.Stdin,
		Timeout: req.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", errdefs.ErrExec, req.Command[0], err)
	}

	a.track(dir, execID, proc)
	go func() {
		_, _ = proc.Wait()
		a.untrack(dir, execID)
	}()

	return proc, nil
}

func (a *Adapter) track(dir, id string, proc *sandbox.HostProcess) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[dir] == nil {
		a.running[dir] = map[string]*sandbox.HostProcess{}
	}
	a.running[dir][id] = proc
}

func (a *Adapter) untrack(dir, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.running[dir], id)
	if len(a.running[dir]) == 0 {
		delete(a.running, dir)
	}
}

// ReadFile reads a file from the sandbox filesystem.
func (a *Adapter) ReadFile(_ context.Context, handle, p string) ([]byte, error) {
	host, err := a.hostPath(handle, p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(host)
	if err != nil {
		return nil, classify("read", p, err)
	}
	return data, nil
}

// WriteFile replaces a file through a temp file and rename.
func (a *Adapter) WriteFile(_ context.Context, handle, p string, data []byte) error {
	host, err := a.hostPath(handle, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), sandbox.DirPermission); err != nil {
		return classify("write", p, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(host), ".sandboxd-write-*")
	if err != nil {
		return classify("write", p, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return classify("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return classify("write", p, err)
	}
	if err := os.Chmod(tmpName, sandbox.FilePermission); err != nil {
		os.Remove(tmpName)
		return classify("write", p, err)
	}
	if err := os.Rename(tmpName, host); err != nil {
		os.Remove(tmpName)
		return classify("write", p, err)
	}
	return nil
}

// ListDir lists the direct children of a directory.
func (a *Adapter) ListDir(_ context.Context, handle, p string) ([]sandbox.FileInfo, error) {
	dir, _, err := a.loadState(handle)
	if err != nil {
		return nil, err
	}
	host, err := a.hostPath(handle, p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(host)
	if err != nil {
		return nil, classify("list", p, err)
	}

	out := make([]sandbox.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, sandbox.FileInfo{
			Path:       sandboxPath(dir, filepath.Join(host, entry.Name())),
			Size:       info.Size(),
			IsDir:      entry.IsDir(),
			ModifiedAt: info.ModTime().UTC(),
		})
	}
	return out, nil
}

// MakeDir creates a directory, with parents when requested.
func (a *Adapter) MakeDir(_ context.Context, handle, p string, parents bool) error {
	host, err := a.hostPath(handle, p)
	if err != nil {
		return err
	}
	if parents {
		err = os.MkdirAll(host, sandbox.DirPermission)
	} else {
		err = os.Mkdir(host, sandbox.DirPermission)
	}
	if err != nil {
		return classify("mkdir", p, err)
	}
	return nil
}

// Remove deletes a file or directory. Without recursive only empty
// directories can be removed.
func (a *Adapter) Remove(_ context.Context, handle, p string, recursive bool) error {
	host, err := a.hostPath(handle, p)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(host); err != nil {
		return classify("remove", p, err)
	}
	if recursive {
		err = os.RemoveAll(host)
	} else {
		err = os.Remove(host)
	}
	if err != nil {
		return classify("remove", p, err)
	}
	return nil
}

// Move renames src to dst.
func (a *Adapter) Move(_ context.Context, handle, src, dst string) error {
	hostSrc, err := a.hostPath(handle, src)
	if err != nil {
		return err
	}
	hostDst, err := a.hostPath(handle, dst)
	if err != nil {
		return err
	}
	if err := os.Rename(hostSrc, hostDst); err != nil {
		return classify("move", src, err)
	}
	return nil
}

// ExposePort always fails: host processes bind host ports directly.
func (*Adapter) ExposePort(context.Context, string, sandbox.PortRequest) (sandbox.Binding, error) {
	return sandbox.Binding{}, fmt.Errorf("%w: the process adapter has no port mapping", errdefs.ErrUnsupported)
}

// Alive reports whether the sandbox directory still exists.
func (a *Adapter) Alive(_ context.Context, handle string) (bool, error) {
	dir, err := a.sandboxDir(handle)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(filepath.Join(dir, envFile))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Destroy kills running commands and removes the sandbox directory.
func (a *Adapter) Destroy(_ context.Context, handle string) error {
	dir, err := a.sandboxDir(handle)
	if err != nil {
		return err
	}

	a.mu.Lock()
	procs := slices.Collect(maps.Values(a.running[dir]))
	a.mu.Unlock()
	for _, proc := range procs {
		_ = proc.Cancel()
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove sandbox directory: %w", errdefs.ErrExec, err)
	}
	a.logger.Info("sandbox directory removed", zap.String(logger.KeyHandle, dir))
	return nil
}

// ReclaimSession removes the directory a create for sessionID may have left.
func (a *Adapter) ReclaimSession(ctx context.Context, sessionID string) (int, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return 0, fmt.Errorf("%w: invalid session id %q", errdefs.ErrExec, sessionID)
	}
	dir := filepath.Join(a.root, sessionID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err := a.Destroy(ctx, dir); err != nil {
		return 0, err
	}
	return 1, nil
}

func classify(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s %s: %w", errdefs.ErrNotFound, op, p, err)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s %s: %w", errdefs.ErrPermission, op, p, err)
	default:
		return fmt.Errorf("%w: %s %s: %w", errdefs.ErrExec, op, p, err)
	}
}
