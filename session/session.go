package session

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/registry"
	"github.com/isdmx/sandboxd/sandbox"
)

// Session is a handle to one sandbox. It is safe for concurrent use, but the
// registry record it caches may change underneath it at any time.
type Session struct {
	id      string
	manager *Manager
	adapter sandbox.Adapter
	logger  *zap.Logger

	mu     sync.Mutex
	cached registry.Record
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// AdapterKind returns the kind of the adapter owning the session.
func (s *Session) AdapterKind() string {
	return s.adapter.Kind()
}

// Record returns the last record this handle observed. Use Status for a
// fresh read.
func (s *Session) Record() registry.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cached.Clone()
}

func (s *Session) remember(rec registry.Record) {
	s.mu.Lock()
	s.cached = rec
	s.mu.Unlock()
}

// current re-reads the record and requires it to be running.
func (s *Session) current(ctx context.Context) (registry.Record, error) {
	rec, err := s.manager.store.Get(ctx, s.id)
	if err != nil {
		return registry.Record{}, err
	}
	s.remember(rec)
	if rec.Status != sandbox.StatusRunning {
		return registry.Record{}, fmt.Errorf("%w: session is %s", errdefs.ErrNotFound, rec.Status)
	}
	if rec.AdapterKind != s.adapter.Kind() {
		return registry.Record{}, fmt.Errorf("%w: session was created by %q, handle uses %q",
			errdefs.ErrAdapterMismatch, rec.AdapterKind, s.adapter.Kind())
	}
	return rec, nil
}

// activity runs fn against the backend handle and, if it succeeds, extends
// the idle deadline.
func (s *Session) activity(ctx context.Context, op string, fn func(handle string) error) error {
	rec, err := s.current(ctx)
	if err != nil {
		return errdefs.Annotate(s.id, op, err)
	}

	if err := fn(rec.BackendHandle); err != nil {
		if errdefs.IsSandboxGone(err) {
			s.markError(ctx, err)
		}
		return errdefs.Annotate(s.id, op, err)
	}

	return errdefs.Annotate(s.id, op, s.touch(ctx))
}

func (s *Session) touch(ctx context.Context) error {
	return s.update(context.WithoutCancel(ctx), func(rec *registry.Record) {
		rec.Touch(s.manager.now())
	})
}

// update mutates the running record under the registry lock.
func (s *Session) update(ctx context.Context, fn func(*registry.Record)) error {
	return s.manager.store.WithLock(ctx, func(records registry.Records) error {
		rec, ok := records[s.id]
		if !ok {
			return fmt.Errorf("%w: session was removed", errdefs.ErrNotFound)
		}
		if rec.Status != sandbox.StatusRunning {
			return fmt.Errorf("%w: session is %s", errdefs.ErrNotFound, rec.Status)
		}
		fn(rec)
		s.remember(rec.Clone())
		return nil
	})
}

func (s *Session) markError(ctx context.Context, cause error) {
	err := s.manager.store.WithLock(context.WithoutCancel(ctx), func(records registry.Records) error {
		rec, ok := records[s.id]
		if !ok || rec.Status != sandbox.StatusRunning {
			return nil
		}
		rec.Status = sandbox.StatusError
		rec.LastError = cause.Error()
		s.remember(rec.Clone())
		return nil
	})
	if err != nil {
		s.logger.Error("failed to mark session as errored", zap.Error(err))
		return
	}
	s.logger.Warn("sandbox is gone, session marked as error", zap.Error(cause))
}

// RunOption configures Run and Start.
type RunOption func(*sandbox.ExecRequest)

// WithTimeout bounds the command. The process is killed when it expires.
func WithTimeout(d time.Duration) RunOption {
	return func(r *sandbox.ExecRequest) {
		r.Timeout = d
	}
}

// WithEnv adds environment variables for the command.
func WithEnv(env map[string]string) RunOption {
	return func(r *sandbox.ExecRequest) {
		r.Env = env
	}
}

// WithWorkdir runs the command in dir instead of the sandbox workdir.
func WithWorkdir(dir string) RunOption {
	return func(r *sandbox.ExecRequest) {
		r.Workdir = dir
	}
}

// WithStdin feeds data to the command's standard input.
func WithStdin(data []byte) RunOption {
	return func(r *sandbox.ExecRequest) {
		r.Stdin = data
	}
}

func execRequest(command []string, opts []RunOption) sandbox.ExecRequest {
	req := sandbox.ExecRequest{Command: command}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// Run executes command to completion. A non-zero exit code is not an error.
func (s *Session) Run(ctx context.Context, command []string, opts ...RunOption) (sandbox.CommandResult, error) {
	if len(command) == 0 {
		return sandbox.CommandResult{}, errdefs.Annotate(s.id, "run", fmt.Errorf("%w: empty command", errdefs.ErrExec))
	}
	req := execRequest(command, opts)

	var res sandbox.CommandResult
	err := s.activity(ctx, "run", func(handle string) error {
		var err error
		res, err = s.adapter.Exec(ctx, handle, req)
		return err
	})
	if err != nil {
		return sandbox.CommandResult{}, err
	}
	s.logger.Debug("command finished",
		zap.Strings("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// Start launches command and returns a handle for reading its output while
// it runs. The adapter must support streaming.
func (s *Session) Start(ctx context.Context, command []string, opts ...RunOption) (sandbox.Process, error) {
	streamer, ok := s.adapter.(sandbox.StreamingAdapter)
	if !ok {
		return nil, errdefs.Annotate(s.id, "start", fmt.Errorf("%w: the %s adapter cannot stream", errdefs.ErrUnsupported, s.adapter.Kind()))
	}
	if len(command) == 0 {
		return nil, errdefs.Annotate(s.id, "start", fmt.Errorf("%w: empty command", errdefs.ErrExec))
	}
	req := execRequest(command, opts)

	var proc sandbox.Process
	err := s.activity(ctx, "start", func(handle string) error {
		var err error
		proc, err = streamer.Start(ctx, handle, req)
		return err
	})
	if err != nil {
		if proc != nil {
			_ = proc.Cancel()
		}
		return nil, err
	}
	return proc, nil
}

// ReadFile returns the raw content of a sandbox file.
func (s *Session) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.activity(ctx, "read_file", func(handle string) error {
		var err error
		data, err = s.adapter.ReadFile(ctx, handle, path)
		return err
	})
	return data, err
}

// ReadText returns a sandbox file decoded as text.
func (s *Session) ReadText(ctx context.Context, path string) (string, error) {
	data, err := s.ReadFile(ctx, path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile replaces a sandbox file, creating parent directories.
func (s *Session) WriteFile(ctx context.Context, path string, data []byte) error {
	return s.activity(ctx, "write_file", func(handle string) error {
		return s.adapter.WriteFile(ctx, handle, path, data)
	})
}

// WriteText writes text to a sandbox file.
func (s *Session) WriteText(ctx context.Context, path, text string) error {
	return s.WriteFile(ctx, path, []byte(text))
}

// ListDir lists a sandbox directory.
func (s *Session) ListDir(ctx context.Context, path string) ([]sandbox.FileInfo, error) {
	var entries []sandbox.FileInfo
	err := s.activity(ctx, "list_dir", func(handle string) error {
		var err error
		entries, err = s.adapter.ListDir(ctx, handle, path)
		return err
	})
	return entries, err
}

// Glob returns the sandbox paths matching pattern, sorted. Each path element
// is matched with path.Match semantics, and wildcards do not match a leading
// dot. Relative patterns are resolved against the sandbox workdir and yield
// relative paths.
func (s *Session) Glob(ctx context.Context, pattern string) ([]string, error) {
	pattern = path.Clean(pattern)
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, errdefs.Annotate(s.id, "glob", fmt.Errorf("invalid pattern %q: %w", pattern, err))
	}

	root, rest := ".", pattern
	if strings.HasPrefix(pattern, "/") {
		root, rest = "/", strings.TrimPrefix(pattern, "/")
	}
	segments := strings.Split(rest, "/")

	var matches []string
	err := s.activity(ctx, "glob", func(handle string) error {
		current := []string{root}
		for i, seg := range segments {
			last := i == len(segments)-1
			var next []string
			for _, dir := range current {
				found, err := s.globDir(ctx, handle, dir, seg, last)
				if err != nil {
					return err
				}
				next = append(next, found...)
			}
			if current = next; len(current) == 0 {
				break
			}
		}
		matches = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	return matches, nil
}

// globDir matches one pattern element against the entries of dir. Only
// directories are kept unless the element is the last one.
func (s *Session) globDir(ctx context.Context, handle, dir, seg string, last bool) ([]string, error) {
	entries, err := s.adapter.ListDir(ctx, handle, dir)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := path.Base(e.Path)
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(seg, ".") {
			continue
		}
		if ok, _ := path.Match(seg, name); !ok || (!last && !e.IsDir) {
			continue
		}
		out = append(out, path.Join(dir, name))
	}
	return out, nil
}

// MakeDir creates a sandbox directory.
func (s *Session) MakeDir(ctx context.Context, path string, parents bool) error {
	return s.activity(ctx, "make_dir", func(handle string) error {
		return s.adapter.MakeDir(ctx, handle, path, parents)
	})
}

// Remove deletes a sandbox file or directory.
func (s *Session) Remove(ctx context.Context, path string, recursive bool) error {
	return s.activity(ctx, "remove", func(handle string) error {
		return s.adapter.Remove(ctx, handle, path, recursive)
	})
}

// Move renames a path inside the sandbox.
func (s *Session) Move(ctx context.Context, src, dst string) error {
	mover, ok := s.adapter.(sandbox.Mover)
	if !ok {
		return errdefs.Annotate(s.id, "move", fmt.Errorf("%w: the %s adapter cannot move files", errdefs.ErrUnsupported, s.adapter.Kind()))
	}
	return s.activity(ctx, "move", func(handle string) error {
		return mover.Move(ctx, handle, src, dst)
	})
}

// Upload copies a host file or directory into the sandbox.
func (s *Session) Upload(ctx context.Context, localPath, remotePath string) error {
	t, ok := s.adapter.(sandbox.Transferer)
	if !ok {
		return errdefs.Annotate(s.id, "upload", fmt.Errorf("%w: the %s adapter cannot transfer directories", errdefs.ErrUnsupported, s.adapter.Kind()))
	}
	return s.activity(ctx, "upload", func(handle string) error {
		return t.Put(ctx, handle, localPath, remotePath)
	})
}

// Download copies a sandbox file or directory to the host.
func (s *Session) Download(ctx context.Context, remotePath, localPath string) error {
	t, ok := s.adapter.(sandbox.Transferer)
	if !ok {
		return errdefs.Annotate(s.id, "download", fmt.Errorf("%w: the %s adapter cannot transfer directories", errdefs.ErrUnsupported, s.adapter.Kind()))
	}
	return s.activity(ctx, "download", func(handle string) error {
		return t.Get(ctx, handle, remotePath, localPath)
	})
}

// ExposePort makes a sandbox port reachable from the host.
func (s *Session) ExposePort(ctx context.Context, req sandbox.PortRequest) (sandbox.Binding, error) {
	if req.Protocol == "" {
		req.Protocol = "tcp"
	}
	var b sandbox.Binding
	err := s.activity(ctx, "expose_port", func(handle string) error {
		var err error
		b, err = s.adapter.ExposePort(ctx, handle, req)
		return err
	})
	return b, err
}

// RefreshTimeout sets a new idle timeout measured from now.
func (s *Session) RefreshTimeout(ctx context.Context, seconds int) (registry.Record, error) {
	if seconds <= 0 {
		return registry.Record{}, errdefs.Annotate(s.id, "refresh_timeout", fmt.Errorf("timeout must be positive, got %d seconds", seconds))
	}
	err := s.update(ctx, func(rec *registry.Record) {
		rec.SetTimeout(seconds, s.manager.now())
	})
	if err != nil {
		return registry.Record{}, errdefs.Annotate(s.id, "refresh_timeout", err)
	}
	return s.Record(), nil
}

// Status reads the record from the registry.
func (s *Session) Status(ctx context.Context) (registry.Record, error) {
	rec, err := s.manager.store.Get(ctx, s.id)
	if err != nil {
		return registry.Record{}, errdefs.Annotate(s.id, "status", err)
	}
	s.remember(rec)
	return rec, nil
}

// Shutdown destroys the sandbox and deletes its record. Shutting down a
// session that is already gone is not an error. When the backend refuses to
// destroy the sandbox the record is handed to the watchdog for retries.
func (s *Session) Shutdown(ctx context.Context) error {
	rec, err := s.manager.store.Get(ctx, s.id)
	if errdefs.IsNotFound(err) {
		s.markStopped()
		return nil
	}
	if err != nil {
		return errdefs.Annotate(s.id, "shutdown", err)
	}

	if rec.BackendHandle != "" {
		if err := s.adapter.Destroy(ctx, rec.BackendHandle); err != nil {
			s.logger.Warn("destroy failed, leaving session to the watchdog", zap.Error(err))
			markErr := s.manager.store.WithLock(context.WithoutCancel(ctx), func(records registry.Records) error {
				if r, ok := records[s.id]; ok {
					r.Status = sandbox.StatusError
					r.ReapAttempts++
					r.LastError = err.Error()
				}
				return nil
			})
			if markErr != nil {
				s.logger.Error("failed to record destroy failure", zap.Error(markErr))
			}
			return errdefs.Annotate(s.id, "shutdown", err)
		}
	}

	if err := s.manager.store.Delete(context.WithoutCancel(ctx), s.id); err != nil {
		return errdefs.Annotate(s.id, "shutdown", err)
	}
	s.markStopped()
	s.logger.Info("session shut down")
	return nil
}

func (s *Session) markStopped() {
	s.mu.Lock()
	s.cached.Status = sandbox.StatusStopped
	s.mu.Unlock()
}
