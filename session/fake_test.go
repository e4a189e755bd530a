package session

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

// fakeAdapter keeps sandboxes in memory.
type fakeAdapter struct {
	mu sync.Mutex

	kind       string
	sandboxes  map[string]map[string][]byte
	dead       map[string]bool
	createErr  error
	execErr    error
	destroyErr error

	creates   []sandbox.CreateRequest
	destroyed []string
	built     []sandbox.BuildRequest
	unbuilt   []string
	next      int

	// orphans holds sandboxes created for a session id without a recorded handle.
	orphans    map[string]bool
	reclaimErr error
	reclaimed  []string
}

var (
	_ sandbox.Adapter          = (*fakeAdapter)(nil)
	_ sandbox.SessionReclaimer = (*fakeAdapter)(nil)
	_ sandbox.LivenessChecker  = (*fakeAdapter)(nil)
	_ sandbox.Mover            = (*fakeAdapter)(nil)
	_ sandbox.TemplateBuilder  = (*fakeAdapter)(nil)
)

func newFakeAdapter(kind string) *fakeAdapter {
	return &fakeAdapter{
		kind:      kind,
		sandboxes: map[string]map[string][]byte{},
		dead:      map[string]bool{},
		orphans:   map[string]bool{},
	}
}

func (f *fakeAdapter) ReclaimSession(_ context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reclaimErr != nil {
		return 0, f.reclaimErr
	}
	f.reclaimed = append(f.reclaimed, sessionID)
	if !f.orphans[sessionID] {
		return 0, nil
	}
	delete(f.orphans, sessionID)
	return 1, nil
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Create(_ context.Context, req sandbox.CreateRequest) (sandbox.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, req)
	if f.createErr != nil {
		return sandbox.CreateResult{}, f.createErr
	}
	f.next++
	handle := fmt.Sprintf("fake/%d", f.next)
	f.sandboxes[handle] = map[string][]byte{}
	return sandbox.CreateResult{Handle: handle, Status: sandbox.StatusRunning}, nil
}

func (f *fakeAdapter) files(handle string) (map[string][]byte, error) {
	files, ok := f.sandboxes[handle]
	if !ok {
		return nil, errdefs.Gone(fmt.Errorf("sandbox %s", handle))
	}
	return files, nil
}

func (f *fakeAdapter) Exec(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return sandbox.CommandResult{}, f.execErr
	}
	if _, err := f.files(handle); err != nil {
		return sandbox.CommandResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return sandbox.CommandResult{}, err
	}
	if req.Command[0] == "echo" {
		return sandbox.CommandResult{Stdout: []byte(strings.Join(req.Command[1:], " ") + "\n")}, nil
	}
	if req.Command[0] == "false" {
		return sandbox.CommandResult{ExitCode: 1}, nil
	}
	return sandbox.CommandResult{}, nil
}

func (f *fakeAdapter) ReadFile(_ context.Context, handle, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := f.files(handle)
	if err != nil {
		return nil, err
	}
	data, ok := files[path.Clean(p)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errdefs.ErrNotFound, p)
	}
	return data, nil
}

func (f *fakeAdapter) WriteFile(_ context.Context, handle, p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := f.files(handle)
	if err != nil {
		return err
	}
	files[path.Clean(p)] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAdapter) ListDir(_ context.Context, handle, dir string) ([]sandbox.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := f.files(handle)
	if err != nil {
		return nil, err
	}
	out := []sandbox.FileInfo{}
	for p, data := range files {
		if path.Dir(p) == path.Clean(dir) {
			out = append(out, sandbox.FileInfo{Path: p, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (f *fakeAdapter) MakeDir(_ context.Context, handle, _ string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.files(handle)
	return err
}

func (f *fakeAdapter) Remove(_ context.Context, handle, p string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := f.files(handle)
	if err != nil {
		return err
	}
	p = path.Clean(p)
	if _, ok := files[p]; !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, p)
	}
	delete(files, p)
	return nil
}

func (f *fakeAdapter) Move(_ context.Context, handle, src, dst string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	files, err := f.files(handle)
	if err != nil {
		return err
	}
	data, ok := files[path.Clean(src)]
	if !ok {
		return fmt.Errorf("%w: %s", errdefs.ErrNotFound, src)
	}
	delete(files, path.Clean(src))
	files[path.Clean(dst)] = data
	return nil
}

func (f *fakeAdapter) ExposePort(_ context.Context, handle string, req sandbox.PortRequest) (sandbox.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.files(handle); err != nil {
		return sandbox.Binding{}, err
	}
	return sandbox.Binding{ContainerPort: req.ContainerPort, HostPort: 40000 + req.ContainerPort, Protocol: req.Protocol}, nil
}

func (f *fakeAdapter) Destroy(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyed = append(f.destroyed, handle)
	delete(f.sandboxes, handle)
	return nil
}

func (f *fakeAdapter) Alive(_ context.Context, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sandboxes[handle]
	return ok && !f.dead[handle], nil
}

func (f *fakeAdapter) BuildTemplate(_ context.Context, req sandbox.BuildRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, req)
	return req.Tag, nil
}

func (f *fakeAdapter) RemoveTemplate(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unbuilt = append(f.unbuilt, ref)
	return nil
}

func (f *fakeAdapter) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sandboxes)
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
