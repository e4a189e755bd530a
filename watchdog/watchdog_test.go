package watchdog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/isdmx/sandboxd/backends"
	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/registry"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/sandbox/process"
	"github.com/isdmx/sandboxd/session"
)

// stubAdapter records destroy calls. Only Destroy and Alive matter here.
type stubAdapter struct {
	sandbox.Adapter

	mu         sync.Mutex
	destroyErr error
	destroyed  []string
	gone       map[string]bool
	checks     int
	onAlive    func()
}

func (s *stubAdapter) Kind() string { return sandbox.KindContainer }

func (s *stubAdapter) Destroy(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyErr != nil {
		return s.destroyErr
	}
	s.destroyed = append(s.destroyed, handle)
	return nil
}

func (s *stubAdapter) Alive(_ context.Context, handle string) (bool, error) {
	if s.onAlive != nil {
		s.onAlive()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return !s.gone[handle], nil
}

func (s *stubAdapter) setGone(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone == nil {
		s.gone = map[string]bool{}
	}
	s.gone[handle] = true
}

func (s *stubAdapter) checkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}

func (s *stubAdapter) destroyedHandles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.destroyed...)
}

// mockAdapter expects exact Destroy calls.
type mockAdapter struct {
	sandbox.Adapter
	mock.Mock
}

func (m *mockAdapter) Kind() string { return sandbox.KindContainer }

func (m *mockAdapter) Destroy(ctx context.Context, handle string) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

var base = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func record(id string, status sandbox.Status, lastActive time.Time, timeout int) registry.Record {
	rec := registry.Record{
		ID:             id,
		Template:       "python:3.11-slim",
		AdapterKind:    sandbox.KindContainer,
		Status:         status,
		CreatedAt:      lastActive,
		TimeoutSeconds: timeout,
		BackendHandle:  "docker/" + id,
	}
	rec.Touch(lastActive)
	return rec
}

func newTestStore(t *testing.T, recs ...registry.Record) *registry.Store {
	t.Helper()
	store := registry.New(filepath.Join(t.TempDir(), "registry.json"))
	for _, rec := range recs {
		require.NoError(t, store.Upsert(context.Background(), rec))
	}
	return store
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := base.Add(10 * time.Minute)

	store := newTestStore(t,
		record("expired", sandbox.StatusRunning, base, 60),
		record("fresh", sandbox.StatusRunning, now, 60),
		record("pending", sandbox.StatusPending, base, 1),
		record("stopped", sandbox.StatusStopped, base, 1),
		record("errored", sandbox.StatusError, base, 1),
	)
	closed := record("closed", sandbox.StatusError, base, 1)
	closed.BackendHandle = ""
	require.NoError(t, store.Upsert(ctx, closed))
	adapter := &stubAdapter{}
	w := New(store, backends.Static(adapter),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time { return now }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Reaped: 2}, report)
	assert.ElementsMatch(t, []string{"docker/expired", "docker/errored"}, adapter.destroyedHandles())

	records, err := store.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, records, "expired")
	assert.NotContains(t, records, "errored")
	for _, id := range []string{"fresh", "pending", "stopped", "closed"} {
		assert.Contains(t, records, id)
	}
}

func TestSweepDestroysErroredSandboxOnFirstPass(t *testing.T) {
	ctx := context.Background()
	rec := record("broken", sandbox.StatusError, base, 3600)
	rec.LastError = "sandbox no longer exists"
	store := newTestStore(t, rec)

	adapter := &stubAdapter{}
	w := New(store, backends.Static(adapter), WithClock(func() time.Time { return base }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Reaped: 1}, report)
	assert.Equal(t, []string{"docker/broken"}, adapter.destroyedHandles())

	_, err = store.Get(ctx, "broken")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSweepDeadlineIsInclusive(t *testing.T) {
	rec := record("edge", sandbox.StatusRunning, base, 60)
	store := newTestStore(t, rec)
	adapter := &stubAdapter{}
	w := New(store, backends.Static(adapter), WithClock(func() time.Time { return rec.TimeoutAt }))

	report, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reaped)
}

func TestSweepRetriesThenForceDeletes(t *testing.T) {
	ctx := context.Background()
	now := base.Add(time.Hour)
	store := newTestStore(t, record("stuck", sandbox.StatusRunning, base, 1))

	core, logs := observer.New(zapcore.InfoLevel)
	adapter := &stubAdapter{destroyErr: errors.Join(errdefs.ErrExec, errors.New("engine busy"))}
	w := New(store, backends.Static(adapter),
		WithLogger(zap.New(core)),
		WithMaxDestroyRetries(3),
		WithClock(func() time.Time { return now }))

	for attempt := 1; attempt < 3; attempt++ {
		report, err := w.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, Report{Failed: 1}, report)

		rec, err := store.Get(ctx, "stuck")
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusError, rec.Status)
		assert.Equal(t, attempt, rec.ReapAttempts)
		assert.Contains(t, rec.LastError, "engine busy")
	}

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{ForceDeleted: 1}, report)

	_, err = store.Get(ctx, "stuck")
	assert.True(t, errdefs.IsNotFound(err))

	entries := logs.FilterMessageSnippet("registry inconsistency").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
}

func TestSweepRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	now := base.Add(time.Hour)
	store := newTestStore(t, record("flaky", sandbox.StatusRunning, base, 1))

	adapter := &stubAdapter{destroyErr: errors.New("transient")}
	w := New(store, backends.Static(adapter), WithClock(func() time.Time { return now }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	adapter.mu.Lock()
	adapter.destroyErr = nil
	adapter.mu.Unlock()

	report, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Reaped: 1}, report)

	_, err = store.Get(ctx, "flaky")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestSweepDestroysOnlyExpired(t *testing.T) {
	ctx := context.Background()
	now := base.Add(10 * time.Minute)
	store := newTestStore(t,
		record("idle", sandbox.StatusRunning, base, 60),
		record("busy", sandbox.StatusRunning, now, 60),
		record("starting", sandbox.StatusPending, base, 60),
	)

	adapter := &mockAdapter{}
	adapter.On("Destroy", mock.Anything, "docker/idle").Return(nil).Once()
	w := New(store, backends.Static(adapter), WithClock(func() time.Time { return now }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Reaped: 1}, report)
	adapter.AssertExpectations(t)
	adapter.AssertNotCalled(t, "Destroy", mock.Anything, "docker/busy")

	records, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Contains(t, records, "busy")
	assert.Contains(t, records, "starting")
}

func TestSweepDropsVanishedSandboxes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, record("ghost", sandbox.StatusRunning, base, 3600))
	adapter := &stubAdapter{gone: map[string]bool{"docker/ghost": true}}
	w := New(store, backends.Static(adapter), WithClock(func() time.Time { return base }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Vanished: 1}, report)
	assert.Empty(t, adapter.destroyedHandles())
}

func TestSweepChecksLivenessOnItsOwnCadence(t *testing.T) {
	ctx := context.Background()
	now := base
	store := newTestStore(t, record("ghost", sandbox.StatusRunning, base, 3600))
	adapter := &stubAdapter{}
	w := New(store, backends.Static(adapter),
		WithLivenessInterval(30*time.Second),
		WithClock(func() time.Time { return now }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, report.Empty())
	assert.Equal(t, 1, adapter.checkCount())

	adapter.setGone("docker/ghost")
	now = base.Add(time.Second)
	report, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, report.Empty())
	assert.Equal(t, 1, adapter.checkCount())

	now = base.Add(31 * time.Second)
	report, err = w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Vanished: 1}, report)
	assert.Equal(t, 2, adapter.checkCount())
}

func TestSweepWithLivenessChecksDisabled(t *testing.T) {
	store := newTestStore(t, record("ghost", sandbox.StatusRunning, base, 3600))
	adapter := &stubAdapter{gone: map[string]bool{"docker/ghost": true}}
	w := New(store, backends.Static(adapter), WithLivenessInterval(0), WithClock(func() time.Time { return base }))

	report, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Empty())
	assert.Zero(t, adapter.checkCount())
}

func TestLivenessCheckRunsOutsideRegistryLock(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, record("ghost", sandbox.StatusRunning, base, 3600))
	adapter := &stubAdapter{gone: map[string]bool{"docker/ghost": true}}

	// Activity from another caller lands while the liveness check is in flight. It
	// must not wait for the sweep, and the stale result must not drop it.
	var touchErr error
	adapter.onAlive = func() {
		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		touchErr = store.WithLock(lctx, func(records registry.Records) error {
			records["ghost"].Touch(base.Add(time.Minute))
			return nil
		})
	}
	w := New(store, backends.Static(adapter), WithClock(func() time.Time { return base.Add(time.Minute) }))

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	require.NoError(t, touchErr)
	assert.True(t, report.Empty())

	_, err = store.Get(ctx, "ghost")
	assert.NoError(t, err)
}

func TestSweepCorruptRegistry(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(store.Path()), 0o700))
	require.NoError(t, os.WriteFile(store.Path(), []byte("garbage"), 0o600))

	w := New(store, backends.Static(&stubAdapter{}))
	_, err := w.Sweep(context.Background())
	assert.True(t, errdefs.IsCorruptState(err))

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, "garbage", string(data))
}

func TestSweepRecordsMetrics(t *testing.T) {
	now := base.Add(time.Hour)
	store := newTestStore(t,
		record("expired", sandbox.StatusRunning, base, 1),
		record("ghost", sandbox.StatusRunning, now, 3600),
	)
	m := metrics.New()
	adapter := &stubAdapter{gone: map[string]bool{"docker/ghost": true}}
	w := New(store, backends.Static(adapter), WithMetrics(m), WithClock(func() time.Time { return now }))

	_, err := w.Sweep(context.Background())
	require.NoError(t, err)

	expected := `
# HELP sandboxd_watchdog_reaps_total Watchdog actions on expired or vanished sessions.
# TYPE sandboxd_watchdog_reaps_total counter
sandboxd_watchdog_reaps_total{outcome="reaped"} 1
sandboxd_watchdog_reaps_total{outcome="vanished"} 1
# HELP sandboxd_watchdog_sweeps_total Completed watchdog sweeps.
# TYPE sandboxd_watchdog_sweeps_total counter
sandboxd_watchdog_sweeps_total 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected),
		"sandboxd_watchdog_reaps_total", "sandboxd_watchdog_sweeps_total"))
}

func TestRunStopsWithContext(t *testing.T) {
	store := newTestStore(t)
	w := New(store, backends.Static(&stubAdapter{}), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not stop")
	}
}

// A session idle past its deadline is reaped by a watchdog that shares only
// the registry file with the session manager.
func TestReapsIdleSessionEndToEnd(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()

	adapter, err := process.New(zaptest.NewLogger(t), filepath.Join(stateDir, "process"))
	require.NoError(t, err)
	resolver := backends.Static(adapter)

	managerStore := registry.New(filepath.Join(stateDir, "registry.json"))
	m := session.NewManager(managerStore, resolver, session.WithLogger(zaptest.NewLogger(t)))

	s, err := m.Create(ctx, session.CreateOptions{Template: "base", TimeoutSeconds: 1})
	require.NoError(t, err)
	handle := s.Record().BackendHandle

	watchdogStore := registry.New(filepath.Join(stateDir, "registry.json"))
	w := New(watchdogStore, resolver,
		WithLogger(zaptest.NewLogger(t)),
		WithPollInterval(100*time.Millisecond))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		_, err := managerStore.Get(ctx, s.ID())
		return errdefs.IsNotFound(err)
	}, 5*time.Second, 50*time.Millisecond)

	alive, err := adapter.Alive(ctx, handle)
	require.NoError(t, err)
	assert.False(t, alive)

	_, err = m.Connect(ctx, s.ID())
	assert.True(t, errdefs.IsNotFound(err))
	assert.NoError(t, s.Shutdown(ctx))
}
