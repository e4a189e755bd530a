package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

func TestNewPoolRejectsNonPositiveSize(t *testing.T) {
	f := newFixture(t)
	for _, size := range []int{0, -1} {
		_, err := NewPool(f.manager, size)
		assert.Error(t, err)
	}
}

func TestPoolPrewarm(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pool, err := NewPool(f.manager, 3, WithPoolCreateOptions(CreateOptions{Metadata: map[string]string{"pool": "warm"}}))
	require.NoError(t, err)

	require.NoError(t, pool.Prewarm(ctx))
	assert.Equal(t, 3, pool.Idle())
	assert.Len(t, f.adapter.creates, 3)
	for _, req := range f.adapter.creates {
		assert.Equal(t, "warm", req.Metadata["pool"])
	}

	// A second prewarm creates nothing.
	require.NoError(t, pool.Prewarm(ctx))
	assert.Len(t, f.adapter.creates, 3)

	records, err := f.manager.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestPoolAcquireRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pool, err := NewPool(f.manager, 2)
	require.NoError(t, err)

	t.Run("FirstAcquirePrewarms", func(t *testing.T) {
		s, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.Len(t, f.adapter.creates, 2)
		assert.Equal(t, 1, pool.Idle())

		res, err := s.Run(ctx, []string{"echo", "pooled"})
		require.NoError(t, err)
		assert.Equal(t, "pooled\n", string(res.Stdout))

		pool.Release(ctx, s)
		assert.Equal(t, 2, pool.Idle())

		again, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.Equal(t, s.ID(), again.ID(), "the most recently released session is handed out first")
		pool.Release(ctx, again)
	})

	t.Run("EmptyPoolCreatesOnDemand", func(t *testing.T) {
		a, err := pool.Acquire(ctx)
		require.NoError(t, err)
		b, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.Zero(t, pool.Idle())

		c, err := pool.Acquire(ctx)
		require.NoError(t, err)
		assert.Len(t, f.adapter.creates, 3)

		for _, s := range []*Session{a, b, c} {
			pool.Release(ctx, s)
		}
		assert.Equal(t, 2, pool.Idle(), "releases beyond the pool size are not queued")
	})

	t.Run("ReleaseIgnoresForeignSessions", func(t *testing.T) {
		foreign, err := f.manager.Create(ctx, CreateOptions{})
		require.NoError(t, err)
		pool.Release(ctx, foreign)
		assert.Equal(t, 2, pool.Idle())
	})
}

func TestPoolDropsStaleSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pool, err := NewPool(f.manager, 2)
	require.NoError(t, err)
	require.NoError(t, pool.Prewarm(ctx))

	first, err := pool.Acquire(ctx)
	require.NoError(t, err)
	pool.Release(ctx, first)

	// The watchdog reaps the idle session before anyone asks for it.
	require.NoError(t, f.manager.Discard(ctx, first.ID()))

	s, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), s.ID())

	rec, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, sandbox.StatusRunning, rec.Status)
}

func TestPoolAcquireRefreshesDeadline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pool, err := NewPool(f.manager, 1)
	require.NoError(t, err)
	require.NoError(t, pool.Prewarm(ctx))

	f.clock.Advance(4 * time.Minute)
	s, err := pool.Acquire(ctx)
	require.NoError(t, err)

	rec, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().Add(300*time.Second), rec.TimeoutAt)
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	pool, err := NewPool(f.manager, 2)
	require.NoError(t, err)
	require.NoError(t, pool.Prewarm(ctx))

	held, err := pool.Acquire(ctx)
	require.NoError(t, err)
	extra, err := pool.Acquire(ctx)
	require.NoError(t, err)
	onDemand, err := pool.Acquire(ctx)
	require.NoError(t, err)

	// A holder may shut its session down early.
	require.NoError(t, extra.Shutdown(ctx))

	require.NoError(t, pool.Close(ctx))
	assert.Len(t, f.adapter.destroyed, 3)

	for _, s := range []*Session{held, onDemand} {
		_, err := s.Status(ctx)
		assert.True(t, errdefs.IsNotFound(err))
	}

	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.ErrorIs(t, pool.Prewarm(ctx), ErrPoolClosed)
	require.NoError(t, pool.Close(ctx))
}

func TestPoolPrewarmFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.adapter.createErr = errors.New("engine unavailable")
	pool, err := NewPool(f.manager, 2)
	require.NoError(t, err)

	require.Error(t, pool.Prewarm(ctx))
	assert.Zero(t, pool.Idle())

	_, err = pool.Acquire(ctx)
	require.Error(t, err)

	f.adapter.createErr = nil
	s, err := pool.Acquire(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, 1, pool.Idle())
}
