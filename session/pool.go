package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/sandbox"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("pool is closed")

// Pool keeps a number of pre-created sessions ready to hand out. Sessions
// created by a pool, pooled or not, are shut down by Close.
type Pool struct {
	manager *Manager
	size    int
	opts    CreateOptions
	logger  *zap.Logger

	warmMu sync.Mutex
	mu     sync.Mutex
	idle   []*Session
	owned  map[string]*Session
	warmed bool
	closed bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithPoolCreateOptions sets the options every pooled session is created with.
func WithPoolCreateOptions(opts CreateOptions) PoolOption {
	return func(p *Pool) {
		p.opts = opts
	}
}

// NewPool returns a pool of size sessions. Nothing is created until Prewarm
// or the first Acquire.
func NewPool(m *Manager, size int, opts ...PoolOption) (*Pool, error) {
	if size <= 0 {
		return nil, errors.New("pool size must be positive")
	}
	p := &Pool{
		manager: m,
		size:    size,
		logger:  m.logger,
		owned:   map[string]*Session{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pool")
	return p, nil
}

// Size is the number of sessions Prewarm creates.
func (p *Pool) Size() int {
	return p.size
}

// Idle returns how many sessions are waiting to be acquired.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Prewarm creates the pooled sessions concurrently. Calling it again after a
// successful run is a no-op. Sessions that were created before a failure stay
// pooled.
func (p *Pool) Prewarm(ctx context.Context) error {
	p.warmMu.Lock()
	defer p.warmMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.warmed {
		p.mu.Unlock()
		return nil
	}
	missing := p.size - len(p.idle)
	p.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range missing {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.manager.Create(ctx, p.opts)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			p.adopt(ctx, s, true)
		}()
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		p.logger.Warn("pool prewarm incomplete", zap.Int("idle", p.Idle()), zap.Error(err))
		return err
	}

	p.mu.Lock()
	p.warmed = true
	p.mu.Unlock()
	p.logger.Info("pool prewarmed", zap.Int("size", p.size))
	return nil
}

// adopt records s as owned by the pool and optionally queues it as idle. A
// session created after Close is shut down at once.
func (p *Pool) adopt(ctx context.Context, s *Session, idle bool) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to shut down session created after close",
				zap.String(logger.KeySessionID, s.ID()), zap.Error(err))
		}
		return false
	}
	p.owned[s.ID()] = s
	if idle {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()
	return true
}

// Acquire hands out the most recently pooled session, or creates a new one
// when the pool is empty. The first Acquire prewarms the pool. Pooled
// sessions that expired or vanished while idle are dropped. The returned
// session gets a fresh idle deadline.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	closed, warmed := p.closed, p.warmed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	if !warmed {
		if err := p.Prewarm(ctx); err != nil && p.Idle() == 0 {
			return nil, err
		}
	}

	for {
		s := p.pop()
		if s == nil {
			break
		}
		rec, err := s.Status(ctx)
		if err == nil && rec.Status == sandbox.StatusRunning {
			if _, err = s.RefreshTimeout(ctx, rec.TimeoutSeconds); err == nil {
				return s, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.forget(s)
		p.logger.Debug("dropping stale pooled session",
			zap.String(logger.KeySessionID, s.ID()), zap.Error(err))
		if err := s.Shutdown(ctx); err != nil {
			p.logger.Warn("failed to shut down stale pooled session",
				zap.String(logger.KeySessionID, s.ID()), zap.Error(err))
		}
	}

	s, err := p.manager.Create(ctx, p.opts)
	if err != nil {
		return nil, err
	}
	if !p.adopt(ctx, s, false) {
		return nil, ErrPoolClosed
	}
	return s, nil
}

// Release returns s to the pool. Sessions the pool did not create, that are
// no longer running, or that would overfill the pool are left alone.
func (p *Pool) Release(ctx context.Context, s *Session) {
	p.mu.Lock()
	_, ok := p.owned[s.ID()]
	if !ok || p.closed || len(p.idle) >= p.size || slices.Contains(p.idle, s) {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	rec, err := s.Status(ctx)
	if err != nil || rec.Status != sandbox.StatusRunning {
		p.forget(s)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed && len(p.idle) < p.size {
		p.idle = append(p.idle, s)
	}
}

// Close shuts down every session the pool created. Sessions already shut
// down by their holder are skipped.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	owned := make([]*Session, 0, len(p.owned))
	for _, s := range p.owned {
		owned = append(owned, s)
	}
	p.owned = map[string]*Session{}
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range owned {
		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("pool closed", zap.Int("sessions", len(owned)), zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

func (p *Pool) pop() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	s := p.idle[n-1]
	p.idle = p.idle[:n-1]
	return s
}

func (p *Pool) forget(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.owned, s.ID())
}
