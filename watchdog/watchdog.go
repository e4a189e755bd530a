// Package watchdog reaps sandbox sessions whose idle deadline has passed.
//
// The watchdog shares nothing with session handles except the registry: each
// sweep takes the registry lock once, destroys expired and errored sandboxes
// through their adapter and deletes their records. Checking running sessions
// for a vanished backend happens on a slower cadence and outside that lock. It
// can run inside a server process or as a standalone process next to it.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/registry"
	"github.com/isdmx/sandboxd/sandbox"
)

const (
	DefaultPollInterval      = time.Second
	DefaultMaxDestroyRetries = 5
	DefaultLivenessInterval  = 30 * time.Second
	defaultDestroyTimeout    = 30 * time.Second
)

// AdapterResolver hands out adapters by kind.
type AdapterResolver interface {
	Get(kind string) (sandbox.Adapter, error)
}

// Watchdog periodically reaps expired sessions.
type Watchdog struct {
	store            *registry.Store
	adapters         AdapterResolver
	logger           *zap.Logger
	interval         time.Duration
	maxRetries       int
	destroyTimeout   time.Duration
	livenessInterval time.Duration
	metrics          *metrics.Metrics
	now              func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the watchdog logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watchdog) {
		w.logger = l
	}
}

// WithPollInterval sets the time between sweeps.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMaxDestroyRetries sets how many failed destroy attempts are tolerated
// before a record is deleted anyway.
func WithMaxDestroyRetries(n int) Option {
	return func(w *Watchdog) {
		if n > 0 {
			w.maxRetries = n
		}
	}
}

// WithDestroyTimeout bounds a single destroy call.
func WithDestroyTimeout(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.destroyTimeout = d
		}
	}
}

// WithLivenessInterval sets how often running sessions are checked for a
// vanished backend. Zero disables the check.
func WithLivenessInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d >= 0 {
			w.livenessInterval = d
		}
	}
}

// WithMetrics records sweep outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Watchdog) {
		w.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		w.now = now
	}
}

// New returns a Watchdog over store.
func New(store *registry.Store, adapters AdapterResolver, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:            store,
		adapters:         adapters,
		logger:           zap.NewNop(),
		interval:         DefaultPollInterval,
		maxRetries:       DefaultMaxDestroyRetries,
		destroyTimeout:   defaultDestroyTimeout,
		livenessInterval: DefaultLivenessInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewFromConfig returns a Watchdog configured from cfg.Watchdog.
func NewFromConfig(cfg *config.Config, log *zap.Logger, store *registry.Store, adapters AdapterResolver, opts ...Option) *Watchdog {
	base := []Option{
		WithLogger(log.Named("watchdog")),
		WithPollInterval(cfg.Watchdog.PollInterval),
		WithMaxDestroyRetries(cfg.Watchdog.MaxDestroyRetries),
		WithLivenessInterval(cfg.Watchdog.LivenessInterval),
	}
	return New(store, adapters, append(base, opts...)...)
}

// Report summarises one sweep.
type Report struct {
	Reaped       int `json:"reaped"`
	Failed       int `json:"failed"`
	ForceDeleted int `json:"force_deleted"`
	Vanished     int `json:"vanished"`
}

// Empty reports whether the sweep changed nothing.
func (r Report) Empty() bool {
	return r == Report{}
}

// Run sweeps every poll interval until ctx is done. Sweep errors are logged
// and the loop keeps going.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog started",
		zap.Duration("poll_interval", w.interval),
		zap.Int("max_destroy_retries", w.maxRetries))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
			if errdefs.IsCorruptState(err) {
				w.logger.Error("registry is corrupt, nothing will be reaped until it is repaired", zap.Error(err))
			} else {
				w.logger.Warn("watchdog sweep failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one scan of the registry under a single lock. Records in
// error that still hold a backend handle are destroyed like expired ones.
// When a liveness check is due, running sessions are then checked for a vanished
// backend without holding the lock.
func (w *Watchdog) Sweep(ctx context.Context) (Report, error) {
	var (
		report  Report
		targets []livenessTarget
	)
	check := w.livenessDue()
	err := w.store.WithLock(ctx, func(records registry.Records) error {
		now := w.now()
		for id, rec := range records {
			if ctx.Err() != nil {
				return nil
			}
			log := logger.ForSession(w.logger, id, rec.AdapterKind)

			switch {
			case rec.Status == sandbox.StatusRunning && rec.Expired(now):
				w.reap(ctx, log, records, rec, &report)
			case rec.Status == sandbox.StatusError && (rec.ReapAttempts > 0 || rec.BackendHandle != ""):
				w.reap(ctx, log, records, rec, &report)
			case rec.Status == sandbox.StatusRunning && check:
				targets = append(targets, livenessTarget{
					id:         id,
					kind:       rec.AdapterKind,
					handle:     rec.BackendHandle,
					lastActive: rec.LastActiveAt,
				})
			}
		}
		return nil
	})
	if err == nil && len(targets) > 0 {
		report.Vanished, err = w.dropVanished(ctx, targets)
	}
	w.metrics.Swept(err)
	if err != nil {
		return Report{}, err
	}
	w.metrics.Reaped(metrics.OutcomeReaped, report.Reaped)
	w.metrics.Reaped(metrics.OutcomeFailed, report.Failed)
	w.metrics.Reaped(metrics.OutcomeForceDeleted, report.ForceDeleted)
	w.metrics.Reaped(metrics.OutcomeVanished, report.Vanished)
	if !report.Empty() {
		w.logger.Info("watchdog sweep",
			zap.Int("reaped", report.Reaped),
			zap.Int("failed", report.Failed),
			zap.Int("force_deleted", report.ForceDeleted),
			zap.Int("vanished", report.Vanished))
	}
	return report, nil
}

// livenessTarget is a running record as seen when it was queued for a liveness check.
type livenessTarget struct {
	id         string
	kind       string
	handle     string
	lastActive time.Time
}

func (w *Watchdog) livenessDue() bool {
	if w.livenessInterval <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if !w.lastCheck.IsZero() && now.Sub(w.lastCheck) < w.livenessInterval {
		return false
	}
	w.lastCheck = now
	return true
}

// dropVanished checks targets without the registry lock, then deletes the
// ones whose backend is gone in a second short lock. A record that changed in
// between is kept: activity since the check means the result is stale.
func (w *Watchdog) dropVanished(ctx context.Context, targets []livenessTarget) (int, error) {
	var gone []livenessTarget
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if w.vanished(ctx, logger.ForSession(w.logger, t.id, t.kind), t) {
			gone = append(gone, t)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}

	dropped := 0
	err := w.store.WithLock(ctx, func(records registry.Records) error {
		for _, t := range gone {
			rec, ok := records[t.id]
			if !ok || rec.Status != sandbox.StatusRunning || rec.BackendHandle != t.handle ||
				!rec.LastActiveAt.Equal(t.lastActive) {
				continue
			}
			delete(records, t.id)
			dropped++
			logger.ForSession(w.logger, t.id, t.kind).Info("sandbox no longer exists, record dropped")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return dropped, nil
}

func (w *Watchdog) reap(ctx context.Context, log *zap.Logger, records registry.Records, rec *registry.Record, report *Report) {
	err := w.destroy(ctx, rec)
	if err == nil {
		delete(records, rec.ID)
		report.Reaped++
		log.Info("session reaped",
			zap.Time("timeout_at", rec.TimeoutAt),
			zap.Int("reap_attempts", rec.ReapAttempts))
		return
	}

	rec.Status = sandbox.StatusError
	rec.ReapAttempts++
	rec.LastError = err.Error()

	if rec.ReapAttempts >= w.maxRetries {
		delete(records, rec.ID)
		report.ForceDeleted++
		log.Error("registry inconsistency: giving up on destroying sandbox, record deleted",
			zap.String(logger.KeyHandle, rec.BackendHandle),
			zap.Int("reap_attempts", rec.ReapAttempts),
			zap.Error(err))
		return
	}

	report.Failed++
	log.Warn("failed to destroy expired sandbox, will retry",
		zap.String(logger.KeyHandle, rec.BackendHandle),
		zap.Int("reap_attempts", rec.ReapAttempts),
		zap.Error(err))
}

func (w *Watchdog) destroy(ctx context.Context, rec *registry.Record) error {
	if rec.BackendHandle == "" {
		return nil
	}
	adapter, err := w.adapters.Get(rec.AdapterKind)
	if err != nil {
		return err
	}
	dctx, cancel := context.WithTimeout(ctx, w.destroyTimeout)
	defer cancel()
	return adapter.Destroy(dctx, rec.BackendHandle)
}

// vanished reports whether the adapter can tell the backend resource is gone.
func (w *Watchdog) vanished(ctx context.Context, log *zap.Logger, t livenessTarget) bool {
	adapter, err := w.adapters.Get(t.kind)
	if err != nil {
		return false
	}
	checker, ok := adapter.(sandbox.LivenessChecker)
	if !ok {
		return false
	}
	alive, err := checker.Alive(ctx, t.handle)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Debug("liveness check failed", zap.Error(err))
		}
		return false
	}
	return !alive
}
