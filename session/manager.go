// Package session implements sandbox sessions on top of an adapter and the
// registry store.
//
// A Manager creates and looks up sessions. A Session is a cache of one
// registry record: every operation re-reads the record before calling the
// adapter, and activity-bearing operations extend the idle deadline under the
// registry lock once the adapter call has succeeded. Nothing is shared in
// memory between processes; another process may reap or shut down a session
// at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/registry"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/template"
)

// DefaultPendingGrace bounds how long Prune leaves a pending record alone.
const DefaultPendingGrace = 10 * time.Minute

// AdapterResolver hands out adapters by kind.
type AdapterResolver interface {
	DefaultKind() string
	Get(kind string) (sandbox.Adapter, error)
}

// Defaults are applied to CreateOptions fields left empty.
type Defaults struct {
	Template       string
	TimeoutSeconds int
	Metadata       map[string]string
	Workdir        string
	Resources      sandbox.ResourceLimits
}

// Manager creates, connects to and lists sessions.
type Manager struct {
	store    *registry.Store
	adapters AdapterResolver
	catalog  *template.Catalog
	defaults Defaults
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	pendingGrace time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithCatalog enables template name resolution and the template operations.
func WithCatalog(c *template.Catalog) Option {
	return func(m *Manager) {
		m.catalog = c
	}
}

// WithDefaults sets the values used for empty CreateOptions fields.
func WithDefaults(d Defaults) Option {
	return func(m *Manager) {
		m.defaults = d
	}
}

// WithMetrics counts session creations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// WithPendingGrace sets how old a pending record must be before Prune
// reclaims it. Non-positive values are ignored.
func WithPendingGrace(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pendingGrace = d
		}
	}
}

// WithClock overrides the time source used for deadlines.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager returns a Manager persisting to store.
func NewManager(store *registry.Store, adapters AdapterResolver, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		adapters: adapters,
		defaults: Defaults{TimeoutSeconds: 300},
		logger:   zap.NewNop(),
		now:      time.Now,

		pendingGrace: DefaultPendingGrace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewManagerFromConfig returns a Manager whose defaults come from cfg.
func NewManagerFromConfig(cfg *config.Config, log *zap.Logger, store *registry.Store, adapters AdapterResolver, catalog *template.Catalog, opts ...Option) *Manager {
	base := []Option{
		WithLogger(log),
		WithCatalog(catalog),
		WithDefaults(Defaults{
			Template:       cfg.DefaultTemplate,
			TimeoutSeconds: cfg.DefaultTimeoutSeconds,
			Metadata:       cfg.Metadata,
			Workdir:        cfg.Workdir,
			Resources: sandbox.ResourceLimits{
				CPULimit:    cfg.Resources.CPULimit,
				MemoryLimit: cfg.Resources.MemoryLimit,
				PidsLimit:   cfg.Resources.PidsLimit,
				Network:     cfg.Resources.Network,
			},
		}),
		WithPendingGrace(cfg.Watchdog.PendingGrace),
	}
	return NewManager(store, adapters, append(base, opts...)...)
}

// CreateOptions describes a new session. Zero values take the manager
// defaults.
type CreateOptions struct {
	Template       string
	TimeoutSeconds int
	Metadata       map[string]string
	Env            map[string]string
	Workdir        string
	Resources      *sandbox.ResourceLimits
	// Ports maps sandbox ports to host ports published at creation.
	Ports map[int]int
	// AdapterKind selects a backend other than the configured default.
	AdapterKind string
}

// Create provisions a sandbox and records it as running. When the adapter
// fails no record is left behind.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	kind := opts.AdapterKind
	if kind == "" {
		kind = m.adapters.DefaultKind()
	}
	adapter, err := m.adapters.Get(kind)
	if err != nil {
		return nil, err
	}

	tmpl := strings.TrimSpace(opts.Template)
	if tmpl == "" {
		tmpl = m.defaults.Template
	}
	if tmpl == "" {
		return nil, fmt.Errorf("%w: no template given and no default template configured", errdefs.ErrProvision)
	}
	ref := tmpl
	if m.catalog != nil {
		if ref, err = m.catalog.Resolve(ctx, tmpl); err != nil {
			return nil, err
		}
	}

	timeout := opts.TimeoutSeconds
	if timeout == 0 {
		timeout = m.defaults.TimeoutSeconds
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %d seconds", timeout)
	}

	metadata := maps.Clone(m.defaults.Metadata)
	if metadata == nil {
		metadata = map[string]string{}
	}
	maps.Copy(metadata, opts.Metadata)

	resources := m.defaults.Resources
	if opts.Resources != nil {
		resources = *opts.Resources
	}
	workdir := opts.Workdir
	if workdir == "" {
		workdir = m.defaults.Workdir
	}

	id := newSessionID()
	log := logger.ForSession(m.logger, id, kind)
	now := m.now().UTC()

	pending := registry.Record{
		ID:             id,
		Template:       tmpl,
		AdapterKind:    kind,
		Status:         sandbox.StatusPending,
		CreatedAt:      now,
		TimeoutSeconds: timeout,
		Metadata:       metadata,
	}
	pending.Touch(now)

	err = m.store.WithLock(ctx, func(records registry.Records) error {
		if _, exists := records[id]; exists {
			return fmt.Errorf("session id %s already exists", id)
		}
		rec := pending.Clone()
		records[id] = &rec
		return nil
	})
	if err != nil {
		return nil, errdefs.Annotate(id, "create", err)
	}

	res, err := adapter.Create(ctx, sandbox.CreateRequest{
		SessionID: id,
		Template:  ref,
		Timeout:   time.Duration(timeout) * time.Second,
		Env:       opts.Env,
		Metadata:  metadata,
		Workdir:   workdir,
		Resources: resources,
		Ports:     opts.Ports,
	})
	if err != nil {
		log.Warn("sandbox create failed", zap.Error(err))
		m.metrics.CreateFailed(kind, err)
		if delErr := m.store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
			log.Error("failed to delete pending record", zap.Error(delErr))
		}
		return nil, errdefs.Annotate(id, "create", err)
	}

	var running registry.Record
	err = m.store.WithLock(context.WithoutCancel(ctx), func(records registry.Records) error {
		rec, ok := records[id]
		if !ok {
			return fmt.Errorf("%w: pending record removed during create", errdefs.ErrNotFound)
		}
		rec.Status = sandbox.StatusRunning
		rec.BackendHandle = res.Handle
		rec.Touch(m.now())
		running = rec.Clone()
		return nil
	})
	if err != nil {
		log.Warn("destroying sandbox that could not be recorded", zap.String(logger.KeyHandle, res.Handle), zap.Error(err))
		if dErr := adapter.Destroy(context.WithoutCancel(ctx), res.Handle); dErr != nil {
			log.Error("failed to destroy unrecorded sandbox", zap.String(logger.KeyHandle, res.Handle), zap.Error(dErr))
		}
		return nil, errdefs.Annotate(id, "create", err)
	}

	m.metrics.SessionCreated(kind)
	log.Info("session created",
		zap.String("template", tmpl),
		zap.String(logger.KeyHandle, res.Handle),
		zap.Int("timeout_seconds", timeout))

	return m.newSession(running, adapter), nil
}

// ConnectOption configures Connect.
type ConnectOption func(*connectOptions)

type connectOptions struct {
	adapterKind string
}

// WithAdapterKind makes Connect refuse sessions owned by another adapter kind.
func WithAdapterKind(kind string) ConnectOption {
	return func(o *connectOptions) {
		o.adapterKind = kind
	}
}

// Connect returns a handle to a running session without provisioning
// anything.
func (m *Manager) Connect(ctx context.Context, id string, opts ...ConnectOption) (*Session, error) {
	var o connectOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, errdefs.Annotate(id, "connect", err)
	}
	if rec.Status != sandbox.StatusRunning {
		return nil, errdefs.Annotate(id, "connect", fmt.Errorf("%w: session is %s", errdefs.ErrNotFound, rec.Status))
	}
	if o.adapterKind != "" && o.adapterKind != rec.AdapterKind {
		return nil, errdefs.Annotate(id, "connect", fmt.Errorf("%w: session was created by %q, not %q",
			errdefs.ErrAdapterMismatch, rec.AdapterKind, o.adapterKind))
	}

	adapter, err := m.adapters.Get(rec.AdapterKind)
	if err != nil {
		return nil, errdefs.Annotate(id, "connect", err)
	}
	return m.newSession(rec, adapter), nil
}

// List returns every record in the registry ordered by creation time.
func (m *Manager) List(ctx context.Context) ([]registry.Record, error) {
	records, err := m.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return records.Sorted(), nil
}

// Prune removes records that no longer have a backend: running records whose
// backend reports the resource gone, error records the watchdog has not
// started retrying, and pending records older than the pending grace whose
// create never finished. It returns the number of records removed.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	removed := 0
	err := m.store.WithLock(ctx, func(records registry.Records) error {
		now := m.now()
		for id, rec := range records {
			adapter, err := m.adapters.Get(rec.AdapterKind)
			if err != nil {
				m.logger.Warn("cannot check session backend", zap.String(logger.KeySessionID, id), zap.Error(err))
				continue
			}

			switch {
			case rec.Status == sandbox.StatusError && rec.ReapAttempts == 0:
				if rec.BackendHandle != "" {
					if err := adapter.Destroy(ctx, rec.BackendHandle); err != nil {
						m.logger.Warn("failed to destroy errored sandbox", zap.String(logger.KeySessionID, id), zap.Error(err))
						continue
					}
				}
			case rec.Status == sandbox.StatusPending:
				if now.Sub(rec.CreatedAt) < m.pendingGrace {
					continue
				}
				if !m.reclaim(ctx, adapter, rec) {
					continue
				}
			case rec.Status == sandbox.StatusRunning:
				checker, ok := adapter.(sandbox.LivenessChecker)
				if !ok {
					continue
				}
				alive, err := checker.Alive(ctx, rec.BackendHandle)
				if err != nil {
					m.logger.Warn("failed to check sandbox liveness", zap.String(logger.KeySessionID, id), zap.Error(err))
					continue
				}
				if alive {
					continue
				}
			default:
				continue
			}

			delete(records, id)
			removed++
			m.logger.Info("pruned stale session", zap.String(logger.KeySessionID, id), zap.String("status", string(rec.Status)))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// reclaim destroys whatever a create left behind for a pending record. It
// reports false when the record must stay because cleanup failed.
func (m *Manager) reclaim(ctx context.Context, adapter sandbox.Adapter, rec *registry.Record) bool {
	log := logger.ForSession(m.logger, rec.ID, rec.AdapterKind)
	if rec.BackendHandle != "" {
		if err := adapter.Destroy(ctx, rec.BackendHandle); err != nil {
			log.Warn("failed to destroy sandbox of stale pending session", zap.Error(err))
			return false
		}
		return true
	}
	reclaimer, ok := adapter.(sandbox.SessionReclaimer)
	if !ok {
		return true
	}
	n, err := reclaimer.ReclaimSession(ctx, rec.ID)
	if err != nil {
		log.Warn("failed to reclaim sandbox of stale pending session", zap.Error(err))
		return false
	}
	if n > 0 {
		log.Info("reclaimed sandbox left by an unfinished create", zap.Int("removed", n))
	}
	return true
}

// Discard destroys the backend of a session in any state and deletes its
// record. An unknown id is not an error. When the destroy fails the record is
// handed to the watchdog, as Session.Shutdown does.
func (m *Manager) Discard(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return errdefs.Annotate(id, "discard", err)
	}
	if rec.Status == sandbox.StatusRunning {
		adapter, err := m.adapters.Get(rec.AdapterKind)
		if err != nil {
			return errdefs.Annotate(id, "discard", err)
		}
		return m.newSession(rec, adapter).Shutdown(ctx)
	}

	if rec.BackendHandle != "" {
		adapter, err := m.adapters.Get(rec.AdapterKind)
		if err != nil {
			return errdefs.Annotate(id, "discard", err)
		}
		if err := adapter.Destroy(ctx, rec.BackendHandle); err != nil {
			return errdefs.Annotate(id, "discard", err)
		}
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return errdefs.Annotate(id, "discard", err)
	}
	m.logger.Info("session discarded", zap.String(logger.KeySessionID, id), zap.String("status", string(rec.Status)))
	return nil
}

// BuildTemplate builds dir with the default adapter and records it under name.
func (m *Manager) BuildTemplate(ctx context.Context, dir, name string) (template.Template, error) {
	if m.catalog == nil {
		return template.Template{}, fmt.Errorf("%w: no template catalog configured", errdefs.ErrUnsupported)
	}
	kind := m.adapters.DefaultKind()
	adapter, err := m.adapters.Get(kind)
	if err != nil {
		return template.Template{}, err
	}
	builder, ok := adapter.(sandbox.TemplateBuilder)
	if !ok {
		return template.Template{}, fmt.Errorf("%w: the %s adapter cannot build templates", errdefs.ErrUnsupported, kind)
	}
	return m.catalog.Build(ctx, builder, template.BuildOptions{Dir: dir, Name: name, AdapterKind: kind})
}

// ListTemplates returns the template catalog.
func (m *Manager) ListTemplates(ctx context.Context) ([]template.Template, error) {
	if m.catalog == nil {
		return nil, fmt.Errorf("%w: no template catalog configured", errdefs.ErrUnsupported)
	}
	return m.catalog.List(ctx)
}

// RemoveTemplate deletes a catalog entry. With purge the built reference is
// also removed from the adapter that built it; a reference the backend no
// longer has is not an error.
func (m *Manager) RemoveTemplate(ctx context.Context, name string, purge bool) (template.Template, error) {
	if m.catalog == nil {
		return template.Template{}, fmt.Errorf("%w: no template catalog configured", errdefs.ErrUnsupported)
	}
	t, err := m.catalog.Remove(ctx, name)
	if err != nil || !purge {
		return t, err
	}

	adapter, err := m.adapters.Get(t.AdapterKind)
	if err != nil {
		return t, err
	}
	builder, ok := adapter.(sandbox.TemplateBuilder)
	if !ok {
		return t, fmt.Errorf("%w: the %s adapter cannot remove templates", errdefs.ErrUnsupported, t.AdapterKind)
	}
	if err := builder.RemoveTemplate(ctx, t.Ref); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
		return t, err
	}
	return t, nil
}

func (m *Manager) newSession(rec registry.Record, adapter sandbox.Adapter) *Session {
	return &Session{
		id:      rec.ID,
		manager: m,
		adapter: adapter,
		logger:  logger.ForSession(m.logger, rec.ID, rec.AdapterKind),
		cached:  rec,
	}
}
