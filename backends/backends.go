// Package backends builds sandbox adapters from configuration.
//
// A Resolver owns one adapter per kind. The configured default kind is built
// eagerly so misconfiguration fails at startup; other kinds are built on first
// use, which lets a process reap sessions created through a different adapter.
package backends

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
	"github.com/isdmx/sandboxd/sandbox/container"
	"github.com/isdmx/sandboxd/sandbox/process"
	"github.com/isdmx/sandboxd/sandbox/remote"
)

// Resolver maps adapter kinds to adapters.
type Resolver struct {
	logger      *zap.Logger
	cfg         *config.Config
	defaultKind string

	mu       sync.Mutex
	adapters map[string]sandbox.Adapter
}

// New creates a Resolver and builds the default adapter.
func New(logger *zap.Logger, cfg *config.Config) (*Resolver, error) {
	r := &Resolver{
		logger:      logger,
		cfg:         cfg,
		defaultKind: cfg.AdapterKind,
		adapters:    map[string]sandbox.Adapter{},
	}
	if _, err := r.Get(cfg.AdapterKind); err != nil {
		return nil, err
	}
	return r, nil
}

// Static returns a Resolver over prebuilt adapters. The first adapter is the
// default.
func Static(adapters ...sandbox.Adapter) *Resolver {
	r := &Resolver{adapters: map[string]sandbox.Adapter{}}
	for i, a := range adapters {
		if i == 0 {
			r.defaultKind = a.Kind()
		}
		r.adapters[a.Kind()] = a
	}
	return r
}

// DefaultKind returns the kind used for new sessions.
func (r *Resolver) DefaultKind() string {
	return r.defaultKind
}

// Default returns the adapter for new sessions.
func (r *Resolver) Default() (sandbox.Adapter, error) {
	return r.Get(r.defaultKind)
}

// Get returns the adapter for kind, building it on first use.
func (r *Resolver) Get(kind string) (sandbox.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[kind]; ok {
		return a, nil
	}
	if r.cfg == nil {
		return nil, fmt.Errorf("%w: adapter kind %q is not configured", errdefs.ErrUnsupported, kind)
	}

	a, err := r.build(kind)
	if err != nil {
		return nil, err
	}
	r.adapters[kind] = a
	return a, nil
}

func (r *Resolver) build(kind string) (sandbox.Adapter, error) {
	cfg := r.cfg
	limits := sandbox.ResourceLimits{
		CPULimit:    cfg.Resources.CPULimit,
		MemoryLimit: cfg.Resources.MemoryLimit,
		PidsLimit:   cfg.Resources.PidsLimit,
		Network:     cfg.Resources.Network,
	}

	switch kind {
	case sandbox.KindContainer:
		engine, err := container.DetectEngine(cfg.RuntimeHint)
		if err != nil {
			return nil, err
		}
		r.logger.Info("using container engine", zap.String("engine", engine))
		return container.New(r.logger, engine,
			container.WithWorkdir(cfg.Workdir),
			container.WithResources(limits))
	case sandbox.KindRemote:
		if cfg.Remote.BaseURL == "" {
			return nil, fmt.Errorf("%w: remote.base_url is not set", errdefs.ErrUnsupported)
		}
		return remote.New(r.logger, cfg.Remote.BaseURL,
			remote.WithToken(cfg.Remote.Token),
			remote.WithRequestTimeout(cfg.Remote.RequestTimeout))
	case sandbox.KindProcess:
		if !cfg.Process.Enabled {
			return nil, fmt.Errorf("%w: the process adapter is disabled (process.enabled)", errdefs.ErrUnsupported)
		}
		r.logger.Warn("process adapter enabled: sandboxes run unisolated on the host")
		return process.New(r.logger, filepath.Join(cfg.StateRoot, "process"),
			process.WithWorkdir(cfg.Workdir))
	default:
		return nil, fmt.Errorf("%w: unsupported adapter kind %q", errdefs.ErrUnsupported, kind)
	}
}
