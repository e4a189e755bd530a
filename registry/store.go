// Package registry persists session records in a single JSON file shared by
// every process that manages sandboxes.
//
// All mutation happens inside WithLock, which holds an exclusive flock(2) on a
// sibling lock file for a full load-modify-save cycle. Readers take a shared
// lock. The data file is replaced atomically, so a crash mid-write never
// leaves a torn registry behind.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/isdmx/sandboxd/errdefs"
)

const (
	formatVersion = 1

	defaultLockRetry = 10 * time.Millisecond
	filePermission   = 0o600
	dirPermission    = 0o700
)

type fileFormat struct {
	Version  int     `json:"version"`
	Sessions Records `json:"sessions"`
}

// Store is the durable mapping from session id to Record.
type Store struct {
	path      string
	lockPath  string
	lockRetry time.Duration
	logger    *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for lock and persistence diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithLockRetry sets how often a blocked lock acquisition is retried.
func WithLockRetry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockRetry = d
		}
	}
}

// New returns a Store persisting to path. The file and its directory are
// created on first write; a missing file reads as an empty registry.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:      path,
		lockPath:  strings.TrimSuffix(path, filepath.Ext(path)) + ".lock",
		lockRetry: defaultLockRetry,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the registry file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns every record under a shared lock.
func (s *Store) Load(ctx context.Context) (Records, error) {
	unlock, err := s.lock(ctx, unix.LOCK_SH)
	if err != nil {
		return nil, err
	}
	defer unlock()

	records, _, err := s.read()
	return records, err
}

// Get returns a copy of one record, or errdefs.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	records, err := s.Load(ctx)
	if err != nil {
		return Record{}, err
	}
	rec, ok := records[id]
	if !ok {
		return Record{}, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Upsert inserts or replaces a record by id.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id must not be empty")
	}
	return s.WithLock(ctx, func(records Records) error {
		c := rec.Clone()
		records[rec.ID] = &c
		return nil
	})
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.WithLock(ctx, func(records Records) error {
		delete(records, id)
		return nil
	})
}

// WithLock runs fn with exclusive access to the registry. fn may mutate the
// records in place; they are persisted only if fn returns nil. The lock is
// released on every path.
func (s *Store) WithLock(ctx context.Context, fn func(Records) error) error {
	unlock, err := s.lock(ctx, unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	records, raw, err := s.read()
	if err != nil {
		return err
	}

	if err := fn(records); err != nil {
		return err
	}

	return s.write(records, raw)
}

func (s *Store) lock(ctx context.Context, how int) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), dirPermission); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}

	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, filePermission)
	if err != nil {
		return nil, fmt.Errorf("open registry lock %q: %w", s.lockPath, err)
	}

	waited := false
	for {
		err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("lock registry %q: %w", s.lockPath, err)
		}
		if !waited {
			s.logger.Debug("waiting for registry lock", zap.String("path", s.lockPath))
			waited = true
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, fmt.Errorf("lock registry %q: %w", s.lockPath, ctx.Err())
		case <-time.After(s.lockRetry):
		}
	}

	return func() {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
			s.logger.Warn("failed to unlock registry", zap.String("path", s.lockPath), zap.Error(err))
		}
		f.Close()
	}, nil
}

// read parses the registry file. The raw bytes are returned so unchanged
// registries are not rewritten.
func (s *Store) read() (Records, []byte, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Records{}, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read registry %q: %w", s.path, err)
	}

	var doc fileFormat
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", errdefs.ErrCorruptState, s.path, err)
	}
	if doc.Version > formatVersion {
		return nil, nil, fmt.Errorf("%w: %s: unsupported format version %d", errdefs.ErrCorruptState, s.path, doc.Version)
	}
	if doc.Sessions == nil {
		doc.Sessions = Records{}
	}
	for id, rec := range doc.Sessions {
		if rec == nil || rec.ID != id {
			return nil, nil, fmt.Errorf("%w: %s: record key %q does not match its id", errdefs.ErrCorruptState, s.path, id)
		}
		if !rec.Status.Valid() {
			return nil, nil, fmt.Errorf("%w: %s: record %q has unknown status %q", errdefs.ErrCorruptState, s.path, id, rec.Status)
		}
	}

	return doc.Sessions, raw, nil
}

func (s *Store) write(records Records, previous []byte) error {
	data, err := json.MarshalIndent(fileFormat{Version: formatVersion, Sessions: records}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	data = append(data, '\n')
	if previous != nil && bytes.Equal(previous, data) {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, dirPermission); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Chmod(tmpName, filePermission); err != nil {
		return fmt.Errorf("chmod registry: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	tmpName = ""

	return nil
}
