// Package template keeps the catalog of built sandbox templates.
//
// A template is a named, reusable reference produced by an adapter that
// implements sandbox.TemplateBuilder. The catalog lives in a sqlite database
// next to the registry so every process sees the same names.
package template

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/isdmx/sandboxd/errdefs"
)

// Template is one catalog entry.
type Template struct {
	Name        string    `json:"name" yaml:"name"`
	Ref         string    `json:"ref" yaml:"ref"`
	Digest      string    `json:"digest" yaml:"digest"`
	AdapterKind string    `json:"adapter_kind" yaml:"adapter_kind"`
	SourceDir   string    `json:"source_dir,omitempty" yaml:"source_dir,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// Catalog stores templates by name.
type Catalog struct {
	mu     sync.Mutex
	dbPath string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithLogger sets the catalog logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Catalog) {
		c.logger = l
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

// NewCatalog returns a catalog backed by the sqlite database at dbPath.
func NewCatalog(dbPath string, opts ...Option) *Catalog {
	c := &Catalog{
		dbPath: dbPath,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(c.dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create template catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open template catalog %q: %w", c.dbPath, err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS templates (
			name TEXT PRIMARY KEY,
			ref TEXT NOT NULL,
			digest TEXT NOT NULL,
			adapter_kind TEXT NOT NULL,
			source_dir TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_templates_ref ON templates(ref);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise template catalog schema: %w", err)
	}
	return db, nil
}

// Put inserts or replaces a template by name.
func (c *Catalog) Put(ctx context.Context, t Template) error {
	if t.Name == "" || t.Ref == "" {
		return fmt.Errorf("template name and ref must not be empty")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		INSERT INTO templates (name, ref, digest, adapter_kind, source_dir, created_at_unix)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ref = excluded.ref,
			digest = excluded.digest,
			adapter_kind = excluded.adapter_kind,
			source_dir = excluded.source_dir,
			created_at_unix = excluded.created_at_unix
	`, t.Name, t.Ref, t.Digest, t.AdapterKind, t.SourceDir, t.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert template %s: %w", t.Name, err)
	}
	return nil
}

// Get returns the template called name, or errdefs.ErrNotFound.
func (c *Catalog) Get(ctx context.Context, name string) (Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.open(ctx)
	if err != nil {
		return Template{}, err
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `
		SELECT name, ref, digest, adapter_kind, source_dir, created_at_unix
		FROM templates WHERE name = ?
	`, name)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("%w: template %q", errdefs.ErrNotFound, name)
	}
	return t, err
}

// List returns every template, newest first.
func (c *Catalog) List(ctx context.Context) ([]Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT name, ref, digest, adapter_kind, source_dir, created_at_unix
		FROM templates
		ORDER BY created_at_unix DESC, name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	items := make([]Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return items, nil
}

// Remove deletes a template and returns what was removed.
func (c *Catalog) Remove(ctx context.Context, name string) (Template, error) {
	t, err := c.Get(ctx, name)
	if err != nil {
		return Template{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	db, err := c.open(ctx)
	if err != nil {
		return Template{}, err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM templates WHERE name = ?`, name); err != nil {
		return Template{}, fmt.Errorf("delete template %s: %w", name, err)
	}
	return t, nil
}

// Resolve maps a catalog name to its reference. Anything that is not a
// catalog name is returned unchanged, so plain image references pass through.
func (c *Catalog) Resolve(ctx context.Context, nameOrRef string) (string, error) {
	t, err := c.Get(ctx, nameOrRef)
	if errdefs.IsNotFound(err) {
		return nameOrRef, nil
	}
	if err != nil {
		return "", err
	}
	return t.Ref, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTemplate(s scanner) (Template, error) {
	var (
		t         Template
		createdAt int64
	)
	if err := s.Scan(&t.Name, &t.Ref, &t.Digest, &t.AdapterKind, &t.SourceDir, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Template{}, err
		}
		return Template{}, fmt.Errorf("scan template: %w", err)
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return t, nil
}
