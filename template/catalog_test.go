package template

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

type fakeBuilder struct {
	requests []sandbox.BuildRequest
	err      error
	removed  []string
}

func (b *fakeBuilder) BuildTemplate(_ context.Context, req sandbox.BuildRequest) (string, error) {
	b.requests = append(b.requests, req)
	if b.err != nil {
		return "", b.err
	}
	return req.Tag, nil
}

func (b *fakeBuilder) RemoveTemplate(_ context.Context, ref string) error {
	b.removed = append(b.removed, ref)
	return nil
}

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return NewCatalog(filepath.Join(t.TempDir(), "state", "templates.db"),
		WithLogger(zaptest.NewLogger(t)),
		WithClock(func() time.Time {
			now = now.Add(time.Second)
			return now
		}))
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestCatalogCRUD(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)

	items, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NotNil(t, items)

	require.NoError(t, c.Put(ctx, Template{Name: "py", Ref: "localhost/sandboxd/py:aaa", Digest: "aaa", AdapterKind: sandbox.KindContainer}))
	require.NoError(t, c.Put(ctx, Template{Name: "node", Ref: "localhost/sandboxd/node:bbb", Digest: "bbb", AdapterKind: sandbox.KindContainer}))

	got, err := c.Get(ctx, "py")
	require.NoError(t, err)
	assert.Equal(t, "localhost/sandboxd/py:aaa", got.Ref)
	assert.Equal(t, sandbox.KindContainer, got.AdapterKind)
	assert.False(t, got.CreatedAt.IsZero())

	// Upsert replaces by name.
	require.NoError(t, c.Put(ctx, Template{Name: "py", Ref: "localhost/sandboxd/py:ccc", Digest: "ccc"}))
	got, err = c.Get(ctx, "py")
	require.NoError(t, err)
	assert.Equal(t, "ccc", got.Digest)

	items, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "py", items[0].Name, "newest first")
	assert.Equal(t, "node", items[1].Name)

	removed, err := c.Remove(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, "localhost/sandboxd/node:bbb", removed.Ref)

	_, err = c.Remove(ctx, "node")
	assert.True(t, errdefs.IsNotFound(err))
	_, err = c.Get(ctx, "node")
	assert.True(t, errdefs.IsNotFound(err))

	assert.Error(t, c.Put(ctx, Template{Name: "", Ref: "x"}))
}

func TestCatalogResolve(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t)
	require.NoError(t, c.Put(ctx, Template{Name: "py", Ref: "localhost/sandboxd/py:aaa"}))

	ref, err := c.Resolve(ctx, "py")
	require.NoError(t, err)
	assert.Equal(t, "localhost/sandboxd/py:aaa", ref)

	ref, err = c.Resolve(ctx, "python:3.12-slim")
	require.NoError(t, err)
	assert.Equal(t, "python:3.12-slim", ref)
}

func TestCatalogSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "templates.db")

	require.NoError(t, NewCatalog(path).Put(ctx, Template{Name: "py", Ref: "r"}))
	got, err := NewCatalog(path).Get(ctx, "py")
	require.NoError(t, err)
	assert.Equal(t, "r", got.Ref)
}

func TestBuild(t *testing.T) {
	ctx := context.Background()

	t.Run("RecordsDigestTag", func(t *testing.T) {
		c := newTestCatalog(t)
		dir := filepath.Join(t.TempDir(), "My App")
		writeFiles(t, dir, map[string]string{
			"Dockerfile":     "FROM python:3.12-slim\n",
			"e2b.Dockerfile": "FROM python:3.12\n",
			"app/main.py":    "print('hi')\n",
		})

		b := &fakeBuilder{}
		tmpl, err := c.Build(ctx, b, BuildOptions{Dir: dir, AdapterKind: sandbox.KindContainer})
		require.NoError(t, err)

		require.Len(t, b.requests, 1)
		req := b.requests[0]
		assert.Equal(t, filepath.Join(dir, "e2b.Dockerfile"), req.Dockerfile)
		assert.Equal(t, "localhost/sandboxd/my-app:"+tmpl.Digest[:12], req.Tag)

		assert.Equal(t, "My App", tmpl.Name)
		assert.Equal(t, req.Tag, tmpl.Ref)
		assert.Len(t, tmpl.Digest, 64)

		stored, err := c.Get(ctx, "My App")
		require.NoError(t, err)
		assert.Equal(t, tmpl.Ref, stored.Ref)
	})

	t.Run("NoDockerfile", func(t *testing.T) {
		c := newTestCatalog(t)
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"main.py": "x"})

		_, err := c.Build(ctx, &fakeBuilder{}, BuildOptions{Dir: dir, Name: "x"})
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("BuilderFailureNotRecorded", func(t *testing.T) {
		c := newTestCatalog(t)
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"Dockerfile": "FROM scratch\n"})

		b := &fakeBuilder{err: errors.Join(errdefs.ErrProvision, errors.New("boom"))}
		_, err := c.Build(ctx, b, BuildOptions{Dir: dir, Name: "broken"})
		assert.True(t, errdefs.IsProvision(err))

		_, err = c.Get(ctx, "broken")
		assert.True(t, errdefs.IsNotFound(err))
	})

	t.Run("UnusableName", func(t *testing.T) {
		c := newTestCatalog(t)
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"Dockerfile": "FROM scratch\n"})

		_, err := c.Build(ctx, &fakeBuilder{}, BuildOptions{Dir: dir, Name: "///"})
		assert.True(t, errdefs.IsProvision(err))
	})
}

func TestHashDir(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"Dockerfile": "FROM scratch\n",
		"src/a.txt":  "a",
		".git/HEAD":  "ref: refs/heads/main\n",
	})

	first, err := HashDir(dir, sandbox.DefaultExcludePatterns)
	require.NoError(t, err)

	again, err := HashDir(dir, sandbox.DefaultExcludePatterns)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Excluded paths do not affect the digest.
	writeFiles(t, dir, map[string]string{".git/HEAD": "ref: refs/heads/other\n"})
	excluded, err := HashDir(dir, sandbox.DefaultExcludePatterns)
	require.NoError(t, err)
	assert.Equal(t, first, excluded)

	writeFiles(t, dir, map[string]string{"src/a.txt": "b"})
	changed, err := HashDir(dir, sandbox.DefaultExcludePatterns)
	require.NoError(t, err)
	assert.NotEqual(t, first, changed)

	require.NoError(t, os.Rename(filepath.Join(dir, "src", "a.txt"), filepath.Join(dir, "src", "b.txt")))
	renamed, err := HashDir(dir, sandbox.DefaultExcludePatterns)
	require.NoError(t, err)
	assert.NotEqual(t, changed, renamed)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"python":        "python",
		"My App":        "my-app",
		"data/science!": "data-science",
		"--x--":         "x",
		"///":           "",
		"v1.2_beta":     "v1.2_beta",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeName(in), in)
	}
}
