package sandbox

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldExcludeFile(t *testing.T) {
	testCases := []struct {
		name     string
		relPath  string
		patterns []string
		want     bool
	}{
		{"exact file match", "main.py", []string{"main.py"}, true},
		{"different file", "test.py", []string{"main.py"}, false},
		{"wildcard extension", "script.py", []string{"*.py"}, true},
		{"wildcard non-match", "script.js", []string{"*.py"}, false},
		{"base name in subdir", "src/cache/main.pyc", []string{"*.pyc"}, true},
		{"directory pattern", "node_modules/package.json", []string{"node_modules/"}, true},
		{"nested directory pattern", "frontend/node_modules/react/index.js", []string{"node_modules/"}, true},
		{"directory entry itself", ".git/", []string{".git/"}, true},
		{"directory pattern no match", "src/main.js", []string{"node_modules/"}, false},
		{"similar name not excluded", "building/tool.py", []string{"build/"}, false},
		{"multiple patterns", "__pycache__/file.pyc", []string{"*.o", "__pycache__/"}, true},
		{"invalid pattern", "main.py", []string{"[invalid-pattern"}, false},
		{"no patterns", "main.py", nil, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldExcludeFile(tc.relPath, tc.patterns))
		})
	}
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), DirPermission))
		require.NoError(t, os.WriteFile(p, []byte(content), FilePermission))
	}
}

func tarEntries(t *testing.T, data []byte) (files map[string]string, dirs []string) {
	t.Helper()
	files = map[string]string{}
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, dirs
		}
		require.NoError(t, err)
		switch hdr.Typeflag {
		case tar.TypeDir:
			dirs = append(dirs, hdr.Name)
		case tar.TypeReg:
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			files[hdr.Name] = string(b)
		}
	}
}

func TestWriteTarFromDir(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"main.py":                         "print('hello')",
		"__pycache__/main.cpython-39.pyc": "cache content",
		".git/config":                     "git config",
		"node_modules/package/index.js":   "module code",
		"deep/nested/dir/file.txt":        "deep content",
		"src/main.go":                     "go code",
	})

	t.Run("DefaultExcludes", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTarFromDir(&buf, src, DefaultExcludePatterns))

		files, dirs := tarEntries(t, buf.Bytes())
		assert.Equal(t, "print('hello')", files["main.py"])
		assert.Contains(t, files, "node_modules/package/index.js")
		assert.NotContains(t, files, ".git/config")
		assert.NotContains(t, dirs, ".git")
	})

	t.Run("SkipsExcludedDirectories", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTarFromDir(&buf, src, []string{"__pycache__/", "node_modules/", "deep/"}))

		files, dirs := tarEntries(t, buf.Bytes())
		assert.Contains(t, files, "src/main.go")
		assert.Contains(t, files, ".git/config")
		for name := range files {
			assert.NotContains(t, name, "__pycache__")
			assert.NotContains(t, name, "node_modules")
			assert.NotContains(t, name, "deep")
		}
		for _, d := range dirs {
			assert.NotContains(t, d, "deep")
		}
	})

	t.Run("SingleFile", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTarFromDir(&buf, filepath.Join(src, "main.py"), nil))

		files, _ := tarEntries(t, buf.Bytes())
		assert.Equal(t, map[string]string{"main.py": "print('hello')"}, files)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteTarFromDir(&buf, src, DefaultExcludePatterns))

		dest := t.TempDir()
		require.NoError(t, ExtractTar(&buf, dest))

		data, err := os.ReadFile(filepath.Join(dest, "deep", "nested", "dir", "file.txt"))
		require.NoError(t, err)
		assert.Equal(t, "deep content", string(data))
		assert.NoDirExists(t, filepath.Join(dest, ".git"))
	})

	t.Run("MissingSource", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, WriteTarFromDir(&buf, filepath.Join(src, "missing"), nil))
	})
}

func buildTar(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return &buf
}

func TestExtractTar(t *testing.T) {
	t.Run("CreatesParents", func(t *testing.T) {
		dest := t.TempDir()
		require.NoError(t, ExtractTar(buildTar(t, map[string]string{"a/b/c.txt": "x"}), dest))

		data, err := os.ReadFile(filepath.Join(dest, "a", "b", "c.txt"))
		require.NoError(t, err)
		assert.Equal(t, "x", string(data))
	})

	t.Run("PathTraversalPrevention", func(t *testing.T) {
		err := ExtractTar(buildTar(t, map[string]string{"../dangerous.txt": "no"}), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsafe relative path")
	})

	t.Run("AbsolutePathPrevention", func(t *testing.T) {
		err := ExtractTar(buildTar(t, map[string]string{"/absolute/path.txt": "no"}), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "absolute path not allowed")
	})

	t.Run("InvalidTarData", func(t *testing.T) {
		err := ExtractTar(bytes.NewReader(bytes.Repeat([]byte("x"), 1024)), t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading tar")
	})
}
