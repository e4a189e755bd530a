package template

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

// Dockerfile names looked up in a build context, in order.
var dockerfileNames = []string{"e2b.Dockerfile", "Dockerfile"}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// BuildOptions describes a template build.
type BuildOptions struct {
	// Dir is the build context on the host.
	Dir string
	// Name defaults to the base name of Dir.
	Name string
	// AdapterKind is recorded with the template.
	AdapterKind string
}

// Build hashes the build context, asks builder to produce a reference tagged
// with the digest and records the result under the template name.
func (c *Catalog) Build(ctx context.Context, builder sandbox.TemplateBuilder, opts BuildOptions) (Template, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return Template{}, fmt.Errorf("resolve build context: %w", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return Template{}, fmt.Errorf("%w: build context %s: %w", errdefs.ErrNotFound, dir, err)
	}
	if !info.IsDir() {
		return Template{}, fmt.Errorf("%w: build context %s is not a directory", errdefs.ErrProvision, dir)
	}

	dockerfile, err := FindDockerfile(dir)
	if err != nil {
		return Template{}, err
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(dir)
	}
	repo := SanitizeName(name)
	if repo == "" {
		return Template{}, fmt.Errorf("%w: template name %q has no usable characters", errdefs.ErrProvision, name)
	}

	digest, err := HashDir(dir, sandbox.DefaultExcludePatterns)
	if err != nil {
		return Template{}, fmt.Errorf("hash build context: %w", err)
	}

	tag := fmt.Sprintf("localhost/sandboxd/%s:%s", repo, digest[:12])
	c.logger.Info("building template",
		zap.String("name", name), zap.String("tag", tag), zap.String("dockerfile", dockerfile))

	ref, err := builder.BuildTemplate(ctx, sandbox.BuildRequest{Dir: dir, Dockerfile: dockerfile, Tag: tag})
	if err != nil {
		return Template{}, err
	}

	t := Template{
		Name:        name,
		Ref:         ref,
		Digest:      digest,
		AdapterKind: opts.AdapterKind,
		SourceDir:   dir,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.Put(ctx, t); err != nil {
		return Template{}, err
	}
	return t, nil
}

// FindDockerfile returns the first known Dockerfile in dir.
func FindDockerfile(dir string) (string, error) {
	for _, name := range dockerfileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: no %s found in %s", errdefs.ErrNotFound, strings.Join(dockerfileNames, " or "), dir)
}

// SanitizeName turns a template name into a valid image repository component.
func SanitizeName(name string) string {
	s := invalidNameChars.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-._")
}

// HashDir returns a hex sha256 over the relative paths and contents of every
// regular file under dir, skipping excluded paths. Renames change the digest.
func HashDir(dir string, excludePatterns []string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if sandbox.ShouldExcludeFile(rel+"/", excludePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || sandbox.ShouldExcludeFile(rel, excludePatterns) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	h := sha256.New()
	for _, rel := range files {
		fmt.Fprintf(h, "%s\x00", rel)
		f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
