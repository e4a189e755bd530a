package container

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

// templateRepository is used for builds that do not ask for a tag.
const templateRepository = "localhost/sandboxd-template"

// BuildTemplate builds an image from a local context directory and returns its
// reference.
func (a *Adapter) BuildTemplate(ctx context.Context, req sandbox.BuildRequest) (string, error) {
	tag := req.Tag
	if tag == "" {
		tag = templateRepository + ":" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if _, err := name.ParseReference(tag); err != nil {
		return "", fmt.Errorf("%w: invalid template tag %q: %w", errdefs.ErrProvision, tag, err)
	}

	args := []string{a.engine, "build", "-t", tag}
	if req.Dockerfile != "" {
		dockerfile := req.Dockerfile
		if !filepath.IsAbs(dockerfile) {
			dockerfile = filepath.Join(req.Dir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}
	args = append(args, req.Dir)

	a.logger.Info("building template", zap.String("tag", tag), zap.String("context", req.Dir))

	out, err := a.cmdRunner.RunCommand(ctx, args, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s build: %w", errdefs.ErrProvision, a.engine, err)
	}
	if out.ExitCode != 0 {
		return "", fmt.Errorf("%w: %s build exited with %d: %s",
			errdefs.ErrProvision, a.engine, out.ExitCode, lastLines(string(out.Stderr), 20))
	}

	return tag, nil
}

// RemoveTemplate deletes a built image.
func (a *Adapter) RemoveTemplate(ctx context.Context, ref string) error {
	out, err := a.cmdRunner.RunCommand(ctx, []string{a.engine, "rmi", ref}, nil)
	if err != nil {
		return fmt.Errorf("%w: %s rmi: %w", errdefs.ErrExec, a.engine, err)
	}
	if out.ExitCode != 0 {
		msg := strings.TrimSpace(string(out.Stderr))
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "no such image") || strings.Contains(lower, "image not known") {
			return fmt.Errorf("%w: template %s: %s", errdefs.ErrNotFound, ref, msg)
		}
		return fmt.Errorf("%w: %s rmi exited with %d: %s", errdefs.ErrExec, a.engine, out.ExitCode, msg)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
