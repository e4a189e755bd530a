package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/isdmx/sandboxd/errdefs"
	"github.com/isdmx/sandboxd/sandbox"
)

// Shell snippets run through `sh -c <script> sh <args...>`.
const (
	writeScript = `mkdir -p "$(dirname "$1")" && cat > "$1.sandboxd-tmp" && mv -f "$1.sandboxd-tmp" "$1"`
	listScript  = `[ -e "$1" ] || { echo "$1: No such file or directory" >&2; exit 2; }
[ -d "$1" ] || { echo "$1: Not a directory" >&2; exit 20; }
for f in "$1"/* "$1"/.[!.]* "$1"/..?*; do
	[ -e "$f" ] || [ -L "$f" ] || continue
	stat -c '%F|%s|%Y|%n' -- "$f"
done`
	removeScript = `[ -e "$1" ] || [ -L "$1" ] || { echo "$1: No such file or directory" >&2; exit 2; }
if [ "$2" = "recursive" ]; then rm -rf -- "$1"
elif [ -d "$1" ] && [ ! -L "$1" ]; then rmdir -- "$1"
else rm -f -- "$1"; fi`
)

// resolve makes relative paths relative to the sandbox working directory.
func (a *Adapter) resolve(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(a.workdir, p)
}

func (a *Adapter) shell(ctx context.Context, handle, op string, stdin []byte, script string, args ...string) (sandbox.CommandOutput, error) {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return sandbox.CommandOutput{}, err
	}

	cmd := []string{engine, "exec"}
	var in io.Reader
	if stdin != nil {
		cmd = append(cmd, "-i")
		in = bytes.NewReader(stdin)
	}
	cmd = append(cmd, id, "sh", "-c", script, "sh")
	cmd = append(cmd, args...)

	out, err := a.cmdRunner.RunCommand(ctx, cmd, in)
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%w: %s %s: %w", errdefs.ErrExec, engine, op, err)
	}
	if out.ExitCode != 0 {
		target := op
		if len(args) > 0 {
			target = args[0]
		}
		if isEngineRefusal(out.Stderr) && a.gone(ctx, handle) {
			return out, goneError(op, target, out)
		}
		return out, classify(op, target, out)
	}
	return out, nil
}

// ReadFile returns the raw bytes of a file inside the container.
func (a *Adapter) ReadFile(ctx context.Context, handle, p string) ([]byte, error) {
	out, err := a.shell(ctx, handle, "read", nil, `cat -- "$1"`, a.resolve(p))
	if err != nil {
		return nil, err
	}
	return out.Stdout, nil
}

// WriteFile replaces a file, creating parent directories. The content is
// staged next to the target and renamed into place.
func (a *Adapter) WriteFile(ctx context.Context, handle, p string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	_, err := a.shell(ctx, handle, "write", data, writeScript, a.resolve(p))
	return err
}

// ListDir lists the direct children of a directory.
func (a *Adapter) ListDir(ctx context.Context, handle, p string) ([]sandbox.FileInfo, error) {
	out, err := a.shell(ctx, handle, "list", nil, listScript, a.resolve(p))
	if err != nil {
		return nil, err
	}
	return parseListing(string(out.Stdout))
}

// parseListing reads `stat -c '%F|%s|%Y|%n'` lines.
func parseListing(output string) ([]sandbox.FileInfo, error) {
	entries := []sandbox.FileInfo{}
	for line := range strings.Lines(output) {
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("%w: unexpected listing line %q", errdefs.ErrExec, line)
		}
		size, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected size in %q: %w", errdefs.ErrExec, line, err)
		}
		mtime, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: unexpected mtime in %q: %w", errdefs.ErrExec, line, err)
		}
		entries = append(entries, sandbox.FileInfo{
			Path:       parts[3],
			Size:       size,
			IsDir:      parts[0] == "directory",
			ModifiedAt: time.Unix(mtime, 0).UTC(),
		})
	}
	return entries, nil
}

// MakeDir creates a directory, with parents when requested.
func (a *Adapter) MakeDir(ctx context.Context, handle, p string, parents bool) error {
	script := `mkdir -- "$1"`
	if parents {
		script = `mkdir -p -- "$1"`
	}
	_, err := a.shell(ctx, handle, "mkdir", nil, script, a.resolve(p))
	return err
}

// Remove deletes a file or directory. Without recursive only empty
// directories can be removed.
func (a *Adapter) Remove(ctx context.Context, handle, p string, recursive bool) error {
	mode := "single"
	if recursive {
		mode = "recursive"
	}
	_, err := a.shell(ctx, handle, "remove", nil, removeScript, a.resolve(p), mode)
	return err
}

// Move renames src to dst inside the container.
func (a *Adapter) Move(ctx context.Context, handle, src, dst string) error {
	_, err := a.shell(ctx, handle, "move", nil, `mv -- "$1" "$2"`, a.resolve(src), a.resolve(dst))
	return err
}

// Put copies a host file or directory into the container under remotePath.
func (a *Adapter) Put(ctx context.Context, handle, localPath, remotePath string) error {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return err
	}

	var archive bytes.Buffer
	if err := sandbox.WriteTarFromDir(&archive, localPath, sandbox.DefaultExcludePatterns); err != nil {
		return fmt.Errorf("archive %s: %w", localPath, err)
	}

	dest := a.resolve(remotePath)
	if err := a.MakeDir(ctx, handle, dest, true); err != nil {
		return err
	}

	out, err := a.cmdRunner.RunCommand(ctx, []string{engine, "cp", "-", id + ":" + dest}, &archive)
	if err != nil {
		return fmt.Errorf("%w: %s cp: %w", errdefs.ErrExec, engine, err)
	}
	if out.ExitCode != 0 {
		if isEngineRefusal(out.Stderr) && a.gone(ctx, handle) {
			return goneError("cp", dest, out)
		}
		return classify("cp", dest, out)
	}
	return nil
}

// Get copies remotePath out of the container into the host directory
// localPath.
func (a *Adapter) Get(ctx context.Context, handle, remotePath, localPath string) error {
	engine, id, err := a.parseHandle(handle)
	if err != nil {
		return err
	}

	src := a.resolve(remotePath)
	out, err := a.cmdRunner.RunCommand(ctx, []string{engine, "cp", id + ":" + src, "-"}, nil)
	if err != nil {
		return fmt.Errorf("%w: %s cp: %w", errdefs.ErrExec, engine, err)
	}
	if out.ExitCode != 0 {
		if isEngineRefusal(out.Stderr) && a.gone(ctx, handle) {
			return goneError("cp", src, out)
		}
		return classify("cp", src, out)
	}

	if err := sandbox.ExtractTar(bytes.NewReader(out.Stdout), localPath); err != nil {
		return fmt.Errorf("extract %s: %w", src, err)
	}
	return nil
}
