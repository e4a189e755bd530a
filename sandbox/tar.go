package sandbox

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// DefaultExcludePatterns are skipped when a host directory is copied into a
// sandbox or hashed as a template build context.
var DefaultExcludePatterns = []string{".git/"}

// Transferer copies whole files or directories between the host and a sandbox.
type Transferer interface {
	Put(ctx context.Context, handle, localPath, remotePath string) error
	Get(ctx context.Context, handle, remotePath, localPath string) error
}

// ShouldExcludeFile reports whether relPath matches one of the exclude
// patterns. A pattern ending in "/" matches a directory and everything below
// it; any other pattern is matched against the base name.
func ShouldExcludeFile(relPath string, excludePatterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range excludePatterns {
		if strings.HasSuffix(pattern, "/") {
			dir := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(relPath, "/")
			for _, part := range parts[:len(parts)-1] {
				if part == dir {
					return true
				}
			}
			continue
		}
		if matched, err := filepath.Match(pattern, filepath.Base(relPath)); err == nil && matched {
			return true
		}
	}
	return false
}

// WriteTarFromDir streams an uncompressed tar of srcDir to w, skipping paths
// matching excludePatterns. Entry names are relative to srcDir. If srcDir is a
// regular file the archive holds that single file.
func WriteTarFromDir(w io.Writer, srcDir string, excludePatterns []string) error {
	tarWriter := tar.NewWriter(w)

	info, err := os.Stat(srcDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if err := writeTarEntry(tarWriter, srcDir, filepath.Base(srcDir), info); err != nil {
			return err
		}
		return tarWriter.Close()
	}

	err = filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		checkPath := relPath
		if fi.IsDir() {
			checkPath += "/"
		}
		if ShouldExcludeFile(checkPath, excludePatterns) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		return writeTarEntry(tarWriter, file, relPath, fi)
	})
	if err != nil {
		return err
	}

	return tarWriter.Close()
}

func writeTarEntry(tw *tar.Writer, file, name string, fi os.FileInfo) error {
	if !fi.IsDir() && !fi.Mode().IsRegular() {
		// sockets, devices and symlinks are not copied
		return nil
	}

	header, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(name)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	if fi.IsDir() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return err
	}
	defer data.Close()

	_, err = io.Copy(tw, data)
	return err
}

// ExtractTar extracts an uncompressed tar stream into destDir safely.
func ExtractTar(r io.Reader, destDir string) error {
	destDir = filepath.Clean(destDir)
	tarReader := tar.NewReader(r)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar: %w", err)
		}

		// Prevent absolute paths and directory traversal
		if filepath.IsAbs(header.Name) {
			return fmt.Errorf("absolute path not allowed in tar: %s", header.Name)
		}
		cleanName := filepath.Clean(header.Name)
		if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) {
			return fmt.Errorf("unsafe relative path in tar: %s", header.Name)
		}

		filePath := filepath.Join(destDir, cleanName)
		if filePath != destDir && !strings.HasPrefix(filePath, destDir+string(filepath.Separator)) {
			return fmt.Errorf("invalid file path in tar: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(filePath, DirPermission); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(filePath), DirPermission); err != nil {
				return fmt.Errorf("failed to create parent directories: %w", err)
			}
			if err := writeFileFrom(filePath, tarReader, os.FileMode(header.Mode).Perm()); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
		default:
			// links and special files are skipped
		}
	}
}

func writeFileFrom(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = FilePermission
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
