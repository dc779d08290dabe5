package runtimeenv

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// dirPermissions matches what Tor expects for DataDirectory (owner only).
const dirPermissions = 0o700

// Sentinel errors. Use errors.Is() to check for these in calling code.
var (
	// ErrNotADirectory is returned when the path exists but is not a directory.
	ErrNotADirectory = errors.New("runtimeenv: path exists and is not a directory")

	// ErrRelativePath is returned when a relative path is supplied.
	ErrRelativePath = errors.New("runtimeenv: path must be absolute")

	// ErrNotExecutable is returned when a binary is missing or cannot be executed.
	ErrNotExecutable = errors.New("runtimeenv: not an executable file")
)

// EnsureDirectory makes sure path exists as a directory, creating it and any
// missing parents. An existing directory is left untouched.
func EnsureDirectory(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: %q", ErrRelativePath, path)
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotADirectory, path)
		}
		return nil
	case errors.Is(err, unix.ENOTDIR):
		// A parent segment is a regular file.
		return fmt.Errorf("%w: %s: %w", ErrNotADirectory, path, err)
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if err := os.MkdirAll(path, dirPermissions); err != nil {
		// A parent segment may be a regular file.
		if errors.Is(err, unix.ENOTDIR) {
			return fmt.Errorf("%w: %s: %w", ErrNotADirectory, path, err)
		}
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return nil
}

// CheckExecutable verifies that path names a regular file this process is
// allowed to execute.
func CheckExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrNotExecutable)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotExecutable, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrNotExecutable, path)
	}
	if err := unix.Access(path, unix.X_OK); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNotExecutable, path, err)
	}
	return nil
}
