package remotefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalidName is returned by Join for empty names, "." and "..", and
	// names that contain a path separator.
	ErrInvalidName = errors.New("invalid entry name")

	// ErrInvalidPath is returned for remote paths that are not absolute.
	ErrInvalidPath = errors.New("remote path must be absolute")
)

// IsRoot reports whether p is the remote root.
func IsRoot(p string) bool {
	return p == "/"
}

// ParentOf returns the parent directory of an absolute remote path. The
// parent of "/" is "/".
func ParentOf(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	i := strings.LastIndex(trimmed, "/")
	if i <= 0 {
		return "/"
	}
	return trimmed[:i]
}

// Join appends a single entry name to a directory path. Names coming from a
// remote listing are untrusted, so anything containing "/" is rejected, as
// are "." and "..".
func Join(dir, name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.HasSuffix(dir, "/") {
		return dir + name, nil
	}
	return dir + "/" + name, nil
}

// Base returns the last element of a remote path.
func Base(p string) string {
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

// ExpandPath expands a leading ~/ in a local path to the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
