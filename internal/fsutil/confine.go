// SPDX-License-Identifier: MIT

// Package fsutil guards filesystem access under the shared storage root.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrEscapesRoot is returned when a candidate path would resolve outside the
// confinement root.
var ErrEscapesRoot = errors.New("path escapes storage root")

// Confine resolves target against root and guarantees the result stays
// physically underneath root. target may be relative to root or an absolute
// path already under root. Any ".." segment and any backslash is rejected.
func Confine(root, target string) (string, error) {
	if strings.Contains(target, "\\") {
		return "", fmt.Errorf("%w: backslash in %q", ErrEscapesRoot, target)
	}
	if containsDotDot(target) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, target)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root: %w", err)
	}
	realRoot := resolveExisting(absRoot)

	var full string
	if filepath.IsAbs(target) {
		full = filepath.Clean(target)
	} else {
		full = filepath.Join(realRoot, filepath.Clean(target))
	}

	real := resolveExisting(full)
	rel, err := filepath.Rel(realRoot, real)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, target)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, target)
	}
	return full, nil
}

// containsDotDot reports whether any path segment is exactly "..".
func containsDotDot(p string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// resolveExisting follows symlinks for the longest existing prefix of p so a
// link inside the tree cannot smuggle writes outside the root.
func resolveExisting(p string) string {
	if real, err := filepath.EvalSymlinks(p); err == nil {
		return real
	}
	dir := filepath.Dir(p)
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(real, filepath.Base(p))
	}
	return p
}

// TaskDir returns the per-task directory under the shared storage root,
// creating it if needed.
func TaskDir(root, taskID string) (string, error) {
	dir, err := Confine(root, filepath.Join("workflows", taskID))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	return dir, nil
}

// IsRegularFile reports an error unless path exists and is a regular file.
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
