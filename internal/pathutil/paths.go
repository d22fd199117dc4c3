// Package pathutil resolves and guards the file paths a run reads and writes.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Resolve returns p unchanged when it is empty or absolute, and joined onto
// base otherwise.
func Resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// RedactPath reduces a full path to .../<parent>/<basename> for error messages.
// For example, "/home/user/data/betas.arrow" becomes ".../data/betas.arrow".
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	dir := filepath.Dir(cleaned)
	base := filepath.Base(cleaned)
	parent := filepath.Base(dir)
	if parent == "." || parent == string(filepath.Separator) {
		return base
	}
	return ".../" + parent + "/" + base
}

// Slug turns a probe-set name into a file name component. Anything outside
// [A-Za-z0-9._-] becomes '_', and names made only of dots are prefixed.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if strings.Trim(s, ".") == "" {
		s = "_" + s
	}
	return s
}

// ValidateWithin checks that path resolves to a location inside dir.
// Symlinks are resolved on the deepest existing ancestor so that a path
// whose parents do not exist yet can still be checked.
func ValidateWithin(path, dir string) error {
	if path == "" {
		return fmt.Errorf("path validation failed: path is empty")
	}
	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("path validation failed: path contains null byte")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve absolute path: %w", err)
	}
	resolvedDir, err := resolveExistingParent(filepath.Dir(absPath))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve parent directory: %w", err)
	}
	resolvedPath := filepath.Join(resolvedDir, filepath.Base(absPath))

	allowedAbs, err := filepath.Abs(filepath.Clean(dir))
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve directory: %w", err)
	}
	allowed, err := resolveExistingParent(allowedAbs)
	if err != nil {
		return fmt.Errorf("path validation failed: cannot resolve directory: %w", err)
	}

	if !isSubpath(resolvedPath, allowed) {
		return fmt.Errorf("path validation failed: %q is outside %q", RedactPath(absPath), RedactPath(allowed))
	}
	return nil
}

// resolveExistingParent walks up the directory tree to find the deepest existing
// ancestor, resolves symlinks on it, then re-appends the non-existent tail.
func resolveExistingParent(dir string) (string, error) {
	resolved, err := filepath.EvalSymlinks(dir)
	if err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve path: %s", RedactPath(dir))
	}

	resolvedParent, err := resolveExistingParent(parent)
	if err != nil {
		return "", err
	}

	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}

// isSubpath checks whether path is equal to or below base.
func isSubpath(path, base string) bool {
	if path == base {
		return true
	}
	// "/tmp/foo" must not match "/tmp/foobar"
	prefix := base + string(os.PathSeparator)
	return strings.HasPrefix(path, prefix)
}
