package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrEmptyPath    = errors.New("path is required")
	ErrAbsolutePath = errors.New("absolute paths are not allowed")
	ErrNulByte      = errors.New("path contains a NUL byte")
	ErrPathEscape   = errors.New("path escapes the project root")
)

// blockedSegments are rejected anywhere in a path, independent of policy
var blockedSegments = []string{
	"/node_modules/",
	"/dist/",
	"/build/",
	"/.next/",
	"/coverage/",
	"/.git/",
	"/migrations/",
}

// IsBlocked reports whether rel points into dependency or build output,
// version-control internals or an environment secret file.
func IsBlocked(rel string) bool {
	p := "/" + strings.ToLower(filepath.ToSlash(rel)) + "/"
	for _, seg := range blockedSegments {
		if strings.Contains(p, seg) {
			return true
		}
	}
	base := strings.ToLower(filepath.Base(rel))
	return base == ".env" || strings.HasPrefix(base, ".env.")
}

// ResolvePath resolves a project-relative path against root, which must
// already be absolute and symlink-free. It returns the absolute path and the
// cleaned slash-form relative path. Symlinks are followed through the deepest
// existing ancestor so a link pointing outside root is rejected.
func ResolvePath(root, rel string) (string, string, error) {
	if rel == "" {
		return "", "", ErrEmptyPath
	}
	if strings.ContainsRune(rel, 0) {
		return "", "", ErrNulByte
	}
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) || filepath.VolumeName(rel) != "" {
		return "", "", fmt.Errorf("%w: %s", ErrAbsolutePath, rel)
	}

	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	abs := filepath.Join(root, cleaned)

	existing := abs
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		existing = parent
	}
	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", "", fmt.Errorf("resolving %s: %w", rel, err)
	}
	if !within(root, real) {
		return "", "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}

	rest, err := filepath.Rel(existing, abs)
	if err != nil {
		return "", "", err
	}
	resolved := filepath.Join(real, rest)
	relOut, err := filepath.Rel(root, resolved)
	if err != nil || relOut == ".." || strings.HasPrefix(relOut, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("%w: %s", ErrPathEscape, rel)
	}
	return resolved, filepath.ToSlash(relOut), nil
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

// ResolveRoot returns the absolute, symlink-free form of root
func ResolveRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}
	return real, nil
}
