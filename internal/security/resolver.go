// Package security implements the validation pipeline that gates file
// and command actions: path containment inside the workspace root, and
// command classification against dangerous/allowlist rules.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathDenied is returned when a path escapes the workspace root
	// or cannot be resolved safely.
	ErrPathDenied = errors.New("security: path denied")
)

const defaultMaxDepth = 128

// PathValidator canonicalises candidate paths and refuses anything that
// resolves outside the workspace root. Resolution failures are denials,
// never silent passes.
type PathValidator struct {
	maxDepth int
}

func NewPathValidator() *PathValidator {
	return &PathValidator{maxDepth: defaultMaxDepth}
}

// Validate resolves candidate (following symlinks on the existing part of
// the path) and verifies the result is root or a descendant of root. The
// returned path is the resolved absolute form.
func (v *PathValidator) Validate(candidate, root string) (string, error) {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathDenied)
	}
	rootClean := strings.TrimSpace(root)
	if rootClean == "" {
		return "", fmt.Errorf("%w: empty workspace root", ErrPathDenied)
	}

	resolvedRoot, err := resolveExisting(rootClean)
	if err != nil {
		return "", fmt.Errorf("%w: resolve workspace root: %v", ErrPathDenied, err)
	}

	abs := trimmed
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(resolvedRoot, abs)
	}
	abs = filepath.Clean(abs)

	if v.maxDepth > 0 && strings.Count(abs, string(filepath.Separator)) > v.maxDepth {
		return "", fmt.Errorf("%w: path exceeds max depth %d", ErrPathDenied, v.maxDepth)
	}

	resolved, err := resolveCandidate(abs)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %q: %v", ErrPathDenied, candidate, err)
	}

	if !within(resolved, resolvedRoot) {
		return "", fmt.Errorf("%w: %s is outside workspace %s", ErrPathDenied, resolved, resolvedRoot)
	}
	return resolved, nil
}

// resolveCandidate follows symlinks on the longest existing prefix of abs
// and re-joins the missing tail, so not-yet-created files still validate
// against their real parent directory.
func resolveCandidate(abs string) (string, error) {
	prefix := abs
	var tail []string
	for {
		if _, err := os.Lstat(prefix); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(prefix)
		if parent == prefix {
			break
		}
		tail = append([]string{filepath.Base(prefix)}, tail...)
		prefix = parent
	}

	resolved, err := filepath.EvalSymlinks(prefix)
	if err != nil {
		return "", err
	}
	if len(tail) == 0 {
		return resolved, nil
	}
	for _, part := range tail {
		if part == ".." {
			return "", fmt.Errorf("parent traversal through missing segment")
		}
	}
	return filepath.Join(append([]string{resolved}, tail...)...), nil
}

func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(filepath.Clean(abs))
	if err != nil {
		return "", err
	}
	return resolved, nil
}

func within(path, root string) bool {
	if root == "" {
		return false
	}
	path = filepath.Clean(path)
	root = filepath.Clean(root)

	if path == root {
		return true
	}
	if root == string(filepath.Separator) {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
