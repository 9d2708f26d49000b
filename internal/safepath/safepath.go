// Package safepath joins user-influenced path segments against a base
// directory and rejects anything that would escape it. Every file operation
// in the archive routes through this package; entry and channel names come
// from Discord users and must never reach the filesystem unchecked.
package safepath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is wrapped by every rejection from this package.
var ErrPathTraversal = errors.New("path traversal detected")

// Join resolves each part in turn against base, failing if any intermediate
// result leaves the base directory.
func Join(base string, parts ...string) (string, error) {
	current := filepath.Clean(base)
	for _, part := range parts {
		next, err := Resolve(current, part)
		if err != nil {
			return "", err
		}
		current = next
	}
	return current, nil
}

// Resolve resolves target against base and verifies containment.
func Resolve(base, target string) (string, error) {
	resolvedBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolve base %q: %w", base, err)
	}
	resolvedTarget, err := filepath.Abs(filepath.Join(resolvedBase, target))
	if err != nil {
		return "", fmt.Errorf("resolve target %q: %w", target, err)
	}
	if !contains(resolvedBase, resolvedTarget) {
		return "", fmt.Errorf("%w: resolving %q from %q", ErrPathTraversal, target, base)
	}
	return resolvedTarget, nil
}

// Workspace resolves target against the process working directory.
func Workspace(target string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return Resolve(wd, target)
}

func contains(parent, child string) bool {
	if child == parent {
		return true
	}
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(child, prefix)
}
