package isolation

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/buildcore/pkg/schema"
)

// Limits constrains a process started by a build action.
type Limits struct {
	Timeout time.Duration `json:"timeout,omitempty"`
	// WritablePaths restricts where commands may run and units may write.
	// Empty means unrestricted.
	WritablePaths []string `json:"writable_paths,omitempty"`
	DenyPaths     []string `json:"deny_paths,omitempty"`
}

// Access is the kind of filesystem access being checked.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// CheckPath reports whether path may be accessed under these limits.
// DenyPaths always wins; reads are otherwise unrestricted.
func (l Limits) CheckPath(path string, mode Access) error {
	clean, err := resolvePath(path)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	for _, deny := range l.DenyPaths {
		base, err := resolvePath(deny)
		if err != nil {
			// An unreadable deny rule denies everything.
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q denied: invalid deny rule %q", path, deny)
		}
		if isUnder(clean, base) {
			return schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	if mode == AccessRead || len(l.WritablePaths) == 0 {
		return nil
	}
	for _, w := range l.WritablePaths {
		base, err := resolvePath(w)
		if err != nil {
			continue
		}
		if isUnder(clean, base) {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodePathDenied, "write access to %q denied: not under any writable path", path)
}

// resolvePath makes path absolute and resolves symlinks on its longest
// existing prefix, so paths that do not exist yet compare consistently.
func resolvePath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	suffix := ""
	for dir := abs; ; {
		parent := filepath.Dir(dir)
		suffix = filepath.Join(filepath.Base(dir), suffix)
		if parent == dir {
			return abs, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		dir = parent
	}
}

// isUnder reports whether path is base or inside it.
func isUnder(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// Isolator wraps a command so it runs under the given limits.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
}

// New returns the isolator for this platform. Only timeout and path
// checks are enforced; kernel-level limits are not available.
func New() Isolator {
	return &ProcessIsolator{}
}
