package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/featureflow/featureflow/internal/domain"
)

// PathGuard validates that a candidate write path normalizes to a location
// under one of the configured write roots inside the repository root.
// Validation always precedes any filesystem mutation.
type PathGuard struct {
	repoRoot   string
	writeRoots []string
}

// NewPathGuard builds a guard for repoRoot with the configured root segments.
// Roots are repo-relative path prefixes such as "featureflow" or "tests".
func NewPathGuard(repoRoot string, writeRoots []string) (*PathGuard, error) {
	abs, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving repo root: %w", err)
	}
	roots := make([]string, 0, len(writeRoots))
	for _, root := range writeRoots {
		cleaned := filepath.ToSlash(filepath.Clean(root))
		if cleaned == "" || cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(root) {
			return nil, fmt.Errorf("invalid write root %q", root)
		}
		roots = append(roots, cleaned)
	}
	return &PathGuard{repoRoot: abs, writeRoots: roots}, nil
}

// Resolve normalizes path (resolving "."/".." segments and any symlinked
// ancestors) and returns the absolute location iff it stays under one of the
// write roots. Every rejection is domain.ErrPathViolation.
func (g *PathGuard) Resolve(path string) (string, error) {
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(g.repoRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	resolved, err := resolveSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrPathViolation, path)
	}
	repoRoot, err := filepath.EvalSymlinks(g.repoRoot)
	if err != nil {
		repoRoot = g.repoRoot
	}

	rel, err := filepath.Rel(repoRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes repository root", domain.ErrPathViolation, path)
	}
	rel = filepath.ToSlash(rel)
	for _, root := range g.writeRoots {
		if rel == root || strings.HasPrefix(rel, root+"/") {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s", domain.ErrPathViolation, path)
}

// resolveSymlinks resolves the deepest existing ancestor of path so a symlink
// escape is caught even when the final component does not exist yet.
func resolveSymlinks(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
