package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/featureflow/featureflow/internal/domain"
)

func newGuard(t *testing.T, roots ...string) (*PathGuard, string) {
	t.Helper()
	repo := t.TempDir()
	for _, root := range roots {
		if err := os.MkdirAll(filepath.Join(repo, root), 0755); err != nil {
			t.Fatal(err)
		}
	}
	guard, err := NewPathGuard(repo, roots)
	if err != nil {
		t.Fatal(err)
	}
	return guard, repo
}

func TestPathGuard_AllowsWriteRoots(t *testing.T) {
	guard, repo := newGuard(t, "featureflow", "tests")

	for _, path := range []string{
		"featureflow/engine.go",
		"tests/engine_test.go",
		filepath.Join(repo, "featureflow", "sub", "file.go"),
	} {
		if _, err := guard.Resolve(path); err != nil {
			t.Errorf("Resolve(%q) error = %v, want nil", path, err)
		}
	}
}

func TestPathGuard_RejectsOutsideRoots(t *testing.T) {
	guard, _ := newGuard(t, "featureflow", "tests")

	for _, path := range []string{
		"README.md",
		"other/file.go",
		"/etc/passwd",
	} {
		_, err := guard.Resolve(path)
		if !errors.Is(err, domain.ErrPathViolation) {
			t.Errorf("Resolve(%q) error = %v, want ErrPathViolation", path, err)
		}
	}
}

func TestPathGuard_RejectsTraversal(t *testing.T) {
	guard, _ := newGuard(t, "featureflow", "tests")

	for _, path := range []string{
		"../../etc/passwd",
		"featureflow/../../outside.txt",
		"tests/../..",
	} {
		_, err := guard.Resolve(path)
		if !errors.Is(err, domain.ErrPathViolation) {
			t.Errorf("Resolve(%q) error = %v, want ErrPathViolation", path, err)
		}
	}
}

func TestPathGuard_TraversalWithinRootAllowed(t *testing.T) {
	guard, _ := newGuard(t, "featureflow")

	resolved, err := guard.Resolve("featureflow/sub/../file.go")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if filepath.Base(resolved) != "file.go" {
		t.Errorf("resolved = %q, want .../file.go", resolved)
	}
}

func TestPathGuard_SymlinkEscapeBlocked(t *testing.T) {
	guard, repo := newGuard(t, "featureflow")

	outside := t.TempDir()
	link := filepath.Join(repo, "featureflow", "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := guard.Resolve("featureflow/link/evil.txt")
	if !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("Resolve() error = %v, want ErrPathViolation", err)
	}
}

func TestNewPathGuard_RejectsBadRoots(t *testing.T) {
	repo := t.TempDir()
	for _, roots := range [][]string{
		{".."},
		{"../outside"},
		{"/absolute"},
		{"."},
	} {
		if _, err := NewPathGuard(repo, roots); err == nil {
			t.Errorf("NewPathGuard(%v) error = nil, want error", roots)
		}
	}
}
