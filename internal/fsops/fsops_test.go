package fsops

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/security"
)

func newFileOps(t *testing.T, maxBytes int64) (*FileOps, string) {
	t.Helper()
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, "outputs"), 0755); err != nil {
		t.Fatal(err)
	}
	guard, err := security.NewPathGuard(repo, []string{"outputs"})
	if err != nil {
		t.Fatal(err)
	}
	return New(guard, maxBytes), repo
}

func TestWriteAndRead_RoundTrip(t *testing.T) {
	ops, _ := newFileOps(t, 1024)

	if err := ops.Write("outputs/run/report.md", []byte("# Report\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := ops.Read("outputs/run/report.md")
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(got) != "# Report\n" {
		t.Errorf("content = %q, want # Report", got)
	}
}

func TestWrite_OutsideRootsRejectedWithoutMutation(t *testing.T) {
	ops, repo := newFileOps(t, 1024)

	err := ops.Write("../../etc/passwd", []byte("nope"))
	if !errors.Is(err, domain.ErrPathViolation) {
		t.Fatalf("Write() error = %v, want ErrPathViolation", err)
	}
	if _, statErr := os.Stat(filepath.Join(repo, "..", "etc")); statErr == nil {
		t.Error("no file must be created outside the repository")
	}
}

func TestWrite_TooLargeRejected(t *testing.T) {
	ops, _ := newFileOps(t, 8)

	err := ops.Write("outputs/big.txt", []byte("0123456789"))
	if !errors.Is(err, domain.ErrFileTooLarge) {
		t.Fatalf("Write() error = %v, want ErrFileTooLarge", err)
	}
	if ops.Exists("outputs/big.txt") {
		t.Error("oversized write must not create a file")
	}
}

func TestRead_TooLargeRejectedBeforeLoad(t *testing.T) {
	ops, repo := newFileOps(t, 8)

	big := filepath.Join(repo, "outputs", "big.txt")
	if err := os.WriteFile(big, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := ops.Read("outputs/big.txt")
	if !errors.Is(err, domain.ErrFileTooLarge) {
		t.Errorf("Read() error = %v, want ErrFileTooLarge", err)
	}
}

func TestWrite_LeavesNoTempFileBehind(t *testing.T) {
	ops, repo := newFileOps(t, 1024)

	if err := ops.Write("outputs/a.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(repo, "outputs"))
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestAppend_CreatesThenExtends(t *testing.T) {
	ops, _ := newFileOps(t, 1024)

	if err := ops.Append("outputs/report.md", []byte("one\n")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := ops.Append("outputs/report.md", []byte("two\n")); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	got, err := ops.Read("outputs/report.md")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one\ntwo\n" {
		t.Errorf("content = %q, want one\\ntwo\\n", got)
	}
}

func TestRemove(t *testing.T) {
	root := t.TempDir()
	guard, err := security.NewPathGuard(root, []string{"outputs"})
	if err != nil {
		t.Fatal(err)
	}
	files := New(guard, 0)

	if err := files.Write("outputs/doomed.txt", []byte("bye")); err != nil {
		t.Fatal(err)
	}
	if err := files.Remove("outputs/doomed.txt"); err != nil {
		t.Fatal(err)
	}
	if files.Exists("outputs/doomed.txt") {
		t.Error("file still exists after Remove")
	}

	// Missing file is not an error
	if err := files.Remove("outputs/doomed.txt"); err != nil {
		t.Errorf("removing missing file: %v", err)
	}

	// Guard still applies
	if err := files.Remove("../outside.txt"); !errors.Is(err, domain.ErrPathViolation) {
		t.Errorf("err = %v, want ErrPathViolation", err)
	}
}
