// Package fsops performs guarded filesystem access. Every path is validated
// by the path guard before any mutation, writes are atomic, and a size cap
// bounds both written content and files read back into memory.
package fsops

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/security"
)

// FileOps reads and writes files under the guard's write roots.
type FileOps struct {
	guard        *security.PathGuard
	maxFileBytes int64
}

// New creates FileOps with the given guard and file-size cap in bytes.
func New(guard *security.PathGuard, maxFileBytes int64) *FileOps {
	if maxFileBytes <= 0 {
		maxFileBytes = 512 * 1024
	}
	return &FileOps{guard: guard, maxFileBytes: maxFileBytes}
}

// Write validates path, then writes content atomically (temp file plus
// rename) so a crash mid-write never leaves a half-written file visible
// under the final name.
func (f *FileOps) Write(path string, content []byte) error {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return err
	}
	if int64(len(content)) > f.maxFileBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", domain.ErrFileTooLarge, len(content), f.maxFileBytes)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return fmt.Errorf("creating parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(resolved), "."+filepath.Base(resolved)+".tmp*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Append reads, appends, and atomically rewrites. Used for the run report's
// per-node sections.
func (f *FileOps) Append(path string, content []byte) error {
	existing, err := f.Read(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return f.Write(path, append(existing, content...))
}

// Read validates path and returns the file content. The on-disk size is
// checked against the cap before the content is loaded into memory.
func (f *FileOps) Read(path string) ([]byte, error) {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, err
	}
	if info.Size() > f.maxFileBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", domain.ErrFileTooLarge, path, info.Size(), f.maxFileBytes)
	}
	return os.ReadFile(resolved)
}

// Validate runs the path guard without touching the filesystem. Callers use
// it to reject a whole batch of writes before mutating anything.
func (f *FileOps) Validate(path string) error {
	_, err := f.guard.Resolve(path)
	return err
}

// Remove validates path and deletes the file. Removing a file that does not
// exist is not an error.
func (f *FileOps) Remove(path string) error {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether the guarded path exists.
func (f *FileOps) Exists(path string) bool {
	resolved, err := f.guard.Resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(resolved)
	return err == nil
}
