// Package gitops wraps the git operations the workflow needs: reading the
// working tree state for LOAD_CONTEXT and maintaining the per-run agent
// branch that APPLY_CHANGES commits onto.
package gitops

import (
	"fmt"
	"os/exec"
	"strings"
)

// Repo runs git against a single repository working directory.
type Repo struct {
	dir string
}

// NewRepo creates a Repo for the given working directory.
func NewRepo(dir string) *Repo {
	return &Repo{dir: dir}
}

func (r *Repo) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}

// IsRepo reports whether the directory is inside a git work tree.
func (r *Repo) IsRepo() bool {
	out, err := r.git("rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Status returns the porcelain status of the working tree.
func (r *Repo) Status() (string, error) {
	return r.git("status", "--porcelain")
}

// Diff returns the combined staged and unstaged diff against HEAD.
func (r *Repo) Diff() (string, error) {
	return r.git("diff", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BranchName returns the agent branch name for a run.
func BranchName(runID string) string {
	return "agent/" + runID
}

// EnsureBranch checks out the run's agent branch, creating it from the
// current HEAD on first use. Re-entering an existing branch is a no-op, so
// fix-loop iterations keep committing onto the same branch.
func (r *Repo) EnsureBranch(runID string) (string, error) {
	branch := BranchName(runID)

	current, err := r.CurrentBranch()
	if err != nil {
		return "", err
	}
	if current == branch {
		return branch, nil
	}

	if _, err := r.git("rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if _, err := r.git("checkout", branch); err != nil {
			return "", err
		}
		return branch, nil
	}

	if _, err := r.git("checkout", "-b", branch); err != nil {
		return "", err
	}
	return branch, nil
}

// CommitAll stages everything and commits with the given message. It is a
// no-op when the working tree is clean.
func (r *Repo) CommitAll(message string) error {
	status, err := r.Status()
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, err := r.git("add", "-A"); err != nil {
		return err
	}
	if _, err := r.git("commit", "-m", message); err != nil {
		return err
	}
	return nil
}

// LsTree lists tracked files at HEAD, one path per entry.
func (r *Repo) LsTree() ([]string, error) {
	out, err := r.git("ls-files")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}
