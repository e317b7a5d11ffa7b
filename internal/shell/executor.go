// Package shell runs allowlisted commands with a hard timeout and bounded
// output capture. No process is ever spawned for a command the allowlist
// refuses, and every request, allowed or not, is recorded before the caller
// sees the result.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/security"
)

const truncationMarker = "\n[output truncated]"

// RecordFunc receives the audit record for a command request. It runs before
// Run returns, so the allowlist decision is always part of the trail.
type RecordFunc func(domain.CommandRecord)

// Executor validates commands against an allowlist and executes them.
type Executor struct {
	allowlist      *security.Allowlist
	maxOutputBytes int64
}

// New creates an Executor. maxOutputBytes caps each captured stream; output
// beyond the cap is truncated with an explicit marker.
func New(allowlist *security.Allowlist, maxOutputBytes int64) *Executor {
	if maxOutputBytes <= 0 {
		maxOutputBytes = 256 * 1024
	}
	return &Executor{allowlist: allowlist, maxOutputBytes: maxOutputBytes}
}

// Run executes command in cwd under timeout. A command the allowlist refuses
// yields a rejected record and domain.ErrNotAllowed without spawning anything.
// A timed-out process is killed and reported with a nil exit code and the
// TimedOut flag, distinct from an ordinary non-zero exit.
func (e *Executor) Run(ctx context.Context, command []string, cwd string, timeout time.Duration, record RecordFunc) (domain.CommandRecord, error) {
	started := time.Now().UTC()

	if !e.allowlist.Check(command) {
		rec := domain.CommandRecord{
			Command:    append([]string(nil), command...),
			Stderr:     fmt.Sprintf("command not allowed: %v", command),
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Rejected:   true,
		}
		if record != nil {
			record(rec)
		}
		return rec, fmt.Errorf("%w: %v", domain.ErrNotAllowed, command)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, command[0], command[1:]...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	finished := time.Now().UTC()

	rec := domain.CommandRecord{
		Command:    append([]string(nil), command...),
		Stdout:     capOutput(stdout.Bytes(), e.maxOutputBytes),
		Stderr:     capOutput(stderr.Bytes(), e.maxOutputBytes),
		StartedAt:  started,
		FinishedAt: finished,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		rec.TimedOut = true
		if rec.Stderr != "" {
			rec.Stderr += "\n"
		}
		rec.Stderr += fmt.Sprintf("command timed out after %s", timeout)
	case runErr == nil:
		code := 0
		rec.ExitCode = &code
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			rec.ExitCode = &code
		} else {
			if record != nil {
				record(rec)
			}
			return rec, fmt.Errorf("starting %s: %w", command[0], runErr)
		}
	}

	if record != nil {
		record(rec)
	}
	return rec, nil
}

func capOutput(data []byte, max int64) string {
	if int64(len(data)) <= max {
		return string(data)
	}
	return string(data[:max]) + truncationMarker
}
