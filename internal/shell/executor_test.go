package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/security"
)

func TestRun_AllowedCommandExecutes(t *testing.T) {
	cmd := []string{"sh", "-c", "echo ok"}
	exec := New(security.NewAllowlist([][]string{cmd}), 0)

	var recorded []domain.CommandRecord
	rec, err := exec.Run(context.Background(), cmd, t.TempDir(), 10*time.Second, func(r domain.CommandRecord) {
		recorded = append(recorded, r)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", rec.ExitCode)
	}
	if !strings.Contains(rec.Stdout, "ok") {
		t.Errorf("Stdout = %q, want to contain ok", rec.Stdout)
	}
	if len(recorded) != 1 || recorded[0].Rejected {
		t.Errorf("recorded = %+v, want one allowed entry", recorded)
	}
}

func TestRun_DisallowedCommandSpawnsNothing(t *testing.T) {
	exec := New(security.NewAllowlist([][]string{{"pytest", "-q"}}), 0)

	var recorded []domain.CommandRecord
	rec, err := exec.Run(context.Background(), []string{"rm", "-rf", "/"}, t.TempDir(), time.Second, func(r domain.CommandRecord) {
		recorded = append(recorded, r)
	})
	if !errors.Is(err, domain.ErrNotAllowed) {
		t.Fatalf("Run() error = %v, want ErrNotAllowed", err)
	}
	if !rec.Rejected {
		t.Error("record should be marked rejected")
	}
	if rec.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil (no process spawned)", *rec.ExitCode)
	}
	if len(recorded) != 1 || !recorded[0].Rejected {
		t.Errorf("recorded = %+v, want one rejected entry", recorded)
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	cmd := []string{"sh", "-c", "exit 3"}
	exec := New(security.NewAllowlist([][]string{cmd}), 0)

	rec, err := exec.Run(context.Background(), cmd, t.TempDir(), 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", rec.ExitCode)
	}
}

func TestRun_TimeoutIsDistinguished(t *testing.T) {
	cmd := []string{"sleep", "5"}
	exec := New(security.NewAllowlist([][]string{cmd}), 0)

	rec, err := exec.Run(context.Background(), cmd, t.TempDir(), 100*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rec.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if rec.ExitCode != nil {
		t.Errorf("ExitCode = %v, want nil sentinel on timeout", *rec.ExitCode)
	}
	if !strings.Contains(rec.Stderr, "timed out") {
		t.Errorf("Stderr = %q, want timeout notice", rec.Stderr)
	}
}

func TestRun_OutputTruncatedWithMarker(t *testing.T) {
	cmd := []string{"sh", "-c", "printf 'aaaaaaaaaaaaaaaaaaaa'"}
	exec := New(security.NewAllowlist([][]string{cmd}), 8)

	rec, err := exec.Run(context.Background(), cmd, t.TempDir(), 10*time.Second, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.HasSuffix(rec.Stdout, truncationMarker) {
		t.Errorf("Stdout = %q, want truncation marker suffix", rec.Stdout)
	}
	if !strings.HasPrefix(rec.Stdout, "aaaaaaaa") {
		t.Errorf("Stdout = %q, want capped prefix", rec.Stdout)
	}
}
