package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (c *countingSweeper) FailStaleRuns(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestSchedulerRunsSweep(t *testing.T) {
	sweeper := &countingSweeper{}
	sched := New("@every 100ms", sweeper)

	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	deadline := time.After(5 * time.Second)
	for sweeper.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("sweep never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	sched := New("not a cron spec", &countingSweeper{})
	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid spec")
	}
}

func TestNextRun(t *testing.T) {
	sched := New("@every 1h", &countingSweeper{})

	if !sched.NextRun().IsZero() {
		t.Error("NextRun should be zero before Start")
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop()

	next := sched.NextRun()
	if next.IsZero() || next.Before(time.Now()) {
		t.Errorf("NextRun = %v", next)
	}
}
