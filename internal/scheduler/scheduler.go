// Package scheduler periodically sweeps runs that have outlived their
// wall-clock budget, so a run abandoned at an approval gate still ends in
// FAILED instead of lingering forever.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper marks stale runs as failed and reports how many it swept.
type Sweeper interface {
	FailStaleRuns(ctx context.Context) (int, error)
}

// Scheduler drives a Sweeper on a cron spec.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	spec    string
}

// New creates a Scheduler. spec is a cron expression; descriptors like
// "@every 1m" are accepted.
func New(spec string, sweeper Sweeper) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		sweeper: sweeper,
		spec:    spec,
	}
}

// Start registers the sweep job and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		swept, err := s.sweeper.FailStaleRuns(sweepCtx)
		if err != nil {
			log.Printf("scheduler: sweep failed: %v", err)
			return
		}
		if swept > 0 {
			log.Printf("scheduler: swept %d stale runs", swept)
		}
	})
	if err != nil {
		return fmt.Errorf("registering sweep %q: %w", s.spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// NextRun returns when the next sweep will fire, or the zero time when the
// scheduler is not started.
func (s *Scheduler) NextRun() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
