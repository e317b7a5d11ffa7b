// Package workflow drives a run through the gated node graph. The engine
// executes nodes one at a time, persists the run after every completed node,
// and suspends at the human approval gates.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/featureflow/featureflow/internal/artifacts"
	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/fsops"
	"github.com/featureflow/featureflow/internal/plan"
	"github.com/featureflow/featureflow/internal/runstore"
	"github.com/featureflow/featureflow/internal/shell"
)

// DiffProvider is the git collaborator the engine depends on.
type DiffProvider interface {
	Status() (string, error)
	Diff() (string, error)
	CurrentBranch() (string, error)
	EnsureBranch(runID string) (string, error)
	CommitAll(message string) error
	LsTree() ([]string, error)
}

// Options wires the engine's collaborators. Limits and the allowlist come
// from configuration at construction time; every run created afterwards
// carries its own copy.
type Options struct {
	Store           *runstore.Store
	Shell           *shell.Executor
	Files           *fsops.FileOps
	Artifacts       *artifacts.Manager
	Diff            DiffProvider
	Planner         plan.Generator
	Proposer        plan.Proposer
	Limits          domain.Limits
	AllowedCommands [][]string
	CommandTimeout  time.Duration
	RepoRoot        string
}

// Notifier observes persisted run mutations. The web layer uses it to fan
// out run updates; a nil notifier is fine.
type Notifier interface {
	RunUpdated(run *domain.Run)
}

// Engine is the run state machine.
type Engine struct {
	store           *runstore.Store
	shell           *shell.Executor
	files           *fsops.FileOps
	artifacts       *artifacts.Manager
	diff            DiffProvider
	planner         plan.Generator
	proposer        plan.Proposer
	limits          domain.Limits
	allowedCommands [][]string
	commandTimeout  time.Duration
	repoRoot        string
	notifier        Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	now func() time.Time
}

// New creates an Engine and validates the transition graph.
func New(opts Options) (*Engine, error) {
	if err := validateGraph(); err != nil {
		return nil, fmt.Errorf("workflow graph: %w", err)
	}
	if opts.Store == nil || opts.Shell == nil || opts.Files == nil || opts.Artifacts == nil || opts.Diff == nil {
		return nil, fmt.Errorf("store, shell, files, artifacts and diff provider are required")
	}
	if opts.Planner == nil {
		opts.Planner = plan.Deterministic{}
	}
	if opts.Proposer == nil {
		opts.Proposer = plan.Deterministic{}
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 600 * time.Second
	}
	return &Engine{
		store:           opts.Store,
		shell:           opts.Shell,
		files:           opts.Files,
		artifacts:       opts.Artifacts,
		diff:            opts.Diff,
		planner:         opts.Planner,
		proposer:        opts.Proposer,
		limits:          opts.Limits,
		allowedCommands: opts.AllowedCommands,
		commandTimeout:  opts.CommandTimeout,
		repoRoot:        opts.RepoRoot,
		locks:           map[string]*sync.Mutex{},
		now:             time.Now,
	}, nil
}

// SetNotifier registers the run-update observer. Call before serving.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// runLock returns the per-run mutex, creating it on first use. Locks are
// never removed; the set of runs a process touches is small.
func (e *Engine) runLock(runID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[runID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[runID] = lock
	}
	return lock
}

// Create allocates a run in LOAD_CONTEXT and persists it. The run carries
// its own copy of the configured limits.
func (e *Engine) Create(ctx context.Context, inputs domain.Inputs) (*domain.Run, error) {
	_ = ctx

	now := e.now().UTC().Truncate(time.Second)
	run := &domain.Run{
		RunID:     uuid.NewString(),
		Status:    domain.StatusLoadContext,
		Inputs:    inputs,
		Limits:    e.limits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	run.StatusMeta.OK = true
	if err := e.store.CreateRun(run); err != nil {
		return nil, err
	}
	e.notify(run)
	return run, nil
}

// Advance executes nodes from the run's current status until it suspends at
// a gate or terminates. Each node is persisted individually, so a crash
// mid-sequence resumes at the last completed node. A concurrent Advance or
// Decide on the same run fails with ErrRunBusy.
func (e *Engine) Advance(ctx context.Context, runID string) (*domain.Run, error) {
	lock := e.runLock(runID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunBusy, runID)
	}
	defer lock.Unlock()

	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if e.finished(run) {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrInvalidState, runID, run.Status)
	}
	if run.Status.Suspended() {
		return nil, fmt.Errorf("%w: run %s is waiting for %s approval", domain.ErrInvalidState, runID, run.PendingGate())
	}

	for {
		if run.Status.Suspended() || e.finished(run) {
			break
		}
		if err := ctx.Err(); err != nil {
			return run, err
		}
		if exceeded := e.checkRuntime(run); exceeded {
			if err := e.persist(run); err != nil {
				return run, err
			}
			break
		}
		if err := e.executeNode(ctx, run); err != nil {
			return run, err
		}
	}
	return run, nil
}

// Decide records a human gate decision. The gate must be the run's pending
// gate; deciding a resolved or mismatched gate fails with ErrGateMismatch
// and leaves the run untouched. Decide never auto-advances past the gate.
func (e *Engine) Decide(ctx context.Context, runID string, gate domain.Gate, approved bool, approver, note string) (*domain.Run, error) {
	_ = ctx

	lock := e.runLock(runID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunBusy, runID)
	}
	defer lock.Unlock()

	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, err
	}

	pending := run.PendingGate()
	if pending == "" {
		return nil, fmt.Errorf("%w: run %s has no pending gate", domain.ErrGateMismatch, runID)
	}
	if pending != gate {
		return nil, fmt.Errorf("%w: pending gate is %q, not %q", domain.ErrGateMismatch, pending, gate)
	}

	before := run.Status
	run.Approvals = append(run.Approvals, domain.Approval{
		Gate:      gate,
		Approved:  approved,
		Approver:  approver,
		Note:      note,
		Timestamp: e.now().UTC(),
	})

	if approved {
		switch gate {
		case domain.GatePlan:
			run.Status = domain.StatusProposeChanges
		case domain.GatePatch:
			run.Status = domain.StatusApplyChanges
		case domain.GateFinal:
			run.Status = domain.StatusFinalize
		}
		run.ApprovalsMeta.PendingGate = ""
		run.StatusMeta.Message = fmt.Sprintf("%s gate approved by %s", gate, approver)
	} else {
		run.Fail(rejectionReason(gate), fmt.Sprintf("%s gate rejected by %s", gate, approver))
	}

	if !validTransition(before, run.Status) {
		return nil, fmt.Errorf("invalid transition %s -> %s", before, run.Status)
	}
	if err := e.persist(run); err != nil {
		return nil, err
	}
	e.recordEvent(run, "DECIDE_"+string(gate), before, 0)
	return run, nil
}

// Get loads a run without taking the per-run lock.
func (e *Engine) Get(runID string) (*domain.Run, error) {
	return e.store.GetRun(runID)
}

// List returns run snapshots, optionally filtered by status.
func (e *Engine) List(status domain.RunStatus) ([]*domain.Run, error) {
	return e.store.ListRuns(runstore.ListOptions{Status: status})
}

// Events returns a run's node event log.
func (e *Engine) Events(runID string) ([]*runstore.Event, error) {
	return e.store.ListEvents(runID)
}

// FailStaleRuns sweeps non-terminal runs whose wall-clock budget has
// expired, including runs parked at an approval gate. Runs currently being
// advanced by another caller are skipped; the next sweep catches them.
func (e *Engine) FailStaleRuns(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(runstore.ListOptions{})
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, candidate := range runs {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		if e.finished(candidate) || candidate.Limits.MaxRuntimeSec <= 0 {
			continue
		}
		if e.now().Sub(candidate.CreatedAt) <= time.Duration(candidate.Limits.MaxRuntimeSec)*time.Second {
			continue
		}

		lock := e.runLock(candidate.RunID)
		if !lock.TryLock() {
			continue
		}
		run, err := e.store.GetRun(candidate.RunID)
		if err != nil {
			lock.Unlock()
			continue
		}
		before := run.Status
		if !e.finished(run) && e.checkRuntime(run) {
			if err := e.persist(run); err == nil {
				e.recordEvent(run, "SWEEP", before, 0)
				swept++
			}
		}
		lock.Unlock()
	}
	return swept, nil
}

// finished reports whether the run admits no further Advance. FINALIZE is a
// status and a node: a run whose status just became FINALIZE still has the
// finalize node to execute, and is finished only once that node has run.
func (e *Engine) finished(run *domain.Run) bool {
	if run.Status == domain.StatusFailed {
		return true
	}
	return run.Status == domain.StatusFinalize && run.StatusMeta.LastNode == string(domain.StatusFinalize)
}

// checkRuntime fails the run when wall-clock time since creation exceeds the
// run's budget. Checked between nodes, so a single long command is bounded
// only by its own timeout.
func (e *Engine) checkRuntime(run *domain.Run) bool {
	if run.Limits.MaxRuntimeSec <= 0 {
		return false
	}
	elapsed := e.now().Sub(run.CreatedAt)
	if elapsed <= time.Duration(run.Limits.MaxRuntimeSec)*time.Second {
		return false
	}
	run.Fail(domain.FailureRuntimeExceeded,
		fmt.Sprintf("run exceeded %ds budget after %s", run.Limits.MaxRuntimeSec, elapsed.Round(time.Second)))
	return true
}

// executeNode runs the node named by the current status, persists the run,
// and appends the node event. Node handlers either complete their side
// effects or fail the run; the persisted state only ever reflects
// fully-completed nodes.
func (e *Engine) executeNode(ctx context.Context, run *domain.Run) error {
	before := run.Status
	started := e.now()

	handler, err := e.handlerFor(before)
	if err != nil {
		return err
	}
	handler(ctx, run)
	run.StatusMeta.LastNode = string(before)

	if !validTransition(before, run.Status) {
		return fmt.Errorf("invalid transition %s -> %s", before, run.Status)
	}
	if err := e.persist(run); err != nil {
		return err
	}
	e.recordEvent(run, string(before), before, e.now().Sub(started).Seconds())
	return nil
}

type nodeFunc func(ctx context.Context, run *domain.Run)

func (e *Engine) handlerFor(status domain.RunStatus) (nodeFunc, error) {
	switch status {
	case domain.StatusLoadContext:
		return e.nodeLoadContext, nil
	case domain.StatusPlan:
		return e.nodePlan, nil
	case domain.StatusProposeChanges:
		return e.nodeProposeChanges, nil
	case domain.StatusApplyChanges:
		return e.nodeApplyChanges, nil
	case domain.StatusRunTests:
		return e.nodeRunTests, nil
	case domain.StatusDiagnose:
		return e.nodeDiagnose, nil
	case domain.StatusRegressionRisk:
		return e.nodeRegressionRisk, nil
	case domain.StatusReview:
		return e.nodeReview, nil
	case domain.StatusFinalize:
		return e.nodeFinalize, nil
	}
	return nil, fmt.Errorf("%w: no node for status %s", domain.ErrInvalidState, status)
}

func (e *Engine) persist(run *domain.Run) error {
	if err := e.store.SaveRun(run); err != nil {
		return err
	}
	e.notify(run)
	return nil
}

func (e *Engine) notify(run *domain.Run) {
	if e.notifier != nil {
		e.notifier.RunUpdated(run)
	}
}

func (e *Engine) recordEvent(run *domain.Run, node string, before domain.RunStatus, durationSec float64) {
	event := &runstore.Event{
		RunID:        run.RunID,
		Node:         node,
		StatusBefore: before,
		StatusAfter:  run.Status,
		OK:           run.Status != domain.StatusFailed,
		Message:      run.StatusMeta.Message,
		DurationSec:  durationSec,
		CreatedAt:    e.now().UTC(),
	}
	// Event log is advisory; a failed append must not fail the node.
	_ = e.store.AppendEvent(event)
}

func rejectionReason(gate domain.Gate) string {
	switch gate {
	case domain.GatePlan:
		return domain.FailurePlanRejected
	case domain.GatePatch:
		return domain.FailurePatchRejected
	case domain.GateFinal:
		return domain.FailureFinalRejected
	}
	return domain.FailurePlanRejected
}
