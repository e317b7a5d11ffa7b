package runstore

import (
	"errors"
	"testing"
	"time"

	"github.com/featureflow/featureflow/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRun(id string) *domain.Run {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exit := 0
	return &domain.Run{
		RunID:  id,
		Status: domain.StatusAwaitApprovalPlan,
		Inputs: domain.Inputs{Story: "add greeting flag", Branch: "main"},
		Plan: &domain.Plan{
			ChangeRequestMD: "# Change Request\n\n## Objective\nAdd greeting flag.\n",
			TestPlanMD:      "# Test Plan\n\n- go test ./...\n",
		},
		Tests: domain.Tests{
			Commands: []domain.CommandRecord{
				{Command: []string{"go", "test", "./..."}, ExitCode: &exit},
			},
		},
		Approvals: []domain.Approval{
			{Gate: domain.GatePlan, Approved: true, Approver: "alice", Timestamp: now},
		},
		Limits:    domain.Limits{MaxIters: 3, MaxFilesChanged: 20, MaxDiffLines: 800, MaxRuntimeSec: 600},
		LoopCount: 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetRun(t *testing.T) {
	store := newTestStore(t)

	run := sampleRun("run-1")
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != run.Status {
		t.Errorf("status = %q, want %q", got.Status, run.Status)
	}
	if len(got.Approvals) != 1 || got.Approvals[0].Approver != "alice" {
		t.Errorf("approvals not preserved: %+v", got.Approvals)
	}
	if len(got.Tests.Commands) != 1 {
		t.Fatalf("commands not preserved: %+v", got.Tests.Commands)
	}
	if got.Tests.Commands[0].ExitCode == nil || *got.Tests.Commands[0].ExitCode != 0 {
		t.Errorf("exit code not preserved: %+v", got.Tests.Commands[0].ExitCode)
	}
	if got.Plan == nil || got.Plan.ChangeRequestMD == "" {
		t.Errorf("plan not preserved: %+v", got.Plan)
	}
	if got.Limits.MaxIters != 3 {
		t.Errorf("limits not preserved: %+v", got.Limits)
	}
}

func TestCreateRunDuplicate(t *testing.T) {
	store := newTestStore(t)

	run := sampleRun("run-1")
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := store.CreateRun(run); err == nil {
		t.Error("expected error creating duplicate run")
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun("missing")
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestSaveRun(t *testing.T) {
	store := newTestStore(t)

	run := sampleRun("run-1")
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run.Status = domain.StatusApplyChanges
	run.LoopCount = 2
	if err := store.SaveRun(run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != domain.StatusApplyChanges {
		t.Errorf("status = %q, want %q", got.Status, domain.StatusApplyChanges)
	}
	if got.LoopCount != 2 {
		t.Errorf("loop_count = %d, want 2", got.LoopCount)
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("updated_at %v not after created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestSaveRunNotFound(t *testing.T) {
	store := newTestStore(t)

	run := sampleRun("missing")
	if err := store.SaveRun(run); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestListRunsByStatus(t *testing.T) {
	store := newTestStore(t)

	a := sampleRun("run-a")
	b := sampleRun("run-b")
	b.Status = domain.StatusFailed
	b.CreatedAt = a.CreatedAt.Add(time.Minute)
	for _, run := range []*domain.Run{a, b} {
		if err := store.CreateRun(run); err != nil {
			t.Fatalf("CreateRun(%s): %v", run.RunID, err)
		}
	}

	all, err := store.ListRuns(ListOptions{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}
	if all[0].RunID != "run-a" || all[1].RunID != "run-b" {
		t.Errorf("order = %s, %s", all[0].RunID, all[1].RunID)
	}

	failed, err := store.ListRuns(ListOptions{Status: domain.StatusFailed})
	if err != nil {
		t.Fatalf("ListRuns(failed): %v", err)
	}
	if len(failed) != 1 || failed[0].RunID != "run-b" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestAppendAndListEvents(t *testing.T) {
	store := newTestStore(t)

	run := sampleRun("run-1")
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	events := []*Event{
		{RunID: "run-1", Node: "LOAD_CONTEXT", StatusBefore: domain.StatusLoadContext, StatusAfter: domain.StatusPlan, OK: true, DurationSec: 0.2},
		{RunID: "run-1", Node: "PLAN", StatusBefore: domain.StatusPlan, StatusAfter: domain.StatusAwaitApprovalPlan, OK: true, DurationSec: 1.5},
	}
	for _, event := range events {
		if err := store.AppendEvent(event); err != nil {
			t.Fatalf("AppendEvent(%s): %v", event.Node, err)
		}
		if event.ID == 0 {
			t.Errorf("event %s: id not assigned", event.Node)
		}
	}

	got, err := store.ListEvents("run-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(got))
	}
	if got[0].Node != "LOAD_CONTEXT" || got[1].Node != "PLAN" {
		t.Errorf("order = %s, %s", got[0].Node, got[1].Node)
	}
	if got[1].StatusAfter != domain.StatusAwaitApprovalPlan {
		t.Errorf("status_after = %q", got[1].StatusAfter)
	}
	if got[0].DurationSec != 0.2 {
		t.Errorf("duration = %v, want 0.2", got[0].DurationSec)
	}
}
