package domain

import "testing"

func TestSetPlanClearsRefusal(t *testing.T) {
	run := &Run{}
	run.SetRefusal(Refusal{Message: "story too vague"})
	run.SetPlan(Plan{ChangeRequestMD: "# Change Request"})

	if run.Plan == nil {
		t.Fatal("plan not set")
	}
	if run.Refusal != nil {
		t.Errorf("refusal not cleared: %+v", run.Refusal)
	}

	run.SetRefusal(Refusal{Message: "missing acceptance criteria"})
	if run.Plan != nil {
		t.Errorf("plan not cleared: %+v", run.Plan)
	}
	if run.Refusal == nil || run.Refusal.Message != "missing acceptance criteria" {
		t.Errorf("refusal = %+v", run.Refusal)
	}
}

func TestPendingGateFollowsStatus(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   Gate
	}{
		{StatusAwaitApprovalPlan, GatePlan},
		{StatusAwaitApprovalPatch, GatePatch},
		{StatusAwaitApprovalFinal, GateFinal},
		{StatusApplyChanges, ""},
		{StatusFinalize, ""},
		{StatusFailed, ""},
	}
	for _, tt := range tests {
		run := &Run{Status: tt.status}
		if got := run.PendingGate(); got != tt.want {
			t.Errorf("PendingGate(%s) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestTerminalAndSuspended(t *testing.T) {
	for _, s := range []RunStatus{StatusFinalize, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusLoadContext, StatusPlan, StatusRunTests, StatusAwaitApprovalPlan} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusAwaitApprovalPlan, StatusAwaitApprovalPatch, StatusAwaitApprovalFinal} {
		if !s.Suspended() {
			t.Errorf("%s should be suspended", s)
		}
	}
	if StatusRunTests.Suspended() {
		t.Error("RUN_TESTS should not be suspended")
	}
}

func TestFailFirstReasonWins(t *testing.T) {
	run := &Run{
		Status:        StatusApplyChanges,
		ApprovalsMeta: Approvals{PendingGate: GatePatch},
	}
	run.Fail(FailurePathViolation, "write outside allowed roots")
	run.Fail(FailureLimitsExceeded, "should not overwrite")

	if run.Status != StatusFailed {
		t.Fatalf("status = %q", run.Status)
	}
	if run.FailureReason != FailurePathViolation {
		t.Errorf("failure_reason = %q, want %q", run.FailureReason, FailurePathViolation)
	}
	if run.StatusMeta.Message != "write outside allowed roots" {
		t.Errorf("message = %q", run.StatusMeta.Message)
	}
	if run.ApprovalsMeta.PendingGate != "" {
		t.Errorf("pending gate not cleared: %q", run.ApprovalsMeta.PendingGate)
	}
}

func TestLastExitCode(t *testing.T) {
	zero, three := 0, 3

	var none Tests
	if got := none.LastExitCode(); got != nil {
		t.Errorf("empty history: got %v, want nil", *got)
	}

	tests := Tests{Commands: []CommandRecord{
		{Command: []string{"go", "test", "./..."}, ExitCode: &three},
		{Command: []string{"go", "test", "./..."}, ExitCode: &zero},
		{Command: []string{"rm", "-rf", "/"}, Rejected: true},
	}}
	got := tests.LastExitCode()
	if got == nil || *got != 0 {
		t.Errorf("LastExitCode = %v, want 0 (rejected entries skipped)", got)
	}
}
