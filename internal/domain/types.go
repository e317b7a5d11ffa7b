package domain

// RunStatus represents the lifecycle state of a run. Statuses are the node
// names of the workflow graph; a run's status is the node it will execute
// next (or is suspended/terminated at).
type RunStatus string

const (
	StatusLoadContext        RunStatus = "LOAD_CONTEXT"
	StatusPlan               RunStatus = "PLAN"
	StatusProposeChanges     RunStatus = "PROPOSE_CHANGES"
	StatusAwaitApprovalPlan  RunStatus = "AWAIT_APPROVAL_PLAN"
	StatusAwaitApprovalPatch RunStatus = "AWAIT_APPROVAL_PATCH"
	StatusAwaitApprovalFinal RunStatus = "AWAIT_APPROVAL_FINAL"
	StatusApplyChanges       RunStatus = "APPLY_CHANGES"
	StatusRunTests           RunStatus = "RUN_TESTS"
	StatusDiagnose           RunStatus = "DIAGNOSE"
	StatusRegressionRisk     RunStatus = "REGRESSION_RISK"
	StatusReview             RunStatus = "REVIEW"
	StatusFinalize           RunStatus = "FINALIZE"
	StatusFailed             RunStatus = "FAILED"
)

// Terminal reports whether the status admits no further execution.
func (s RunStatus) Terminal() bool {
	return s == StatusFailed || s == StatusFinalize
}

// Suspended reports whether the status is a human-approval pause point.
func (s RunStatus) Suspended() bool {
	switch s {
	case StatusAwaitApprovalPlan, StatusAwaitApprovalPatch, StatusAwaitApprovalFinal:
		return true
	}
	return false
}

// Gate names the three human approval pause points.
type Gate string

const (
	GatePlan  Gate = "plan"
	GatePatch Gate = "patch"
	GateFinal Gate = "final"
)

// GateForStatus returns the gate a suspended status is waiting on, or "".
func GateForStatus(s RunStatus) Gate {
	switch s {
	case StatusAwaitApprovalPlan:
		return GatePlan
	case StatusAwaitApprovalPatch:
		return GatePatch
	case StatusAwaitApprovalFinal:
		return GateFinal
	}
	return ""
}

// Failure reasons recorded on transition into FAILED. These are stable codes
// operators key off, so they must not change.
const (
	FailurePlanRefused       = "plan_refused"
	FailurePlanRejected      = "plan_rejected"
	FailurePatchRejected     = "patch_rejected"
	FailureFinalRejected     = "final_rejected"
	FailureLimitsExceeded    = "limits_exceeded"
	FailurePathViolation     = "path_violation"
	FailureDisallowedCommand = "disallowed_command"
	FailureMaxItersExceeded  = "max_iters_exceeded"
	FailureRuntimeExceeded   = "runtime_exceeded"
	FailurePatchApply        = "patch_apply_failed"
	FailureContextUnreadable = "context_unreadable"
)
