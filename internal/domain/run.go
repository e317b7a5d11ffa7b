package domain

import "time"

// Run is one end-to-end execution of the gated workflow for a single story.
// The run store owns the persisted record; the engine mutates an in-memory
// copy and persists it back after every completed node.
type Run struct {
	RunID         string     `json:"run_id"`
	Status        RunStatus  `json:"status"`
	Inputs        Inputs     `json:"inputs"`
	Context       Context    `json:"context"`
	Plan          *Plan      `json:"plan,omitempty"`
	Refusal       *Refusal   `json:"refusal,omitempty"`
	Edits         Edits      `json:"edits"`
	Tests         Tests      `json:"tests"`
	Risk          Risk       `json:"risk"`
	Approvals     []Approval `json:"approvals"`
	ApprovalsMeta Approvals  `json:"approvals_state"`
	Limits        Limits     `json:"limits"`
	LoopCount     int        `json:"loop_count"`
	FailureReason string     `json:"failure_reason,omitempty"`
	StatusMeta    StatusMeta `json:"status_meta"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Inputs are the caller-supplied run parameters, immutable after creation.
type Inputs struct {
	Story      string `json:"story"`
	DiffPath   string `json:"diff_path,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// Context is the repository snapshot loaded by LOAD_CONTEXT. It is refreshed
// on node re-entry, and DIAGNOSE appends its findings so a fix-loop iteration
// never re-proposes against a stale view.
type Context struct {
	RepoTree    []string          `json:"repo_tree,omitempty"`
	KeyFiles    map[string]string `json:"key_files,omitempty"`
	CurrentDiff string            `json:"current_diff,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	Diagnoses   []string          `json:"diagnoses,omitempty"`
}

// Plan is the approved-able change plan. A run holds either a Plan or a
// Refusal, never both; SetPlanResult enforces the exclusivity.
type Plan struct {
	ChangeRequestMD string `json:"change_request_md"`
	TestPlanMD      string `json:"test_plan_md"`
}

// Refusal records why the plan generator declined to produce a plan.
type Refusal struct {
	Missing        []string `json:"missing,omitempty"`
	InspectedPaths []string `json:"inspected_paths,omitempty"`
	Message        string   `json:"message"`
}

// SetPlan stores a plan and clears any refusal.
func (r *Run) SetPlan(p Plan) {
	r.Plan = &p
	r.Refusal = nil
}

// SetRefusal stores a refusal and clears any plan.
func (r *Run) SetRefusal(ref Refusal) {
	r.Refusal = &ref
	r.Plan = nil
}

// ProposedStep is one edit step suggested by the step proposer. File is
// repository-relative with no parent-traversal segments.
type ProposedStep struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	Intent string `json:"intent"`
	Reason string `json:"reason"`
}

// Edits accumulates proposed steps and applied patches across fix-loop
// iterations. Slices are appended to, never rewritten.
type Edits struct {
	ProposedSteps []ProposedStep `json:"proposed_steps,omitempty"`
	AppliedFiles  []string       `json:"applied_files,omitempty"`
	PatchText     string         `json:"patch_text,omitempty"`
	PatchApplied  bool           `json:"patch_applied,omitempty"`
	BranchName    string         `json:"branch_name,omitempty"`
}

// CommandRecord is the audit entry for one shell invocation, including ones
// the allowlist refused.
type CommandRecord struct {
	Command    []string  `json:"command"`
	ExitCode   *int      `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	TimedOut   bool      `json:"timed_out,omitempty"`
	Rejected   bool      `json:"rejected,omitempty"`
}

// Tests holds the append-only command history and the latest results summary.
type Tests struct {
	Commands []CommandRecord `json:"commands"`
	Failures []string        `json:"failures,omitempty"`
}

// LastExitCode returns the exit code of the most recent executed command, or
// nil when nothing has run.
func (t Tests) LastExitCode() *int {
	for i := len(t.Commands) - 1; i >= 0; i-- {
		if !t.Commands[i].Rejected {
			return t.Commands[i].ExitCode
		}
	}
	return nil
}

// Risk is written once by REGRESSION_RISK.
type Risk struct {
	ImpactedPaths   []string `json:"impacted_paths,omitempty"`
	Notes           []string `json:"notes,omitempty"`
	RegressionLevel string   `json:"regression_level,omitempty"`
	SuggestedTests  []string `json:"suggested_tests,omitempty"`
}

// Approval is one recorded gate decision.
type Approval struct {
	Gate      Gate      `json:"gate"`
	Approved  bool      `json:"approved"`
	Approver  string    `json:"approver"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Approvals carries the derived pending-gate pointer.
type Approvals struct {
	PendingGate Gate `json:"pending_gate,omitempty"`
}

// Limits are fixed at run creation from configuration and read-only after.
type Limits struct {
	MaxIters        int `json:"max_iters"`
	MaxFilesChanged int `json:"max_files_changed"`
	MaxDiffLines    int `json:"max_diff_lines"`
	MaxRuntimeSec   int `json:"max_runtime_sec"`
}

// StatusMeta is operator-facing progress detail alongside the status.
type StatusMeta struct {
	LastNode string `json:"last_node,omitempty"`
	Message  string `json:"message,omitempty"`
	OK       bool   `json:"ok"`
}

// PendingGate recomputes which gate, if any, is awaiting a decision. A stale
// stored marker is ignored once the status has moved past the gate, so a gate
// can never be offered for decision twice.
func (r *Run) PendingGate() Gate {
	return GateForStatus(r.Status)
}

// Fail transitions the run into FAILED with a stable reason code. The first
// reason wins; FAILED is terminal.
func (r *Run) Fail(reason, message string) {
	if r.Status == StatusFailed {
		return
	}
	r.Status = StatusFailed
	r.FailureReason = reason
	r.StatusMeta.OK = false
	r.StatusMeta.Message = message
	r.ApprovalsMeta.PendingGate = ""
}
