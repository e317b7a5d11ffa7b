package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/featureflow/featureflow/internal/artifacts"
	"github.com/featureflow/featureflow/internal/contracts"
	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/patch"
	"github.com/featureflow/featureflow/internal/telemetry"
)

// maxKeyFileBytes caps how much of each key file LOAD_CONTEXT carries into
// the run context.
const maxKeyFileBytes = 12000

// keyFileNames are the repository files loaded into context when present.
var keyFileNames = []string{"go.mod", "featureflow.toml", "README.md", "Makefile"}

func (e *Engine) nodeLoadContext(_ context.Context, run *domain.Run) {
	tree, err := e.diff.LsTree()
	if err != nil {
		run.Fail(domain.FailureContextUnreadable, fmt.Sprintf("listing repository tree: %v", err))
		return
	}
	run.Context.RepoTree = tree

	keyFiles := map[string]string{}
	for _, name := range keyFileNames {
		content, err := os.ReadFile(filepath.Join(e.repoRoot, name))
		if err != nil {
			continue
		}
		if len(content) > maxKeyFileBytes {
			content = content[:maxKeyFileBytes]
		}
		keyFiles[name] = string(content)
	}
	run.Context.KeyFiles = keyFiles

	if diff, err := e.diff.Diff(); err == nil {
		run.Context.CurrentDiff = diff
	} else {
		run.StatusMeta.Message = fmt.Sprintf("git diff unavailable: %v", err)
	}
	if branch, err := e.diff.CurrentBranch(); err == nil {
		run.Context.Branch = branch
	}

	run.Status = domain.StatusPlan
	run.StatusMeta.OK = true
}

func (e *Engine) nodePlan(ctx context.Context, run *domain.Run) {
	p, refusal, err := e.planner.GeneratePlan(ctx, run.Inputs.Story, run.Context)
	if err != nil {
		run.Fail(domain.FailurePlanRefused, fmt.Errorf("%w: %v", domain.ErrPlanRefused, err).Error())
		return
	}
	if refusal != nil {
		run.SetRefusal(*refusal)
		run.Fail(domain.FailurePlanRefused, fmt.Errorf("%w: %s", domain.ErrPlanRefused, refusal.Message).Error())
		return
	}

	run.SetPlan(*p)
	if err := e.artifacts.SeedRun(run); err != nil {
		run.Fail(e.writeFailureReason(err), fmt.Sprintf("seeding artifacts: %v", err))
		return
	}
	_ = e.artifacts.AppendReport(run.RunID, "Node PLAN", "Change request and test plan generated.")

	run.Status = domain.StatusAwaitApprovalPlan
	run.ApprovalsMeta.PendingGate = domain.GatePlan
	run.StatusMeta.OK = true
	run.StatusMeta.Message = "waiting for plan approval"
}

func (e *Engine) nodeProposeChanges(ctx context.Context, run *domain.Run) {
	if run.LoopCount == 0 {
		run.LoopCount = 1
	}

	if run.Edits.PatchText == "" && run.Inputs.DiffPath != "" {
		path := run.Inputs.DiffPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.repoRoot, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			run.Fail(domain.FailureContextUnreadable, fmt.Sprintf("reading diff %s: %v", run.Inputs.DiffPath, err))
			return
		}
		run.Edits.PatchText = string(content)
	}

	if run.Edits.PatchText != "" {
		patches, err := patch.Parse(run.Edits.PatchText)
		if err != nil {
			run.Fail(domain.FailurePatchApply, fmt.Sprintf("parsing patch: %v", err))
			return
		}
		if err := checkPatchLimits(patches, run.Limits); err != nil {
			run.Fail(domain.FailureLimitsExceeded, err.Error())
			return
		}
	}

	var planCopy domain.Plan
	if run.Plan != nil {
		planCopy = *run.Plan
	}
	steps, err := e.proposer.ProposeSteps(ctx, run.Inputs.Story, planCopy, run.Context)
	if err != nil {
		run.Fail(domain.FailureContextUnreadable, fmt.Sprintf("proposing steps: %v", err))
		return
	}
	for _, step := range steps {
		if strings.Contains(step.File, "..") || filepath.IsAbs(step.File) {
			run.Fail(domain.FailurePathViolation, fmt.Sprintf("proposed step %s targets %q", step.ID, step.File))
			return
		}
	}
	run.Edits.ProposedSteps = append(run.Edits.ProposedSteps, steps...)

	var lines []string
	for _, step := range steps {
		lines = append(lines, fmt.Sprintf("- `%s`: %s", step.File, step.Intent))
	}
	_ = e.artifacts.AppendReport(run.RunID, "Node PROPOSE_CHANGES", strings.Join(lines, "\n"))

	run.Status = domain.StatusAwaitApprovalPatch
	run.ApprovalsMeta.PendingGate = domain.GatePatch
	run.StatusMeta.OK = true
	run.StatusMeta.Message = fmt.Sprintf("waiting for patch approval (iteration %d/%d)", run.LoopCount, run.Limits.MaxIters)
}

func (e *Engine) nodeApplyChanges(_ context.Context, run *domain.Run) {
	branch, err := e.diff.EnsureBranch(run.RunID)
	if err != nil {
		run.Fail(domain.FailurePatchApply, fmt.Sprintf("ensuring agent branch: %v", err))
		return
	}
	run.Edits.BranchName = branch

	// A fix-loop re-entry with an unchanged patch skips re-application;
	// the tree already carries the first application.
	if strings.TrimSpace(run.Edits.PatchText) != "" && !run.Edits.PatchApplied {
		applied, err := e.applyPatch(run)
		if err != nil {
			run.Fail(e.writeFailureReason(err), fmt.Sprintf("applying patch: %v", err))
			return
		}
		run.Edits.PatchApplied = true
		for _, file := range applied {
			if !contains(run.Edits.AppliedFiles, file) {
				run.Edits.AppliedFiles = append(run.Edits.AppliedFiles, file)
			}
		}
		if err := e.diff.CommitAll("apply approved patch for run " + run.RunID); err != nil {
			run.StatusMeta.Message = fmt.Sprintf("commit failed: %v", err)
		}
	}

	_ = e.artifacts.AppendReport(run.RunID, "Node APPLY_CHANGES",
		fmt.Sprintf("Branch: `%s`\nApplied files: %s", branch, joinOrNone(run.Edits.AppliedFiles)))

	run.Status = domain.StatusRunTests
	run.StatusMeta.OK = true
}

// checkPatchLimits enforces the run's diff caps before anything is applied.
// Exceeding either cap on its own is enough to refuse the patch.
func checkPatchLimits(patches []patch.FilePatch, limits domain.Limits) error {
	files, lines := patch.Stats(patches)
	if files > limits.MaxFilesChanged {
		return fmt.Errorf("%w: patch touches %d files (max %d)", domain.ErrLimitsExceeded, files, limits.MaxFilesChanged)
	}
	if lines > limits.MaxDiffLines {
		return fmt.Errorf("%w: patch changes %d lines (max %d)", domain.ErrLimitsExceeded, lines, limits.MaxDiffLines)
	}
	return nil
}

// applyPatch applies the run's patch text file by file. All targets are
// validated against the path guard before the first write, so a violation
// anywhere in the patch leaves the tree untouched.
func (e *Engine) applyPatch(run *domain.Run) ([]string, error) {
	patches, err := patch.Parse(run.Edits.PatchText)
	if err != nil {
		return nil, err
	}

	type planned struct {
		target string
		fp     patch.FilePatch
		kind   patch.Kind
	}
	var work []planned
	for _, fp := range patches {
		target, kind, err := fp.Target()
		if err != nil {
			return nil, err
		}
		if err := e.files.Validate(target); err != nil {
			return nil, err
		}
		work = append(work, planned{target: target, fp: fp, kind: kind})
	}

	var applied []string
	for _, w := range work {
		var original string
		if w.kind != patch.KindAdd {
			content, err := e.files.Read(w.target)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", w.target, err)
			}
			original = string(content)
		}

		patched, err := patch.Apply(original, w.fp.Hunks)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", w.target, err)
		}

		if w.kind == patch.KindDelete && patched == "" {
			if err := e.files.Remove(w.target); err != nil {
				return nil, err
			}
		} else {
			if err := e.files.Write(w.target, []byte(patched)); err != nil {
				return nil, err
			}
		}
		applied = append(applied, w.target)
	}
	return applied, nil
}

func (e *Engine) nodeRunTests(ctx context.Context, run *domain.Run) {
	command := e.testCommand()
	if command == nil {
		run.Fail(domain.FailureDisallowedCommand, "no allowed commands configured")
		return
	}

	record := func(rec domain.CommandRecord) {
		run.Tests.Commands = append(run.Tests.Commands, rec)
	}
	result, err := e.shell.Run(ctx, command, e.repoRoot, e.commandTimeout, record)
	if err != nil {
		if errors.Is(err, domain.ErrNotAllowed) {
			run.Fail(domain.FailureDisallowedCommand, err.Error())
			return
		}
		run.Status = domain.StatusDiagnose
		run.StatusMeta.OK = false
		run.StatusMeta.Message = fmt.Sprintf("test command failed to run: %v", err)
		return
	}

	_ = e.artifacts.AppendReport(run.RunID, "Node RUN_TESTS",
		fmt.Sprintf("Command: `%s`\nExit code: %s\nTimed out: %t",
			strings.Join(result.Command, " "), formatExit(result.ExitCode), result.TimedOut))

	if result.ExitCode != nil && *result.ExitCode == 0 && !result.TimedOut {
		run.Status = domain.StatusRegressionRisk
		run.StatusMeta.OK = true
		run.StatusMeta.Message = "tests passed"
		return
	}
	run.Status = domain.StatusDiagnose
	run.StatusMeta.OK = false
	run.StatusMeta.Message = "tests failed"
}

// testCommand picks the allowlisted command to run the suite with: the first
// entry mentioning "test", otherwise the first entry.
func (e *Engine) testCommand() []string {
	for _, entry := range e.allowedCommands {
		for _, arg := range entry {
			if strings.Contains(strings.ToLower(arg), "test") {
				return append([]string(nil), entry...)
			}
		}
	}
	if len(e.allowedCommands) > 0 {
		return append([]string(nil), e.allowedCommands[0]...)
	}
	return nil
}

var failLineRe = regexp.MustCompile(`(?i)\b(FAIL|ERROR|panic)\b`)

func (e *Engine) nodeDiagnose(_ context.Context, run *domain.Run) {
	var failures []string
	if n := len(run.Tests.Commands); n > 0 {
		last := run.Tests.Commands[n-1]
		for _, line := range strings.Split(last.Stdout, "\n") {
			if failLineRe.MatchString(line) {
				failures = append(failures, strings.TrimSpace(line))
			}
		}
		if len(failures) == 0 && last.Stderr != "" {
			first := strings.SplitN(last.Stderr, "\n", 2)[0]
			failures = append(failures, strings.TrimSpace(first))
		}
		if last.TimedOut {
			failures = append(failures, "test command timed out")
		}
	}
	if len(failures) == 0 {
		failures = append(failures, "no explicit test failure parsed")
	}

	run.Tests.Failures = failures
	// Diagnoses accumulate across iterations so a re-proposal sees every
	// failure already explained, not just the latest one.
	run.Context.Diagnoses = append(run.Context.Diagnoses, failures...)

	_ = e.artifacts.AppendReport(run.RunID, "Node DIAGNOSE", "- "+strings.Join(failures, "\n- "))

	if run.LoopCount < run.Limits.MaxIters {
		run.LoopCount++
		run.Status = domain.StatusProposeChanges
		run.StatusMeta.OK = true
		run.StatusMeta.Message = fmt.Sprintf("retrying change proposal (%d/%d)", run.LoopCount, run.Limits.MaxIters)
		return
	}
	run.Fail(domain.FailureMaxItersExceeded,
		fmt.Sprintf("tests still failing after %d iterations", run.LoopCount))
}

var diffTargetRe = regexp.MustCompile(`(?m)^\+\+\+ b/(.+)$`)

func (e *Engine) nodeRegressionRisk(_ context.Context, run *domain.Run) {
	impacted := append([]string(nil), run.Edits.AppliedFiles...)
	if len(impacted) == 0 {
		if diff, err := e.diff.Diff(); err == nil {
			for _, m := range diffTargetRe.FindAllStringSubmatch(diff, -1) {
				impacted = append(impacted, m[1])
			}
		}
	}
	sort.Strings(impacted)
	impacted = dedup(impacted)

	run.Risk.ImpactedPaths = impacted
	switch {
	case len(impacted) == 0:
		run.Risk.RegressionLevel = "low"
		run.Risk.Notes = []string{"no changed paths detected"}
	case len(impacted) <= 3:
		run.Risk.RegressionLevel = "medium"
		run.Risk.Notes = []string{"small surface changed; verify related modules"}
	default:
		run.Risk.RegressionLevel = "high"
		run.Risk.Notes = []string{"multiple files changed; broad regression surface"}
	}
	if cmd := e.testCommand(); cmd != nil {
		run.Risk.SuggestedTests = []string{strings.Join(cmd, " ")}
	}

	if err := e.artifacts.WriteRiskReport(run); err != nil {
		run.Fail(e.writeFailureReason(err), fmt.Sprintf("writing risk report: %v", err))
		return
	}

	run.Status = domain.StatusReview
	run.StatusMeta.OK = true
}

func (e *Engine) nodeReview(_ context.Context, run *domain.Run) {
	content, err := e.artifacts.ReadChangeRequest(run.RunID)
	if err != nil {
		run.Risk.Notes = append(run.Risk.Notes, fmt.Sprintf("contract warning: change request unreadable: %v", err))
	} else if ok, issues := contracts.ValidateChangeRequest(content); !ok {
		for _, issue := range issues {
			run.Risk.Notes = append(run.Risk.Notes, "contract warning: "+issue)
		}
	}
	sort.Strings(run.Risk.Notes)
	run.Risk.Notes = dedup(run.Risk.Notes)

	run.Status = domain.StatusAwaitApprovalFinal
	run.ApprovalsMeta.PendingGate = domain.GateFinal
	run.StatusMeta.OK = true
	run.StatusMeta.Message = "waiting for final approval"
}

func (e *Engine) nodeFinalize(_ context.Context, run *domain.Run) {
	summary := []string{
		"- Final status: `FINALIZE`",
		fmt.Sprintf("- Fix-loop iterations: `%d`", run.LoopCount),
		"- Applied files: " + joinOrNone(run.Edits.AppliedFiles),
		"- Risk level: " + orNone(run.Risk.RegressionLevel),
	}
	_ = e.artifacts.AppendReport(run.RunID, "Final Summary", strings.Join(summary, "\n"))

	if err := e.artifacts.WritePRComment(run); err != nil {
		run.Fail(e.writeFailureReason(err), fmt.Sprintf("writing pr comment: %v", err))
		return
	}

	if events, err := e.store.ListEvents(run.RunID); err == nil {
		metrics := telemetry.Build(run, events)
		_ = telemetry.Write(e.files, e.artifacts.Path(run.RunID, artifacts.MetricsFile), metrics)
	}

	run.Status = domain.StatusFinalize
	run.StatusMeta.OK = true
	run.StatusMeta.Message = "run finalized"
}

// writeFailureReason maps a guarded-write error to its failure code.
func (e *Engine) writeFailureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrPathViolation):
		return domain.FailurePathViolation
	case errors.Is(err, domain.ErrFileTooLarge), errors.Is(err, domain.ErrLimitsExceeded):
		return domain.FailureLimitsExceeded
	default:
		return domain.FailurePatchApply
	}
}

func formatExit(code *int) string {
	if code == nil {
		return "(none)"
	}
	return fmt.Sprintf("%d", *code)
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}

func dedup(sorted []string) []string {
	var out []string
	for _, item := range sorted {
		if len(out) == 0 || out[len(out)-1] != item {
			out = append(out, item)
		}
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}
