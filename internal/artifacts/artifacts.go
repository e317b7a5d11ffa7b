// Package artifacts manages the per-run markdown documents under the outputs
// directory: templates seeded at PLAN time, the append-only run report, and
// the PR comment written at FINALIZE. Every write goes through the
// path-guarded file layer.
package artifacts

import (
	"fmt"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/fsops"
)

// Artifact file names within a run's output directory.
const (
	ChangeRequestFile = "change-request.md"
	TestPlanFile      = "test-plan.md"
	RunReportFile     = "run-report.md"
	RiskReportFile    = "risk-report.md"
	PRCommentFile     = "pr-comment.md"
	MetricsFile       = "metrics.json"
)

// frontmatter is the YAML header prepended to every generated artifact.
type frontmatter struct {
	RunID       string    `yaml:"run_id"`
	Artifact    string    `yaml:"artifact"`
	GeneratedAt time.Time `yaml:"generated_at"`
}

// Manager writes run artifacts relative to the outputs directory.
type Manager struct {
	files      *fsops.FileOps
	outputsDir string
	now        func() time.Time
}

// NewManager creates a Manager. outputsDir is repository-relative and must
// sit under an allowed write root.
func NewManager(files *fsops.FileOps, outputsDir string) *Manager {
	return &Manager{files: files, outputsDir: outputsDir, now: time.Now}
}

// RunDir returns the repository-relative artifact directory for a run.
func (m *Manager) RunDir(runID string) string {
	return path.Join(m.outputsDir, runID)
}

// Path returns the repository-relative path of one artifact.
func (m *Manager) Path(runID, name string) string {
	return path.Join(m.RunDir(runID), name)
}

func (m *Manager) render(runID, name, body string) ([]byte, error) {
	fm := frontmatter{RunID: runID, Artifact: name, GeneratedAt: m.now().UTC()}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("rendering frontmatter: %w", err)
	}
	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}

func (m *Manager) writeArtifact(runID, name, body string) error {
	content, err := m.render(runID, name, body)
	if err != nil {
		return err
	}
	return m.files.Write(m.Path(runID, name), content)
}

// SeedRun creates the run's artifact set. The change request and test plan
// come from the plan when one exists, otherwise the blank templates are
// written so a human can fill them in.
func (m *Manager) SeedRun(run *domain.Run) error {
	changeRequest := changeRequestTemplate
	testPlan := testPlanTemplate
	if run.Plan != nil {
		if run.Plan.ChangeRequestMD != "" {
			changeRequest = run.Plan.ChangeRequestMD
		}
		if run.Plan.TestPlanMD != "" {
			testPlan = run.Plan.TestPlanMD
		}
	}

	seeds := map[string]string{
		ChangeRequestFile: changeRequest,
		TestPlanFile:      testPlan,
		RunReportFile:     runReportTemplate,
		RiskReportFile:    riskReportTemplate,
	}
	for name, body := range seeds {
		if err := m.writeArtifact(run.RunID, name, body); err != nil {
			return fmt.Errorf("seeding %s: %w", name, err)
		}
	}
	return nil
}

// AppendReport appends a titled section to the run report.
func (m *Manager) AppendReport(runID, title, body string) error {
	section := fmt.Sprintf("\n## %s\n%s\n", title, strings.TrimRight(body, "\n"))
	return m.files.Append(m.Path(runID, RunReportFile), []byte(section))
}

// WriteRiskReport replaces the risk report with the run's risk assessment.
func (m *Manager) WriteRiskReport(run *domain.Run) error {
	lines := []string{
		"# Risk Report",
		"",
		"- Level: " + orNone(run.Risk.RegressionLevel),
		"- Impacted paths: " + joinOrNone(run.Risk.ImpactedPaths),
		"- Suggested tests: " + joinOrNone(run.Risk.SuggestedTests),
	}
	for _, note := range run.Risk.Notes {
		lines = append(lines, "- Note: "+note)
	}
	lines = append(lines, "")
	return m.writeArtifact(run.RunID, RiskReportFile, strings.Join(lines, "\n"))
}

// WritePRComment renders the final PR comment from the run's end state.
func (m *Manager) WritePRComment(run *domain.Run) error {
	testResult := "check run-report.md"
	if code := run.Tests.LastExitCode(); code != nil && *code == 0 {
		testResult = "passed"
	}
	lines := []string{
		"# PR Comment",
		"",
		"## Summary",
		"- Story: " + orNone(run.Inputs.Story),
		"- Status: " + string(run.Status),
		"- Branch: " + orNone(run.Edits.BranchName),
		"- Changed files: " + joinOrNone(run.Edits.AppliedFiles),
		"",
		"## Validation",
		"- Last test result: " + testResult,
		fmt.Sprintf("- Fix-loop iterations: %d", run.LoopCount),
		"",
		"## Risk",
		"- Level: " + orNone(run.Risk.RegressionLevel),
		"- Impacted paths: " + joinOrNone(run.Risk.ImpactedPaths),
		"",
	}
	return m.writeArtifact(run.RunID, PRCommentFile, strings.Join(lines, "\n"))
}

// ReadChangeRequest loads the change-request document for contract checks.
func (m *Manager) ReadChangeRequest(runID string) ([]byte, error) {
	return m.files.Read(m.Path(runID, ChangeRequestFile))
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

const changeRequestTemplate = `# Change Request

## Objective
- 

## Scope
- 

## Out of scope
- 

## Likely Files
- 

## Definition of done
- 
- Tests: 

## Risks
- 
`

const testPlanTemplate = `# Test Plan

## Manual Validation
- 

## Existing Tests
- 

## New Tests
- 
`

const runReportTemplate = `# Run Report

## Summary
- 
`

const riskReportTemplate = `# Risk Report

not yet calculated
`
