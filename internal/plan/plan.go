// Package plan produces the approval-gated planning artifacts: the change
// request and test plan a human reviews at the plan gate, and the proposed
// edit steps reviewed at the patch gate.
package plan

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/featureflow/featureflow/internal/domain"
)

// Generator turns a story plus repository context into a plan, or a refusal
// when the story is not actionable. Implementations must return exactly one
// of plan or refusal.
type Generator interface {
	GeneratePlan(ctx context.Context, story string, rc domain.Context) (*domain.Plan, *domain.Refusal, error)
}

// Proposer turns an approved plan into concrete edit steps.
type Proposer interface {
	ProposeSteps(ctx context.Context, story string, p domain.Plan, rc domain.Context) ([]domain.ProposedStep, error)
}

// minStoryWords is the smallest story the deterministic generator will plan
// for. Anything shorter is refused rather than guessed at.
const minStoryWords = 3

// Deterministic is a Generator and Proposer that derives its output purely
// from the story and the loaded context. It backs the workflow when no
// model-based implementation is wired in, and its output is stable across
// re-entry so fix-loop iterations are reproducible.
type Deterministic struct{}

// GeneratePlan builds a change request and test plan from the story, or
// refuses when the story carries too little signal to plan against.
func (Deterministic) GeneratePlan(_ context.Context, story string, rc domain.Context) (*domain.Plan, *domain.Refusal, error) {
	story = strings.TrimSpace(story)
	if len(strings.Fields(story)) < minStoryWords {
		refusal := domain.Refusal{
			Missing:        []string{"story"},
			InspectedPaths: keyFilePaths(rc),
			Message:        "story is too short to plan against; provide a concrete goal and acceptance criteria",
		}
		return nil, &refusal, nil
	}

	likely := likelyFiles(rc)
	p := domain.Plan{
		ChangeRequestMD: renderChangeRequest(story, likely),
		TestPlanMD:      renderTestPlan(),
	}
	return &p, nil, nil
}

var diffTargetRe = regexp.MustCompile(`(?m)^\+\+\+ b/(.+)$`)

// ProposeSteps derives one step per file already touched in the working tree,
// or a single step against the best guess from the current diff.
func (Deterministic) ProposeSteps(_ context.Context, story string, _ domain.Plan, rc domain.Context) ([]domain.ProposedStep, error) {
	_ = story

	targets := diffTargetRe.FindAllStringSubmatch(rc.CurrentDiff, -1)
	if len(targets) == 0 {
		return []domain.ProposedStep{{
			ID:     "step-1",
			File:   "tests/",
			Intent: "implement-story-change",
			Reason: "no current diff to anchor on; start from the test surface",
		}}, nil
	}

	var steps []domain.ProposedStep
	for i, m := range targets {
		steps = append(steps, domain.ProposedStep{
			ID:     fmt.Sprintf("step-%d", i+1),
			File:   m[1],
			Intent: "implement-story-change",
			Reason: "file already touched in the working tree diff",
		})
	}
	return steps, nil
}

func keyFilePaths(rc domain.Context) []string {
	var paths []string
	for name := range rc.KeyFiles {
		paths = append(paths, name)
	}
	sort.Strings(paths)
	return paths
}

func likelyFiles(rc domain.Context) []string {
	targets := diffTargetRe.FindAllStringSubmatch(rc.CurrentDiff, -1)
	seen := map[string]bool{}
	var files []string
	for _, m := range targets {
		if !seen[m[1]] {
			seen[m[1]] = true
			files = append(files, m[1])
		}
	}
	return files
}

func renderChangeRequest(story string, likelyFiles []string) string {
	var b strings.Builder
	b.WriteString("# Change Request\n\n")
	b.WriteString("## Objective\n")
	fmt.Fprintf(&b, "- %s\n\n", story)
	b.WriteString("## Scope\n")
	b.WriteString("- Implement the story with the smallest change that satisfies it.\n\n")
	b.WriteString("## Out of scope\n")
	b.WriteString("- Refactors and cleanups not needed by the story.\n\n")
	b.WriteString("## Likely Files\n")
	if len(likelyFiles) == 0 {
		b.WriteString("- (to be determined during proposal)\n")
	}
	for _, f := range likelyFiles {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n## Definition of done\n")
	b.WriteString("- Changes aligned with the story.\n")
	b.WriteString("- Tests: full suite run via the command allowlist, exit code 0.\n\n")
	b.WriteString("## Risks\n")
	b.WriteString("- Behavior change in touched files; covered by the test run.\n")
	return b.String()
}

func renderTestPlan() string {
	return strings.Join([]string{
		"# Test Plan",
		"",
		"## Manual Validation",
		"- Review the applied diff at the patch gate.",
		"",
		"## Existing Tests",
		"- Full suite via the configured allowlist command.",
		"",
		"## New Tests",
		"- Add coverage for the story's acceptance criteria.",
		"",
	}, "\n")
}
