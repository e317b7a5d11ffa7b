package workflow

import (
	"fmt"

	"github.com/featureflow/featureflow/internal/domain"
)

// transitions is the explicit node graph: for each status, the statuses a
// node execution or gate decision may move the run to. The engine checks
// every status change against this table, and validateGraph checks the table
// itself at construction time.
var transitions = map[domain.RunStatus][]domain.RunStatus{
	domain.StatusLoadContext:        {domain.StatusPlan, domain.StatusFailed},
	domain.StatusPlan:               {domain.StatusAwaitApprovalPlan, domain.StatusFailed},
	domain.StatusAwaitApprovalPlan:  {domain.StatusProposeChanges, domain.StatusFailed},
	domain.StatusProposeChanges:     {domain.StatusAwaitApprovalPatch, domain.StatusFailed},
	domain.StatusAwaitApprovalPatch: {domain.StatusApplyChanges, domain.StatusFailed},
	domain.StatusApplyChanges:       {domain.StatusRunTests, domain.StatusFailed},
	domain.StatusRunTests:           {domain.StatusDiagnose, domain.StatusRegressionRisk, domain.StatusFailed},
	domain.StatusDiagnose:           {domain.StatusProposeChanges, domain.StatusFailed},
	domain.StatusRegressionRisk:     {domain.StatusReview, domain.StatusFailed},
	domain.StatusReview:             {domain.StatusAwaitApprovalFinal, domain.StatusFailed},
	domain.StatusAwaitApprovalFinal: {domain.StatusFinalize, domain.StatusFailed},
	domain.StatusFinalize:           {},
	domain.StatusFailed:             {},
}

// validTransition reports whether from -> to is in the graph. Staying on the
// same status is always valid (a node that suspends or terminates in place).
func validTransition(from, to domain.RunStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// validateGraph checks the transition table: every non-terminal status has an
// outgoing edge, every edge targets a defined status, and every status is
// reachable from the entry node.
func validateGraph() error {
	for status, targets := range transitions {
		if status.Terminal() {
			if len(targets) != 0 {
				return fmt.Errorf("terminal status %s has outgoing transitions", status)
			}
			continue
		}
		if len(targets) == 0 {
			return fmt.Errorf("non-terminal status %s has no outgoing transitions", status)
		}
		for _, next := range targets {
			if _, ok := transitions[next]; !ok {
				return fmt.Errorf("transition %s -> %s targets undefined status", status, next)
			}
		}
	}

	reached := map[domain.RunStatus]bool{domain.StatusLoadContext: true}
	queue := []domain.RunStatus{domain.StatusLoadContext}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range transitions[current] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for status := range transitions {
		if !reached[status] {
			return fmt.Errorf("status %s is unreachable from %s", status, domain.StatusLoadContext)
		}
	}
	return nil
}
