// Package telemetry aggregates a run's node event log into per-node stats
// and a metrics document written next to the run's other artifacts.
package telemetry

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/fsops"
	"github.com/featureflow/featureflow/internal/runstore"
)

// nodeOrder fixes the reporting order for the workflow's nodes. Events for
// anything else, such as gate decisions, sort after these.
var nodeOrder = []string{
	"LOAD_CONTEXT",
	"PLAN",
	"PROPOSE_CHANGES",
	"AWAIT_APPROVAL_PLAN",
	"AWAIT_APPROVAL_PATCH",
	"AWAIT_APPROVAL_FINAL",
	"APPLY_CHANGES",
	"RUN_TESTS",
	"DIAGNOSE",
	"REGRESSION_RISK",
	"REVIEW",
	"FINALIZE",
}

// NodeStat is the aggregate over all executions of one node in a run.
type NodeStat struct {
	Node        string  `json:"node"`
	Count       int     `json:"count"`
	TotalSec    float64 `json:"total_duration_sec"`
	AvgSec      float64 `json:"avg_duration_sec"`
	FailureSeen bool    `json:"failure_seen"`
}

// Metrics is the document persisted as metrics.json.
type Metrics struct {
	RunID         string     `json:"run_id"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	LoopCount     int        `json:"loop_count"`
	EventCount    int        `json:"event_count"`
	CommandCount  int        `json:"command_count"`
	TestCommands  int        `json:"test_command_count"`
	Nodes         []NodeStat `json:"nodes"`
	GeneratedAt   time.Time  `json:"generated_at"`
}

// EventID derives a stable identifier for a node event, so merging event
// streams from different readers never double-counts.
func EventID(e *runstore.Event) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d",
		e.Node, e.StatusBefore, e.StatusAfter,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.ID)
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:20]
}

// Build aggregates the run record and its event log into Metrics.
func Build(run *domain.Run, events []*runstore.Event) Metrics {
	stats := map[string]*NodeStat{}
	seen := map[string]bool{}
	counted := 0
	for _, event := range events {
		id := EventID(event)
		if seen[id] {
			continue
		}
		seen[id] = true
		counted++

		stat, ok := stats[event.Node]
		if !ok {
			stat = &NodeStat{Node: event.Node}
			stats[event.Node] = stat
		}
		stat.Count++
		if event.DurationSec > 0 {
			stat.TotalSec += event.DurationSec
		}
		if !event.OK {
			stat.FailureSeen = true
		}
	}

	known := map[string]bool{}
	ordered := append([]string(nil), nodeOrder...)
	for _, node := range ordered {
		known[node] = true
	}
	var extra []string
	for node := range stats {
		if !known[node] {
			extra = append(extra, node)
		}
	}
	sort.Strings(extra)
	ordered = append(ordered, extra...)

	var nodes []NodeStat
	for _, node := range ordered {
		stat, ok := stats[node]
		if !ok {
			continue
		}
		if stat.Count > 0 {
			stat.AvgSec = stat.TotalSec / float64(stat.Count)
		}
		nodes = append(nodes, *stat)
	}

	testCommands := 0
	for _, cmd := range run.Tests.Commands {
		if !cmd.Rejected {
			testCommands++
		}
	}

	return Metrics{
		RunID:         run.RunID,
		Status:        string(run.Status),
		FailureReason: run.FailureReason,
		LoopCount:     run.LoopCount,
		EventCount:    counted,
		CommandCount:  len(run.Tests.Commands),
		TestCommands:  testCommands,
		Nodes:         nodes,
		GeneratedAt:   time.Now().UTC(),
	}
}

// Write persists the metrics document through the path-guarded file layer.
func Write(files *fsops.FileOps, path string, m Metrics) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	return files.Write(path, append(data, '\n'))
}
