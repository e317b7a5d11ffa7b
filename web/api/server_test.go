package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/featureflow/featureflow/internal/domain"
	"github.com/featureflow/featureflow/internal/runstore"
)

// mockEngine backs handler tests with canned runs.
type mockEngine struct {
	runs    map[string]*domain.Run
	nextErr error
}

func (m *mockEngine) Create(_ context.Context, inputs domain.Inputs) (*domain.Run, error) {
	if m.nextErr != nil {
		return nil, m.nextErr
	}
	run := &domain.Run{RunID: fmt.Sprintf("run-%d", len(m.runs)+1), Status: domain.StatusLoadContext, Inputs: inputs}
	m.runs[run.RunID] = run
	return run, nil
}

func (m *mockEngine) Advance(_ context.Context, runID string) (*domain.Run, error) {
	if m.nextErr != nil {
		return nil, m.nextErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	run.Status = domain.StatusAwaitApprovalPlan
	return run, nil
}

func (m *mockEngine) Decide(_ context.Context, runID string, gate domain.Gate, approved bool, approver, note string) (*domain.Run, error) {
	if m.nextErr != nil {
		return nil, m.nextErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	if run.PendingGate() != gate {
		return nil, fmt.Errorf("%w: pending gate is %q", domain.ErrGateMismatch, run.PendingGate())
	}
	run.Approvals = append(run.Approvals, domain.Approval{Gate: gate, Approved: approved, Approver: approver, Note: note})
	if approved {
		run.Status = domain.StatusProposeChanges
	} else {
		run.Fail(domain.FailurePlanRejected, "rejected")
	}
	return run, nil
}

func (m *mockEngine) Get(runID string) (*domain.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return run, nil
}

func (m *mockEngine) List(status domain.RunStatus) ([]*domain.Run, error) {
	var runs []*domain.Run
	for _, run := range m.runs {
		if status == "" || run.Status == status {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (m *mockEngine) Events(runID string) ([]*runstore.Event, error) {
	return []*runstore.Event{{RunID: runID, Node: "LOAD_CONTEXT"}}, nil
}

func newTestServer() (*Server, *mockEngine) {
	engine := &mockEngine{runs: map[string]*domain.Run{}}
	return NewServer(engine, ":0"), engine
}

func TestCreateRun(t *testing.T) {
	server, _ := newTestServer()

	body, _ := json.Marshal(CreateRunRequest{Story: "add a flag"})
	req := httptest.NewRequest("POST", "/api/runs", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.RunID == "" || resp.Status != string(domain.StatusLoadContext) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCreateRunRequiresStory(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest("POST", "/api/runs", bytes.NewReader([]byte(`{"story":"  "}`)))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	server, _ := newTestServer()

	req := httptest.NewRequest("GET", "/api/runs/missing", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAdvanceRun(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1", Status: domain.StatusLoadContext}

	req := httptest.NewRequest("POST", "/api/runs/run-1/advance", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Status != string(domain.StatusAwaitApprovalPlan) {
		t.Errorf("status = %s", resp.Status)
	}
	if resp.PendingGate != string(domain.GatePlan) {
		t.Errorf("pending_gate = %q", resp.PendingGate)
	}
}

func TestAdvanceRunBusyMapsToConflict(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1"}
	engine.nextErr = fmt.Errorf("%w: run-1", domain.ErrRunBusy)

	req := httptest.NewRequest("POST", "/api/runs/run-1/advance", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestDecideRun(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1", Status: domain.StatusAwaitApprovalPlan}

	body, _ := json.Marshal(DecideRequest{Gate: "plan", Approved: true, Approver: "alice"})
	req := httptest.NewRequest("POST", "/api/runs/run-1/decide", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Approvals) != 1 || resp.Approvals[0].Approver != "alice" {
		t.Errorf("approvals = %+v", resp.Approvals)
	}
}

func TestDecideGateMismatchMapsToConflict(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1", Status: domain.StatusAwaitApprovalPatch}

	body, _ := json.Marshal(DecideRequest{Gate: "plan", Approved: true, Approver: "alice"})
	req := httptest.NewRequest("POST", "/api/runs/run-1/decide", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestDecideRejectsUnknownGate(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1", Status: domain.StatusAwaitApprovalPlan}

	body, _ := json.Marshal(DecideRequest{Gate: "yolo", Approved: true, Approver: "alice"})
	req := httptest.NewRequest("POST", "/api/runs/run-1/decide", bytes.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestListRunsFiltersByStatus(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1", Status: domain.StatusFailed}
	engine.runs["run-2"] = &domain.Run{RunID: "run-2", Status: domain.StatusFinalize}

	req := httptest.NewRequest("GET", "/api/runs?status=FAILED", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var resp []RunResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp) != 1 || resp[0].RunID != "run-1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestRunEvents(t *testing.T) {
	server, engine := newTestServer()
	engine.runs["run-1"] = &domain.Run{RunID: "run-1"}

	req := httptest.NewRequest("GET", "/api/runs/run-1/events", nil)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var events []runstore.Event
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 1 || events[0].Node != "LOAD_CONTEXT" {
		t.Errorf("events = %+v", events)
	}
}
