package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/featureflow/featureflow/internal/domain"
)

// RunResponse is the API representation of a run.
type RunResponse struct {
	RunID         string            `json:"run_id"`
	Status        string            `json:"status"`
	PendingGate   string            `json:"pending_gate,omitempty"`
	Story         string            `json:"story"`
	Branch        string            `json:"branch,omitempty"`
	LoopCount     int               `json:"loop_count"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Message       string            `json:"message,omitempty"`
	AppliedFiles  []string          `json:"applied_files,omitempty"`
	RiskLevel     string            `json:"risk_level,omitempty"`
	Approvals     []ApprovalSummary `json:"approvals,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// ApprovalSummary is one gate decision in the API representation.
type ApprovalSummary struct {
	Gate      string `json:"gate"`
	Approved  bool   `json:"approved"`
	Approver  string `json:"approver"`
	Note      string `json:"note,omitempty"`
	Timestamp string `json:"timestamp"`
}

// CreateRunRequest is the POST /api/runs body.
type CreateRunRequest struct {
	Story      string `json:"story"`
	DiffPath   string `json:"diff_path,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
}

// DecideRequest is the POST /api/runs/{id}/decide body.
type DecideRequest struct {
	Gate     string `json:"gate"`
	Approved bool   `json:"approved"`
	Approver string `json:"approver"`
	Note     string `json:"note,omitempty"`
}

func runToResponse(run *domain.Run) RunResponse {
	resp := RunResponse{
		RunID:         run.RunID,
		Status:        string(run.Status),
		PendingGate:   string(run.PendingGate()),
		Story:         run.Inputs.Story,
		Branch:        run.Edits.BranchName,
		LoopCount:     run.LoopCount,
		FailureReason: run.FailureReason,
		Message:       run.StatusMeta.Message,
		AppliedFiles:  run.Edits.AppliedFiles,
		RiskLevel:     run.Risk.RegressionLevel,
		CreatedAt:     run.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     run.UpdatedAt.Format(time.RFC3339),
	}
	for _, approval := range run.Approvals {
		resp.Approvals = append(resp.Approvals, ApprovalSummary{
			Gate:      string(approval.Gate),
			Approved:  approval.Approved,
			Approver:  approval.Approver,
			Note:      approval.Note,
			Timestamp: approval.Timestamp.Format(time.RFC3339),
		})
	}
	return resp
}

// runsHandler serves GET /api/runs (list) and POST /api/runs (create).
func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			status := domain.RunStatus(r.URL.Query().Get("status"))
			runs, err := s.engine.List(status)
			if err != nil {
				writeEngineError(w, err)
				return
			}
			responses := make([]RunResponse, 0, len(runs))
			for _, run := range runs {
				responses = append(responses, runToResponse(run))
			}
			writeJSON(w, responses)

		case http.MethodPost:
			var req CreateRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			if strings.TrimSpace(req.Story) == "" {
				writeError(w, http.StatusBadRequest, "story is required")
				return
			}
			run, err := s.engine.Create(r.Context(), domain.Inputs{
				Story:      req.Story,
				DiffPath:   req.DiffPath,
				Branch:     req.Branch,
				BaseBranch: req.BaseBranch,
			})
			if err != nil {
				writeEngineError(w, err)
				return
			}
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, runToResponse(run))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// runHandler serves /api/runs/{id} plus the /advance, /decide and /events
// sub-resources.
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "run id required")
			return
		}

		runID, action := path, ""
		if idx := strings.IndexByte(path, '/'); idx >= 0 {
			runID, action = path[:idx], path[idx+1:]
		}

		switch action {
		case "":
			s.getRun(w, r, runID)
		case "advance":
			s.advanceRun(w, r, runID)
		case "decide":
			s.decideRun(w, r, runID)
		case "events":
			s.runEvents(w, r, runID)
		default:
			writeError(w, http.StatusNotFound, "unknown action: "+action)
		}
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.engine.Get(runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, runToResponse(run))
}

func (s *Server) advanceRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	run, err := s.engine.Advance(r.Context(), runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, runToResponse(run))
}

func (s *Server) decideRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	gate := domain.Gate(req.Gate)
	switch gate {
	case domain.GatePlan, domain.GatePatch, domain.GateFinal:
	default:
		writeError(w, http.StatusBadRequest, "unknown gate: "+req.Gate)
		return
	}
	if strings.TrimSpace(req.Approver) == "" {
		writeError(w, http.StatusBadRequest, "approver is required")
		return
	}

	run, err := s.engine.Decide(r.Context(), runID, gate, req.Approved, req.Approver, req.Note)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, runToResponse(run))
}

func (s *Server) runEvents(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.engine.Get(runID); err != nil {
		writeEngineError(w, err)
		return
	}
	events, err := s.engine.Events(runID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, events)
}
