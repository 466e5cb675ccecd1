package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/template"
)

// handleStartRun launches a new run for a task. The response is the
// synchronous acknowledgment: the run is persisted and RUNNING, case
// execution continues in the background. Starting a run supersedes any live
// run for the same task.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.StartRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeStoreError(w, err)
		return
	}
	runs, err := s.store.ListRuns(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []*eval.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeStoreError(w, err)
		return
	}
	results, err := s.store.ListResults(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if results == nil {
		results = []*eval.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

type templateTestRequest struct {
	CaseID string `json:"case_id,omitempty"`
}

// handleTemplateTest renders a task's request template against one of its
// cases (the first by default) without invoking the model. Used by UIs to
// preview the outgoing request.
func (s *Server) handleTemplateTest(w http.ResponseWriter, r *http.Request) {
	var req templateTestRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeStoreError(w, err)
			return
		}
	}

	snap, err := s.store.LoadSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(snap.Cases) == 0 {
		writeError(w, http.StatusBadRequest, "case set has no cases")
		return
	}

	c := snap.Cases[0]
	if req.CaseID != "" {
		c = nil
		for _, candidate := range snap.Cases {
			if candidate.ID == req.CaseID {
				c = candidate
				break
			}
		}
		if c == nil {
			writeError(w, http.StatusNotFound, "case not found in task's case set")
			return
		}
	}

	rendered, err := template.RenderRequest(snap.Task.RequestTemplate, template.NewContext(snap, c))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"case_id":  c.ID,
		"rendered": rendered,
	})
}
