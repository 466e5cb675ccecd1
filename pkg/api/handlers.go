package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/evaluator"
)

// Provider handlers

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if providers == nil {
		providers = []*eval.Provider{}
	}
	writeJSON(w, http.StatusOK, providers)
}

func (s *Server) handleCreateProvider(w http.ResponseWriter, r *http.Request) {
	var p eval.Provider
	if err := decodeJSON(r, &p); err != nil {
		writeStoreError(w, err)
		return
	}
	if p.Name == "" || p.BaseURL == "" {
		writeError(w, http.StatusBadRequest, "name and base_url are required")
		return
	}
	if err := s.store.CreateProvider(r.Context(), &p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProvider(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProvider(w http.ResponseWriter, r *http.Request) {
	var p eval.Provider
	if err := decodeJSON(r, &p); err != nil {
		writeStoreError(w, err)
		return
	}
	p.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateProvider(r.Context(), &p); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProvider(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteProvider(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Model handlers

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.store.ListModels(r.Context(), r.URL.Query().Get("provider_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if models == nil {
		models = []*eval.Model{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var m eval.Model
	if err := decodeJSON(r, &m); err != nil {
		writeStoreError(w, err)
		return
	}
	if m.ProviderID == "" || m.ModelCode == "" {
		writeError(w, http.StatusBadRequest, "provider_id and model_code are required")
		return
	}
	if _, err := s.store.GetProvider(r.Context(), m.ProviderID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.CreateModel(r.Context(), &m); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetModel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleUpdateModel(w http.ResponseWriter, r *http.Request) {
	var m eval.Model
	if err := decodeJSON(r, &m); err != nil {
		writeStoreError(w, err)
		return
	}
	m.ID = chi.URLParam(r, "id")
	if err := s.store.UpdateModel(r.Context(), &m); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Case set handlers

type caseSetRequest struct {
	Name         string       `json:"name"`
	SystemPrompt *string      `json:"system_prompt,omitempty"`
	Cases        []*eval.Case `json:"cases,omitempty"`
}

func (s *Server) handleListCaseSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.store.ListCaseSets(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if sets == nil {
		sets = []*eval.CaseSet{}
	}
	writeJSON(w, http.StatusOK, sets)
}

func (s *Server) handleCreateCaseSet(w http.ResponseWriter, r *http.Request) {
	var req caseSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	for _, c := range req.Cases {
		if c.UserInput == "" {
			writeError(w, http.StatusBadRequest, "every case requires user_input")
			return
		}
	}
	set := &eval.CaseSet{Name: req.Name, SystemPrompt: req.SystemPrompt}
	if err := s.store.CreateCaseSet(r.Context(), set, req.Cases); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, set)
}

func (s *Server) handleGetCaseSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.GetCaseSet(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleUpdateCaseSet(w http.ResponseWriter, r *http.Request) {
	var req caseSetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeStoreError(w, err)
		return
	}
	set := &eval.CaseSet{ID: chi.URLParam(r, "id"), Name: req.Name, SystemPrompt: req.SystemPrompt}
	if err := s.store.UpdateCaseSet(r.Context(), set); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleDeleteCaseSet(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCaseSet(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	setID := chi.URLParam(r, "id")
	if _, err := s.store.GetCaseSet(r.Context(), setID); err != nil {
		writeStoreError(w, err)
		return
	}
	cases, err := s.store.ListCases(r.Context(), setID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cases == nil {
		cases = []*eval.Case{}
	}
	writeJSON(w, http.StatusOK, cases)
}

func (s *Server) handleAddCase(w http.ResponseWriter, r *http.Request) {
	setID := chi.URLParam(r, "id")
	if _, err := s.store.GetCaseSet(r.Context(), setID); err != nil {
		writeStoreError(w, err)
		return
	}
	var c eval.Case
	if err := decodeJSON(r, &c); err != nil {
		writeStoreError(w, err)
		return
	}
	if c.UserInput == "" {
		writeError(w, http.StatusBadRequest, "user_input is required")
		return
	}
	c.SetID = setID
	if err := s.store.AddCase(r.Context(), &c); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	var c eval.Case
	if err := decodeJSON(r, &c); err != nil {
		writeStoreError(w, err)
		return
	}
	c.ID = chi.URLParam(r, "id")
	if c.UserInput == "" {
		writeError(w, http.StatusBadRequest, "user_input is required")
		return
	}
	if err := s.store.UpdateCase(r.Context(), &c); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCase(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Evaluator handlers

func (s *Server) handleListEvaluators(w http.ResponseWriter, r *http.Request) {
	evaluators, err := s.store.ListEvaluators(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if evaluators == nil {
		evaluators = []*eval.Evaluator{}
	}
	writeJSON(w, http.StatusOK, evaluators)
}

func (s *Server) handleCreateEvaluator(w http.ResponseWriter, r *http.Request) {
	var e eval.Evaluator
	if err := decodeJSON(r, &e); err != nil {
		writeStoreError(w, err)
		return
	}
	if e.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := evaluator.ValidateConfig(e.Kind, e.Config); err != nil {
		writeStoreError(w, err)
		return
	}
	e.IsSystem = false
	if err := s.store.CreateEvaluator(r.Context(), &e); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetEvaluator(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEvaluator(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateEvaluator(w http.ResponseWriter, r *http.Request) {
	var e eval.Evaluator
	if err := decodeJSON(r, &e); err != nil {
		writeStoreError(w, err)
		return
	}
	e.ID = chi.URLParam(r, "id")
	if err := evaluator.ValidateConfig(e.Kind, e.Config); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateEvaluator(r.Context(), &e); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteEvaluator(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteEvaluator(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Task handlers

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), r.URL.Query().Get("set_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*eval.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) validateTask(r *http.Request, t *eval.Task) error {
	if t.SetID == "" || t.ModelID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "set_id and model_id are required")
	}
	if t.Concurrency < eval.MinConcurrency || t.Concurrency > eval.MaxConcurrency {
		return errors.Newf(errors.ErrCodeConcurrencyInvalid,
			"concurrency must be between %d and %d", eval.MinConcurrency, eval.MaxConcurrency)
	}
	if t.RequestTemplate == nil {
		return errors.New(errors.ErrCodeInvalidInput, "request_template must be a JSON object")
	}
	if _, err := s.store.GetCaseSet(r.Context(), t.SetID); err != nil {
		return err
	}
	if _, err := s.store.GetModel(r.Context(), t.ModelID); err != nil {
		return err
	}
	for _, id := range t.EvaluatorIDs {
		if _, err := s.store.GetEvaluator(r.Context(), id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t eval.Task
	if err := decodeJSON(r, &t); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.validateTask(r, &t); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.CreateTask(r.Context(), &t); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var t eval.Task
	if err := decodeJSON(r, &t); err != nil {
		writeStoreError(w, err)
		return
	}
	t.ID = chi.URLParam(r, "id")
	if err := s.validateTask(r, &t); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.UpdateTask(r.Context(), &t); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
