package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/excel"
	"github.com/caseval/caseval/pkg/logging"
)

const maxImportSize = 32 << 20

// handleImportCaseSet creates a case set from an uploaded .xlsx file. The
// multipart form carries the file under "file" and optionally a "name"
// field; the filename is the fallback set name.
func (s *Server) handleImportCaseSet(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxImportSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file upload")
		return
	}
	defer file.Close()

	cases, err := excel.ParseCases(file)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	set := &eval.CaseSet{Name: name}
	if err := s.store.CreateCaseSet(r.Context(), set, cases); err != nil {
		writeStoreError(w, err)
		return
	}

	s.logger.Info(logging.CategoryImport, "caseset.imported", "case set imported from spreadsheet", map[string]any{
		"set_id": set.ID,
		"cases":  len(cases),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"case_set": set,
		"imported": len(cases),
	})
}

// handleExportCaseSet downloads a case set as an .xlsx file.
func (s *Server) handleExportCaseSet(w http.ResponseWriter, r *http.Request) {
	setID := chi.URLParam(r, "id")
	set, err := s.store.GetCaseSet(r.Context(), setID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cases, err := s.store.ListCases(r.Context(), setID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", set.Name+".xlsx"))
	if err := excel.WriteCases(w, cases); err != nil {
		s.logger.Error(logging.CategoryAPI, "caseset.export_failed", err.Error(), map[string]any{"set_id": setID})
	}
}

// handleExportRun downloads one run's results as an .xlsx file.
func (s *Server) handleExportRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	results, err := s.store.ListResults(r.Context(), runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	task, err := s.store.GetTask(r.Context(), run.TaskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	cases, err := s.store.ListCases(r.Context(), task.SetID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	filename := fmt.Sprintf("run-%d-results.xlsx", run.RunNumber)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	if err := excel.WriteResults(w, results, cases); err != nil {
		s.logger.Error(logging.CategoryAPI, "run.export_failed", err.Error(), map[string]any{"run_id": runID})
	}
}
