package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/fsbatch/internal/model"
	"github.com/seantiz/fsbatch/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxOutcomeLimit  = 1000
)

// listRunsResponse wraps the paginated run list.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

type listLotsResponse struct {
	RunID string             `json:"run_id"`
	Lots  []*model.LotRecord `json:"lots"`
}

type listOutcomesResponse struct {
	RunID    string          `json:"run_id"`
	Outcomes []model.Outcome `json:"outcomes"`
	Total    int             `json:"total"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, maxListLimit)

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	lots, err := s.store.ListLots(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list lots", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list lots")
		return
	}

	s.writeJSON(w, http.StatusOK, listLotsResponse{RunID: run.ID, Lots: lots})
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r, maxOutcomeLimit)

	outcomes, total, err := s.store.ListOutcomes(r.Context(), run.ID, limit, offset)
	if err != nil {
		s.logger.Error("list outcomes", "run_id", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}

	s.writeJSON(w, http.StatusOK, listOutcomesResponse{
		RunID:    run.ID,
		Outcomes: outcomes,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// lookupRun resolves the {id} URL parameter, writing the error response
// itself when the run cannot be loaded.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// pagination reads limit and offset, clamping them to sane values.
func pagination(r *http.Request, maxLimit int) (limit, offset int) {
	limit = parseIntQuery(r, "limit", defaultListLimit)
	offset = parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
