package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gramflow-labs/gramflow/flow"
	"github.com/gramflow-labs/gramflow/store"
)

func (s *Server) handleListGraphs(w http.ResponseWriter, r *http.Request) {
	defs, err := s.graphs.Graphs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graphs": defs})
}

func (s *Server) handleCreateGraph(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeGraph(w, r)
	if !ok {
		return
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	s.saveGraph(w, r, def)
}

func (s *Server) handleUpdateGraph(w http.ResponseWriter, r *http.Request) {
	def, ok := decodeGraph(w, r)
	if !ok {
		return
	}
	def.ID = r.PathValue("id")
	s.saveGraph(w, r, def)
}

// saveGraph validates and persists. Definitions with error-severity
// diagnostics are rejected: a stored graph is always runnable.
func (s *Server) saveGraph(w http.ResponseWriter, r *http.Request, def *flow.GraphDef) {
	diags := def.Validate(s.service.registry)
	if flow.HasErrors(diags) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       errorDetail{Code: "INVALID_GRAPH", Message: "graph failed validation"},
			"diagnostics": diags,
		})
		return
	}
	if err := s.graphs.SaveGraph(r.Context(), def); err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"graph":       def,
		"diagnostics": diags,
	})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, err := s.graphs.Graph(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"graph": def})
}

func (s *Server) handleDeleteGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.graphs.DeleteGraph(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleValidateGraph runs validation on the stored graph (or, with a
// body, on the submitted draft) without persisting anything.
func (s *Server) handleValidateGraph(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var def *flow.GraphDef
	if r.ContentLength > 0 {
		var ok bool
		def, ok = decodeGraph(w, r)
		if !ok {
			return
		}
		def.ID = id
	} else {
		stored, err := s.graphs.Graph(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
			return
		}
		def = stored
	}

	diags := def.Validate(s.service.registry)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       !flow.HasErrors(diags),
		"diagnostics": diags,
	})
}

// testRunRequest is the body of a synchronous dry run.
type testRunRequest struct {
	TriggerType string         `json:"trigger_type"`
	EventID     string         `json:"event_id"`
	Payload     map[string]any `json:"payload"`
}

// handleTestRun executes the stored graph synchronously against a
// sample event, with recording stand-ins for outbound actions.
func (s *Server) handleTestRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	def, err := s.graphs.Graph(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("graph %q not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	var req testRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}
	if req.TriggerType == "" {
		writeError(w, http.StatusBadRequest, "MISSING_TYPE", "trigger_type is required")
		return
	}
	if req.EventID == "" {
		req.EventID = "test-" + uuid.NewString()
	}

	ev := flow.TriggerEvent{
		Type:       flow.TriggerType(req.TriggerType),
		EventID:    req.EventID,
		Payload:    req.Payload,
		ReceivedAt: time.Now().UTC(),
	}

	result, sent, diags, err := s.service.TestRun(r.Context(), def, ev)
	if err != nil {
		if flow.HasErrors(diags) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":       errorDetail{Code: "INVALID_GRAPH", Message: err.Error()},
				"diagnostics": diags,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, "RUN_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  result,
		"actions": sent,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	graphID := r.URL.Query().Get("graph_id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.runs.Runs(r.Context(), graphID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("run_id")
	run, err := s.runs.Run(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("run %q not found", id))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func decodeGraph(w http.ResponseWriter, r *http.Request) (*flow.GraphDef, bool) {
	var def flow.GraphDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return nil, false
	}
	return &def, true
}
