// Package server exposes the automation engine over HTTP: the Meta
// webhook ingress, graph management, run inspection, the synchronous
// test-run endpoint, and the background schedulers that resume parked
// runs and fire cron-scheduled flows.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gramflow-labs/gramflow/store"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Service *RunService
	Graphs  store.GraphStore
	Runs    store.RunStore

	// VerifyToken authenticates the Meta webhook subscription handshake.
	VerifyToken string

	MaxBody int64
	Logger  *slog.Logger
}

// Server is the GramFlow HTTP API server.
type Server struct {
	service     *RunService
	graphs      store.GraphStore
	runs        store.RunStore
	verifyToken string
	maxBody     int64
	logger      *slog.Logger
}

// NewServer creates a Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		service:     cfg.Service,
		graphs:      cfg.Graphs,
		runs:        cfg.Runs,
		verifyToken: cfg.VerifyToken,
		maxBody:     maxBody,
		logger:      logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)

	mux.HandleFunc("GET /api/graphs", s.handleListGraphs)
	mux.HandleFunc("POST /api/graphs", s.handleCreateGraph)
	mux.HandleFunc("GET /api/graphs/{id}", s.handleGetGraph)
	mux.HandleFunc("PUT /api/graphs/{id}", s.handleUpdateGraph)
	mux.HandleFunc("DELETE /api/graphs/{id}", s.handleDeleteGraph)
	mux.HandleFunc("POST /api/graphs/{id}/validate", s.handleValidateGraph)
	mux.HandleFunc("POST /api/graphs/{id}/test-run", s.handleTestRun)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}", s.handleGetRun)

	mux.HandleFunc("GET /webhook", s.handleWebhookVerify)
	mux.HandleFunc("POST /webhook", s.handleWebhookDelivery)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeTypes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"types": s.service.NodeTypes()})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
