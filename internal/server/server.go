// Package server exposes the orchestrator over a small JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/codefionn/fehlersuche/internal/logger"
	"github.com/codefionn/fehlersuche/internal/orchestrator"
	"github.com/codefionn/fehlersuche/internal/session"
)

// Server provides the HTTP control surface for debugging sessions.
type Server struct {
	orch   *orchestrator.Orchestrator
	addr   string
	log    *logger.Logger
	server *http.Server
	router *httprouter.Router
}

// NewServer creates a server bound to the orchestrator.
func NewServer(orch *orchestrator.Orchestrator, addr string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		orch:   orch,
		addr:   addr,
		log:    log.WithComponent("server"),
		router: httprouter.New(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}
	s.log.Info("listening on %s", s.addr)
	return s.server.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.POST("/api/v1/sessions", s.handleStartSession)
	s.router.GET("/api/v1/sessions", s.handleListSessions)
	s.router.GET("/api/v1/sessions/:id", s.handleGetSession)
	s.router.POST("/api/v1/sessions/:id/observations", s.handleAddObservation)
	s.router.POST("/api/v1/sessions/:id/cancel", s.handleCancelSession)
	s.router.GET("/api/v1/sessions/:id/scenarios/:scenario_id/log", s.handleScenarioLog)
}

type startSessionRequest struct {
	OriginalError string `json:"original_error"`
	RepoPath      string `json:"repo_path"`
	Context       string `json:"context,omitempty"`
}

type observationRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OriginalError == "" {
		writeError(w, http.StatusBadRequest, "original_error is required")
		return
	}
	if req.RepoPath == "" {
		writeError(w, http.StatusBadRequest, "repo_path is required")
		return
	}

	id, err := s.orch.StartSession(req.OriginalError, req.RepoPath, req.Context)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	entries, err := s.orch.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []session.IndexEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	snap, err := s.orch.GetStatus(ps.ByName("id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAddObservation(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req observationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	if err := s.orch.AddObservation(ps.ByName("id"), req.Text); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleCancelSession(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.orch.CancelSession(ps.ByName("id")); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleScenarioLog(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	entries, err := s.orch.ScenarioLog(ps.ByName("id"), ps.ByName("scenario_id"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if entries == nil {
		entries = []session.LogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
