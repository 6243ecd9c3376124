// Package server wires the REST handlers, WebSocket bridge, and SPA
// fallback into one http.Handler.
package server

import (
	"database/sql"
	"net/http"

	"github.com/cove-ide/cove/internal/api"
	"github.com/cove-ide/cove/internal/models"
	"github.com/cove-ide/cove/internal/term"
	"github.com/cove-ide/cove/internal/ws"
)

type Server struct {
	mux        *http.ServeMux
	db         *sql.DB
	shells     []models.ShellStatus
	gitOk      bool
	defaults   api.SessionDefaults
	configPath string
	Manager    term.Manager
}

func New(db *sql.DB, shells []models.ShellStatus, gitOk bool, defaults api.SessionDefaults, configPath string, spaHandler http.Handler, manager term.Manager) *Server {
	s := &Server{
		mux:        http.NewServeMux(),
		db:         db,
		shells:     shells,
		gitOk:      gitOk,
		defaults:   defaults,
		configPath: configPath,
		Manager:    manager,
	}
	s.routes(spaHandler)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes(spaHandler http.Handler) {
	workspaces := api.NewWorkspacesHandler(s.db)
	sessions := api.NewSessionsHandler(s.db, s.Manager, s.defaults)
	cfg := api.NewConfigHandler(s.configPath)
	wsHandler := ws.NewHandler(s.Manager)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Config
	s.mux.HandleFunc("GET /api/config", cfg.HandleGet)
	s.mux.HandleFunc("PUT /api/config/{key}", cfg.HandleSet)

	// Workspaces
	s.mux.HandleFunc("GET /api/workspaces", workspaces.HandleList)
	s.mux.HandleFunc("POST /api/workspaces", workspaces.HandleCreate)
	s.mux.HandleFunc("DELETE /api/workspaces/{id}", workspaces.HandleDelete)

	// Sessions
	s.mux.HandleFunc("GET /api/sessions", sessions.HandleList)
	s.mux.HandleFunc("POST /api/sessions", sessions.HandleCreate)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", sessions.HandleDelete)
	s.mux.HandleFunc("GET /api/sessions/{id}/scm", sessions.HandleSCM)

	// WebSocket
	s.mux.Handle("GET /ws/session/{id}", wsHandler)

	// SPA fallback
	s.mux.Handle("/", spaHandler)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := models.HealthResponse{
		Status: "ok",
		Shells: s.shells,
		Git:    s.gitOk,
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
