// Package api serves the panelplugd control API over a unix socket. The CLI
// uses it to add, remove and configure items of a running panel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/xfeldman/panelplug/internal/config"
	"github.com/xfeldman/panelplug/internal/host"
	"github.com/xfeldman/panelplug/internal/logstore"
	"github.com/xfeldman/panelplug/internal/version"
)

// Server is the panelplugd HTTP API server.
type Server struct {
	cfg     *config.Config
	manager *host.Manager
	logs    *logstore.Store
	log     *slog.Logger
	mux     *http.ServeMux
	server  *http.Server
	ln      net.Listener
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, m *host.Manager, logs *logstore.Store) *Server {
	s := &Server{
		cfg:     cfg,
		manager: m,
		logs:    logs,
		log:     slog.Default().With("component", "api"),
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/plugins", s.handleListPlugins)
	s.mux.HandleFunc("GET /v1/items", s.handleListItems)
	s.mux.HandleFunc("POST /v1/items", s.handleCreateItem)
	s.mux.HandleFunc("GET /v1/items/{id}", s.handleGetItem)
	s.mux.HandleFunc("DELETE /v1/items/{id}", s.handleFreeItem)
	s.mux.HandleFunc("POST /v1/items/{id}/remove", s.handleRequestRemove)
	s.mux.HandleFunc("POST /v1/items/{id}/configure", s.handleConfigureItem)
	s.mux.HandleFunc("POST /v1/items/{id}/save", s.handleSaveItem)
	s.mux.HandleFunc("GET /v1/items/{id}/logs", s.handleItemLogs)
	s.mux.HandleFunc("POST /v1/panel", s.handleSetPanel)
	s.mux.HandleFunc("POST /v1/save", s.handleSaveAll)
}

// Start begins listening on the control socket.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.cfg.ControlSocket)

	ln, err := net.Listen("unix", s.cfg.ControlSocket)
	if err != nil {
		return err
	}
	s.ln = ln
	os.Chmod(s.cfg.ControlSocket, 0600)

	s.log.Info("control API listening", "socket", s.cfg.ControlSocket)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server error", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the server and removes the socket.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	os.Remove(s.cfg.ControlSocket)
	return err
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Display string `json:"display"`
	Items   int    `json:"items"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:  "running",
		Version: version.Version(),
		Display: s.cfg.DisplayAddr(),
		Items:   len(s.manager.List()),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// isValidID checks if an item id is safe to use as a file name.
func isValidID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return !strings.Contains(id, "..")
}
