package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"

	"github.com/buildloop/buildloop/internal/common"
	"github.com/buildloop/buildloop/internal/fault"
)

// Server exposes a Bridge on a loopback HTTP endpoint for the spawned agent
// process. The catalog and all validation stay in-process; HTTP is only the
// transport. Tool failures are structured payloads, never HTTP errors.
type Server struct {
	bridge *Bridge
	http   *http.Server
	addr   string
}

// NewServer wires the routes for a bridge.
func NewServer(bridge *Bridge) *Server {
	s := &Server{bridge: bridge}
	router := chi.NewRouter()
	router.Get("/catalog", s.handleCatalog)
	router.Post("/tools/{name}", s.handleTool)
	s.http = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start listens on an ephemeral loopback port and serves until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen tool bridge: %w", err)
	}
	s.addr = ln.Addr().String()
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			common.Component("toolbridge").Error("toolbridge: server stopped", "error", err)
		}
	}()
	common.Component("toolbridge").Debug("toolbridge: listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string { return s.addr }

// URL returns the base endpoint handed to the agent.
func (s *Server) URL() string { return "http://" + s.addr }

// Close shuts the listener down.
func (s *Server) Close(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

type toolResponse struct {
	OK     bool         `json:"ok"`
	Result any          `json:"result,omitempty"`
	Error  *fault.Error `json:"error,omitempty"`
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toolResponse{OK: true, Result: Catalog()})
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInputBytes+1))
	if err != nil {
		writeJSON(w, http.StatusOK, toolResponse{
			OK:    false,
			Error: fault.New(fault.Precondition, "input for %s exceeds %d bytes", name, maxInputBytes),
		})
		return
	}
	result, ferr := s.bridge.Call(r.Context(), name, body)
	if ferr != nil {
		writeJSON(w, http.StatusOK, toolResponse{OK: false, Error: ferr})
		return
	}
	writeJSON(w, http.StatusOK, toolResponse{OK: true, Result: result})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		common.Component("toolbridge").Warn("toolbridge: encode response failed", "error", err)
	}
}
