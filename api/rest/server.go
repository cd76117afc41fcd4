// Package rest serves the bootstrap node's observability surface: the
// health endpoint external monitors probe, plus stats and prometheus
// metrics. It is read-only; the node itself is headless.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"mepassa-bootstrap/core/peerstore"

	"github.com/gorilla/mux"
)

// NodeInfo is the read-only view of the running node. The event loop
// publishes these values; handlers never mutate node state.
type NodeInfo interface {
	PeerCount() int
	GetNetworkStats() map[string]interface{}
}

// Server is the health/metrics HTTP server.
type Server struct {
	node      NodeInfo
	store     *peerstore.Store // nil when running in degraded mode
	router    *mux.Router
	server    *http.Server
	startTime time.Time
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewServer creates the health server. store may be nil.
func NewServer(node NodeInfo, store *peerstore.Store) *Server {
	s := &Server{
		node:      node,
		store:     store,
		router:    mux.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()
	return s
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start binds addr and serves. Blocks until shutdown or listen failure.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind health server on %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an already-bound listener, so callers can confirm the
// bind during startup before other components launch. Blocks until
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("Starting health server on %s", ln.Addr())
	return s.server.Serve(ln)
}

// Stop stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Failed to encode JSON response: %v", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	}
	if err != nil {
		log.Printf("%s: %v", message, err)
	}
	s.writeJSON(w, status, resp)
}
