package rest

import (
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes sets up the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware)

	// Health check: responsiveness is itself the liveness signal.
	s.router.HandleFunc("/health", s.healthCheck).Methods("GET", "OPTIONS")

	// Observability
	s.router.HandleFunc("/stats", s.getStats).Methods("GET", "OPTIONS")
	s.router.HandleFunc("/network", s.getNetworkStats).Methods("GET", "OPTIONS")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}
