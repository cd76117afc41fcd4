package rest

import (
	"net/http"
	"time"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	PeerCount     int    `json:"peer_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// healthCheck returns node health. HTTP 200 while the process is
// alive; no degraded status code is defined.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	peerCount := 0
	if s.node != nil {
		peerCount = s.node.PeerCount()
	}

	health := HealthResponse{
		Status:        "OK",
		PeerCount:     peerCount,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}

	s.writeJSON(w, http.StatusOK, health)
}
