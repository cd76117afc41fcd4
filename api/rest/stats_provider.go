package rest

import (
	"net/http"
	"time"
)

// getNetworkStats returns live network statistics
func (s *Server) getNetworkStats(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": "Network node not available",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, s.node.GetNetworkStats())
}

// getStats returns persistent store statistics
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	storageStats := map[string]interface{}{"available": false}
	if s.store != nil {
		st, err := s.store.GetStats()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to get storage stats", err)
			return
		}
		storageStats = map[string]interface{}{
			"available":     true,
			"peer_count":    st.Peers,
			"address_count": st.Addresses,
		}
	}

	stats := map[string]interface{}{
		"storage":   storageStats,
		"timestamp": time.Now(),
	}

	s.writeJSON(w, http.StatusOK, stats)
}
