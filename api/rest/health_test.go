package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubNode struct {
	peers int
}

func (s *stubNode) PeerCount() int { return s.peers }

func (s *stubNode) GetNetworkStats() map[string]interface{} {
	return map[string]interface{}{"connected_peers": s.peers}
}

func getHealth(t *testing.T, s *Server) HealthResponse {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHealthAtStartup(t *testing.T) {
	s := NewServer(&stubNode{peers: 0}, nil)

	body := getHealth(t, s)
	require.Equal(t, "OK", body.Status)
	require.Equal(t, 0, body.PeerCount)
	require.GreaterOrEqual(t, body.UptimeSeconds, int64(0))
}

func TestHealthUptimeIncreases(t *testing.T) {
	s := NewServer(&stubNode{}, nil)
	// Shift the start time back so the two reads straddle a whole
	// second without a long sleep.
	s.startTime = time.Now().Add(-time.Duration(990) * time.Millisecond)

	first := getHealth(t, s)
	time.Sleep(1100 * time.Millisecond)
	second := getHealth(t, s)

	require.Greater(t, second.UptimeSeconds, first.UptimeSeconds)
}

func TestHealthReportsPeerCount(t *testing.T) {
	s := NewServer(&stubNode{peers: 7}, nil)

	body := getHealth(t, s)
	require.Equal(t, 7, body.PeerCount)
}

func TestNetworkStats(t *testing.T) {
	s := NewServer(&stubNode{peers: 3}, nil)

	req := httptest.NewRequest(http.MethodGet, "/network", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.EqualValues(t, 3, body["connected_peers"])
}

func TestServeOnBoundListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := NewServer(&stubNode{peers: 2}, nil)
	go s.Serve(ln)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(fmt.Sprintf("http://%s/health", ln.Addr()))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "OK", body.Status)
	require.Equal(t, 2, body.PeerCount)
}

func TestStatsWithoutStore(t *testing.T) {
	s := NewServer(&stubNode{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Storage map[string]interface{} `json:"storage"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, false, body.Storage["available"])
}
