package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/governor"
)

type fakeBridge struct {
	states map[int64]string
}

func (f *fakeBridge) ListenerStates() map[int64]string { return f.states }

func newTestServer(apiKey string) *Server {
	gov := governor.New(&config.SyncConfig{MaxSessions: 3}, nil)
	return New(&config.HTTPAPIConfig{Addr: ":0", APIKey: apiKey}, nil, gov, &fakeBridge{
		states: map[int64]string{1: "listening", 2: "listening", 3: "disconnected"},
	})
}

func TestGovernorStatsEndpoint(t *testing.T) {
	s := newTestServer("")
	router := s.setupRoutes()

	req := httptest.NewRequest("GET", "/stats/governor", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats governor.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.MaxSessions)
	assert.Equal(t, 0, stats.ActiveSessions)
}

func TestBridgeStatsEndpoint(t *testing.T) {
	s := newTestServer("")
	router := s.setupRoutes()

	req := httptest.NewRequest("GET", "/stats/bridge", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Enabled   bool           `json:"enabled"`
		Listeners int            `json:"listeners"`
		ByState   map[string]int `json:"by_state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Enabled)
	assert.Equal(t, 3, body.Listeners)
	assert.Equal(t, 2, body.ByState["listening"])
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer("sekrit")
	router := s.setupRoutes()

	req := httptest.NewRequest("GET", "/stats/governor", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("GET", "/stats/governor", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest("GET", "/stats/governor", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
