// Package httpapi serves the read-only status endpoints: overall health,
// queue depths, governor occupancy and bridge listener states.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/mailcrm/flagsync/config"
	"github.com/mailcrm/flagsync/governor"
	"github.com/mailcrm/flagsync/logger"
	"github.com/mailcrm/flagsync/pkg/resilient"
)

// BridgeStatus exposes the event bridge's per-account connection states.
type BridgeStatus interface {
	ListenerStates() map[int64]string
}

type Server struct {
	addr   string
	apiKey string
	rdb    *resilient.ResilientDatabase
	gov    *governor.Governor
	bridge BridgeStatus
	server *http.Server
}

func New(cfg *config.HTTPAPIConfig, rdb *resilient.ResilientDatabase, gov *governor.Governor, bridge BridgeStatus) *Server {
	return &Server{
		addr:   cfg.GetAddr(),
		apiKey: cfg.APIKey,
		rdb:    rdb,
		gov:    gov,
		bridge: bridge,
	}
}

// Start runs the server until the context ends. Returned error is nil on
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API shutdown error", "error", err)
		}
	}()

	logger.Info("HTTP API listening", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.authMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/healthz/components", s.handleHealthComponents).Methods("GET")
	router.HandleFunc("/stats/queue", s.handleQueueStats).Methods("GET")
	router.HandleFunc("/stats/governor", s.handleGovernorStats).Methods("GET")
	router.HandleFunc("/stats/bridge", s.handleBridgeStats).Methods("GET")
	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	overview, err := s.rdb.GetSystemHealthOverviewWithRetry(r.Context(), "")
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "health overview unavailable")
		return
	}

	status := http.StatusOK
	if overview.UnhealthyCount > 0 {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, overview)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.rdb.GetAllHealthStatusesWithRetry(r.Context(), r.URL.Query().Get("hostname"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "health statuses unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(statuses),
		"components": statuses,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	pending, leased, dead, err := s.rdb.GetQueueStatsWithRetry(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "queue stats unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{
		"pending": pending,
		"leased":  leased,
		"dead":    dead,
	})
}

func (s *Server) handleGovernorStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.gov.GetStats())
}

func (s *Server) handleBridgeStats(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	states := s.bridge.ListenerStates()
	byState := make(map[string]int)
	for _, state := range states {
		byState[state]++
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   true,
		"listeners": len(states),
		"by_state":  byState,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
