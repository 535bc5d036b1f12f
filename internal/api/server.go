// Package api exposes the sync and health operations over HTTP. Every
// response carries a structured envelope, so callers receive a well-formed
// answer even while the monitored system is down.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"laborsync/internal/health"
	"laborsync/internal/keypool"
	"laborsync/internal/metrics"
	"laborsync/internal/syncer"
)

// Response is the envelope every endpoint returns
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StartRequest is the body of POST /api/v1/sync/start
type StartRequest struct {
	ForceRestart  bool  `json:"force_restart"`
	BatchSize     int   `json:"batch_size,omitempty"`
	RetryAttempts int   `json:"retry_attempts,omitempty"`
	MaxConcurrent int   `json:"max_concurrent,omitempty"`
	ValidateData  *bool `json:"validate_data,omitempty"`
}

// Server handles the HTTP surface
type Server struct {
	engine  *syncer.Engine
	monitor *health.Monitor
	keys    *keypool.Pool
	metrics *metrics.Collector
	logger  *zap.Logger
	httpSrv *http.Server
}

// NewServer creates the HTTP server
func NewServer(
	addr string,
	engine *syncer.Engine,
	monitor *health.Monitor,
	keys *keypool.Pool,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Server {
	s := &Server{
		engine:  engine,
		monitor: monitor,
		keys:    keys,
		metrics: collector,
		logger:  logger,
	}

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/sync/status", s.GetSyncStatus).Methods(http.MethodGet)
	api.HandleFunc("/sync/start", s.StartSync).Methods(http.MethodPost)
	api.HandleFunc("/health", s.GetHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/check", s.TriggerHealthCheck).Methods(http.MethodPost)
	api.HandleFunc("/health/history", s.GetHealthHistory).Methods(http.MethodGet)
	api.HandleFunc("/health/actions", s.GetRecoveryActions).Methods(http.MethodGet)
	api.HandleFunc("/keys", s.GetKeyStatus).Methods(http.MethodGet)

	r.Handle("/metrics", s.metrics.Handler())

	return r
}

// ListenAndServe blocks serving HTTP until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// GetSyncStatus handles GET /api/v1/sync/status
func (s *Server) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.engine.Progress()})
}

// StartSync handles POST /api/v1/sync/start
func (s *Server) StartSync(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "invalid request body: " + err.Error()})
			return
		}
	}

	progress, err := s.engine.Start(context.Background(), syncer.Options{
		ForceRestart:  req.ForceRestart,
		BatchSize:     req.BatchSize,
		RetryAttempts: req.RetryAttempts,
		MaxConcurrent: req.MaxConcurrent,
		ValidateData:  req.ValidateData,
	})
	if err != nil {
		s.logger.Error("failed to start sync", zap.Error(err))
		s.writeJSON(w, http.StatusOK, Response{Success: false, Error: err.Error()})
		return
	}

	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: progress})
}

// GetHealth handles GET /api/v1/health
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.monitor.Snapshot(r.Context())})
}

// TriggerHealthCheck handles POST /api/v1/health/check
func (s *Server) TriggerHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.monitor.CheckHealth(r.Context())})
}

// GetHealthHistory handles GET /api/v1/health/history?limit=N
func (s *Server) GetHealthHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.monitor.History(limit)})
}

// GetRecoveryActions handles GET /api/v1/health/actions
func (s *Server) GetRecoveryActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]interface{}{
		"actions": s.monitor.RecoveryActions(),
		"alerts":  s.monitor.Alerts(),
	}})
}

// GetKeyStatus handles GET /api/v1/keys
func (s *Server) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, Response{Success: true, Data: s.keys.StatusSnapshot()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
