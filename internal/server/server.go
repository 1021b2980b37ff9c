// Package server provides the HTTP API for Watchpost: status, incidents,
// thresholds, feedback, the annotated stream and live events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ayusman/watchpost/internal/app"
	"github.com/ayusman/watchpost/internal/cascade"
	"github.com/ayusman/watchpost/internal/display"
	"github.com/ayusman/watchpost/internal/incident"
	"github.com/ayusman/watchpost/internal/plugin"
	"github.com/ayusman/watchpost/internal/server/api"
)

// shutdownTimeout bounds how long Run waits for in-flight requests.
const shutdownTimeout = 5 * time.Second

// Controller is the part of the frame orchestrator the API can drive.
type Controller interface {
	IsEnabled() bool
	SetEnabled(enabled bool)
	IsRunning() bool
	Stats() app.Stats
}

// Config holds the server configuration. Every component is optional; routes
// for missing components are not registered.
type Config struct {
	StaticDir  string
	Control    Controller
	Incidents  api.IncidentRepository
	Thresholds *incident.ThresholdStore
	Labels     cascade.Names
	Feedback   api.FeedbackSubmitter
	Hooks      *plugin.Manager
	Stream     *display.StreamSink
	Hub        *Hub
	Metrics    bool
	Logger     zerolog.Logger
}

// Server represents the HTTP server for the Watchpost application.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	logger zerolog.Logger
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		logger: config.Logger.With().Str("component", "server").Logger(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Control != nil {
		s.mux.HandleFunc("/api/status", s.handleStatus)
	}

	if s.config.Incidents != nil {
		incidents := api.NewIncidentHandler(s.config.Incidents)
		s.mux.Handle("/api/incidents", incidents)
		s.mux.Handle("/api/incidents/", incidents)
	}

	if s.config.Thresholds != nil {
		thresholds := api.NewThresholdHandler(s.config.Thresholds, s.config.Labels)
		s.mux.Handle("/api/thresholds", thresholds)
		s.mux.Handle("/api/thresholds/", thresholds)
	}

	if s.config.Feedback != nil {
		s.mux.Handle("/api/feedback", api.NewFeedbackHandler(s.config.Feedback))
	}

	if s.config.Hooks != nil {
		hooks := api.NewHookHandler(s.config.Hooks)
		s.mux.Handle("/api/hooks", hooks)
		s.mux.Handle("/api/hooks/", hooks)
	}

	if s.config.Stream != nil {
		stream := NewStreamHandler(s.config.Stream)
		s.mux.Handle("/api/stream", stream)
		s.mux.HandleFunc("/api/snapshot", stream.Snapshot)
	}

	if s.config.Hub != nil {
		s.mux.Handle("/api/events", s.config.Hub)
	}

	if s.config.Metrics {
		s.mux.Handle("/metrics", promhttp.Handler())
	}

	// Serve static files if StaticDir is configured
	if s.config.StaticDir != "" {
		fs := http.FileServer(http.Dir(s.config.StaticDir))
		s.mux.Handle("/", fs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	writeJSON(w, http.StatusOK, response)
}

type statusResponse struct {
	Enabled bool      `json:"enabled"`
	Running bool      `json:"running"`
	Stats   app.Stats `json:"stats"`
}

type statusRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleStatus reports the orchestrator state on GET and pauses or resumes
// inference on PUT.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req statusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "enabled is required"})
			return
		}
		s.config.Control.SetEnabled(*req.Enabled)
		if s.config.Hub != nil {
			s.config.Hub.Broadcast(EventStatus, map[string]bool{"enabled": *req.Enabled})
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctl := s.config.Control
	writeJSON(w, http.StatusOK, statusResponse{
		Enabled: ctl.IsEnabled(),
		Running: ctl.IsRunning(),
		Stats:   ctl.Stats(),
	})
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.config.Hub != nil {
		s.config.Hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
