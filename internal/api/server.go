// Package api provides the HTTP API of the go-solax poller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/emulator"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/resident-x/go-solax/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Version is reported by the status endpoint. It is set by main.
var Version = "dev"

// SettingsController reads and writes the inverter configuration registers.
type SettingsController interface {
	ReadSettings() (*domain.Settings, error)
	WriteSetting(name string, value float64) error
	WriteSettingLabel(name, label string) error
}

// EmulatorInfo is the view of a running emulator served under /emulator.
type EmulatorInfo interface {
	Identity() config.IdentityInfo
	Status() emulator.Status
	Address() string
}

// MetricsSource reports runtime metrics of the poller for /status.
type MetricsSource interface {
	GetMetrics() map[string]interface{}
}

// Server represents the HTTP API server exposing the latest telemetry.
type Server struct {
	config    *config.Config
	server    *http.Server
	router    *mux.Router
	source    domain.SnapshotSource
	layout    *registers.Layout
	settings  SettingsController
	emulator  EmulatorInfo
	metrics   MetricsSource
	logger    zerolog.Logger
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, source domain.SnapshotSource, layout *registers.Layout) *Server {
	router := mux.NewRouter()

	apiServer := &Server{
		config:    cfg,
		router:    router,
		source:    source,
		layout:    layout,
		logger:    log.With().Str("component", "api").Logger(),
		startTime: time.Now(),
	}

	apiServer.setupRoutes()

	return apiServer
}

// SetSettingsController enables the settings endpoints.
func (s *Server) SetSettingsController(c SettingsController) {
	s.settings = c
}

// SetEmulator enables the emulator endpoint.
func (s *Server) SetEmulator(e EmulatorInfo) {
	s.emulator = e
}

// SetMetricsSource adds the poller metrics to the status response.
func (s *Server) SetMetricsSource(m MetricsSource) {
	s.metrics = m
}

// GetRouter returns the router for testing purposes.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("GET")
	api.HandleFunc("/snapshot/{field}", s.handleSnapshotField).Methods("GET")

	api.HandleFunc("/layout", s.handleLayout).Methods("GET")

	api.HandleFunc("/settings", s.handleGetSettings).Methods("GET")
	api.HandleFunc("/settings/{name}", s.handlePutSetting).Methods("PUT")

	api.HandleFunc("/emulator", s.handleEmulator).Methods("GET")
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns poller status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.source.Stats()

	status := map[string]interface{}{
		"status":    "ok",
		"version":   Version,
		"uptime":    time.Since(s.startTime).String(),
		"device":    s.layout.Device,
		"inverter":  s.config.InverterAddress(),
		"connected": stats.Connected,
		"poll":      stats,
	}
	if snap, ok := s.source.Latest(); ok {
		status["lastSnapshot"] = snap.Timestamp
		status["fieldCount"] = snap.Len()
	}
	if s.metrics != nil {
		status["metrics"] = s.metrics.GetMetrics()
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleEmulator returns the identity and model state of the attached emulator.
func (s *Server) handleEmulator(w http.ResponseWriter, _ *http.Request) {
	if s.emulator == nil {
		s.writeError(w, "No emulator attached", http.StatusNotFound)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"address":  s.emulator.Address(),
		"identity": s.emulator.Identity(),
		"state":    s.emulator.Status(),
	}, http.StatusOK)
}

// handleSnapshot returns the latest snapshot as a flat object.
func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.source.Latest()
	if !ok {
		s.writeError(w, "No snapshot available yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, snap, http.StatusOK)
}

// handleSnapshotField returns a single field of the latest snapshot.
func (s *Server) handleSnapshotField(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["field"]

	snap, ok := s.source.Latest()
	if !ok {
		s.writeError(w, "No snapshot available yet", http.StatusServiceUnavailable)
		return
	}

	result := map[string]interface{}{
		"field":     name,
		"timestamp": snap.Timestamp,
	}
	if v, ok := snap.Metric(name); ok {
		result["value"] = v
	} else if v, ok := snap.State(name); ok {
		result["value"] = v
	} else {
		s.writeError(w, "Field not available", http.StatusNotFound)
		return
	}
	if _, f, ok := s.layout.Field(name); ok && f.Unit != "" {
		result["unit"] = f.Unit
	}

	s.writeJSON(w, result, http.StatusOK)
}

// handleLayout describes the register layout the poller decodes with.
func (s *Server) handleLayout(w http.ResponseWriter, _ *http.Request) {
	describe := func(blocks []registers.Block) []map[string]interface{} {
		out := make([]map[string]interface{}, 0, len(blocks))
		for _, b := range blocks {
			fields := make([]map[string]interface{}, 0, len(b.Fields))
			for _, f := range b.Fields {
				field := map[string]interface{}{
					"name":   f.Name,
					"offset": f.Offset,
					"type":   f.Type,
				}
				if f.Scale > 1 {
					field["scale"] = f.Scale
				}
				if f.Unit != "" {
					field["unit"] = f.Unit
				}
				if f.Enum != "" {
					field["enum"] = f.Enum
				}
				fields = append(fields, field)
			}
			out = append(out, map[string]interface{}{
				"name":    b.Name,
				"label":   b.Label,
				"address": b.Address,
				"count":   b.Count,
				"fields":  fields,
			})
		}
		return out
	}

	s.writeJSON(w, map[string]interface{}{
		"version": s.layout.Version,
		"device":  s.layout.Device,
		"input":   describe(s.layout.InputBlocks),
		"holding": describe(s.layout.HoldingBlocks),
	}, http.StatusOK)
}

// handleGetSettings reads the configuration registers from the inverter.
func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		s.writeError(w, "Settings access not available", http.StatusServiceUnavailable)
		return
	}

	settings, err := s.settings.ReadSettings()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read settings")
		s.writeError(w, "Failed to read settings from inverter", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, settings, http.StatusOK)
}

type settingRequest struct {
	Value *float64 `json:"value,omitempty"`
	Label string   `json:"label,omitempty"`
}

// handlePutSetting writes one configuration register.
func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		s.writeError(w, "Settings access not available", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["name"]

	var req settingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	var err error
	switch {
	case req.Label != "":
		err = s.settings.WriteSettingLabel(name, req.Label)
	case req.Value != nil:
		err = s.settings.WriteSetting(name, *req.Value)
	default:
		s.writeError(w, "Either value or label is required", http.StatusBadRequest)
		return
	}

	if err != nil {
		if errors.Is(err, telemetry.ErrUnknownSetting) {
			s.writeError(w, "Unknown setting", http.StatusNotFound)
			return
		}
		s.logger.Warn().Err(err).Str("setting", name).Msg("Failed to write setting")
		s.writeError(w, err.Error(), http.StatusBadGateway)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"setting": name,
		"status":  "written",
	}, http.StatusOK)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
