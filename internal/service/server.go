// Package service provides implementation of the core application server.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-solax/internal/api"
	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/resident-x/go-solax/internal/session"
	"github.com/resident-x/go-solax/internal/telemetry"
	"github.com/resident-x/go-solax/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrTooManyFailedCycles is returned by Run once poll.max_failed_cycles
// consecutive cycles produced no data.
var ErrTooManyFailedCycles = errors.New("too many consecutive failed poll cycles")

// Option customizes a DataCollectionServer.
type Option func(*DataCollectionServer)

// WithDialer replaces the Modbus/TCP dialer of the inverter session.
func WithDialer(d session.Dialer) Option {
	return func(s *DataCollectionServer) { s.dialer = d }
}

// WithSleep replaces the backoff sleep of the inverter session.
func WithSleep(f session.SleepFunc) Option {
	return func(s *DataCollectionServer) { s.sleep = f }
}

// DataCollectionServer polls the inverter on a fixed interval and fans every
// snapshot out to the store, the message publisher and the monitoring
// service.
type DataCollectionServer struct {
	config     *config.Config
	layout     *registers.Layout
	session    *session.Session
	assembler  *telemetry.Assembler
	store      *domain.SnapshotStore
	validator  *validation.Validator
	apiServer  *api.Server
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	dialer     session.Dialer
	sleep      session.SleepFunc
	logger     zerolog.Logger
	startTime  time.Time
}

// NewDataCollectionServer creates a new data collection server instance.
func NewDataCollectionServer(cfg *config.Config, layout *registers.Layout,
	publisher domain.MessagePublisher, monitoring domain.MonitoringService, opts ...Option) (*DataCollectionServer, error) {
	if layout == nil {
		return nil, fmt.Errorf("register layout is required")
	}

	server := &DataCollectionServer{
		config:     cfg,
		layout:     layout,
		store:      domain.NewSnapshotStore(),
		publisher:  publisher,
		monitoring: monitoring,
		logger:     log.With().Str("component", "server").Logger(),
	}
	for _, opt := range opts {
		opt(server)
	}

	server.session = session.New(session.Config{
		Host:           cfg.Inverter.Host,
		Port:           cfg.Inverter.Port,
		UnitID:         byte(cfg.Inverter.UnitID),
		Timeout:        cfg.InverterTimeout(),
		MaxRetries:     cfg.Inverter.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay(),
		Dialer:         server.dialer,
		Sleep:          server.sleep,
	})
	server.assembler = telemetry.New(server.session, layout)

	if cfg.Poll.Validate {
		server.validator = validation.NewValidator(validation.ValidationLevelStandard, layout, server.logger)
	}

	// Initialize HTTP API server if enabled.
	if cfg.API.Enabled {
		server.apiServer = api.NewServer(cfg, server.store, layout)
		server.apiServer.SetSettingsController(server.assembler)
		server.apiServer.SetMetricsSource(server)
	}

	return server, nil
}

// Store returns the snapshot store fed by the poll loop.
func (s *DataCollectionServer) Store() *domain.SnapshotStore {
	return s.store
}

// Session returns the inverter session.
func (s *DataCollectionServer) Session() *session.Session {
	return s.session
}

// APIServer returns the HTTP API server, nil when disabled.
func (s *DataCollectionServer) APIServer() *api.Server {
	return s.apiServer
}

// Start initializes and starts the outer components. Polling begins with Run.
func (s *DataCollectionServer) Start(ctx context.Context) error {
	s.startTime = time.Now()

	if err := s.publisher.Connect(ctx); err != nil {
		// The client keeps retrying and connects once the broker is up.
		s.logger.Error().Err(err).Msg("Failed to connect message publisher")
	}

	if err := s.monitoring.Connect(); err != nil {
		return fmt.Errorf("failed to connect monitoring service: %w", err)
	}

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	s.logger.Info().
		Str("inverter", s.session.Address()).
		Dur("interval", s.config.PollInterval()).
		Msg("Server started")
	return nil
}

// Run polls until ctx is cancelled or the failed cycle limit is reached.
// The inverter session is always disconnected on return.
func (s *DataCollectionServer) Run(ctx context.Context) error {
	defer func() {
		s.session.Disconnect()
		s.store.SetConnected(false)
	}()

	ticker := time.NewTicker(s.config.PollInterval())
	defer ticker.Stop()

	for {
		if err := s.PollOnce(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Poll loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one cycle: connect when needed, read all blocks, then fan
// the snapshot out. The only error it returns is ErrTooManyFailedCycles.
func (s *DataCollectionServer) PollOnce(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	if !s.session.Connected() {
		err := s.session.Connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.store.RecordConnect(err)
		if err != nil {
			s.logger.Error().Err(err).Msg("Inverter unreachable")
			s.store.Record(domain.NewSnapshot(time.Now()))
			return s.checkFailedCycles()
		}
	}

	snap := s.assembler.Poll()
	s.store.Record(snap)
	s.store.SetConnected(s.session.Connected())

	if snap.Empty() {
		s.logger.Warn().
			Strs("missing", snap.Missing).
			Msg("Poll cycle returned no data")
		return s.checkFailedCycles()
	}

	s.processSnapshot(ctx, snap)
	return nil
}

func (s *DataCollectionServer) checkFailedCycles() error {
	limit := s.config.Poll.MaxFailedCycles
	if limit <= 0 {
		return nil
	}
	if failed := s.store.Stats().ConsecutiveFailed; failed >= limit {
		return fmt.Errorf("%w: %d", ErrTooManyFailedCycles, failed)
	}
	return nil
}

// processSnapshot validates, publishes and uploads one snapshot. Failures
// are logged and never stop the loop.
func (s *DataCollectionServer) processSnapshot(ctx context.Context, snap *domain.Snapshot) {
	if s.validator != nil {
		result := s.validator.Validate(snap)
		if result.HasErrors() || result.HasWarnings() {
			s.logger.Warn().
				Str("summary", result.Summary()).
				Msg("Snapshot failed plausibility checks")
		}
	}

	if err := s.publisher.Publish(ctx, s.config.MQTT.Topic, snap); err != nil {
		s.logger.Error().
			Str("topic", s.config.MQTT.Topic).
			Err(err).
			Msg("Failed to publish message")
	}

	if err := s.monitoring.Send(ctx, snap); err != nil {
		s.logger.Error().Err(err).Msg("Failed to send to monitoring service")
	}

	s.logger.Debug().
		Int("fields", snap.Len()).
		Int("missing_blocks", len(snap.Missing)).
		Msg("Processed snapshot")
}

// Stop gracefully shuts down all server components.
func (s *DataCollectionServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	s.session.Disconnect()

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	return nil
}

// GetMetrics returns server metrics. It is served under the API status
// endpoint.
func (s *DataCollectionServer) GetMetrics() map[string]interface{} {
	metrics := make(map[string]interface{})

	metrics["uptime"] = time.Since(s.startTime).Seconds()
	metrics["start_time"] = s.startTime
	metrics["session_state"] = s.session.State().String()

	stats := s.store.Stats()
	metrics["cycles"] = stats.Cycles
	metrics["empty_cycles"] = stats.EmptyCycles
	metrics["consecutive_failed"] = stats.ConsecutiveFailed
	metrics["connect_attempts"] = stats.ConnectAttempts

	if age, ok := s.store.Age(time.Now()); ok {
		metrics["snapshot_age"] = age.Seconds()
	}
	if s.validator != nil {
		metrics["validation"] = s.validator.GetStatistics()
	}

	return metrics
}
