// Package main provides the entry point for the go-solax poller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-solax/internal/api"
	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/pubsub"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/resident-x/go-solax/internal/service"
	pvoutput "github.com/resident-x/go-solax/internal/service/pvoutput"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

// options are the command line flags.
type options struct {
	configFile  string
	layoutFile  string
	showVersion bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("solax-poll", flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	fs.StringVar(&opts.configFile, "config", "", "Path to configuration file (default: search config.yaml in . and ./config)")
	fs.StringVar(&opts.layoutFile, "layout", "", "Path to a register layout YAML (default: built-in X3 Hybrid layout)")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func run(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	// Show version if requested
	if opts.showVersion {
		fmt.Printf("go-solax poller %s\n", Version)
		return 0
	}

	// Load configuration
	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	// Initialize logger with the configured log level
	initLogger(cfg.LogLevel)
	api.Version = Version

	log.Info().Str("version", Version).Msg("Starting go-solax poller")
	cfg.Print()

	layout, err := loadLayout(opts.layoutFile)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load register layout")
		return 1
	}

	srv, err := service.NewDataCollectionServer(cfg, layout, newPublisher(cfg, layout), newMonitoring(cfg))
	if err != nil {
		log.Error().Err(err).Msg("Failed to create data collection server")
		return 1
	}

	// Cancel the poll loop on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start data collection server")
		return 1
	}

	code := 0
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Poll loop terminated")
		if errors.Is(err, service.ErrTooManyFailedCycles) {
			code = 1
		}
	} else {
		log.Info().Msg("Shutdown signal received")
	}

	// Create context with timeout for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping server")
		return 1
	}

	log.Info().Msg("Server stopped")
	return code
}

// loadLayout returns the built-in layout unless a file is given.
func loadLayout(path string) (*registers.Layout, error) {
	if path == "" {
		return registers.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layout %s: %w", path, err)
	}
	return registers.Load(data)
}

func newPublisher(cfg *config.Config, layout *registers.Layout) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}
	return pubsub.NewMQTTPublisher(cfg, layout)
}

func newMonitoring(cfg *config.Config) domain.MonitoringService {
	if !cfg.PVOutput.Enabled {
		// Use NoopClient when PVOutput is disabled
		return pvoutput.NewNoopClient()
	}
	client := pvoutput.NewClient(cfg)
	if err := client.Connect(); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
		return pvoutput.NewNoopClient()
	}
	return client
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	// Set up pretty console logging for development
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	// Parse the log level
	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	// Configure global logger
	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
