// Package main provides the entry point for the Solax X3 Hybrid emulator.
package main

import (
	"context"
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
	"github.com/resident-x/go-solax/internal/emulator"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

type options struct {
	configFile  string
	host        string
	port        int
	showVersion bool
}

func parseFlags(args []string, output io.Writer) (*options, error) {
	fs := flag.NewFlagSet("solax-emulator", flag.ContinueOnError)
	fs.SetOutput(output)

	opts := &options{}
	fs.StringVar(&opts.configFile, "config", "", "Path to configuration file (default: search config.yaml in . and ./config)")
	fs.StringVar(&opts.host, "host", "", "Listen address, overrides emulator.host")
	fs.IntVar(&opts.port, "port", 0, "Listen port, overrides emulator.port")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version information")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// applyOverrides copies command line overrides into cfg.
func applyOverrides(cfg *config.Config, opts *options) error {
	if opts.host != "" {
		cfg.Emulator.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Emulator.Port = opts.port
	}
	return cfg.Validate()
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	if opts.showVersion {
		fmt.Printf("go-solax emulator %s\n", Version)
		return 0
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}
	if err := applyOverrides(cfg, opts); err != nil {
		fmt.Printf("Invalid command line: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)
	api.Version = Version
	log.Info().Str("version", Version).Msg("Starting go-solax emulator")

	layout, err := registers.Default()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load register layout")
		return 1
	}

	emu, err := emulator.New(cfg, layout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create emulator")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, domain.NewSnapshotStore(), layout)
		apiServer.SetEmulator(emu)
		if err := apiServer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to start API server")
			return 1
		}
	}

	code := 0
	if err := emu.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Emulator failed")
		code = 1
	}

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	log.Info().Msg("Emulator stopped")
	return code
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
