package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/pubsub"
	pvoutput "github.com/resident-x/go-solax/internal/service/pvoutput"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    options
		wantErr bool
	}{
		{
			name: "defaults",
			args: []string{},
			want: options{},
		},
		{
			name: "version flag",
			args: []string{"-version"},
			want: options{showVersion: true},
		},
		{
			name: "config and layout",
			args: []string{"-config", "test.yaml", "-layout", "x3.yaml"},
			want: options{configFile: "test.yaml", layoutFile: "x3.yaml"},
		},
		{
			name:    "unknown flag",
			args:    []string{"-listen", ":5279"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(tt.args, io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *opts)
		})
	}
}

func TestVersion(t *testing.T) {
	// Test that version variable is set
	assert.Equal(t, "unknown", Version)
}

func TestRun_Version(t *testing.T) {
	assert.Equal(t, 0, run([]string{"-version"}))
}

func TestRun_BadFlag(t *testing.T) {
	assert.Equal(t, 2, run([]string{"-bogus"}))
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll:\n  interval_seconds: 0\n"), 0o600))

	assert.Equal(t, 1, run([]string{"-config", path}))
}

func TestRun_InvalidLayout(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: error\n"), 0o600))

	assert.Equal(t, 1, run([]string{"-config", cfgPath, "-layout", filepath.Join(dir, "missing.yaml")}))
}

func TestLoadLayout(t *testing.T) {
	layout, err := loadLayout("")
	require.NoError(t, err)
	assert.Len(t, layout.InputBlocks, 8)

	_, err = loadLayout(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("input_blocks: [[["), 0o600))
	_, err = loadLayout(bad)
	assert.Error(t, err)
}

func TestNewPublisher(t *testing.T) {
	layout, err := loadLayout("")
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	assert.IsType(t, &pubsub.NoopPublisher{}, newPublisher(cfg, layout))

	cfg.MQTT.Enabled = true
	assert.IsType(t, &pubsub.MQTTPublisher{}, newPublisher(cfg, layout))
}

func TestNewMonitoring(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.IsType(t, &pvoutput.NoopClient{}, newMonitoring(cfg))

	cfg.PVOutput.Enabled = true
	assert.IsType(t, &pvoutput.NoopClient{}, newMonitoring(cfg), "missing credentials fall back to noop")

	cfg.PVOutput.APIKey = "key"
	cfg.PVOutput.SystemID = "1"
	assert.IsType(t, &pvoutput.Client{}, newMonitoring(cfg))
}

func TestInitLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"shouting", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			initLogger(tt.level)
			assert.Equal(t, tt.want, zerolog.GlobalLevel())
		})
	}
}
