// Package config provides configuration management for the go-solax application.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Inverter connection settings used by the poller
	Inverter struct {
		Host             string `mapstructure:"host"`
		Port             int    `mapstructure:"port"`
		UnitID           int    `mapstructure:"unit_id"`
		TimeoutMs        int    `mapstructure:"timeout_ms"`
		MaxRetries       int    `mapstructure:"max_retries"`
		RetryBaseDelayMs int    `mapstructure:"retry_base_delay_ms"`
	} `mapstructure:"inverter"`

	// Poll loop settings
	Poll struct {
		IntervalSeconds int  `mapstructure:"interval_seconds"`
		MaxFailedCycles int  `mapstructure:"max_failed_cycles"`
		Validate        bool `mapstructure:"validate"`
	} `mapstructure:"poll"`

	// Emulator settings
	Emulator struct {
		Host           string       `mapstructure:"host"`
		Port           int          `mapstructure:"port"`
		UnitID         int          `mapstructure:"unit_id"`
		TickMs         int          `mapstructure:"tick_ms"`
		MaxClients     int          `mapstructure:"max_clients"`
		InitialSOC     float64      `mapstructure:"initial_soc"`
		InitialEnergy  float64      `mapstructure:"initial_energy_total"`
		IdleTimeoutSec int          `mapstructure:"idle_timeout_seconds"`
		Identity       IdentityInfo `mapstructure:"identity"`
	} `mapstructure:"emulator"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled              bool   `mapstructure:"enabled"`
			DiscoveryPrefix      string `mapstructure:"discovery_prefix"`
			DeviceName           string `mapstructure:"device_name"`
			DeviceManufacturer   string `mapstructure:"device_manufacturer"`
			DeviceModel          string `mapstructure:"device_model"`
			RetainDiscovery      bool   `mapstructure:"retain_discovery"`
			ValueTemplateSuffix  string `mapstructure:"value_template_suffix"`
			ListenToBirthMessage bool   `mapstructure:"listen_to_birth_message"`
			RediscoveryInterval  int    `mapstructure:"rediscovery_interval_hours"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		URL                string `mapstructure:"url"`
		UseInverterTemp    bool   `mapstructure:"use_inverter_temp"`
		DisableEnergyToday bool   `mapstructure:"disable_energy_today"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
	} `mapstructure:"pvoutput"`
}

// IdentityInfo is the device identification advertised by the emulator.
type IdentityInfo struct {
	VendorName         string `mapstructure:"vendor_name" json:"vendor_name"`
	ProductCode        string `mapstructure:"product_code" json:"product_code"`
	VendorURL          string `mapstructure:"vendor_url" json:"vendor_url"`
	ProductName        string `mapstructure:"product_name" json:"product_name"`
	ModelName          string `mapstructure:"model_name" json:"model_name"`
	MajorMinorRevision string `mapstructure:"major_minor_revision" json:"major_minor_revision"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default inverter settings
	cfg.Inverter.Host = "192.168.1.100"
	cfg.Inverter.Port = 502
	cfg.Inverter.UnitID = 1
	cfg.Inverter.TimeoutMs = 5000
	cfg.Inverter.MaxRetries = 3
	cfg.Inverter.RetryBaseDelayMs = 1000

	// Default poll settings
	cfg.Poll.IntervalSeconds = 5
	cfg.Poll.MaxFailedCycles = 0
	cfg.Poll.Validate = true

	// Default emulator settings
	cfg.Emulator.Host = "0.0.0.0"
	cfg.Emulator.Port = 502
	cfg.Emulator.UnitID = 1
	cfg.Emulator.TickMs = 1000
	cfg.Emulator.MaxClients = 10
	cfg.Emulator.InitialSOC = 75
	cfg.Emulator.InitialEnergy = 1847.3
	cfg.Emulator.IdleTimeoutSec = 120
	cfg.Emulator.Identity = IdentityInfo{
		VendorName:         "Solax",
		ProductCode:        "X3-Hybrid-6.0-D",
		VendorURL:          "http://www.solaxpower.com",
		ProductName:        "Solax X3 Hybrid Inverter (Emulator)",
		ModelName:          "X3-Hybrid-6.0-D",
		MajorMinorRevision: "3.21",
	}

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/solax"
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Solax Inverter"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Solax"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "X3-Hybrid-6.0-D"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = true
	cfg.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval = 24

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.URL = "https://pvoutput.org/service/r2/addstatus.jsp"
	cfg.PVOutput.UpdateLimitMinutes = 5 // 5 minutes between updates

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("SOLAX")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects values the poller or emulator cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Inverter.Port <= 0 || c.Inverter.Port > 65535 {
		errs = append(errs, fmt.Errorf("inverter.port out of range: %d", c.Inverter.Port))
	}
	if c.Inverter.UnitID < 0 || c.Inverter.UnitID > 255 {
		errs = append(errs, fmt.Errorf("inverter.unit_id out of range: %d", c.Inverter.UnitID))
	}
	if c.Inverter.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("inverter.max_retries must be at least 1, got %d", c.Inverter.MaxRetries))
	}
	if c.Inverter.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("inverter.retry_base_delay_ms must not be negative"))
	}
	if c.Poll.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval_seconds must be positive, got %d", c.Poll.IntervalSeconds))
	}
	if c.Poll.MaxFailedCycles < 0 {
		errs = append(errs, fmt.Errorf("poll.max_failed_cycles must not be negative"))
	}
	if c.Emulator.Port <= 0 || c.Emulator.Port > 65535 {
		errs = append(errs, fmt.Errorf("emulator.port out of range: %d", c.Emulator.Port))
	}
	if c.Emulator.UnitID < 0 || c.Emulator.UnitID > 255 {
		errs = append(errs, fmt.Errorf("emulator.unit_id out of range: %d", c.Emulator.UnitID))
	}
	if c.Emulator.TickMs <= 0 {
		errs = append(errs, fmt.Errorf("emulator.tick_ms must be positive, got %d", c.Emulator.TickMs))
	}
	if c.PVOutput.Enabled && (c.PVOutput.APIKey == "" || c.PVOutput.SystemID == "") {
		errs = append(errs, fmt.Errorf("pvoutput.api_key and pvoutput.system_id are required when pvoutput is enabled"))
	}
	if c.Emulator.InitialSOC < 0 || c.Emulator.InitialSOC > 100 {
		errs = append(errs, fmt.Errorf("emulator.initial_soc must be within 0-100, got %g", c.Emulator.InitialSOC))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// InverterAddress returns host:port of the polled inverter.
func (c *Config) InverterAddress() string {
	return fmt.Sprintf("%s:%d", c.Inverter.Host, c.Inverter.Port)
}

// InverterTimeout returns the per-request timeout.
func (c *Config) InverterTimeout() time.Duration {
	return time.Duration(c.Inverter.TimeoutMs) * time.Millisecond
}

// RetryBaseDelay returns the connect backoff base.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Inverter.RetryBaseDelayMs) * time.Millisecond
}

// PollInterval returns the time between poll cycles.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSeconds) * time.Second
}

// EmulatorTick returns the simulation step.
func (c *Config) EmulatorTick() time.Duration {
	return time.Duration(c.Emulator.TickMs) * time.Millisecond
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-solax Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("host", c.Inverter.Host).
		Int("port", c.Inverter.Port).
		Int("unit_id", c.Inverter.UnitID).
		Int("timeout_ms", c.Inverter.TimeoutMs).
		Int("max_retries", c.Inverter.MaxRetries).
		Int("retry_base_delay_ms", c.Inverter.RetryBaseDelayMs).
		Msg("Inverter")

	logger.Info().
		Int("interval_seconds", c.Poll.IntervalSeconds).
		Int("max_failed_cycles", c.Poll.MaxFailedCycles).
		Bool("validate", c.Poll.Validate).
		Msg("Poll")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Bool("use_inverter_temp", c.PVOutput.UseInverterTemp).
			Bool("disable_energy_today", c.PVOutput.DisableEnergyToday).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
