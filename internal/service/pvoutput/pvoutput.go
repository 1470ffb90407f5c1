// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotConfigured is returned when the API key or system id is missing.
var ErrNotConfigured = errors.New("PVOutput API key and/or System ID not configured")

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config     *config.Config
	httpClient *http.Client
	lastUpdate time.Time
	mutex      sync.Mutex
	now        func() time.Time
	logger     zerolog.Logger
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
		logger:     log.With().Str("component", "pvoutput").Logger(),
	}
}

// Connect checks the configuration. Each upload is an independent request.
func (c *Client) Connect() error {
	if c.config.PVOutput.Enabled && (c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "") {
		return ErrNotConfigured
	}
	return nil
}

// Send uploads one status record built from the snapshot. Calls inside the
// configured update interval are skipped.
func (c *Client) Send(ctx context.Context, snap *domain.Snapshot) error {
	if !c.config.PVOutput.Enabled {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return ErrNotConfigured
	}

	if !c.canUpdate() {
		return nil
	}

	params := c.statusParams(snap)
	if !hasValues(params) {
		c.logger.Debug().Msg("Snapshot carries nothing PVOutput accepts, skipping upload")
		return nil
	}

	if err := c.makeRequest(ctx, params); err != nil {
		return err
	}

	c.updateTimestamp()
	return nil
}

// statusParams maps snapshot fields onto the addstatus parameters:
// v1 energy generation (Wh), v2 power generation (W), v4 power
// consumption (W), v5 temperature (C), v6 voltage (V).
func (c *Client) statusParams(snap *domain.Snapshot) url.Values {
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", c.config.PVOutput.SystemID)

	ts := snap.Timestamp.Local()
	params.Set("d", ts.Format("20060102"))
	params.Set("t", ts.Format("15:04"))

	if today, ok := snap.Metric("energy_today"); ok && !c.config.PVOutput.DisableEnergyToday && today > 0 {
		params.Set("v1", strconv.FormatFloat(today*1000, 'f', 0, 64))
	}

	pv, hasPV := pvPower(snap)
	if hasPV && pv > 0 {
		params.Set("v2", strconv.FormatFloat(pv, 'f', 0, 64))
	}

	// Consumption is what neither went into the battery nor to the grid.
	battery, hasBattery := snap.Metric("battery_power")
	feedIn, hasFeedIn := snap.Metric("feed_in_power")
	if hasPV && hasBattery && hasFeedIn {
		if load := pv - battery - feedIn; load >= 0 {
			params.Set("v4", strconv.FormatFloat(load, 'f', 0, 64))
		}
	}

	if temp, ok := snap.Metric("inverter_temperature"); ok && c.config.PVOutput.UseInverterTemp {
		params.Set("v5", strconv.FormatFloat(temp, 'f', 1, 64))
	}

	if voltage, ok := snap.Metric("grid_voltage_r"); ok && voltage > 0 {
		params.Set("v6", strconv.FormatFloat(voltage, 'f', 1, 64))
	}

	return params
}

func pvPower(snap *domain.Snapshot) (float64, bool) {
	p1, ok1 := snap.Metric("pv1_power")
	p2, ok2 := snap.Metric("pv2_power")
	return p1 + p2, ok1 || ok2
}

func hasValues(params url.Values) bool {
	for _, k := range []string{"v1", "v2", "v4"} {
		if params.Get(k) != "" {
			return true
		}
	}
	return false
}

// makeRequest makes an HTTP POST request to the PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		c.config.PVOutput.URL,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	c.logger.Debug().
		Str("v1", params.Get("v1")).
		Str("v2", params.Get("v2")).
		Str("v4", params.Get("v4")).
		Msg("PVOutput status uploaded")

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.lastUpdate.IsZero() {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return c.now().Sub(c.lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdate = c.now()
}
