// Package emulator simulates a Solax X3 Hybrid inverter behind a Modbus/TCP
// server. A tick goroutine advances a small physical model and republishes
// the register tables; the server answers client requests from them.
package emulator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/resident-x/go-solax/internal/config"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/simonvetter/modbus"
)

// Status is a copy of the model state taken after the last tick.
type Status struct {
	SOC          float64   `json:"battery_soc"`
	PVPower      float64   `json:"pv_power"`
	BatteryPower float64   `json:"battery_power"`
	GridPower    float64   `json:"grid_power"`
	InverterTemp float64   `json:"inverter_temperature"`
	BatteryTemp  float64   `json:"battery_temperature"`
	EnergyToday  float64   `json:"energy_today"`
	EnergyTotal  float64   `json:"energy_total"`
	Ticks        uint64    `json:"ticks"`
	At           time.Time `json:"at"`
}

// Emulator wires the model, the register store and the Modbus server.
type Emulator struct {
	config *config.Config
	layout *registers.Layout
	store  *Store
	model  *Model
	now    func() time.Time
	tick   time.Duration

	server *modbus.ModbusServer
	logger zerolog.Logger

	statusMutex sync.RWMutex
	status      Status
}

// New creates an emulator from the emulator section of cfg.
func New(cfg *config.Config, layout *registers.Layout) (*Emulator, error) {
	return newEmulator(cfg, layout, time.Now, nil)
}

func newEmulator(cfg *config.Config, layout *registers.Layout, now func() time.Time, rnd *rand.Rand) (*Emulator, error) {
	if layout.Extent(registers.SpaceInput) > StoreSize || layout.Extent(registers.SpaceHolding) > StoreSize {
		return nil, fmt.Errorf("register layout does not fit in %d-word tables", StoreSize)
	}

	params := DefaultParams()
	params.InitialSOC = cfg.Emulator.InitialSOC
	params.InitialEnergyTotal = cfg.Emulator.InitialEnergy

	tick := cfg.EmulatorTick()
	if tick <= 0 {
		tick = time.Second
	}

	e := &Emulator{
		config: cfg,
		layout: layout,
		store:  NewStore(),
		model:  NewModel(params, now(), rnd),
		now:    now,
		tick:   tick,
		logger: log.With().Str("component", "emulator").Logger(),
	}

	e.store.InitHolding(EncodeTables(layout, registers.SpaceHolding, e.model.HoldingValues()))
	e.publish()
	return e, nil
}

// EncodeTables projects values onto a full register table of the given space.
func EncodeTables(layout *registers.Layout, space registers.Space, values map[string]float64) [StoreSize]uint16 {
	var table [StoreSize]uint16
	blocks := layout.InputBlocks
	if space == registers.SpaceHolding {
		blocks = layout.HoldingBlocks
	}
	for i := range blocks {
		b := &blocks[i]
		copy(table[b.Address:], layout.Encode(b, values))
	}
	return table
}

// Store returns the register store served to clients.
func (e *Emulator) Store() *Store {
	return e.store
}

// Address returns host:port the server listens on.
func (e *Emulator) Address() string {
	return net.JoinHostPort(e.config.Emulator.Host, strconv.Itoa(e.config.Emulator.Port))
}

// Identity returns the advertised device identification.
func (e *Emulator) Identity() config.IdentityInfo {
	return e.config.Emulator.Identity
}

// Status returns the model state after the last tick.
func (e *Emulator) Status() Status {
	e.statusMutex.RLock()
	defer e.statusMutex.RUnlock()
	return e.status
}

// Tick advances the model to the current time and publishes the registers.
// Only the tick loop calls it once Run has started.
func (e *Emulator) Tick() {
	e.model.Step(e.now())
	e.publish()
}

func (e *Emulator) publish() {
	m := e.model
	e.store.PublishInput(EncodeTables(e.layout, registers.SpaceInput, m.InputValues()))
	ticks, _ := e.store.Counters()

	st := Status{
		SOC:          m.SOC,
		PVPower:      m.TotalPV(),
		BatteryPower: m.BatteryPower,
		GridPower:    m.GridPower(),
		InverterTemp: m.InverterTemp,
		BatteryTemp:  m.BatteryTemp,
		EnergyToday:  m.EnergyToday,
		EnergyTotal:  m.EnergyTotal,
		Ticks:        ticks,
		At:           m.LastUpdate,
	}
	e.statusMutex.Lock()
	e.status = st
	e.statusMutex.Unlock()

	e.logger.Debug().
		Float64("soc", st.SOC).
		Float64("pv_power", st.PVPower).
		Float64("battery_power", st.BatteryPower).
		Float64("grid_power", st.GridPower).
		Msg("Registers updated")
}

// Start begins serving Modbus requests.
func (e *Emulator) Start() error {
	idle := time.Duration(e.config.Emulator.IdleTimeoutSec) * time.Second
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        "tcp://" + e.Address(),
		Timeout:    idle,
		MaxClients: uint(e.config.Emulator.MaxClients),
	}, newHandler(uint8(e.config.Emulator.UnitID), e.store, e.logger))
	if err != nil {
		return fmt.Errorf("failed to create modbus server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start modbus server on %s: %w", e.Address(), err)
	}
	e.server = server

	id := e.config.Emulator.Identity
	e.logger.Info().
		Str("address", e.Address()).
		Int("unit_id", e.config.Emulator.UnitID).
		Str("vendor", id.VendorName).
		Str("product_code", id.ProductCode).
		Str("model", id.ModelName).
		Str("revision", id.MajorMinorRevision).
		Float64("pv_capacity_w", 2*e.model.params.PVMaxPower).
		Float64("battery_wh", e.model.params.BatteryCapacity).
		Float64("initial_soc", e.model.params.InitialSOC).
		Msg("Modbus TCP emulator started")
	return nil
}

// Stop shuts the server down.
func (e *Emulator) Stop() error {
	if e.server == nil {
		return nil
	}
	err := e.server.Stop()
	e.server = nil
	e.logger.Info().Msg("Modbus TCP emulator stopped")
	return err
}

// Run starts the server and ticks until ctx is cancelled.
func (e *Emulator) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	defer func() {
		if err := e.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("Error stopping modbus server")
		}
	}()

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Tick()
		}
	}
}
