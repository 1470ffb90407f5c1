package emulator

import (
	"math"
	"math/rand/v2"
	"time"
)

// Params are the fixed constants of the physical model.
type Params struct {
	PVMaxPower         float64 // W per string
	PVNoise            float64 // fractional, uniform +/-
	PV1Voltage         float64
	PV2Voltage         float64
	ChargeThreshold    float64 // W of total PV above which the battery charges
	DischargeThreshold float64 // W of total PV below which the battery discharges
	ChargeRate         float64 // W
	DischargeRate      float64 // W
	BatteryCapacity    float64 // Wh
	BatteryVoltage     float64
	MinDischargeSOC    float64
	GridVoltage        float64
	GridFrequency      float64

	InverterTempLow  float64
	InverterTempHigh float64
	InverterTempStep float64
	InverterHotPV    float64 // W of total PV above which the inverter warms
	BatteryTempLow   float64
	BatteryTempHigh  float64
	BatteryTempStep  float64
	BatteryWarmSOC   float64

	InitialSOC          float64
	InitialEnergyTotal  float64
	MaxChargeCurrent    float64 // A, holding power limit = current * nominal voltage
	MaxDischargeCurrent float64
}

// DefaultParams returns the X3 Hybrid 6.0 model constants.
func DefaultParams() Params {
	return Params{
		PVMaxPower:          3300,
		PVNoise:             0.1,
		PV1Voltage:          385,
		PV2Voltage:          380,
		ChargeThreshold:     1000,
		DischargeThreshold:  500,
		ChargeRate:          500,
		DischargeRate:       300,
		BatteryCapacity:     10000,
		BatteryVoltage:      51.2,
		MinDischargeSOC:     10,
		GridVoltage:         230,
		GridFrequency:       50,
		InverterTempLow:     25,
		InverterTempHigh:    45,
		InverterTempStep:    0.1,
		InverterHotPV:       2000,
		BatteryTempLow:      20,
		BatteryTempHigh:     30,
		BatteryTempStep:     0.05,
		BatteryWarmSOC:      90,
		InitialSOC:          75,
		InitialEnergyTotal:  1847.3,
		MaxChargeCurrent:    100,
		MaxDischargeCurrent: 100,
	}
}

// Run and operating mode codes used by the model.
const (
	RunModeNormal        = 2
	OperatingModeSelfUse = 0
)

// Model is the simulated physical state of the inverter. It is owned by the
// tick goroutine and never shared.
type Model struct {
	params Params
	rnd    *rand.Rand

	SOC           float64
	InverterTemp  float64
	BatteryTemp   float64
	RunMode       int
	OperatingMode int

	PV1Power     float64
	PV2Power     float64
	BatteryPower float64 // positive charging, negative discharging
	EnergyToday  float64 // kWh
	EnergyTotal  float64 // kWh

	LastUpdate time.Time
}

// NewModel creates a model whose clock starts at now.
func NewModel(p Params, now time.Time, rnd *rand.Rand) *Model {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(uint64(now.UnixNano()), 0x5eed))
	}
	m := &Model{
		params:        p,
		rnd:           rnd,
		SOC:           clamp(p.InitialSOC, 0, 100),
		InverterTemp:  p.InverterTempLow,
		BatteryTemp:   p.BatteryTempLow,
		RunMode:       RunModeNormal,
		OperatingMode: OperatingModeSelfUse,
		EnergyTotal:   p.InitialEnergyTotal,
		LastUpdate:    now,
	}
	m.samplePV(now)
	m.BatteryPower = m.batteryPower()
	return m
}

// SolarFactor is the clear-sky curve for the fractional hour of t, in [0,1].
func SolarFactor(t time.Time) float64 {
	h := float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
	if h < 6 || h > 18 {
		return 0
	}
	return math.Max(0, math.Sin(math.Pi*(h-6)/12))
}

func (m *Model) noise() float64 {
	return 1 + (m.rnd.Float64()*2-1)*m.params.PVNoise
}

func (m *Model) samplePV(now time.Time) {
	f := SolarFactor(now)
	if f == 0 {
		m.PV1Power, m.PV2Power = 0, 0
		return
	}
	m.PV1Power = math.Floor(m.params.PVMaxPower * f * m.noise())
	m.PV2Power = math.Floor(m.params.PVMaxPower * f * m.noise())
}

// TotalPV returns the combined PV output of the current tick.
func (m *Model) TotalPV() float64 {
	return m.PV1Power + m.PV2Power
}

func (m *Model) batteryPower() float64 {
	total := m.TotalPV()
	switch {
	case total > m.params.ChargeThreshold && m.SOC < 100:
		return m.params.ChargeRate
	case total < m.params.DischargeThreshold && m.SOC > m.params.MinDischargeSOC:
		return -m.params.DischargeRate
	default:
		return 0
	}
}

// Step advances the model to now.
func (m *Model) Step(now time.Time) {
	dt := now.Sub(m.LastUpdate).Seconds()
	if dt < 0 {
		dt = 0
	}
	prev := m.LastUpdate
	m.LastUpdate = now

	m.samplePV(now)
	m.BatteryPower = m.batteryPower()

	deltaWh := m.BatteryPower * dt / 3600
	m.SOC = clamp(m.SOC+deltaWh/m.params.BatteryCapacity*100, 0, 100)

	if m.TotalPV() > m.params.InverterHotPV {
		m.InverterTemp = math.Min(m.params.InverterTempHigh, m.InverterTemp+m.params.InverterTempStep)
	} else {
		m.InverterTemp = math.Max(m.params.InverterTempLow, m.InverterTemp-m.params.InverterTempStep)
	}
	if m.SOC > m.params.BatteryWarmSOC {
		m.BatteryTemp = math.Min(m.params.BatteryTempHigh, m.BatteryTemp+m.params.BatteryTempStep)
	} else {
		m.BatteryTemp = math.Max(m.params.BatteryTempLow, m.BatteryTemp-m.params.BatteryTempStep)
	}

	if !sameDay(prev, now) {
		m.EnergyToday = 0
	}
	produced := m.TotalPV() * dt / 3600 / 1000
	m.EnergyToday += produced
	m.EnergyTotal += produced
}

// GridPower is PV output not absorbed by the battery. Negative means import.
func (m *Model) GridPower() float64 {
	return m.TotalPV() - m.BatteryPower
}

// InputValues projects the state onto the input register fields.
func (m *Model) InputValues() map[string]float64 {
	p := m.params
	grid := m.GridPower()
	phasePower := grid / 3
	phaseCurrent := math.Abs(phasePower) / p.GridVoltage

	v := map[string]float64{
		"pv1_power":            m.PV1Power,
		"pv2_power":            m.PV2Power,
		"battery_voltage":      p.BatteryVoltage,
		"battery_current":      m.BatteryPower / p.BatteryVoltage,
		"battery_power":        m.BatteryPower,
		"battery_temperature":  m.BatteryTemp,
		"battery_soc":          m.SOC,
		"feed_in_power":        grid,
		"energy_today":         m.EnergyToday,
		"energy_total":         m.EnergyTotal,
		"inverter_temperature": m.InverterTemp,
		"run_mode":             float64(m.RunMode),
	}
	for _, phase := range []string{"r", "s", "t"} {
		v["grid_voltage_"+phase] = p.GridVoltage
		v["grid_current_"+phase] = phaseCurrent
		v["grid_power_"+phase] = phasePower
		v["grid_frequency_"+phase] = p.GridFrequency
	}

	if m.PV1Power > 0 {
		v["pv1_voltage"] = p.PV1Voltage
		v["pv1_current"] = m.PV1Power / p.PV1Voltage
	}
	if m.PV2Power > 0 {
		v["pv2_voltage"] = p.PV2Voltage
		v["pv2_current"] = m.PV2Power / p.PV2Voltage
	}
	return v
}

// HoldingValues returns the initial configuration register fields.
func (m *Model) HoldingValues() map[string]float64 {
	nominal := math.Trunc(m.params.BatteryVoltage)
	return map[string]float64{
		"operating_mode":         float64(m.OperatingMode),
		"charge_start_hour":      0,
		"charge_start_minute":    0,
		"charge_end_hour":        23,
		"charge_end_minute":      59,
		"discharge_start_hour":   0,
		"discharge_start_minute": 0,
		"discharge_end_hour":     23,
		"discharge_end_minute":   59,
		"charge_power_limit":     m.params.MaxChargeCurrent * nominal,
		"discharge_power_limit":  m.params.MaxDischargeCurrent * nominal,
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.In(a.Location()).Date()
	return ay == by && am == bm && ad == bd
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
