package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/resident-x/go-solax/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockKey struct {
	address uint16
	count   uint16
}

type fakeReader struct {
	input   map[blockKey][]uint16
	holding map[blockKey][]uint16
	fail    map[uint16]error
	writes  map[uint16][]uint16
	reads   []blockKey
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		input: map[blockKey][]uint16{
			{0x006A, 12}: {2302, 42, 966, 5001, 2298, 38, 873, 5002, 2311, 45, 1040, 5003},
			{0x0003, 4}:  {3854, 3821, 82, 78},
			{0x000A, 2}:  {3160, 2980},
			{0x0014, 9}:  {2705, 124, 3354, 0, 24, 0, 0, 0, 78},
			{0x0046, 2}:  {0x0320, 0x0000},
			{0x0050, 1}:  {284},
			{0x0052, 2}:  {18473, 0},
			{0x0008, 2}:  {42, 2},
		},
		holding: map[blockKey][]uint16{
			{0x001F, 11}: {1, 0, 0, 23, 59, 0, 0, 23, 59, 5100, 5100},
		},
		fail:   map[uint16]error{},
		writes: map[uint16][]uint16{},
	}
}

func (f *fakeReader) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	f.reads = append(f.reads, blockKey{address, quantity})
	if err, ok := f.fail[address]; ok {
		return nil, err
	}
	words, ok := f.input[blockKey{address, quantity}]
	if !ok {
		return nil, &session.ExceptionError{FunctionCode: 0x84, ExceptionCode: modbus.ExceptionCodeIllegalDataAddress}
	}
	return words, nil
}

func (f *fakeReader) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	if err, ok := f.fail[address]; ok {
		return nil, err
	}
	words, ok := f.holding[blockKey{address, quantity}]
	if !ok {
		return nil, errors.New("no such block")
	}
	return words, nil
}

func (f *fakeReader) WriteHoldingRegisters(address uint16, values []uint16) error {
	if err, ok := f.fail[address]; ok {
		return err
	}
	f.writes[address] = values
	return nil
}

func newTestAssembler(t *testing.T, r RegisterReader) *Assembler {
	t.Helper()
	layout, err := registers.Default()
	require.NoError(t, err)
	a := New(r, layout)
	a.now = func() time.Time { return time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC) }
	return a
}

func TestPoll_AllBlocks(t *testing.T) {
	r := newFakeReader()
	a := newTestAssembler(t, r)

	snap := a.Poll()
	require.NotNil(t, snap)

	assert.Empty(t, snap.Missing)
	assert.Equal(t, time.Date(2025, 6, 21, 12, 0, 0, 0, time.UTC), snap.Timestamp)
	assert.Equal(t, 28, snap.Len())

	assert.InDelta(t, 230.2, snap.Metrics["grid_voltage_r"], 0.01)
	assert.InDelta(t, 50.03, snap.Metrics["grid_frequency_t"], 0.001)
	assert.InDelta(t, 385.4, snap.Metrics["pv1_voltage"], 0.01)
	assert.Equal(t, 2980.0, snap.Metrics["pv2_power"])
	assert.InDelta(t, 270.5, snap.Metrics["battery_voltage"], 0.01)
	assert.Equal(t, 78.0, snap.Metrics["battery_soc"])
	assert.Equal(t, 800.0, snap.Metrics["feed_in_power"])
	assert.InDelta(t, 28.4, snap.Metrics["energy_today"], 0.01)
	assert.InDelta(t, 1847.3, snap.Metrics["energy_total"], 0.01)
	assert.Equal(t, 42.0, snap.Metrics["inverter_temperature"])
	assert.Equal(t, "Normal", snap.States["run_mode"])

	// Blocks are read in the fixed order.
	assert.Equal(t, []blockKey{
		{0x006A, 12}, {0x0003, 4}, {0x000A, 2}, {0x0014, 9},
		{0x0046, 2}, {0x0050, 1}, {0x0052, 2}, {0x0008, 2},
	}, r.reads)
}

func TestPoll_FailedBlockLeavesFieldsAbsent(t *testing.T) {
	tests := []struct {
		name    string
		address uint16
		err     error
		label   string
		absent  []string
	}{
		{
			name:    "battery exception",
			address: 0x0014,
			err:     &session.ExceptionError{FunctionCode: 0x84, ExceptionCode: 2},
			label:   "battery",
			absent:  []string{"battery_voltage", "battery_current", "battery_power", "battery_temperature", "battery_soc"},
		},
		{
			name:    "status transport error",
			address: 0x0008,
			err:     errors.New("i/o timeout"),
			label:   "inverter status",
			absent:  []string{"inverter_temperature", "run_mode"},
		},
		{
			name:    "energy total not connected",
			address: 0x0052,
			err:     session.ErrNotConnected,
			label:   "total energy",
			absent:  []string{"energy_total"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newFakeReader()
			r.fail[tt.address] = tt.err
			a := newTestAssembler(t, r)

			snap := a.Poll()
			assert.Equal(t, []string{tt.label}, snap.Missing)
			for _, name := range tt.absent {
				assert.False(t, snap.Has(name), name)
			}
			assert.Equal(t, 28-len(tt.absent), snap.Len())
			assert.True(t, snap.Has("grid_voltage_r"))
		})
	}
}

func TestPoll_NothingReadable(t *testing.T) {
	r := newFakeReader()
	r.input = map[blockKey][]uint16{}
	a := newTestAssembler(t, r)

	snap := a.Poll()
	assert.True(t, snap.Empty())
	assert.Len(t, snap.Missing, 8)
}

func TestReadBlock_WrongWordCount(t *testing.T) {
	r := newFakeReader()
	r.input[blockKey{0x0003, 4}] = []uint16{1, 2}
	a := newTestAssembler(t, r)

	b, ok := a.Layout().Block("pv_vc")
	require.True(t, ok)
	_, ok = a.ReadBlock(b)
	assert.False(t, ok)
}

func TestReadSettings(t *testing.T) {
	a := newTestAssembler(t, newFakeReader())

	settings, err := a.ReadSettings()
	require.NoError(t, err)

	assert.Equal(t, "Feed-in Priority", settings.States["operating_mode"])
	assert.Equal(t, 23.0, settings.Metrics["charge_end_hour"])
	assert.Equal(t, 59.0, settings.Metrics["discharge_end_minute"])
	assert.Equal(t, 5100.0, settings.Metrics["charge_power_limit"])
	assert.Equal(t, 5100.0, settings.Metrics["discharge_power_limit"])
}

func TestReadSettings_Failure(t *testing.T) {
	r := newFakeReader()
	r.fail[0x001F] = errors.New("broken pipe")
	a := newTestAssembler(t, r)

	_, err := a.ReadSettings()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration")
}

func TestWriteSetting(t *testing.T) {
	r := newFakeReader()
	a := newTestAssembler(t, r)

	require.NoError(t, a.WriteSetting("charge_power_limit", 3000))
	assert.Equal(t, []uint16{3000}, r.writes[0x001F+9])

	require.NoError(t, a.WriteSettingLabel("operating_mode", "Back Up"))
	assert.Equal(t, []uint16{2}, r.writes[0x001F])
}

func TestWriteSetting_Rejected(t *testing.T) {
	r := newFakeReader()
	a := newTestAssembler(t, r)

	err := a.WriteSetting("battery_soc", 50)
	assert.ErrorIs(t, err, ErrUnknownSetting)

	err = a.WriteSetting("nope", 1)
	assert.ErrorIs(t, err, ErrUnknownSetting)

	err = a.WriteSetting("charge_start_hour", 24)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "above maximum")

	err = a.WriteSettingLabel("operating_mode", "Turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown label")

	err = a.WriteSettingLabel("charge_power_limit", "Self Use")
	assert.ErrorIs(t, err, ErrUnknownSetting)

	r.fail[0x001F+1] = session.ErrNotConnected
	err = a.WriteSetting("charge_start_hour", 2)
	assert.ErrorIs(t, err, session.ErrNotConnected)

	assert.Empty(t, r.writes)
}
