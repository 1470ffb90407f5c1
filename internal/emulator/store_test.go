package emulator

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledTable(v uint16) [StoreSize]uint16 {
	var t [StoreSize]uint16
	for i := range t {
		t[i] = v
	}
	return t
}

func TestStore_ReadInput(t *testing.T) {
	s := NewStore()
	table := filledTable(0)
	table[0x50] = 284
	table[0x52] = 18473
	s.PublishInput(table)

	words, err := s.ReadInput(0x50, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{284, 0, 18473}, words)

	// The returned slice is a copy.
	words[0] = 1
	again, _ := s.ReadInput(0x50, 1)
	assert.Equal(t, []uint16{284}, again)
}

func TestStore_OutOfRange(t *testing.T) {
	s := NewStore()

	tests := []struct {
		name     string
		address  uint16
		quantity uint16
	}{
		{"past end", 120, 10},
		{"start at end", StoreSize, 1},
		{"zero quantity", 0, 0},
		{"far away", 0xFFFF, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ReadInput(tt.address, tt.quantity)
			assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)
			_, err = s.ReadHolding(tt.address, tt.quantity)
			assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)
		})
	}

	assert.ErrorIs(t, s.WriteHolding(127, []uint16{1, 2}), modbus.ErrIllegalDataAddress)
	assert.ErrorIs(t, s.WriteHolding(0, nil), modbus.ErrIllegalDataAddress)

	_, err := s.ReadInput(0, StoreSize)
	assert.NoError(t, err)
}

func TestStore_HoldingWritesPersist(t *testing.T) {
	s := NewStore()
	s.InitHolding(filledTable(7))

	require.NoError(t, s.WriteHolding(0x1F, []uint16{1, 2}))
	s.PublishInput(filledTable(9))

	words, err := s.ReadHolding(0x1E, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, 1, 2, 7}, words)

	ticks, writes := s.Counters()
	assert.Equal(t, uint64(1), ticks)
	assert.Equal(t, uint64(1), writes)
}

func TestStore_ReadNeverSeesMixedTick(t *testing.T) {
	s := NewStore()
	s.PublishInput(filledTable(0))

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := uint16(1); v < 2000; v++ {
			s.PublishInput(filledTable(v))
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				words, err := s.ReadInput(0, StoreSize)
				if !assert.NoError(t, err) {
					return
				}
				for _, w := range words {
					if w != words[0] {
						assert.Failf(t, "mixed tick", "saw %d and %d in one read", words[0], w)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
}

func TestHandler_UnitID(t *testing.T) {
	h := newHandler(1, NewStore(), zerolog.Nop())

	_, err := h.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 2, Addr: 0, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrGWTargetFailedToRespond)

	_, err = h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{UnitId: 2, Addr: 0, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrGWTargetFailedToRespond)

	_, err = h.HandleCoils(&modbus.CoilsRequest{UnitId: 2, Addr: 0, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrGWTargetFailedToRespond)
}

func TestHandler_CoilsAndDiscreteInputsUnsupported(t *testing.T) {
	h := newHandler(1, NewStore(), zerolog.Nop())

	_, err := h.HandleCoils(&modbus.CoilsRequest{UnitId: 1, Addr: 0, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrIllegalFunction)

	_, err = h.HandleDiscreteInputs(&modbus.DiscreteInputsRequest{UnitId: 1, Addr: 0, Quantity: 1})
	assert.ErrorIs(t, err, modbus.ErrIllegalFunction)
}

func TestHandler_ReadWrite(t *testing.T) {
	s := NewStore()
	table := filledTable(0)
	table[0x08] = 42
	table[0x09] = 2
	s.PublishInput(table)
	h := newHandler(1, s, zerolog.Nop())

	res, err := h.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 1, Addr: 0x08, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint16{42, 2}, res)

	_, err = h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{
		UnitId: 1, Addr: 0x28, Quantity: 2, IsWrite: true, Args: []uint16{3000, 2000},
	})
	require.NoError(t, err)

	res, err = h.HandleHoldingRegisters(&modbus.HoldingRegistersRequest{UnitId: 1, Addr: 0x28, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint16{3000, 2000}, res)

	_, err = h.HandleInputRegisters(&modbus.InputRegistersRequest{UnitId: 1, Addr: 0x7F, Quantity: 2})
	assert.ErrorIs(t, err, modbus.ErrIllegalDataAddress)
}
