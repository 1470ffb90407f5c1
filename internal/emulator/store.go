package emulator

import (
	"sync"

	"github.com/simonvetter/modbus"
)

// StoreSize is the number of words in each register table.
const StoreSize = 128

// Store holds the input and holding register tables. A tick replaces the
// whole input table under the write lock, so a reader sees either the old
// or the new tick, never a mix.
type Store struct {
	mutex   sync.RWMutex
	input   [StoreSize]uint16
	holding [StoreSize]uint16
	ticks   uint64
	writes  uint64
}

// NewStore creates a zeroed store.
func NewStore() *Store {
	return &Store{}
}

// PublishInput swaps in a complete input table.
func (s *Store) PublishInput(table [StoreSize]uint16) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.input = table
	s.ticks++
}

// InitHolding sets the holding table. Client writes made afterwards persist.
func (s *Store) InitHolding(table [StoreSize]uint16) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.holding = table
}

// ReadInput copies quantity input words starting at address.
func (s *Store) ReadInput(address, quantity uint16) ([]uint16, error) {
	if !inRange(address, quantity) {
		return nil, modbus.ErrIllegalDataAddress
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]uint16, quantity)
	copy(out, s.input[address:])
	return out, nil
}

// ReadHolding copies quantity holding words starting at address.
func (s *Store) ReadHolding(address, quantity uint16) ([]uint16, error) {
	if !inRange(address, quantity) {
		return nil, modbus.ErrIllegalDataAddress
	}
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	out := make([]uint16, quantity)
	copy(out, s.holding[address:])
	return out, nil
}

// WriteHolding stores values starting at address.
func (s *Store) WriteHolding(address uint16, values []uint16) error {
	if len(values) == 0 || !inRange(address, uint16(len(values))) {
		return modbus.ErrIllegalDataAddress
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()

	copy(s.holding[address:], values)
	s.writes++
	return nil
}

// Counters returns how many ticks were published and how many client
// writes were accepted.
func (s *Store) Counters() (ticks, writes uint64) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ticks, s.writes
}

func inRange(address, quantity uint16) bool {
	return quantity > 0 && int(address)+int(quantity) <= StoreSize
}
