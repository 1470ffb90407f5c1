// Package session owns the Modbus/TCP connection to one inverter and the
// connect retry discipline around it.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default connection parameters.
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = time.Second
	DefaultTimeout        = 5 * time.Second
)

var (
	// ErrConnectFailed is returned when every connect attempt failed.
	ErrConnectFailed = errors.New("modbus connect failed")
	// ErrNotConnected is returned by register operations without a live handle.
	ErrNotConnected = errors.New("modbus session not connected")
	// ErrConnectAborted is returned by Connect when Disconnect ran meanwhile.
	ErrConnectAborted = errors.New("modbus connect aborted by disconnect")
)

// State represents the current state of the session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the session state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ExceptionError is a Modbus exception response from the device.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
	err           error
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception: function %d, code %d", e.FunctionCode, e.ExceptionCode)
}

func (e *ExceptionError) Unwrap() error {
	return e.err
}

// Transport is an open Modbus client handle.
type Transport interface {
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error)
	Close() error
}

// Dialer opens a transport to address.
type Dialer func(ctx context.Context, address string, unitID byte, timeout time.Duration) (Transport, error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the session parameters. Zero values take the defaults.
type Config struct {
	Host           string
	Port           int
	UnitID         byte
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration

	Dialer Dialer
	Sleep  SleepFunc
}

// Session is the connection to one Modbus/TCP device. Register operations
// are serialized on ioMutex; mutex only guards the handle and state, so
// Connected and State never wait on the network. A nil transport means
// disconnected.
type Session struct {
	address        string
	unitID         byte
	timeout        time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	dial           Dialer
	sleep          SleepFunc

	transport   Transport
	state       State
	connectedAt time.Time
	// disconnects counts Disconnect calls so an in-flight Connect can tell
	// it was cancelled.
	disconnects uint64
	mutex       sync.Mutex

	connectMutex sync.Mutex
	ioMutex      sync.Mutex
	logger       zerolog.Logger
}

// New creates a disconnected session.
func New(cfg Config) *Session {
	s := &Session{
		address:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		unitID:         cfg.UnitID,
		timeout:        cfg.Timeout,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		dial:           cfg.Dialer,
		sleep:          cfg.Sleep,
		logger:         log.With().Str("component", "session").Logger(),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.retryBaseDelay <= 0 {
		s.retryBaseDelay = DefaultRetryBaseDelay
	}
	if s.dial == nil {
		s.dial = DialTCP
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	return s
}

// Address returns the host:port the session dials.
func (s *Session) Address() string {
	return s.address
}

// Connect opens the transport, retrying with exponential backoff. Attempt n
// is followed by a wait of base*2^(n-1) unless it was the last one. Dials
// and waits run without holding the state lock. A Disconnect during the
// run aborts it with ErrConnectAborted.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMutex.Lock()
	defer s.connectMutex.Unlock()

	s.mutex.Lock()
	if s.transport != nil {
		s.mutex.Unlock()
		return nil
	}
	s.state = StateConnecting
	generation := s.disconnects
	s.mutex.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		t, err := s.dial(ctx, s.address, s.unitID, s.timeout)
		if err == nil {
			return s.install(t, generation, attempt)
		}
		lastErr = err
		s.logger.Warn().
			Err(err).
			Str("address", s.address).
			Int("attempt", attempt).
			Int("max_retries", s.maxRetries).
			Msg("Connect attempt failed")

		if attempt == s.maxRetries {
			break
		}
		delay := s.retryBaseDelay * time.Duration(1<<(attempt-1))
		if err := s.sleep(ctx, delay); err != nil {
			s.settle(generation)
			return err
		}
		if s.aborted(generation) {
			return ErrConnectAborted
		}
	}

	s.settle(generation)
	s.logger.Error().
		Err(lastErr).
		Str("address", s.address).
		Msg("Giving up connecting to inverter")
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectFailed, s.address, s.maxRetries, lastErr)
}

// install publishes a freshly dialed handle unless Disconnect ran since the
// connect began, in which case the handle is closed.
func (s *Session) install(t Transport, generation uint64, attempt int) error {
	s.mutex.Lock()
	if s.disconnects != generation {
		s.mutex.Unlock()
		s.closeTransport(t)
		return ErrConnectAborted
	}
	s.transport = t
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.mutex.Unlock()

	s.logger.Info().
		Str("address", s.address).
		Int("attempt", attempt).
		Msg("Connected to inverter")
	return nil
}

func (s *Session) aborted(generation uint64) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.disconnects != generation
}

// settle marks a failed connect as disconnected unless a newer state won.
func (s *Session) settle(generation uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.disconnects == generation && s.transport == nil {
		s.state = StateDisconnected
	}
}

// Disconnect closes the transport and cancels any connect in progress.
// Close errors are logged, not returned.
func (s *Session) Disconnect() {
	s.mutex.Lock()
	s.disconnects++
	t := s.detachLocked()
	s.mutex.Unlock()
	s.closeTransport(t)
}

func (s *Session) detachLocked() Transport {
	t := s.transport
	s.transport = nil
	s.state = StateDisconnected
	return t
}

// drop detaches t if it is still the live handle and closes it.
func (s *Session) drop(t Transport) {
	s.mutex.Lock()
	if s.transport != t {
		s.mutex.Unlock()
		return
	}
	s.detachLocked()
	s.mutex.Unlock()
	s.closeTransport(t)
}

func (s *Session) closeTransport(t Transport) {
	if t == nil {
		return
	}
	if err := t.Close(); err != nil {
		s.logger.Warn().Err(err).Str("address", s.address).Msg("Error closing connection")
		return
	}
	s.logger.Info().Str("address", s.address).Msg("Disconnected from inverter")
}

// Connected reports whether a transport handle is held.
func (s *Session) Connected() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.transport != nil
}

// State returns the current session state.
func (s *Session) State() State {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

// ConnectedSince returns when the current connection was established.
func (s *Session) ConnectedSince() (time.Time, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.transport == nil {
		return time.Time{}, false
	}
	return s.connectedAt, true
}

func (s *Session) current() Transport {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.transport
}

// ReadInputRegisters reads quantity input registers (FC4).
func (s *Session) ReadInputRegisters(address, quantity uint16) ([]uint16, error) {
	return s.read(address, quantity, func(t Transport) ([]byte, error) {
		return t.ReadInputRegisters(address, quantity)
	})
}

// ReadHoldingRegisters reads quantity holding registers (FC3).
func (s *Session) ReadHoldingRegisters(address, quantity uint16) ([]uint16, error) {
	return s.read(address, quantity, func(t Transport) ([]byte, error) {
		return t.ReadHoldingRegisters(address, quantity)
	})
}

// WriteHoldingRegisters writes one (FC6) or more (FC16) holding registers.
func (s *Session) WriteHoldingRegisters(address uint16, values []uint16) error {
	if len(values) == 0 {
		return nil
	}

	s.ioMutex.Lock()
	defer s.ioMutex.Unlock()

	t := s.current()
	if t == nil {
		return ErrNotConnected
	}

	var err error
	if len(values) == 1 {
		_, err = t.WriteSingleRegister(address, values[0])
	} else {
		_, err = t.WriteMultipleRegisters(address, uint16(len(values)), PackWords(values))
	}
	return s.classify(t, err)
}

func (s *Session) read(address, quantity uint16, op func(Transport) ([]byte, error)) ([]uint16, error) {
	s.ioMutex.Lock()
	defer s.ioMutex.Unlock()

	t := s.current()
	if t == nil {
		return nil, ErrNotConnected
	}

	data, err := op(t)
	if err != nil {
		return nil, s.classify(t, err)
	}
	if len(data) != int(quantity)*2 {
		return nil, fmt.Errorf("modbus read at 0x%04X: expected %d bytes, got %d", address, int(quantity)*2, len(data))
	}
	return UnpackWords(data), nil
}

// classify turns device exceptions into *ExceptionError. Any other failure
// is a transport fault and drops t so the next cycle reconnects.
func (s *Session) classify(t Transport, err error) error {
	if err == nil {
		return nil
	}
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return &ExceptionError{
			FunctionCode:  mbErr.FunctionCode,
			ExceptionCode: mbErr.ExceptionCode,
			err:           err,
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("modbus transport timeout: %w", err)
	}
	s.drop(t)
	return fmt.Errorf("modbus transport: %w", err)
}

// UnpackWords converts big-endian register bytes into words.
func UnpackWords(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}

// PackWords converts words into big-endian register bytes.
func PackWords(words []uint16) []byte {
	out := make([]byte, len(words)*2)
	for i, w := range words {
		out[2*i] = byte(w >> 8)
		out[2*i+1] = byte(w)
	}
	return out
}

type tcpTransport struct {
	modbus.Client
	handler *modbus.TCPClientHandler
}

func (t *tcpTransport) Close() error {
	return t.handler.Close()
}

// DialTCP opens a goburrow Modbus/TCP handler.
func DialTCP(ctx context.Context, address string, unitID byte, timeout time.Duration) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := modbus.NewTCPClientHandler(address)
	h.Timeout = timeout
	h.SlaveId = unitID
	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &tcpTransport{Client: modbus.NewClient(h), handler: h}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
