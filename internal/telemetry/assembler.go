// Package telemetry turns block reads from the inverter into snapshots.
package telemetry

import (
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-solax/internal/domain"
	"github.com/resident-x/go-solax/internal/registers"
	"github.com/resident-x/go-solax/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RegisterReader is the register access the assembler needs. It is
// implemented by *session.Session.
type RegisterReader interface {
	ReadInputRegisters(address, quantity uint16) ([]uint16, error)
	ReadHoldingRegisters(address, quantity uint16) ([]uint16, error)
	WriteHoldingRegisters(address uint16, values []uint16) error
}

// ErrUnknownSetting is returned by WriteSetting for names outside the
// holding layout.
var ErrUnknownSetting = errors.New("unknown setting")

// Assembler reads the layout's blocks and merges them into snapshots.
type Assembler struct {
	reader RegisterReader
	layout *registers.Layout
	now    func() time.Time
	logger zerolog.Logger
}

// New creates an assembler over reader using layout.
func New(reader RegisterReader, layout *registers.Layout) *Assembler {
	return &Assembler{
		reader: reader,
		layout: layout,
		now:    time.Now,
		logger: log.With().Str("component", "telemetry").Logger(),
	}
}

// Layout returns the register layout the assembler decodes with.
func (a *Assembler) Layout() *registers.Layout {
	return a.layout
}

// ReadBlock reads the raw words of one block. A device exception or
// transport failure is logged and reported as false.
func (a *Assembler) ReadBlock(b *registers.Block) ([]uint16, bool) {
	var (
		words []uint16
		err   error
	)
	switch b.Space {
	case registers.SpaceHolding:
		words, err = a.reader.ReadHoldingRegisters(b.Address, b.Count)
	default:
		words, err = a.reader.ReadInputRegisters(b.Address, b.Count)
	}

	if err != nil {
		var exc *session.ExceptionError
		ev := a.logger.Warn().
			Err(err).
			Str("block", b.Label).
			Uint16("address", b.Address).
			Uint16("count", b.Count)
		if errors.As(err, &exc) {
			ev.Uint8("exception_code", exc.ExceptionCode).Msg("Device rejected block read")
		} else {
			ev.Msg("Block read failed")
		}
		return nil, false
	}
	if len(words) != int(b.Count) {
		a.logger.Warn().
			Str("block", b.Label).
			Int("expected", int(b.Count)).
			Int("got", len(words)).
			Msg("Block read returned wrong word count")
		return nil, false
	}
	return words, true
}

// Poll reads every input block in poll order and merges the decoded fields.
// Fields of unavailable blocks are left out of the snapshot.
func (a *Assembler) Poll() *domain.Snapshot {
	snap := domain.NewSnapshot(a.now())
	values := registers.Values{Metrics: snap.Metrics, States: snap.States}

	for _, b := range a.layout.PollBlocks() {
		words, ok := a.ReadBlock(b)
		if !ok {
			snap.Missing = append(snap.Missing, b.Label)
			continue
		}
		if err := a.layout.Decode(b, words, values); err != nil {
			a.logger.Error().Err(err).Str("block", b.Label).Msg("Failed to decode block")
			snap.Missing = append(snap.Missing, b.Label)
		}
	}

	a.logger.Debug().
		Int("fields", snap.Len()).
		Strs("missing", snap.Missing).
		Msg("Poll cycle assembled")
	return snap
}

// ReadSettings reads and decodes the holding blocks.
func (a *Assembler) ReadSettings() (*domain.Settings, error) {
	settings := domain.NewSnapshot(a.now())
	values := registers.Values{Metrics: settings.Metrics, States: settings.States}

	for i := range a.layout.HoldingBlocks {
		b := &a.layout.HoldingBlocks[i]
		words, ok := a.ReadBlock(b)
		if !ok {
			return nil, fmt.Errorf("failed to read %s", b.Label)
		}
		if err := a.layout.Decode(b, words, values); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", b.Label, err)
		}
	}
	return settings, nil
}

// WriteSetting encodes value with the field's rule and writes it.
func (a *Assembler) WriteSetting(name string, value float64) error {
	b, f, ok := a.layout.Field(name)
	if !ok || b.Space != registers.SpaceHolding {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	if f.Min != nil && value < *f.Min {
		return fmt.Errorf("setting %s: %g below minimum %g", name, value, *f.Min)
	}
	if f.Max != nil && value > *f.Max {
		return fmt.Errorf("setting %s: %g above maximum %g", name, value, *f.Max)
	}

	address := b.Address + uint16(f.Offset)
	if err := a.reader.WriteHoldingRegisters(address, a.layout.EncodeField(f, value)); err != nil {
		return fmt.Errorf("failed to write setting %s: %w", name, err)
	}

	a.logger.Info().
		Str("setting", name).
		Float64("value", value).
		Uint16("address", address).
		Msg("Setting written")
	return nil
}

// WriteSettingLabel writes an enumerated setting by its label.
func (a *Assembler) WriteSettingLabel(name, label string) error {
	_, f, ok := a.layout.Field(name)
	if !ok || f.Type != registers.TypeEnum {
		return fmt.Errorf("%w: %q", ErrUnknownSetting, name)
	}
	code, ok := a.layout.EnumCode(f.Enum, label)
	if !ok {
		return fmt.Errorf("setting %s: unknown label %q", name, label)
	}
	return a.WriteSetting(name, float64(code))
}
