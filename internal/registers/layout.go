// Package registers holds the Solax X3 Hybrid register layout and the word
// conversion rules shared by the telemetry poller and the emulator.
package registers

import (
	_ "embed"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed layouts/x3_hybrid.yaml
var x3HybridYAML []byte

// Space identifies the Modbus register table a block lives in.
type Space string

const (
	SpaceInput   Space = "input"
	SpaceHolding Space = "holding"
)

// FieldType is the signedness and width rule of a field.
type FieldType string

const (
	TypeUint16 FieldType = "u16"
	TypeInt16  FieldType = "s16"
	TypeInt32  FieldType = "s32"
	TypeUint32 FieldType = "u32"
	TypeEnum   FieldType = "enum"
)

// Words returns the number of registers a field of this type occupies.
func (t FieldType) Words() int {
	switch t {
	case TypeInt32, TypeUint32:
		return 2
	default:
		return 1
	}
}

// ErrWordCount is returned when a decode is attempted with the wrong number of words.
var ErrWordCount = errors.New("register word count mismatch")

// Field describes one measurement inside a block.
type Field struct {
	Name        string    `yaml:"name"`
	Offset      int       `yaml:"offset"`
	Type        FieldType `yaml:"type"`
	Scale       float64   `yaml:"scale,omitempty"`
	Enum        string    `yaml:"enum,omitempty"`
	Unit        string    `yaml:"unit,omitempty"`
	DeviceClass string    `yaml:"device_class,omitempty"`
	StateClass  string    `yaml:"state_class,omitempty"`
	Min         *float64  `yaml:"min,omitempty"`
	Max         *float64  `yaml:"max,omitempty"`
}

// Block is a contiguous run of registers read in one request.
type Block struct {
	Name    string  `yaml:"name"`
	Label   string  `yaml:"label"`
	Address uint16  `yaml:"address"`
	Count   uint16  `yaml:"count"`
	Fields  []Field `yaml:"fields"`
	Space   Space   `yaml:"-"`
}

// End returns the first address after the block.
func (b *Block) End() int {
	return int(b.Address) + int(b.Count)
}

// Values is the decoded content of one or more blocks.
type Values struct {
	Metrics map[string]float64
	States  map[string]string
}

// NewValues returns an empty Values.
func NewValues() Values {
	return Values{
		Metrics: make(map[string]float64),
		States:  make(map[string]string),
	}
}

// Layout is the full register map of one inverter family.
type Layout struct {
	Version       string                    `yaml:"version"`
	Device        string                    `yaml:"device"`
	Description   string                    `yaml:"description"`
	Enums         map[string]map[int]string `yaml:"enums"`
	InputBlocks   []Block                   `yaml:"input_blocks"`
	HoldingBlocks []Block                   `yaml:"holding_blocks"`

	blocks map[string]*Block
	fields map[string]fieldRef
}

type fieldRef struct {
	block *Block
	field *Field
}

var (
	defaultOnce   sync.Once
	defaultLayout *Layout
	defaultErr    error
)

// Default returns the embedded X3 Hybrid layout.
func Default() (*Layout, error) {
	defaultOnce.Do(func() {
		defaultLayout, defaultErr = Load(x3HybridYAML)
	})
	return defaultLayout, defaultErr
}

// Load parses and validates a layout document.
func Load(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal register layout: %w", err)
	}

	for i := range l.InputBlocks {
		l.InputBlocks[i].Space = SpaceInput
	}
	for i := range l.HoldingBlocks {
		l.HoldingBlocks[i].Space = SpaceHolding
	}

	if err := l.index(); err != nil {
		return nil, err
	}
	return &l, nil
}

func (l *Layout) index() error {
	l.blocks = make(map[string]*Block)
	l.fields = make(map[string]fieldRef)

	all := l.allBlocks()
	for _, b := range all {
		if b.Name == "" {
			return errors.New("register layout: block without name")
		}
		if _, dup := l.blocks[b.Name]; dup {
			return fmt.Errorf("register layout: duplicate block %q", b.Name)
		}
		if b.Count == 0 || b.End() > math.MaxUint16+1 {
			return fmt.Errorf("register layout: block %q has invalid count %d", b.Name, b.Count)
		}
		l.blocks[b.Name] = b

		for j := range b.Fields {
			f := &b.Fields[j]
			if err := l.checkField(b, f); err != nil {
				return err
			}
			if _, dup := l.fields[f.Name]; dup {
				return fmt.Errorf("register layout: duplicate field %q", f.Name)
			}
			l.fields[f.Name] = fieldRef{block: b, field: f}
		}
	}

	if err := checkOverlap(l.InputBlocks); err != nil {
		return err
	}
	return checkOverlap(l.HoldingBlocks)
}

func (l *Layout) checkField(b *Block, f *Field) error {
	switch f.Type {
	case TypeUint16, TypeInt16, TypeInt32, TypeUint32:
	case TypeEnum:
		if _, ok := l.Enums[f.Enum]; !ok {
			return fmt.Errorf("register layout: field %q references unknown enum %q", f.Name, f.Enum)
		}
	default:
		return fmt.Errorf("register layout: field %q has unknown type %q", f.Name, f.Type)
	}
	if f.Offset < 0 || f.Offset+f.Type.Words() > int(b.Count) {
		return fmt.Errorf("register layout: field %q does not fit in block %q", f.Name, b.Name)
	}
	if f.Scale < 0 {
		return fmt.Errorf("register layout: field %q has negative scale", f.Name)
	}
	return nil
}

func checkOverlap(blocks []Block) error {
	sorted := make([]*Block, 0, len(blocks))
	for i := range blocks {
		sorted = append(sorted, &blocks[i])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	for i := 1; i < len(sorted); i++ {
		if int(sorted[i].Address) < sorted[i-1].End() {
			return fmt.Errorf("register layout: block %q overlaps %q", sorted[i].Name, sorted[i-1].Name)
		}
	}
	return nil
}

func (l *Layout) allBlocks() []*Block {
	all := make([]*Block, 0, len(l.InputBlocks)+len(l.HoldingBlocks))
	for i := range l.InputBlocks {
		all = append(all, &l.InputBlocks[i])
	}
	for i := range l.HoldingBlocks {
		all = append(all, &l.HoldingBlocks[i])
	}
	return all
}

// Block looks up a block by name.
func (l *Layout) Block(name string) (*Block, bool) {
	b, ok := l.blocks[name]
	return b, ok
}

// Field looks up a field and the block holding it.
func (l *Layout) Field(name string) (*Block, *Field, bool) {
	ref, ok := l.fields[name]
	if !ok {
		return nil, nil, false
	}
	return ref.block, ref.field, true
}

// PollBlocks returns the input blocks in poll order.
func (l *Layout) PollBlocks() []*Block {
	out := make([]*Block, 0, len(l.InputBlocks))
	for i := range l.InputBlocks {
		out = append(out, &l.InputBlocks[i])
	}
	return out
}

// Extent returns the first unused address of the given space.
func (l *Layout) Extent(space Space) int {
	blocks := l.InputBlocks
	if space == SpaceHolding {
		blocks = l.HoldingBlocks
	}
	end := 0
	for i := range blocks {
		if e := blocks[i].End(); e > end {
			end = e
		}
	}
	return end
}

// UnknownLabel is the label of enum codes missing from their mapping.
const UnknownLabel = "Unknown"

// EnumLabel maps an enum code to its label. Unknown codes yield UnknownLabel.
func (l *Layout) EnumLabel(enum string, code int) string {
	if label, ok := l.Enums[enum][code]; ok {
		return label
	}
	return UnknownLabel
}

// EnumCode is the reverse of EnumLabel.
func (l *Layout) EnumCode(enum, label string) (int, bool) {
	for code, name := range l.Enums[enum] {
		if name == label {
			return code, true
		}
	}
	return 0, false
}

// Decode converts the raw words of one block into values using the fixed
// per-field rules. Decoded values are merged into dst.
func (l *Layout) Decode(b *Block, words []uint16, dst Values) error {
	if len(words) != int(b.Count) {
		return fmt.Errorf("%w: block %q expects %d words, got %d", ErrWordCount, b.Name, b.Count, len(words))
	}

	for i := range b.Fields {
		f := &b.Fields[i]
		w := words[f.Offset:]

		switch f.Type {
		case TypeUint16:
			dst.Metrics[f.Name] = Scale(float64(w[0]), f.Scale)
		case TypeInt16:
			dst.Metrics[f.Name] = Scale(float64(Int16(w[0])), f.Scale)
		case TypeInt32:
			dst.Metrics[f.Name] = Scale(float64(Int32(w[0], w[1])), f.Scale)
		case TypeUint32:
			dst.Metrics[f.Name] = Scale(float64(Uint32(w[0], w[1])), f.Scale)
		case TypeEnum:
			dst.States[f.Name] = l.EnumLabel(f.Enum, int(w[0]))
		}
	}
	return nil
}

// Encode projects physical values into the raw words of one block. Values
// missing from the map encode as zero. Enum fields take their numeric code.
func (l *Layout) Encode(b *Block, values map[string]float64) []uint16 {
	words := make([]uint16, b.Count)
	for i := range b.Fields {
		f := &b.Fields[i]
		l.encodeField(f, values[f.Name], words[f.Offset:])
	}
	return words
}

// EncodeField returns the raw words for a single field value.
func (l *Layout) EncodeField(f *Field, value float64) []uint16 {
	words := make([]uint16, f.Type.Words())
	l.encodeField(f, value, words)
	return words
}

func (l *Layout) encodeField(f *Field, value float64, dst []uint16) {
	scale := f.Scale
	if scale == 0 {
		scale = 1
	}
	raw := int64(math.Round(value * scale))

	switch f.Type {
	case TypeUint16, TypeEnum:
		dst[0] = EncodeUint16(raw)
	case TypeInt16:
		dst[0] = EncodeInt16(raw)
	case TypeInt32:
		dst[0], dst[1] = EncodeInt32(raw)
	case TypeUint32:
		dst[0], dst[1] = EncodeUint32(raw)
	}
}
