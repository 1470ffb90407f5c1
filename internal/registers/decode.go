package registers

import "math"

// Int16 reinterprets a register word as a two's complement value.
func Int16(word uint16) int16 {
	return int16(word)
}

// Int32 combines two words transmitted low word first into a signed value.
func Int32(low, high uint16) int32 {
	return int32(uint32(high)<<16 | uint32(low))
}

// Uint32 combines two words transmitted low word first into an unsigned value.
// Uint32(0x1234, 0x5678) == 0x56781234.
func Uint32(low, high uint16) uint32 {
	return uint32(high)<<16 | uint32(low)
}

// Scale divides a raw register value by a fixed divisor. A divisor of zero or
// one leaves the value untouched.
func Scale(raw float64, divisor float64) float64 {
	if divisor == 0 || divisor == 1 {
		return raw
	}
	return raw / divisor
}

// EncodeInt16 is the inverse of Int16, clamping to the 16-bit signed range.
func EncodeInt16(v int64) uint16 {
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	if v < math.MinInt16 {
		v = math.MinInt16
	}
	return uint16(int16(v))
}

// EncodeUint16 clamps v to the unsigned 16-bit range.
func EncodeUint16(v int64) uint16 {
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// EncodeInt32 is the inverse of Int32 and returns the words low first.
func EncodeInt32(v int64) (low, high uint16) {
	if v > math.MaxInt32 {
		v = math.MaxInt32
	}
	if v < math.MinInt32 {
		v = math.MinInt32
	}
	u := uint32(int32(v))
	return uint16(u), uint16(u >> 16)
}

// EncodeUint32 is the inverse of Uint32 and returns the words low first.
func EncodeUint32(v int64) (low, high uint16) {
	if v < 0 {
		v = 0
	}
	if v > math.MaxUint32 {
		v = math.MaxUint32
	}
	u := uint32(v)
	return uint16(u), uint16(u >> 16)
}
