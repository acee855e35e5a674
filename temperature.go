package adt7310

import (
	"fmt"
	"math"
)

// DecodeTemperature converts a raw temperature word into degrees Celsius.
//
// raw is left-aligned in 16 bits as the chip sends it, bits is the number of
// significant bits: 9, 10, 13 or 16. Negative values are two's complement.
func DecodeTemperature(raw uint16, bits int) (float64, error) {
	if !validTempBits(bits) {
		return 0, fmt.Errorf("%w: %d bits", ErrBitWidth, bits)
	}

	v := raw >> (16 - bits)
	negative := v&(1<<(bits-1)) != 0
	if negative {
		// Extend the sign bit to the end of the word, then negate.
		v |= 0xFFFF << bits
		v = ^v + 1
	}

	var temp float64
	switch bits {
	case 16:
		temp = float64(v) / 128.0
	case 13:
		temp = float64(v) / 16.0
	case 10:
		temp = float64(v) / 2.0
	case 9:
		temp = float64(v) * 1.0
	}

	if negative {
		temp = -temp
	}
	return temp, nil
}

// EncodeTemperature is the inverse of DecodeTemperature. The result is
// left-aligned in 16 bits and rounded to the nearest step of the resolution.
func EncodeTemperature(c float64, bits int) (uint16, error) {
	if !validTempBits(bits) {
		return 0, fmt.Errorf("%w: %d bits", ErrBitWidth, bits)
	}

	count := math.Round(c * scale(bits))
	lo := -float64(int(1) << (bits - 1))
	hi := float64(int(1)<<(bits-1)) - 1
	if math.IsNaN(count) || count < lo || count > hi {
		return 0, fmt.Errorf("%w: %g °C in %d bits", ErrRange, c, bits)
	}

	mask := uint16(1)<<bits - 1
	v := uint16(int16(count)) & mask
	return v << (16 - bits), nil
}

// scale returns the number of counts per degree at the given resolution.
func scale(bits int) float64 {
	switch bits {
	case 16:
		return 128
	case 13:
		return 16
	case 10:
		return 2
	default:
		return 1
	}
}

func validTempBits(bits int) bool {
	switch bits {
	case 9, 10, 13, 16:
		return true
	}
	return false
}
