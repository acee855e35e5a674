package adt7310

import "time"

// Register is one of the eight ADT7310 register addresses.
type Register uint8

const (
	StatusReg Register = iota
	ConfigReg
	TempReg
	IDReg
	TCritReg
	THystReg
	THighReg
	TLowReg
)

// Width returns the size of the register in bits.
func (r Register) Width() int {
	switch r {
	case TempReg, TCritReg, THighReg, TLowReg:
		return 16
	default:
		return 8
	}
}

func (r Register) String() string {
	switch r {
	case StatusReg:
		return "status"
	case ConfigReg:
		return "config"
	case TempReg:
		return "temp"
	case IDReg:
		return "id"
	case TCritReg:
		return "tcrit"
	case THystReg:
		return "thyst"
	case THighReg:
		return "thigh"
	case TLowReg:
		return "tlow"
	}
	return "invalid"
}

// Command byte: 0 | R/W | A2 A1 A0 | continuous read | 0 | 0
const (
	cmdRead     byte = 0x40
	cmdAddrPos       = 3
	cmdAddrMask byte = 0x38
)

// Configuration register bits.
const (
	Fault1 byte = 0x00
	Fault2 byte = 0x01
	Fault3 byte = 0x02
	Fault4 byte = 0x03

	CTActiveLow  byte = 0x00
	CTActiveHigh byte = 0x04

	INTActiveLow  byte = 0x00
	INTActiveHigh byte = 0x08

	InterruptMode  byte = 0x00
	ComparatorMode byte = 0x10

	Continuous byte = 0x00
	OneShot    byte = 0x20
	OneSPS     byte = 0x40
	Shutdown   byte = 0x60

	Res13 byte = 0x00
	Res16 byte = 0x80

	configModeMask byte = 0x60
	configResMask  byte = 0x80
)

// Status register bits.
const (
	StatusTLow     byte = 0x10
	StatusTHigh    byte = 0x20
	StatusTCrit    byte = 0x40
	StatusNotReady byte = 0x80
)

// Power-on register contents.
const (
	DefaultStatus byte   = 0x80
	DefaultConfig byte   = 0x00
	DefaultID     byte   = 0xC3
	DefaultTCrit  uint16 = 0x4980 // 147 °C
	DefaultTHyst  byte   = 0x05   // 5 °C
	DefaultTHigh  uint16 = 0x2000 // 64 °C
	DefaultTLow   uint16 = 0x0500 // 10 °C

	idManufacturerMask byte = 0xF8
	idManufacturer     byte = 0xC0
)

const (
	// minResetClocks is the number of consecutive 1 bits the serial
	// interface needs to see before it resets.
	minResetClocks = 32
	// minResetSettle is the time the chip needs after a serial reset
	// before it accepts a new command.
	minResetSettle = 500 * time.Microsecond

	// conversionTime is the duration of a single conversion.
	conversionTime = 240 * time.Millisecond
)
