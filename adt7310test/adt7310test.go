// Package adt7310test provides a software model of an ADT7310 for tests.
//
// Chip implements adt7310.Bus and exposes its four serial lines as gpio pins,
// so a driver can be exercised end to end, including the bit-banged serial
// reset, without hardware.
package adt7310test

import (
	"errors"
	"math"
	"sync"

	"github.com/mikesmitty/adt7310"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// resetOnes is the number of consecutive 1 bits that reset the interface.
const resetOnes = 32

// Chip is a simulated ADT7310.
type Chip struct {
	mu    sync.Mutex
	regs  [8]uint16
	begun bool
	freq  physic.Frequency
	mode  spi.Mode

	selected bool
	desync   bool

	// Current transaction.
	cmdDone bool
	reg     adt7310.Register
	read    bool
	out     []byte
	in      []byte

	// Bit-bang state.
	clk    gpio.Level
	ones   int
	resets int

	transactions int

	cs, mosi, miso, sclk *Line
}

// Line is one of the chip's pins as seen from the host.
type Line struct {
	gpiotest.Pin
	onOut func(l gpio.Level)
}

// Out implements gpio.PinOut.
func (l *Line) Out(level gpio.Level) error {
	if err := l.Pin.Out(level); err != nil {
		return err
	}
	if l.onOut != nil {
		l.onOut(level)
	}
	return nil
}

// NewChip returns a chip in its power-on state.
func NewChip() *Chip {
	c := &Chip{clk: gpio.High}
	c.powerOn()
	c.cs = &Line{Pin: gpiotest.Pin{N: "CS", Num: 8, L: gpio.High}, onOut: c.onCS}
	c.mosi = &Line{Pin: gpiotest.Pin{N: "MOSI", Num: 10}}
	c.miso = &Line{Pin: gpiotest.Pin{N: "MISO", Num: 9}}
	c.sclk = &Line{Pin: gpiotest.Pin{N: "SCLK", Num: 11, L: gpio.High}, onOut: c.onCLK}
	return c
}

// CS returns the chip select line.
func (c *Chip) CS() *Line { return c.cs }

// MOSI returns the line wired to DIN.
func (c *Chip) MOSI() *Line { return c.mosi }

// MISO returns the line wired to DOUT.
func (c *Chip) MISO() *Line { return c.miso }

// CLK returns the line wired to SCLK.
func (c *Chip) CLK() *Line { return c.sclk }

func (c *Chip) String() string {
	return "adt7310test"
}

// Begin implements adt7310.Bus.
func (c *Chip) Begin(f physic.Frequency, mode spi.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.begun {
		return errors.New("adt7310test: bus already started")
	}
	c.begun = true
	c.freq = f
	c.mode = mode
	return nil
}

// End implements adt7310.Bus.
func (c *Chip) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.begun {
		return errors.New("adt7310test: bus not started")
	}
	c.begun = false
	return nil
}

// Transfer implements adt7310.Bus.
func (c *Chip) Transfer(w byte) (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.begun {
		return 0, errors.New("adt7310test: bus not started")
	}
	if !c.selected {
		// DOUT is high impedance.
		return 0xFF, nil
	}
	if c.desync {
		return 0x00, nil
	}

	if !c.cmdDone {
		c.cmdDone = true
		c.read = w&0x40 != 0
		c.reg = adt7310.Register(w >> 3 & 0x07)
		if c.read {
			v := c.value(c.reg)
			if c.reg.Width() == 16 {
				c.out = []byte{byte(v >> 8), byte(v)}
			} else {
				c.out = []byte{byte(v)}
			}
		}
		return 0x00, nil
	}

	if c.read {
		if len(c.out) == 0 {
			return 0x00, nil
		}
		b := c.out[0]
		c.out = c.out[1:]
		return b, nil
	}
	c.in = append(c.in, w)
	return 0x00, nil
}

// Bus returns the frequency and mode the bus was last started with.
func (c *Chip) Bus() (physic.Frequency, spi.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freq, c.mode
}

// Started reports whether the bus is currently claimed.
func (c *Chip) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.begun
}

// Selected reports whether chip select is asserted.
func (c *Chip) Selected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Register returns the raw content of reg.
func (c *Chip) Register(reg adt7310.Register) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg&0x07]
}

// SetRegister overwrites the content of reg, including read-only registers.
func (c *Chip) SetRegister(reg adt7310.Register, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[reg&0x07] = v
}

// SetTemperature sets the measured temperature. It saturates at the range of
// the 16-bit format.
func (c *Chip) SetTemperature(celsius float64) {
	count := math.Round(celsius * 128)
	count = math.Max(math.Min(count, math.MaxInt16), math.MinInt16)
	c.SetRegister(adt7310.TempReg, uint16(int16(count)))
}

// Desync makes the chip lose track of the bit stream. It answers zeros and
// ignores writes until its serial interface is reset.
func (c *Chip) Desync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desync = true
}

// Resets returns the number of serial interface resets seen.
func (c *Chip) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// Transactions returns the number of completed chip select windows.
func (c *Chip) Transactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transactions
}

// powerOn restores the register defaults. The measured temperature survives.
func (c *Chip) powerOn() {
	c.regs = [8]uint16{
		adt7310.TempReg:   c.regs[adt7310.TempReg],
		adt7310.StatusReg: uint16(adt7310.DefaultStatus),
		adt7310.ConfigReg: uint16(adt7310.DefaultConfig),
		adt7310.IDReg:     uint16(adt7310.DefaultID),
		adt7310.TCritReg:  adt7310.DefaultTCrit,
		adt7310.THystReg:  uint16(adt7310.DefaultTHyst),
		adt7310.THighReg:  adt7310.DefaultTHigh,
		adt7310.TLowReg:   adt7310.DefaultTLow,
	}
}

// value returns reg as the chip shifts it out. c.mu must be held.
func (c *Chip) value(reg adt7310.Register) uint16 {
	v := c.regs[reg]
	if reg == adt7310.TempReg && byte(c.regs[adt7310.ConfigReg])&adt7310.Res16 == 0 {
		// The 3 LSBs hold flags in 13-bit mode.
		v &= 0xFFF8
	}
	return v
}

func (c *Chip) onCS(l gpio.Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l == gpio.Low {
		c.selected = true
		c.cmdDone = false
		c.out = nil
		c.in = nil
		c.ones = 0
		return
	}
	if !c.selected {
		return
	}
	c.selected = false
	if c.cmdDone {
		c.transactions++
		if !c.read && !c.desync {
			c.commit()
		}
	}
	c.cmdDone = false
}

// commit stores the data of a write transaction. c.mu must be held.
func (c *Chip) commit() {
	var v uint16
	switch len(c.in) {
	case 1:
		v = uint16(c.in[0])
	case 2:
		v = uint16(c.in[0])<<8 | uint16(c.in[1])
	default:
		return
	}
	switch c.reg {
	case adt7310.ConfigReg, adt7310.THystReg:
		c.regs[c.reg] = v & 0xFF
	case adt7310.TCritReg, adt7310.THighReg, adt7310.TLowReg:
		c.regs[c.reg] = v
	}
}

func (c *Chip) onCLK(l gpio.Level) {
	din := c.mosi.Read()
	c.mu.Lock()
	defer c.mu.Unlock()
	rising := c.clk == gpio.Low && l == gpio.High
	c.clk = l
	if !rising || !c.selected {
		return
	}
	// DIN is sampled on the rising edge.
	if din == gpio.Low {
		c.ones = 0
		return
	}
	c.ones++
	if c.ones == resetOnes {
		c.powerOn()
		c.desync = false
		c.resets++
	}
}

var _ adt7310.Bus = &Chip{}
var _ gpio.PinIO = &Line{}
