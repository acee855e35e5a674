// Package rpiobus drives the ADT7310 through the Raspberry Pi SPI0 controller
// and GPIO registers using go-rpio.
//
// Open must be called before using a Bus or a Pin, and Close once done.
package rpiobus

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/spi"
)

// noCS selects the CS2 line of SPI0, which is not routed on the Pi header.
// The driver toggles its own chip select GPIO.
const noCS = 2

// Open maps the GPIO registers.
func Open() error {
	return rpio.Open()
}

// Close unmaps the GPIO registers.
func Close() error {
	return rpio.Close()
}

// Bus is the SPI0 controller.
type Bus struct {
	dev rpio.SpiDev
}

// New returns the SPI0 bus.
func New() *Bus {
	return &Bus{dev: rpio.Spi0}
}

func (b *Bus) String() string {
	return "rpio/SPI0"
}

// Begin switches the SPI0 pins to their SPI function and sets the clock and
// mode. LSB first is not supported by the controller.
func (b *Bus) Begin(f physic.Frequency, mode spi.Mode) error {
	if mode&spi.LSBFirst != 0 {
		return errors.New("rpiobus: LSB first is not supported")
	}
	if err := rpio.SpiBegin(b.dev); err != nil {
		return fmt.Errorf("rpiobus: %w", err)
	}
	cpol, cpha := clockMode(mode)
	rpio.SpiMode(cpol, cpha)
	rpio.SpiSpeed(int(f / physic.Hertz))
	rpio.SpiChipSelect(noCS)
	return nil
}

// End returns the SPI0 pins to inputs.
func (b *Bus) End() error {
	rpio.SpiEnd(b.dev)
	return nil
}

// Transfer exchanges one byte.
func (b *Bus) Transfer(w byte) (byte, error) {
	buf := []byte{w}
	rpio.SpiExchange(buf)
	return buf[0], nil
}

// clockMode splits the polarity and phase bits of mode.
func clockMode(mode spi.Mode) (cpol, cpha uint8) {
	if mode&spi.Mode2 != 0 {
		cpol = 1
	}
	if mode&spi.Mode1 != 0 {
		cpha = 1
	}
	return cpol, cpha
}

// Pin is a BCM GPIO implementing gpio.PinIO.
type Pin struct {
	p   rpio.Pin
	fn  pin.Func
	pul gpio.Pull
}

// NewPin returns the BCM GPIO n.
func NewPin(n int) *Pin {
	return &Pin{p: rpio.Pin(n), fn: pin.FuncNone, pul: gpio.PullNoChange}
}

// ByName parses names like "GPIO8", "8" or "BCM8".
func ByName(name string) (*Pin, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "GPIO"), "BCM")
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > 53 {
		return nil, fmt.Errorf("rpiobus: invalid pin %q", name)
	}
	return NewPin(n), nil
}

func (p *Pin) String() string {
	return p.Name()
}

// Halt implements conn.Resource.
func (p *Pin) Halt() error {
	return nil
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return fmt.Sprintf("GPIO%d", int(p.p))
}

// Number implements pin.Pin.
func (p *Pin) Number() int {
	return int(p.p)
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	return string(p.fn)
}

// In implements gpio.PinIn. Edge detection is not supported.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errors.New("rpiobus: edge detection is not supported")
	}
	p.p.Input()
	switch pull {
	case gpio.Float:
		p.p.PullOff()
	case gpio.PullDown:
		p.p.PullDown()
	case gpio.PullUp:
		p.p.PullUp()
	}
	if pull != gpio.PullNoChange {
		p.pul = pull
	}
	p.fn = gpio.IN
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	return p.p.Read() == rpio.High
}

// WaitForEdge implements gpio.PinIn. It always times out.
func (p *Pin) WaitForEdge(timeout time.Duration) bool {
	return false
}

// Pull implements gpio.PinIn.
func (p *Pin) Pull() gpio.Pull {
	return p.pul
}

// DefaultPull implements gpio.PinIn.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullNoChange
}

// Out implements gpio.PinOut. The level is latched before the pin is turned
// into an output so it does not glitch.
func (p *Pin) Out(l gpio.Level) error {
	if l {
		p.p.High()
	} else {
		p.p.Low()
	}
	// SpiBegin may have taken the pin over since the last call.
	p.p.Output()
	p.fn = gpio.OUT
	return nil
}

// PWM implements gpio.PinOut. It is not supported.
func (p *Pin) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.New("rpiobus: PWM is not supported")
}

var _ gpio.PinIO = &Pin{}
