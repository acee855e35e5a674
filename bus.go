package adt7310

import (
	"errors"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// Bus is a synchronous full-duplex serial bus.
//
// The driver drives chip select itself, so an implementation must not
// toggle any CS line of its own.
type Bus interface {
	// Begin claims the bus and sets the clock, polarity, phase and bit order.
	Begin(f physic.Frequency, mode spi.Mode) error
	// End releases the bus so its lines can be used as plain GPIOs.
	End() error
	// Transfer sends w and returns the byte clocked in at the same time.
	Transfer(w byte) (byte, error)
}

// PortBus is a Bus backed by a periph.io SPI port.
//
// The port is opened on Begin and closed on End, since a periph port can only
// be connected once.
type PortBus struct {
	name string
	open func() (spi.PortCloser, error)

	port spi.PortCloser
	c    spi.Conn
}

// OpenPort returns a PortBus for the named port in the spireg registry. An
// empty name selects the first port available.
func OpenPort(name string) *PortBus {
	return NewPortBus(name, func() (spi.PortCloser, error) {
		return spireg.Open(name)
	})
}

// NewPortBus returns a PortBus using open to acquire the port.
func NewPortBus(name string, open func() (spi.PortCloser, error)) *PortBus {
	return &PortBus{name: name, open: open}
}

func (b *PortBus) String() string {
	if b.c != nil {
		return b.c.String()
	}
	if b.name == "" {
		return "spi"
	}
	return b.name
}

// Begin implements Bus.
func (b *PortBus) Begin(f physic.Frequency, mode spi.Mode) error {
	if b.port != nil {
		return errors.New("spi: port already open")
	}
	p, err := b.open()
	if err != nil {
		return err
	}
	c, err := p.Connect(f, mode|spi.NoCS, 8)
	if err != nil {
		_ = p.Close()
		return err
	}
	b.port = p
	b.c = c
	return nil
}

// End implements Bus.
func (b *PortBus) End() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	b.c = nil
	return err
}

// Transfer implements Bus.
func (b *PortBus) Transfer(w byte) (byte, error) {
	if b.c == nil {
		return 0, errors.New("spi: port not open")
	}
	var r [1]byte
	if err := b.c.Tx([]byte{w}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

var _ Bus = &PortBus{}
