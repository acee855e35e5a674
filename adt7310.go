package adt7310

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

var (
	ErrBitWidth       = errors.New("unsupported bit width")
	ErrRegister       = errors.New("invalid register")
	ErrValue          = errors.New("value does not fit in register")
	ErrRange          = errors.New("temperature out of range")
	ErrNotInitialized = errors.New("bus not initialized")
	ErrNoResetLines   = errors.New("reset needs MOSI, MISO and CLK lines")
)

// Opts holds various configuration options for the sensor
type Opts struct {
	// CS is the chip select line. It is driven low for the duration of every
	// transaction.
	CS gpio.PinOut
	// MOSI, MISO and CLK are the bus lines, only used by Reset() to bit-bang
	// the serial interface reset while the bus is released.
	MOSI gpio.PinOut
	MISO gpio.PinIn
	CLK  gpio.PinOut

	// MaxFreq is the SPI clock. The ADT7310 is rated up to 5MHz.
	MaxFreq physic.Frequency
	// ResetClocks is the number of clock pulses sent with DIN high during a
	// reset. The chip needs at least 32.
	ResetClocks int
	// ClockLow is the low phase of each reset clock pulse.
	ClockLow time.Duration
	// ResetSettle is the wait after the reset pulses. The datasheet asks for
	// 500µs.
	ResetSettle time.Duration

	Logger *slog.Logger
	// Sleep is used for every delay. Defaults to time.Sleep.
	Sleep func(time.Duration)
}

func DefaultOptions() *Opts {
	return &Opts{
		MaxFreq:     4 * physic.MegaHertz,
		ResetClocks: 100,
		ClockLow:    time.Microsecond,
		ResetSettle: 100 * time.Millisecond,
	}
}

// New returns a driver for the ADT7310 selected by opts.CS on bus.
//
// The bus is not touched until Init() is called.
func New(bus Bus, opts *Opts) (*Dev, error) {
	if opts == nil {
		return nil, errors.New("adt7310: missing options")
	}
	if opts.CS == nil {
		return nil, errors.New("adt7310: missing chip select line")
	}

	o := *opts
	def := DefaultOptions()
	if o.MaxFreq == 0 {
		o.MaxFreq = def.MaxFreq
	}
	if o.ResetClocks == 0 {
		o.ResetClocks = def.ResetClocks
	}
	if o.ClockLow == 0 {
		o.ClockLow = def.ClockLow
	}
	if o.ResetSettle == 0 {
		o.ResetSettle = def.ResetSettle
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Sleep == nil {
		o.Sleep = time.Sleep
	}

	if o.ResetClocks < minResetClocks {
		return nil, fmt.Errorf("adt7310: %d reset clocks, need at least %d", o.ResetClocks, minResetClocks)
	}
	if o.ResetSettle < minResetSettle {
		return nil, fmt.Errorf("adt7310: reset settle time %s, need at least %s", o.ResetSettle, minResetSettle)
	}

	d := &Dev{
		bus:    bus,
		opts:   o,
		name:   "adt7310",
		log:    o.Logger.With("dev", "adt7310", "cs", o.CS.String()),
		config: DefaultConfig,
	}

	// Deselected until the first transaction.
	if err := o.CS.Out(gpio.High); err != nil {
		return nil, d.wrap(err)
	}
	return d, nil
}

// Dev is a handle to an ADT7310 on a serial bus.
type Dev struct {
	bus  Bus
	opts Opts
	name string
	log  *slog.Logger

	mu     sync.Mutex
	open   bool
	config byte
	// stop and done belong to the running SenseContinuous goroutine.
	stop chan struct{}
	done chan struct{}
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%s}", d.name, d.opts.CS)
}

// Init claims the bus in SPI mode 3, MSB first.
func (d *Dev) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.begin()
}

// Close stops continuous sensing and releases the bus.
func (d *Dev) Close() error {
	if err := d.Halt(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.end()
}

func (d *Dev) begin() error {
	if d.open {
		return nil
	}
	if err := d.bus.Begin(d.opts.MaxFreq, spi.Mode3); err != nil {
		return d.wrap(err)
	}
	d.open = true
	d.log.Debug("bus claimed", "freq", d.opts.MaxFreq)
	return nil
}

func (d *Dev) end() error {
	if !d.open {
		return nil
	}
	d.open = false
	if err := d.bus.End(); err != nil {
		return d.wrap(err)
	}
	d.log.Debug("bus released")
	return nil
}

// WriteRegister writes value to reg. bits is 8 or 16; 16-bit values are sent
// most significant byte first.
func (d *Dev) WriteRegister(reg Register, value uint16, bits int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeReg(reg, value, bits)
}

// ReadRegister reads bits (8 or 16) from reg.
//
// A desynchronized chip answers with zeros, which cannot be told apart from
// a legitimate reading. Detecting that is up to the caller, see Reset().
func (d *Dev) ReadRegister(reg Register, bits int) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readReg(reg, bits)
}

// SetMode writes the configuration register. cfg is built from the
// configuration constants, e.g. Fault1|Continuous|Res16.
func (d *Dev) SetMode(cfg byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeReg(ConfigReg, uint16(cfg), 8)
}

// Mode returns the configuration last written with SetMode(), or the
// power-on default.
func (d *Dev) Mode() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Resolution returns the number of temperature bits the chip is configured
// for: 13 or 16.
func (d *Dev) Resolution() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resolution()
}

func (d *Dev) resolution() int {
	if d.config&configResMask == Res16 {
		return 16
	}
	return 13
}

// Temperature decodes a raw temperature register value at the configured
// resolution.
func (d *Dev) Temperature(raw uint16) (float64, error) {
	t, err := DecodeTemperature(raw, d.Resolution())
	if err != nil {
		return 0, d.wrap(err)
	}
	return t, nil
}

// ReadTemperature reads the temperature register and decodes it.
func (d *Dev) ReadTemperature() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readTemperature()
}

func (d *Dev) readTemperature() (float64, error) {
	if d.config&configModeMask == OneShot {
		// Writing the config again starts a new conversion.
		if err := d.writeReg(ConfigReg, uint16(d.config), 8); err != nil {
			return 0, err
		}
		d.opts.Sleep(conversionTime)
	}

	raw, err := d.readReg(TempReg, 16)
	if err != nil {
		return 0, err
	}
	t, err := DecodeTemperature(raw, d.resolution())
	if err != nil {
		return 0, d.wrap(err)
	}
	return t, nil
}

// SetSetpoint writes a temperature limit. reg is TCritReg, THighReg, TLowReg
// or THystReg. The hysteresis is 0 to 15°C in 1°C steps.
func (d *Dev) SetSetpoint(reg Register, c float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch reg {
	case TCritReg, THighReg, TLowReg:
		v, err := EncodeTemperature(c, 16)
		if err != nil {
			return d.wrap(err)
		}
		return d.writeReg(reg, v, 16)
	case THystReg:
		if math.IsNaN(c) || c < 0 || c > 15 {
			return d.wrap(fmt.Errorf("%w: hysteresis %g °C", ErrRange, c))
		}
		return d.writeReg(reg, uint16(math.Round(c)), 8)
	}
	return d.wrap(fmt.Errorf("%w: %s is not a setpoint", ErrRegister, reg))
}

// Sense reads the temperature. Other fields of e are left untouched.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	return d.sense(e)
}

func (d *Dev) sense(e *physic.Env) error {
	t, err := d.readTemperature()
	if err != nil {
		return err
	}
	e.Temperature = physic.Temperature(t*float64(physic.Kelvin)) + physic.ZeroCelsius
	return nil
}

// SenseContinuous reads the temperature every interval and sends it on the
// returned channel. The chip converts every 240ms, a shorter interval is
// raised to that.
//
// A previous run is stopped first and its channel closed. The channel is also
// closed by Halt(), Close() or the first failed read, which is logged.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Another caller may start a run while halt() waits unlocked.
	for d.stop != nil {
		d.halt()
	}

	sensing := make(chan physic.Env)
	stop, done := make(chan struct{}), make(chan struct{})
	d.stop, d.done = stop, done
	go func() {
		defer close(done)
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
		d.log.Debug("continuous sensing stopped")
	}()
	return sensing, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	if d.Resolution() == 16 {
		e.Temperature = physic.Kelvin / 128
	} else {
		e.Temperature = physic.Kelvin / 16
	}
}

// Halt stops the ADT7310 from acquiring measurements as initiated by
// SenseContinuous().
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.halt()
	}
	return nil
}

// halt stops the running goroutine and waits for it. d.mu must be held and
// d.stop set; the lock is released while waiting.
func (d *Dev) halt() {
	close(d.stop)
	done := d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	<-done
	d.mu.Lock()
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	// A reading is only refreshed once per conversion.
	if interval < conversionTime {
		interval = conversionTime
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		e := physic.Env{}
		d.mu.Lock()
		err := d.sense(&e)
		d.mu.Unlock()
		if err != nil {
			d.log.Warn("failed to read temperature", "err", err)
			return
		}
		select {
		case sensing <- e:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// readReg does one read transaction. d.mu must be held.
func (d *Dev) readReg(reg Register, bits int) (uint16, error) {
	if err := d.checkArgs(reg, bits); err != nil {
		return 0, err
	}

	var v uint16
	err := d.selected(func() error {
		if _, err := d.bus.Transfer(readCommand(reg)); err != nil {
			return err
		}
		for i := 0; i < bits/8; i++ {
			b, err := d.bus.Transfer(0x00)
			if err != nil {
				return err
			}
			v = v<<8 | uint16(b)
		}
		return nil
	})
	if err != nil {
		return 0, d.wrap(err)
	}
	d.log.Debug("read", "reg", reg, "bits", bits, "value", fmt.Sprintf("%#04x", v))
	return v, nil
}

// writeReg does one write transaction. d.mu must be held.
func (d *Dev) writeReg(reg Register, value uint16, bits int) error {
	if err := d.checkArgs(reg, bits); err != nil {
		return err
	}
	if bits == 8 && value > 0xFF {
		return d.wrap(fmt.Errorf("%w: %#x in 8 bits", ErrValue, value))
	}

	data := []byte{byte(value)}
	if bits == 16 {
		data = []byte{byte(value >> 8), byte(value)}
	}
	err := d.selected(func() error {
		if _, err := d.bus.Transfer(writeCommand(reg)); err != nil {
			return err
		}
		for _, b := range data {
			if _, err := d.bus.Transfer(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return d.wrap(err)
	}
	// Only writes matching the register width are tracked.
	if reg == ConfigReg && bits == 8 {
		d.config = byte(value)
	}
	d.log.Debug("write", "reg", reg, "bits", bits, "value", fmt.Sprintf("%#04x", value))
	return nil
}

func (d *Dev) checkArgs(reg Register, bits int) error {
	if !d.open {
		return d.wrap(ErrNotInitialized)
	}
	if reg > TLowReg {
		return d.wrap(fmt.Errorf("%w: %d", ErrRegister, reg))
	}
	if bits != 8 && bits != 16 {
		return d.wrap(fmt.Errorf("%w: %d bits", ErrBitWidth, bits))
	}
	return nil
}

// selected runs f with chip select asserted. CS is released whatever f
// returns.
func (d *Dev) selected(f func() error) error {
	if err := d.opts.CS.Out(gpio.Low); err != nil {
		return err
	}
	err := f()
	if err2 := d.opts.CS.Out(gpio.High); err == nil {
		err = err2
	}
	return err
}

func writeCommand(reg Register) byte {
	return byte(reg) << cmdAddrPos & cmdAddrMask
}

func readCommand(reg Register) byte {
	return cmdRead | writeCommand(reg)
}

// ValidID reports whether id, as read from IDReg, carries the ADT7310
// manufacturer code.
func ValidID(id byte) bool {
	return id&idManufacturerMask == idManufacturer
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
