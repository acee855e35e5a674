package adt7310_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mikesmitty/adt7310"
	"github.com/mikesmitty/adt7310/adt7310test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/conntest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spitest"
)

// stubBus answers zeros, or reply() when set, and records what was sent
// together with the chip select level at the time.
type stubBus struct {
	cs     gpio.PinIO
	begins int
	ends   int
	sent   []byte
	csLow  []bool
	reply  func(i int) byte
	fail   int // Transfer fails on this call when > 0
	calls  int
}

func (b *stubBus) Begin(f physic.Frequency, mode spi.Mode) error {
	b.begins++
	return nil
}

func (b *stubBus) End() error {
	b.ends++
	return nil
}

func (b *stubBus) Transfer(w byte) (byte, error) {
	b.calls++
	if b.calls == b.fail {
		return 0, errors.New("bus fault")
	}
	b.sent = append(b.sent, w)
	b.csLow = append(b.csLow, b.cs.Read() == gpio.Low)
	if b.reply != nil {
		return b.reply(len(b.sent) - 1), nil
	}
	return 0, nil
}

func newStub(t *testing.T) (*adt7310.Dev, *stubBus, *gpiotest.Pin) {
	cs := &gpiotest.Pin{N: "CS", Num: 8}
	bus := &stubBus{cs: cs}
	dev, err := adt7310.New(bus, &adt7310.Opts{CS: cs})
	require.NoError(t, err)
	require.NoError(t, dev.Init())
	return dev, bus, cs
}

func newSim(t *testing.T) (*adt7310.Dev, *adt7310test.Chip) {
	chip := adt7310test.NewChip()
	dev, err := adt7310.New(chip, &adt7310.Opts{
		CS:    chip.CS(),
		MOSI:  chip.MOSI(),
		MISO:  chip.MISO(),
		CLK:   chip.CLK(),
		Sleep: func(time.Duration) {},
	})
	require.NoError(t, err)
	require.NoError(t, dev.Init())
	return dev, chip
}

func TestNew(t *testing.T) {
	cs := &gpiotest.Pin{N: "CS", L: gpio.Low}
	_, err := adt7310.New(&stubBus{cs: cs}, nil)
	assert.Error(t, err)
	_, err = adt7310.New(&stubBus{cs: cs}, &adt7310.Opts{})
	assert.Error(t, err)
	_, err = adt7310.New(&stubBus{cs: cs}, &adt7310.Opts{CS: cs, ResetClocks: 31})
	assert.Error(t, err)
	_, err = adt7310.New(&stubBus{cs: cs}, &adt7310.Opts{CS: cs, ResetSettle: 100 * time.Microsecond})
	assert.Error(t, err)

	bus := &stubBus{cs: cs}
	dev, err := adt7310.New(bus, &adt7310.Opts{CS: cs})
	require.NoError(t, err)
	assert.Equal(t, gpio.High, cs.Read(), "chip must start deselected")
	assert.Zero(t, bus.begins, "New must not claim the bus")
	assert.Equal(t, "adt7310{CS(0)}", dev.String())
}

func TestInitClose(t *testing.T) {
	dev, chip := newSim(t)
	f, mode := chip.Bus()
	assert.Equal(t, 4*physic.MegaHertz, f)
	assert.Equal(t, spi.Mode3, mode)
	assert.True(t, chip.Started())

	// Init is idempotent.
	require.NoError(t, dev.Init())

	require.NoError(t, dev.Close())
	assert.False(t, chip.Started())
	require.NoError(t, dev.Close())

	_, err := dev.ReadRegister(adt7310.IDReg, 8)
	assert.ErrorIs(t, err, adt7310.ErrNotInitialized)
}

func TestWriteFraming(t *testing.T) {
	dev, bus, cs := newStub(t)

	require.NoError(t, dev.WriteRegister(adt7310.ConfigReg, 0x80, 8))
	assert.Equal(t, []byte{0x08, 0x80}, bus.sent)

	bus.sent, bus.csLow = nil, nil
	require.NoError(t, dev.WriteRegister(adt7310.THighReg, 0x2A80, 16))
	assert.Equal(t, []byte{0x30, 0x2A, 0x80}, bus.sent)
	assert.Equal(t, []bool{true, true, true}, bus.csLow, "one CS window")
	assert.Equal(t, gpio.High, cs.Read())
}

func TestConfigTracking(t *testing.T) {
	dev, bus, _ := newStub(t)

	// A 16-bit write to the 8-bit config register is framed as asked but
	// does not change the tracked configuration.
	require.NoError(t, dev.WriteRegister(adt7310.ConfigReg, 0x8000, 16))
	assert.Equal(t, []byte{0x08, 0x80, 0x00}, bus.sent)
	assert.Equal(t, adt7310.DefaultConfig, dev.Mode())
	assert.Equal(t, 13, dev.Resolution())

	require.NoError(t, dev.WriteRegister(adt7310.ConfigReg, uint16(adt7310.Res16|adt7310.OneSPS), 8))
	assert.Equal(t, adt7310.Res16|adt7310.OneSPS, dev.Mode())
	assert.Equal(t, 16, dev.Resolution())
}

func TestReadFraming(t *testing.T) {
	dev, bus, cs := newStub(t)
	bus.reply = func(i int) byte { return []byte{0x00, 0x49, 0x80}[i] }

	v, err := dev.ReadRegister(adt7310.TCritReg, 16)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4980), v)
	assert.Equal(t, []byte{0x60, 0x00, 0x00}, bus.sent)
	assert.Equal(t, []bool{true, true, true}, bus.csLow)
	assert.Equal(t, gpio.High, cs.Read())

	bus.sent, bus.csLow = nil, nil
	bus.reply = func(i int) byte { return []byte{0x00, 0xC3}[i] }
	v, err = dev.ReadRegister(adt7310.IDReg, 8)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xC3), v)
	assert.Equal(t, []byte{0x58, 0x00}, bus.sent)
	assert.True(t, adt7310.ValidID(byte(v)))
}

func TestCommandBytesOnBus(t *testing.T) {
	dev, bus, _ := newStub(t)
	for r := adt7310.StatusReg; r <= adt7310.TLowReg; r++ {
		bus.sent = nil
		require.NoError(t, dev.WriteRegister(r, 0, 8))
		assert.Equal(t, byte(r<<3), bus.sent[0])

		bus.sent = nil
		_, err := dev.ReadRegister(r, 8)
		require.NoError(t, err)
		assert.Equal(t, byte(0x40|r<<3), bus.sent[0])
	}
}

func TestChipSelectReleased(t *testing.T) {
	dev, bus, cs := newStub(t)

	for _, bits := range []int{8, 16} {
		for r := adt7310.StatusReg; r <= adt7310.TLowReg; r++ {
			require.NoError(t, dev.WriteRegister(r, 0, bits))
			assert.Equal(t, gpio.High, cs.Read())
			v, err := dev.ReadRegister(r, bits)
			require.NoError(t, err)
			assert.Zero(t, v)
			assert.Equal(t, gpio.High, cs.Read())
		}
	}

	// Also when the bus fails mid transaction.
	bus.calls = 0
	bus.fail = 2
	_, err := dev.ReadRegister(adt7310.TempReg, 16)
	assert.Error(t, err)
	assert.Equal(t, gpio.High, cs.Read())

	bus.calls = 0
	err = dev.WriteRegister(adt7310.TCritReg, 0x1234, 16)
	assert.Error(t, err)
	assert.Equal(t, gpio.High, cs.Read())
}

func TestArgumentErrors(t *testing.T) {
	dev, bus, cs := newStub(t)

	assert.ErrorIs(t, dev.WriteRegister(adt7310.ConfigReg, 0, 12), adt7310.ErrBitWidth)
	assert.ErrorIs(t, dev.WriteRegister(8, 0, 8), adt7310.ErrRegister)
	assert.ErrorIs(t, dev.WriteRegister(adt7310.ConfigReg, 0x100, 8), adt7310.ErrValue)
	_, err := dev.ReadRegister(adt7310.TempReg, 13)
	assert.ErrorIs(t, err, adt7310.ErrBitWidth)
	_, err = dev.ReadRegister(9, 16)
	assert.ErrorIs(t, err, adt7310.ErrRegister)

	assert.Empty(t, bus.sent, "nothing goes out on invalid arguments")
	assert.Equal(t, gpio.High, cs.Read())
}

func TestRoundTrip(t *testing.T) {
	dev, _ := newSim(t)

	for _, v := range []uint16{0x00, 0x01, 0x5A, 0xA5, 0xFF} {
		require.NoError(t, dev.WriteRegister(adt7310.THystReg, v, 8))
		got, err := dev.ReadRegister(adt7310.THystReg, 8)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for _, reg := range []adt7310.Register{adt7310.TCritReg, adt7310.THighReg, adt7310.TLowReg} {
		for _, v := range []uint16{0x0000, 0x0001, 0x8000, 0xE480, 0xFFFF} {
			require.NoError(t, dev.WriteRegister(reg, v, 16))
			got, err := dev.ReadRegister(reg, 16)
			require.NoError(t, err)
			assert.Equal(t, v, got, "%s", reg)
		}
	}
}

func TestModeAndTemperature(t *testing.T) {
	dev, chip := newSim(t)

	assert.Equal(t, adt7310.DefaultConfig, dev.Mode())
	assert.Equal(t, 13, dev.Resolution())

	chip.SetTemperature(24 + 1.0/128)
	c, err := dev.ReadTemperature()
	require.NoError(t, err)
	assert.Equal(t, 24.0, c, "13-bit drops the low bits")

	require.NoError(t, dev.SetMode(adt7310.Fault2|adt7310.Continuous|adt7310.Res16))
	assert.Equal(t, 16, dev.Resolution())
	assert.Equal(t, uint16(0x81), chip.Register(adt7310.ConfigReg))

	c, err = dev.ReadTemperature()
	require.NoError(t, err)
	assert.Equal(t, 24+1.0/128, c)

	chip.SetTemperature(-40.5)
	c, err = dev.ReadTemperature()
	require.NoError(t, err)
	assert.Equal(t, -40.5, c)

	c, err = dev.Temperature(0x0640)
	require.NoError(t, err)
	assert.Equal(t, 12.5, c)

	var e physic.Env
	require.NoError(t, dev.Sense(&e))
	assert.Equal(t, physic.ZeroCelsius-40500*physic.MilliKelvin, e.Temperature)

	var p physic.Env
	dev.Precision(&p)
	assert.Equal(t, physic.Kelvin/128, p.Temperature)
}

func TestOneShot(t *testing.T) {
	chip := adt7310test.NewChip()
	var slept []time.Duration
	dev, err := adt7310.New(chip, &adt7310.Opts{
		CS:    chip.CS(),
		Sleep: func(d time.Duration) { slept = append(slept, d) },
	})
	require.NoError(t, err)
	require.NoError(t, dev.Init())
	require.NoError(t, dev.SetMode(adt7310.OneShot|adt7310.Res16))

	chip.SetTemperature(21.5)
	before := chip.Transactions()
	c, err := dev.ReadTemperature()
	require.NoError(t, err)
	assert.Equal(t, 21.5, c)
	assert.Equal(t, 2, chip.Transactions()-before, "trigger then read")
	assert.Equal(t, []time.Duration{240 * time.Millisecond}, slept)
}

func TestSetSetpoint(t *testing.T) {
	dev, chip := newSim(t)

	require.NoError(t, dev.SetSetpoint(adt7310.TCritReg, 100))
	assert.Equal(t, uint16(0x3200), chip.Register(adt7310.TCritReg))
	require.NoError(t, dev.SetSetpoint(adt7310.TLowReg, -10.5))
	assert.Equal(t, uint16(0xFAC0), chip.Register(adt7310.TLowReg))
	require.NoError(t, dev.SetSetpoint(adt7310.THystReg, 3))
	assert.Equal(t, uint16(3), chip.Register(adt7310.THystReg))

	assert.ErrorIs(t, dev.SetSetpoint(adt7310.THystReg, 16), adt7310.ErrRange)
	assert.ErrorIs(t, dev.SetSetpoint(adt7310.THystReg, math.NaN()), adt7310.ErrRange)
	assert.ErrorIs(t, dev.SetSetpoint(adt7310.THighReg, math.NaN()), adt7310.ErrRange)
	assert.Equal(t, uint16(3), chip.Register(adt7310.THystReg), "rejected values are not written")
	assert.ErrorIs(t, dev.SetSetpoint(adt7310.TCritReg, 300), adt7310.ErrRange)
	assert.ErrorIs(t, dev.SetSetpoint(adt7310.ConfigReg, 1), adt7310.ErrRegister)
}

func TestSenseContinuous(t *testing.T) {
	dev, chip := newSim(t)
	require.NoError(t, dev.SetMode(adt7310.Res16))
	chip.SetTemperature(30)

	ch, err := dev.SenseContinuous(time.Millisecond)
	require.NoError(t, err)
	e := <-ch
	assert.Equal(t, physic.ZeroCelsius+30*physic.Kelvin, e.Temperature)

	var e2 physic.Env
	assert.Error(t, dev.Sense(&e2), "Sense is refused while sensing continuously")

	require.NoError(t, dev.Halt())
	for range ch {
	}
	require.NoError(t, dev.Sense(&e2))
	require.NoError(t, dev.Close())
}

func TestSenseContinuousConcurrent(t *testing.T) {
	dev, chip := newSim(t)
	chip.SetTemperature(25)

	var started, drained sync.WaitGroup
	for i := 0; i < 20; i++ {
		started.Add(1)
		drained.Add(1)
		go func() {
			defer drained.Done()
			ch, err := dev.SenseContinuous(time.Millisecond)
			started.Done()
			if !assert.NoError(t, err) {
				return
			}
			for range ch {
			}
		}()
	}
	started.Wait()
	require.NoError(t, dev.Close())

	// Every run but the last was stopped by its successor, the last by Close.
	done := make(chan struct{})
	go func() {
		drained.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sensing channels left open")
	}
}

// rwMode records the mode the driver connects with.
type rwMode struct {
	*spitest.Playback
	mode spi.Mode
}

func (r *rwMode) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	r.mode = mode
	return r.Playback.Connect(f, mode, bits)
}

func TestPortBus(t *testing.T) {
	pb := &rwMode{Playback: &spitest.Playback{
		Playback: conntest.Playback{
			Ops: []conntest.IO{
				{W: []byte{0x58}, R: []byte{0x00}},
				{W: []byte{0x00}, R: []byte{0xC3}},
				{W: []byte{0x08}, R: []byte{0x00}},
				{W: []byte{0x80}, R: []byte{0x00}},
			},
			DontPanic: true,
		},
	}}
	opened := 0
	bus := adt7310.NewPortBus("SPI0.0", func() (spi.PortCloser, error) {
		opened++
		return pb, nil
	})
	cs := &gpiotest.Pin{N: "GPIO8", Num: 8}
	dev, err := adt7310.New(bus, &adt7310.Opts{CS: cs})
	require.NoError(t, err)
	require.NoError(t, dev.Init())
	assert.Equal(t, spi.Mode3|spi.NoCS, pb.mode)

	id, err := dev.ReadRegister(adt7310.IDReg, 8)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xC3), id)
	require.NoError(t, dev.SetMode(adt7310.Res16))

	require.NoError(t, dev.Close())
	assert.Equal(t, 1, opened)
	assert.Equal(t, "SPI0.0", bus.String())

	_, err = bus.Transfer(0x00)
	assert.Error(t, err)
}
