package adt7310

import (
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/pin"
	"periph.io/x/conn/v3/spi"
)

// Reset resynchronizes the serial interface of the chip.
//
// The ADT7310 does not resynchronize when it is deselected: once it lost
// track of the bit stream it answers every read with zeros. Reset releases
// the bus, clocks ResetClocks 1 bits into DIN on the raw lines, waits for the
// chip to come back and claims the bus again.
//
// The chip also restores all its registers to their power-on values, so the
// caller has to write its configuration and setpoints again afterwards.
//
// Reset never runs on its own. The driver cannot tell a desynchronized chip
// from a legitimate zero reading; the caller is expected to check a register
// with a known value (TCritReg defaults to DefaultTCrit) and reset on
// mismatch.
//
// Bit-banging turns MOSI, MISO and CLK into plain GPIOs. Lines implementing
// pin.PinFunc are switched back to their SPI function before the bus is
// claimed again.
func (d *Dev) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opts.MOSI == nil || d.opts.MISO == nil || d.opts.CLK == nil {
		return d.wrap(ErrNoResetLines)
	}

	// The bus may be in any state, keep going if releasing it fails.
	if err := d.end(); err != nil {
		d.log.Warn("releasing bus before reset", "err", err)
	}

	if err := d.bitBangReset(); err != nil {
		// Leave the chip deselected.
		_ = d.opts.CS.Out(gpio.High)
		return d.wrap(err)
	}

	if err := d.restoreSPI(); err != nil {
		return d.wrap(err)
	}

	d.config = DefaultConfig
	if err := d.begin(); err != nil {
		return err
	}
	d.log.Info("serial interface reset", "clocks", d.opts.ResetClocks)
	return nil
}

func (d *Dev) bitBangReset() error {
	cs, mosi, clk := d.opts.CS, d.opts.MOSI, d.opts.CLK

	// CS, DIN and SCLK are driven, DOUT is listened to.
	if err := cs.Out(gpio.High); err != nil {
		return err
	}
	if err := mosi.Out(gpio.Low); err != nil {
		return err
	}
	if err := d.opts.MISO.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return err
	}
	if err := clk.Out(gpio.High); err != nil {
		return err
	}

	if err := cs.Out(gpio.Low); err != nil {
		return err
	}
	if err := mosi.Out(gpio.High); err != nil {
		return err
	}
	for i := 0; i < d.opts.ResetClocks; i++ {
		if err := clk.Out(gpio.Low); err != nil {
			return err
		}
		d.opts.Sleep(d.opts.ClockLow)
		if err := clk.Out(gpio.High); err != nil {
			return err
		}
	}
	d.opts.Sleep(d.opts.ResetSettle)
	return cs.Out(gpio.High)
}

// restoreSPI hands the data lines back to the SPI controller. Lines without a
// settable function or without an SPI function are left alone.
func (d *Dev) restoreSPI() error {
	lines := []struct {
		p  interface{}
		fn pin.Func
	}{
		{d.opts.MOSI, spi.MOSI},
		{d.opts.MISO, spi.MISO},
		{d.opts.CLK, spi.CLK},
	}
	for _, l := range lines {
		pf, ok := l.p.(pin.PinFunc)
		if !ok {
			continue
		}
		for _, f := range pf.SupportedFuncs() {
			if f.Generalize() != l.fn {
				continue
			}
			if err := pf.SetFunc(f); err != nil {
				return err
			}
			d.log.Debug("pin function restored", "pin", pf, "func", f)
			break
		}
	}
	return nil
}
