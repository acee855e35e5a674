package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/mikesmitty/adt7310"
	"github.com/pkg/errors"
)

// errDesync is returned when the consistency read does not match.
var errDesync = errors.New("sensor communication lost")

// sensor is the part of *adt7310.Dev the monitor needs.
type sensor interface {
	ReadTemperature() (float64, error)
	ReadRegister(reg adt7310.Register, bits int) (uint16, error)
	SetMode(cfg byte) error
	SetSetpoint(reg adt7310.Register, c float64) error
	Reset() error
}

// monitor samples the sensor and recovers it when it stops talking.
//
// The ADT7310 answers zeros once it lost track of the bit stream, which looks
// like a valid 0°C reading. After each temperature read the monitor reads
// TCRIT, whose value is known, and resets the chip on mismatch.
type monitor struct {
	dev    sensor
	cfg    *Config
	log    *slog.Logger
	mode   byte
	expect uint16

	resyncs int
}

func newMonitor(dev sensor, cfg *Config, l *slog.Logger) (*monitor, error) {
	mode, err := cfg.modeWord()
	if err != nil {
		return nil, err
	}
	expect, err := cfg.expectedTCrit()
	if err != nil {
		return nil, err
	}
	return &monitor{dev: dev, cfg: cfg, log: l, mode: mode, expect: expect}, nil
}

// configure writes the configuration and setpoints. The chip forgets them on
// every reset.
func (m *monitor) configure() error {
	if err := m.dev.SetMode(m.mode); err != nil {
		return errors.Wrap(err, "failed to set mode")
	}
	sp := m.cfg.Sensor.Setpoints
	for _, s := range []struct {
		reg adt7310.Register
		c   *float64
	}{
		{adt7310.TCritReg, sp.Crit},
		{adt7310.THighReg, sp.High},
		{adt7310.TLowReg, sp.Low},
		{adt7310.THystReg, sp.Hyst},
	} {
		if s.c == nil {
			continue
		}
		if err := m.dev.SetSetpoint(s.reg, *s.c); err != nil {
			return errors.Wrapf(err, "failed to set %s setpoint", s.reg)
		}
	}
	m.log.Debug("sensor configured", "mode", m.mode)
	return nil
}

// sample returns one temperature reading. A desynchronized chip is reset,
// reconfigured and read once more.
func (m *monitor) sample() (float64, error) {
	t, err := m.read()
	if !errors.Is(err, errDesync) {
		return t, err
	}

	m.resyncs++
	m.log.Warn("resetting sensor", "err", err, "resyncs", m.resyncs)
	if err := m.dev.Reset(); err != nil {
		return 0, errors.Wrap(err, "failed to reset sensor")
	}
	if err := m.configure(); err != nil {
		return 0, err
	}
	return m.read()
}

func (m *monitor) read() (float64, error) {
	t, err := m.dev.ReadTemperature()
	if err != nil {
		return 0, err
	}
	if !m.cfg.Verify {
		return t, nil
	}
	v, err := m.dev.ReadRegister(adt7310.TCritReg, 16)
	if err != nil {
		return 0, err
	}
	if v != m.expect {
		return 0, errors.Wrapf(errDesync, "tcrit is %#04x, want %#04x", v, m.expect)
	}
	return t, nil
}

// run samples every cfg.Interval until ctx is done.
func (m *monitor) run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		t, err := m.sample()
		if err != nil {
			m.log.Error("failed to read temperature", "err", err)
		} else {
			m.log.Info("temperature", "celsius", t, "resyncs", m.resyncs)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
