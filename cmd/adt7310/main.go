package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/mikesmitty/adt7310"
	"github.com/mikesmitty/adt7310/rpiobus"
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

func main() {
	cfgFile := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	cfg, err := ReadConfig(*cfgFile)
	if err != nil {
		log.Fatal("invalid configuration", "err", err)
	}

	logger, err := newLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatal("invalid logging configuration", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("stopped", "err", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	bus, opts, cleanup, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	opts.MaxFreq, err = cfg.frequency()
	if err != nil {
		return err
	}
	opts.Logger = logger

	dev, err := adt7310.New(bus, opts)
	if err != nil {
		return err
	}
	if err := dev.Init(); err != nil {
		return err
	}
	defer dev.Close()

	id, err := dev.ReadRegister(adt7310.IDReg, 8)
	if err != nil {
		return err
	}
	if !adt7310.ValidID(byte(id)) {
		logger.Warn("unexpected chip id, is the sensor connected?", "id", id)
	}

	m, err := newMonitor(dev, cfg, logger)
	if err != nil {
		return err
	}
	if err := m.configure(); err != nil {
		return err
	}
	logger.Info("sensing", "dev", dev.String(), "backend", cfg.Backend, "resolution", dev.Resolution(), "interval", cfg.Interval)
	return m.run(ctx)
}

// openBackend returns the bus and the lines wired to the sensor.
func openBackend(cfg *Config) (adt7310.Bus, *adt7310.Opts, func(), error) {
	opts := adt7310.DefaultOptions()
	names := []struct {
		name string
		set  func(gpio.PinIO)
	}{
		{cfg.Pins.CS, func(p gpio.PinIO) { opts.CS = p }},
		{cfg.Pins.MOSI, func(p gpio.PinIO) { opts.MOSI = p }},
		{cfg.Pins.MISO, func(p gpio.PinIO) { opts.MISO = p }},
		{cfg.Pins.CLK, func(p gpio.PinIO) { opts.CLK = p }},
	}

	switch cfg.Backend {
	case "rpio":
		if err := rpiobus.Open(); err != nil {
			return nil, nil, nil, errors.Wrap(err, "failed to open gpio memory")
		}
		for _, n := range names {
			if n.name == "" {
				continue
			}
			p, err := rpiobus.ByName(n.name)
			if err != nil {
				_ = rpiobus.Close()
				return nil, nil, nil, err
			}
			n.set(p)
		}
		return rpiobus.New(), opts, func() { _ = rpiobus.Close() }, nil

	default:
		if _, err := host.Init(); err != nil {
			return nil, nil, nil, errors.Wrap(err, "failed to initialize periph host")
		}
		for _, n := range names {
			if n.name == "" {
				continue
			}
			p := gpioreg.ByName(n.name)
			if p == nil {
				return nil, nil, nil, errors.Errorf("no pin named %q", n.name)
			}
			n.set(p)
		}
		return adt7310.OpenPort(cfg.Bus), opts, func() {}, nil
	}
}
