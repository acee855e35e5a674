package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mikesmitty/adt7310"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"
)

// Config is the content of the YAML configuration file.
type Config struct {
	// Backend is "periph" (periph.io host drivers, spidev) or "rpio" (direct
	// BCM283x register access through go-rpio).
	Backend string `yaml:"Backend"`
	// Bus is the periph SPI port name, e.g. "SPI0.0". Empty picks the first.
	Bus       string `yaml:"Bus"`
	Frequency string `yaml:"Frequency"`
	Pins      struct {
		CS   string `yaml:"CS"`
		MOSI string `yaml:"MOSI"`
		MISO string `yaml:"MISO"`
		CLK  string `yaml:"CLK"`
	} `yaml:"Pins"`

	Sensor struct {
		Resolution int    `yaml:"Resolution"`
		Mode       string `yaml:"Mode"`
		FaultQueue int    `yaml:"FaultQueue"`
		Comparator bool   `yaml:"Comparator"`
		CTHigh     bool   `yaml:"CTActiveHigh"`
		INTHigh    bool   `yaml:"INTActiveHigh"`
		Setpoints  struct {
			Crit *float64 `yaml:"Crit"`
			High *float64 `yaml:"High"`
			Low  *float64 `yaml:"Low"`
			Hyst *float64 `yaml:"Hyst"`
		} `yaml:"Setpoints"`
	} `yaml:"Sensor"`

	Interval time.Duration `yaml:"Interval"`
	// Verify reads TCRIT back after every temperature read and resets the
	// chip when it does not match.
	Verify bool `yaml:"Verify"`

	Logging struct {
		Level  string `yaml:"Level"`
		Format string `yaml:"Format"`
	} `yaml:"Logging"`
}

func defaultConfig() *Config {
	c := &Config{
		Backend:   "periph",
		Frequency: "4MHz",
		Interval:  time.Second,
		Verify:    true,
	}
	c.Pins.CS = "GPIO8"
	c.Pins.MOSI = "GPIO10"
	c.Pins.MISO = "GPIO9"
	c.Pins.CLK = "GPIO11"
	c.Sensor.Resolution = 16
	c.Sensor.Mode = "continuous"
	c.Sensor.FaultQueue = 1
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return c
}

// ReadConfig loads path on top of the defaults. An empty path returns the
// defaults.
func ReadConfig(path string) (*Config, error) {
	c := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read config file %s", path)
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return nil, errors.Wrapf(err, "cannot decode config file %s", path)
		}
	}
	if err := c.validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case "periph", "rpio":
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := c.frequency(); err != nil {
		return err
	}
	if c.Pins.CS == "" {
		return errors.New("missing chip select pin")
	}
	if _, err := c.modeWord(); err != nil {
		return err
	}
	if c.Interval <= 0 {
		return errors.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.Verify && (c.Pins.MOSI == "" || c.Pins.MISO == "" || c.Pins.CLK == "") {
		return errors.New("verify needs the MOSI, MISO and CLK pins to reset the chip")
	}
	if _, err := c.expectedTCrit(); err != nil {
		return err
	}
	return nil
}

func (c *Config) frequency() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(c.Frequency); err != nil {
		return 0, errors.Wrapf(err, "invalid frequency %q", c.Frequency)
	}
	if f <= 0 || f > 5*physic.MegaHertz {
		return 0, errors.Errorf("frequency %s outside of (0, 5MHz]", f)
	}
	return f, nil
}

// modeWord builds the configuration register value.
func (c *Config) modeWord() (byte, error) {
	var cfg byte
	switch c.Sensor.Resolution {
	case 13:
		cfg |= adt7310.Res13
	case 16:
		cfg |= adt7310.Res16
	default:
		return 0, errors.Errorf("resolution must be 13 or 16, got %d", c.Sensor.Resolution)
	}
	switch strings.ToLower(c.Sensor.Mode) {
	case "continuous":
		cfg |= adt7310.Continuous
	case "oneshot", "one-shot":
		cfg |= adt7310.OneShot
	case "1sps":
		cfg |= adt7310.OneSPS
	default:
		return 0, errors.Errorf("unknown operation mode %q", c.Sensor.Mode)
	}
	switch c.Sensor.FaultQueue {
	case 1:
		cfg |= adt7310.Fault1
	case 2:
		cfg |= adt7310.Fault2
	case 3:
		cfg |= adt7310.Fault3
	case 4:
		cfg |= adt7310.Fault4
	default:
		return 0, errors.Errorf("fault queue must be 1 to 4, got %d", c.Sensor.FaultQueue)
	}
	if c.Sensor.Comparator {
		cfg |= adt7310.ComparatorMode
	}
	if c.Sensor.CTHigh {
		cfg |= adt7310.CTActiveHigh
	}
	if c.Sensor.INTHigh {
		cfg |= adt7310.INTActiveHigh
	}
	return cfg, nil
}

// expectedTCrit returns what a synchronized chip answers for TCRIT.
func (c *Config) expectedTCrit() (uint16, error) {
	if c.Sensor.Setpoints.Crit == nil {
		return adt7310.DefaultTCrit, nil
	}
	v, err := adt7310.EncodeTemperature(*c.Sensor.Setpoints.Crit, 16)
	if err != nil {
		return 0, errors.Wrap(err, "critical setpoint")
	}
	return v, nil
}
