package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const CONFILE = "config.yml"

// Backends that can carry the SPI bus.
const (
	BackendSim    = "sim"
	BackendPeriph = "periph"
	BackendRPIO   = "rpio"
)

var (
	backends = []string{BackendSim, BackendPeriph, BackendRPIO}
	levels   = []string{"DEBUG", "INFO", "WARN", "ERROR"}
	formats  = []string{"text", "json"}
)

type Config struct {
	Hardware HardwareConfig `yaml:"Hardware"`
	Logging  LoggingConfig  `yaml:"Logging"`
}

type HardwareConfig struct {
	Backend   string    `yaml:"Backend"`
	SPIDevice string    `yaml:"SPIDevice"`
	Sim       SimConfig `yaml:"Sim"`
}

// SimConfig controls the simulated bus. The failure switches exist to
// exercise the error paths without hardware.
type SimConfig struct {
	Loopback     bool `yaml:"Loopback"`
	FailAlloc    int  `yaml:"FailAlloc"`
	FailTransmit bool `yaml:"FailTransmit"`
}

type LoggingConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// Default returns the configuration used when no config file is present.
func Default() *Config {
	return &Config{
		Hardware: HardwareConfig{
			Backend:   BackendSim,
			SPIDevice: "/dev/spidev0.0",
			Sim: SimConfig{
				Loopback: true,
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// ReadConfig reads cfile on top of the defaults and validates the result.
func ReadConfig(cfile string) (*Config, error) {
	f, err := os.Open(cfile)
	if err != nil {
		return nil, fmt.Errorf("can't open config file %s: %w", cfile, err)
	}
	defer f.Close()

	conf := Default()
	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't decode config file %s: %w", cfile, err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", cfile, err)
	}
	return conf, nil
}

// Validate reports every invalid setting, not just the first one.
func (c *Config) Validate() error {
	var errs error
	if !slices.Contains(backends, c.Hardware.Backend) {
		errs = multierr.Append(errs, fmt.Errorf("Hardware.Backend %q must be one of %s", c.Hardware.Backend, strings.Join(backends, ", ")))
	}
	if c.Hardware.Backend == BackendPeriph && c.Hardware.SPIDevice == "" {
		errs = multierr.Append(errs, errors.New("Hardware.SPIDevice is required for the periph backend"))
	}
	if c.Hardware.Sim.FailAlloc < 0 || c.Hardware.Sim.FailAlloc > 2 {
		errs = multierr.Append(errs, fmt.Errorf("Hardware.Sim.FailAlloc %d must be between 0 and 2", c.Hardware.Sim.FailAlloc))
	}
	if !slices.Contains(levels, strings.ToUpper(c.Logging.Level)) {
		errs = multierr.Append(errs, fmt.Errorf("Logging.Level %q must be one of %s", c.Logging.Level, strings.Join(levels, ", ")))
	}
	if !slices.Contains(formats, strings.ToLower(c.Logging.Format)) {
		errs = multierr.Append(errs, fmt.Errorf("Logging.Format %q must be one of %s", c.Logging.Format, strings.Join(formats, ", ")))
	}
	return errs
}
