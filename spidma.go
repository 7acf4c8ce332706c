package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"lautenbacher.net/spidma/config"
	"lautenbacher.net/spidma/demo"
	"lautenbacher.net/spidma/driver"
	"lautenbacher.net/spidma/logging"
)

func main() {
	cfile := flag.String("config", config.CONFILE, "Path to the config file")
	backend := flag.String("backend", "", "Override Hardware.Backend (sim, periph, rpio)")
	flag.Parse()

	conf, err := loadConfig(*cfile, isFlagSet("config"), *backend)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := logging.Init(os.Stderr, conf.Logging.Level, conf.Logging.Format, conf.Logging.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(2)
	}

	err = demo.NewRunner(newDriver(conf.Hardware), os.Stdout).Run()
	if demo.IsFatal(err) {
		// Setup failures abort without releasing what was already claimed.
		slog.Error("Aborting", "error", err)
		logging.Close()
		os.Exit(1)
	}
	logging.Close()
}

// loadConfig reads cfile. A missing default config file is not an error,
// the built-in defaults are used instead.
func loadConfig(cfile string, explicit bool, backend string) (*config.Config, error) {
	conf, err := config.ReadConfig(cfile)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		conf = config.Default()
	}
	if backend != "" {
		conf.Hardware.Backend = backend
		if err := conf.Validate(); err != nil {
			return nil, fmt.Errorf("invalid -backend: %w", err)
		}
	}
	return conf, nil
}

func newDriver(hw config.HardwareConfig) driver.Driver {
	switch hw.Backend {
	case config.BackendPeriph:
		return driver.NewPeriph(map[driver.Host]string{demo.Host: hw.SPIDevice})
	case config.BackendRPIO:
		return driver.NewRPIO()
	default:
		opts := []driver.SimOption{driver.WithLoopback(hw.Sim.Loopback)}
		if hw.Sim.FailAlloc > 0 {
			opts = append(opts, driver.WithAllocFailure(hw.Sim.FailAlloc))
		}
		if hw.Sim.FailTransmit {
			opts = append(opts, driver.WithTransmitError(driver.ErrTimeout))
		}
		return driver.NewSim(opts...)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
