// Package demo runs a single blocking SPI round trip through DMA capable
// buffers and dumps what came back.
package demo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"lautenbacher.net/spidma/driver"
)

// Bus and device wiring.
const (
	Host    = driver.HSPI
	PinMISO = 19
	PinMOSI = 23
	PinCLK  = 18
	PinCS   = 5

	BufferSize = 50
	DMAChan    = driver.DMAChannel1

	ClockSpeedHz   = 10 * 1000 * 1000
	DutyCyclePos   = 128 // 50%
	CSEnaPostTrans = 3
	QueueSize      = 7

	rxFill = 2
)

// FatalError is returned by Run when the bus or the device could not be set
// up. The caller is expected to terminate the process without any cleanup.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err requires the process to abort.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Runner sequences the driver calls of the demo. The received bytes are
// printed to out, everything else goes to the logger.
type Runner struct {
	drv    driver.Driver
	out    io.Writer
	logger *slog.Logger
}

func NewRunner(drv driver.Driver, out io.Writer) *Runner {
	return &Runner{
		drv:    drv,
		out:    out,
		logger: slog.Default(),
	}
}

// BusConfig returns the bus wiring of the demo.
func BusConfig() driver.BusConfig {
	return driver.BusConfig{
		MOSI:            PinMOSI,
		MISO:            PinMISO,
		SCLK:            PinCLK,
		QuadWP:          driver.PinUnused,
		QuadHD:          driver.PinUnused,
		MaxTransferSize: BufferSize,
	}
}

// DeviceConfig returns the mode 0, 10 MHz device of the demo.
func DeviceConfig() driver.DeviceConfig {
	return driver.DeviceConfig{
		CommandBits:    0,
		AddressBits:    0,
		DummyBits:      0,
		Mode:           0,
		DutyCyclePos:   DutyCyclePos,
		CSEnaPostTrans: CSEnaPostTrans,
		ClockSpeedHz:   ClockSpeedHz,
		SpicsIONum:     PinCS,
		Flags:          driver.NoDummy,
		QueueSize:      QueueSize,
	}
}

// Run performs the demo. It returns a *FatalError if the bus or the device
// could not be set up and nil otherwise; a failed allocation or transaction
// is logged and does not make Run fail.
func (r *Runner) Run() error {
	r.logger.Info("[app_main] Startup..")

	if err := r.drv.InitBus(Host, BusConfig(), DMAChan); err != nil {
		return &FatalError{Op: "spi bus initialize", Err: err}
	}

	dev, err := r.drv.AddDevice(Host, DeviceConfig())
	if err != nil {
		return &FatalError{Op: "spi bus add device", Err: err}
	}

	tx, txErr := r.drv.AllocDMA(BufferSize)
	rx, rxErr := r.drv.AllocDMA(BufferSize)
	if txErr != nil || rxErr != nil {
		r.logger.Error("Failed to allocate DMA memory!", "error", errors.Join(txErr, rxErr))
		// The bus and the device stay claimed, only the buffer that was
		// handed out is returned.
		for _, b := range []*driver.Buffer{tx, rx} {
			if b != nil {
				r.release("free buffer", b.Free())
			}
		}
		return nil
	}

	fillPattern(tx.Bytes())
	rx.Fill(rxFill)

	t := &driver.Transaction{
		Length:   8 * BufferSize,
		RxLength: 8 * BufferSize,
		Tx:       tx,
		Rx:       rx,
	}
	if err := r.drv.Transmit(dev, t); err != nil {
		r.logger.Error("SPI transmit failed", "error", driver.CodeOf(err), "cause", err)
	} else {
		r.logger.Info("SPI transmit completed")
	}

	r.logger.Info("Received data:")
	if err := dump(r.out, rx.Bytes()); err != nil {
		r.logger.Error("Failed to print received data", "error", err)
	}

	r.release("free tx buffer", tx.Free())
	r.release("free rx buffer", rx.Free())
	r.release("spi bus remove device", r.drv.RemoveDevice(dev))
	r.release("spi bus free", r.drv.FreeBus(Host))
	return nil
}

func (r *Runner) release(op string, err error) {
	if err != nil {
		r.logger.Error("Cleanup failed", "op", op, "error", err)
	}
}

// fillPattern sets every byte to its index modulo 256.
func fillPattern(b []byte) {
	for i := range b {
		b[i] = byte(i % 256)
	}
}

func dump(w io.Writer, data []byte) error {
	for i, v := range data {
		if _, err := fmt.Fprintf(w, "recv_data[%d] = %d\n", i, v); err != nil {
			return err
		}
	}
	return nil
}
