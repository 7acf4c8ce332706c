package driver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// Hardware chip enable lines of the Raspberry Pi SPI0 controller.
const (
	pinCE0 = 8
	pinCE1 = 7
)

// RPIO drives the SPI controller of a Raspberry Pi through /dev/gpiomem.
// The controller is a single global resource, so only one bus can be
// initialized at a time.
type RPIO struct {
	reg    registry
	opened bool
}

type rpioDevice struct {
	cs     rpio.Pin
	manual bool // cs is driven as a plain GPIO
	active bool
	hold   time.Duration
}

func NewRPIO() *RPIO {
	return &RPIO{reg: newRegistry()}
}

func (r *RPIO) InitBus(host Host, cfg BusConfig, dma DMAChannel) error {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	const op = "init bus"
	if len(r.reg.buses) > 0 {
		return errorf(op, ErrInvalidState, "spi controller already in use")
	}
	dev, err := rpioDev(host)
	if err != nil {
		return err
	}
	if _, err := r.reg.addBus(host, cfg, dma); err != nil {
		return err
	}
	if err := rpio.Open(); err != nil {
		delete(r.reg.buses, host)
		return newError(op, ErrFail, fmt.Errorf("failed to open rpio: %w", err))
	}
	r.opened = true
	if err := rpio.SpiBegin(dev); err != nil {
		delete(r.reg.buses, host)
		r.close()
		return newError(op, ErrFail, fmt.Errorf("failed to begin spi: %w", err))
	}
	slog.Info("rpio spi started", "host", host)
	return nil
}

func (r *RPIO) AddDevice(host Host, cfg DeviceConfig) (Device, error) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	const op = "add device"
	b, err := r.reg.bus(op, host)
	if err != nil {
		return nil, err
	}
	// Clock and mode are controller wide settings.
	if b.attached() > 0 {
		return nil, errorf(op, ErrNotSupported, "rpio spi controller of %s carries a single device", host)
	}
	d, err := r.reg.addDevice(host, cfg)
	if err != nil {
		return nil, err
	}
	hw := &rpioDevice{
		active: cfg.Flags&PositiveCS != 0,
		hold:   csHold(cfg),
	}
	if ce, ok := rpioChipEnable(cfg.SpicsIONum); ok {
		rpio.SpiChipSelect(ce)
		rpio.SpiChipSelectPolarity(ce, boolBit(hw.active))
	} else if cfg.SpicsIONum != PinUnused {
		hw.manual = true
		hw.cs = rpio.Pin(cfg.SpicsIONum)
		hw.cs.Output()
		hw.setCS(false)
	}
	rpio.SpiSpeed(cfg.ClockSpeedHz)
	cpol, cpha := modeBits(cfg.Mode)
	rpio.SpiMode(cpol, cpha)
	d.hw = hw
	return d, nil
}

func (r *RPIO) AllocDMA(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errorf("alloc dma", ErrInvalidArg, "invalid size %d", size)
	}
	return newBuffer(size, true, nil), nil
}

func (r *RPIO) Transmit(h Device, t *Transaction) error {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	d, err := r.reg.device("transmit", h)
	if err != nil {
		return err
	}
	return d.transmit(t, rpioExec(d))
}

func (r *RPIO) QueueTrans(h Device, t *Transaction) error {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	d, err := r.reg.device("queue trans", h)
	if err != nil {
		return err
	}
	return d.queueTrans(t)
}

func (r *RPIO) GetTransResult(h Device) (*Transaction, error) {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	d, err := r.reg.device("get trans result", h)
	if err != nil {
		return nil, err
	}
	return d.transResult(rpioExec(d))
}

func rpioExec(d *device) execFunc {
	hw := d.hw.(*rpioDevice)
	return func(t *Transaction, rxBits int) error {
		// SpiExchange overwrites the sent bytes with the received ones.
		buf, _ := txFrames(t, rxBits)
		hw.setCS(true)
		rpio.SpiExchange(buf)
		time.Sleep(hw.hold)
		hw.setCS(false)
		if rxBits > 0 {
			copy(t.Rx.Bytes(), buf[:bytesFor(rxBits)])
		}
		return nil
	}
}

func (hw *rpioDevice) setCS(asserted bool) {
	if !hw.manual {
		return
	}
	if asserted == hw.active {
		hw.cs.High()
	} else {
		hw.cs.Low()
	}
}

func (r *RPIO) RemoveDevice(h Device) error {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	d, err := r.reg.removeDevice(h)
	if err != nil {
		return err
	}
	if hw, ok := d.hw.(*rpioDevice); ok && hw.manual {
		hw.cs.Input()
	}
	return nil
}

func (r *RPIO) FreeBus(host Host) error {
	r.reg.mu.Lock()
	defer r.reg.mu.Unlock()

	if _, err := r.reg.removeBus(host); err != nil {
		return err
	}
	dev, _ := rpioDev(host)
	rpio.SpiEnd(dev)
	if err := r.close(); err != nil {
		return newError("free bus", ErrFail, err)
	}
	return nil
}

func (r *RPIO) close() error {
	if !r.opened {
		return nil
	}
	r.opened = false
	if err := rpio.Close(); err != nil {
		return fmt.Errorf("failed to close rpio: %w", err)
	}
	return nil
}

func rpioDev(host Host) (rpio.SpiDev, error) {
	switch host {
	case SPI2:
		return rpio.Spi0, nil
	case SPI3:
		return rpio.Spi1, nil
	default:
		return 0, errorf("init bus", ErrNotSupported, "%s has no rpio spi controller", host)
	}
}

// rpioChipEnable maps a chip select pin to a hardware chip enable line.
func rpioChipEnable(pin int) (uint8, bool) {
	switch pin {
	case pinCE0:
		return 0, true
	case pinCE1:
		return 1, true
	default:
		return 0, false
	}
}

func modeBits(mode uint8) (cpol, cpha uint8) {
	return (mode >> 1) & 1, mode & 1
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

var _ Driver = (*RPIO)(nil)
