package driver

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// Periph drives Linux spidev ports through periph.io. Each host is mapped to
// a port name; a port carries a single device.
type Periph struct {
	reg   registry
	ports map[Host]string
}

type periphBus struct {
	port spi.PortCloser
}

type periphDevice struct {
	conn   spi.Conn
	cs     gpio.PinIO // nil when the kernel drives chip select
	active gpio.Level
	hold   time.Duration
}

var periphInitialized atomic.Bool

// NewPeriph returns a driver using the given spidev port per host. Hosts
// without an entry use the first port registered with periph.io.
func NewPeriph(ports map[Host]string) *Periph {
	return &Periph{
		reg:   newRegistry(),
		ports: ports,
	}
}

func (p *Periph) InitBus(h Host, cfg BusConfig, dma DMAChannel) error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	const op = "init bus"
	if periphInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			periphInitialized.Store(false)
			return newError(op, ErrFail, fmt.Errorf("host initialization failed: %w", err))
		}
	}

	b, err := p.reg.addBus(h, cfg, dma)
	if err != nil {
		return err
	}
	port, err := spireg.Open(p.ports[h])
	if err != nil {
		delete(p.reg.buses, h)
		return newError(op, ErrNotFound, fmt.Errorf("failed to open spi port %q: %w", p.ports[h], err))
	}
	if pins, ok := port.(spi.Pins); ok {
		slog.Debug("spi port pins", "host", h, "clk", pins.CLK(), "mosi", pins.MOSI(), "miso", pins.MISO())
	}
	b.hw = &periphBus{port: port}
	slog.Info("spi port opened", "host", h, "port", port)
	return nil
}

func (p *Periph) AddDevice(host Host, cfg DeviceConfig) (Device, error) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	const op = "add device"
	b, err := p.reg.bus(op, host)
	if err != nil {
		return nil, err
	}
	if b.attached() > 0 {
		return nil, errorf(op, ErrNotSupported, "spi port of %s carries a single device", host)
	}
	d, err := p.reg.addDevice(host, cfg)
	if err != nil {
		return nil, err
	}

	hw := &periphDevice{
		hold:   csHold(cfg),
		active: gpio.Level(cfg.Flags&PositiveCS != 0),
	}
	mode := periphMode(cfg)
	if cfg.SpicsIONum != PinUnused {
		if pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", cfg.SpicsIONum)); pin != nil {
			if err := pin.Out(!hw.active); err != nil {
				p.detach(d)
				return nil, newError(op, ErrFail, fmt.Errorf("failed to set cs pin %d to output: %w", cfg.SpicsIONum, err))
			}
			hw.cs = pin
			mode |= spi.NoCS
		}
	}

	port := b.hw.(*periphBus).port
	hw.conn, err = port.Connect(physic.Frequency(cfg.ClockSpeedHz)*physic.Hertz, mode, 8)
	if err != nil {
		p.detach(d)
		return nil, newError(op, ErrFail, fmt.Errorf("failed to connect to spi device: %w", err))
	}
	if l, ok := hw.conn.(conn.Limits); ok && l.MaxTxSize() < b.limit {
		p.detach(d)
		return nil, errorf(op, ErrInvalidSize, "port limited to %d bytes per transfer, bus needs %d", l.MaxTxSize(), b.limit)
	}
	d.hw = hw
	return d, nil
}

func (p *Periph) detach(d *device) {
	d.removed = true
	d.bus.devices[d.slot] = nil
}

// AllocDMA returns plain memory. spidev copies transfers into its own DMA
// bounce buffers, so every buffer qualifies.
func (p *Periph) AllocDMA(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, errorf("alloc dma", ErrInvalidArg, "invalid size %d", size)
	}
	return newBuffer(size, true, nil), nil
}

func (p *Periph) Transmit(h Device, t *Transaction) error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	d, err := p.reg.device("transmit", h)
	if err != nil {
		return err
	}
	return d.transmit(t, periphExec(d))
}

func (p *Periph) QueueTrans(h Device, t *Transaction) error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	d, err := p.reg.device("queue trans", h)
	if err != nil {
		return err
	}
	return d.queueTrans(t)
}

func (p *Periph) GetTransResult(h Device) (*Transaction, error) {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	d, err := p.reg.device("get trans result", h)
	if err != nil {
		return nil, err
	}
	return d.transResult(periphExec(d))
}

func periphExec(d *device) execFunc {
	hw := d.hw.(*periphDevice)
	return func(t *Transaction, rxBits int) error {
		w, r := txFrames(t, rxBits)
		if err := hw.exec(w, r); err != nil {
			return newError("transmit", ErrFail, err)
		}
		if rxBits > 0 {
			copy(t.Rx.Bytes(), r[:bytesFor(rxBits)])
		}
		return nil
	}
}

// exec runs one transfer with chip select asserted around it.
func (hw *periphDevice) exec(w, r []byte) (err error) {
	if hw.cs != nil {
		if err = hw.cs.Out(hw.active); err != nil {
			return err
		}
		defer func() {
			time.Sleep(hw.hold)
			if csErr := hw.cs.Out(!hw.active); csErr != nil && err == nil {
				err = csErr
			}
		}()
	}
	return hw.conn.Tx(w, r)
}

func (p *Periph) RemoveDevice(h Device) error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	d, err := p.reg.removeDevice(h)
	if err != nil {
		return err
	}
	if hw, ok := d.hw.(*periphDevice); ok && hw.cs != nil {
		if err := hw.cs.Halt(); err != nil {
			return newError("remove device", ErrFail, err)
		}
	}
	return nil
}

func (p *Periph) FreeBus(host Host) error {
	p.reg.mu.Lock()
	defer p.reg.mu.Unlock()

	b, err := p.reg.removeBus(host)
	if err != nil {
		return err
	}
	if hw, ok := b.hw.(*periphBus); ok {
		if err := hw.port.Close(); err != nil {
			return newError("free bus", ErrFail, err)
		}
	}
	return nil
}

func periphMode(cfg DeviceConfig) spi.Mode {
	mode := spi.Mode(cfg.Mode)
	if cfg.Flags&(TxLSBFirst|RxLSBFirst) != 0 {
		mode |= spi.LSBFirst
	}
	if cfg.Flags&HalfDuplex != 0 {
		mode |= spi.HalfDuplex
	}
	return mode
}

// csHold converts the post transaction chip select hold from clock cycles
// into a duration.
func csHold(cfg DeviceConfig) time.Duration {
	if cfg.ClockSpeedHz <= 0 {
		return 0
	}
	return time.Duration(cfg.CSEnaPostTrans) * time.Second / time.Duration(cfg.ClockSpeedHz)
}

// txFrames returns equally sized write and read slices for a transaction.
func txFrames(t *Transaction, rxBits int) (w, r []byte) {
	n := max(bytesFor(t.Length), bytesFor(rxBits))
	w = make([]byte, n)
	if t.Length > 0 {
		copy(w, t.Tx.Bytes()[:bytesFor(t.Length)])
	}
	return w, make([]byte, n)
}

var _ Driver = (*Periph)(nil)
