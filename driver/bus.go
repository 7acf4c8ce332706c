package driver

import (
	"log/slog"
	"sync"

	"github.com/gammazero/deque"
)

type bus struct {
	host    Host
	cfg     BusConfig
	dma     DMAChannel
	limit   int
	devices [maxDevicesPerBus]*device
	hw      any
}

func (b *bus) attached() int {
	n := 0
	for _, d := range b.devices {
		if d != nil {
			n++
		}
	}
	return n
}

// device is the Device handle shared by all backends.
type device struct {
	bus     *bus
	slot    int
	cfg     DeviceConfig
	queue   deque.Deque[queued]
	removed bool
	hw      any
}

func (d *device) Host() Host           { return d.bus.host }
func (d *device) Config() DeviceConfig { return d.cfg }

// registry keeps track of initialized buses and their attached devices.
type registry struct {
	mu    sync.Mutex
	buses map[Host]*bus
}

func newRegistry() registry {
	return registry{buses: make(map[Host]*bus)}
}

func (r *registry) addBus(host Host, cfg BusConfig, dma DMAChannel) (*bus, error) {
	if err := validateBus(host, cfg, dma); err != nil {
		return nil, err
	}
	if _, ok := r.buses[host]; ok {
		return nil, errorf("init bus", ErrInvalidState, "%s already initialized", host)
	}
	b := &bus{
		host:  host,
		cfg:   cfg,
		dma:   dma,
		limit: maxTransfer(cfg, dma),
	}
	r.buses[host] = b
	return b, nil
}

func (r *registry) bus(op string, host Host) (*bus, error) {
	if !host.valid() {
		return nil, errorf(op, ErrInvalidArg, "invalid host %s", host)
	}
	b, ok := r.buses[host]
	if !ok {
		return nil, errorf(op, ErrInvalidState, "%s not initialized", host)
	}
	return b, nil
}

func (r *registry) addDevice(host Host, cfg DeviceConfig) (*device, error) {
	const op = "add device"
	b, err := r.bus(op, host)
	if err != nil {
		return nil, err
	}
	if err := validateDevice(cfg); err != nil {
		return nil, err
	}
	for slot, d := range b.devices {
		if d == nil {
			dev := &device{bus: b, slot: slot, cfg: cfg}
			b.devices[slot] = dev
			slog.Debug("device attached", "host", host, "slot", slot, "mode", cfg.Mode,
				"clock_hz", cfg.ClockSpeedHz, "duty", dutyCycle(cfg), "cs", cfg.SpicsIONum)
			return dev, nil
		}
	}
	return nil, errorf(op, ErrNotFound, "no free chip select slot on %s", host)
}

func (r *registry) device(op string, h Device) (*device, error) {
	d, ok := h.(*device)
	if !ok || d == nil {
		return nil, errorf(op, ErrInvalidArg, "unknown device handle %T", h)
	}
	if d.removed {
		return nil, errorf(op, ErrInvalidState, "device already removed")
	}
	return d, nil
}

func (r *registry) removeDevice(h Device) (*device, error) {
	const op = "remove device"
	d, err := r.device(op, h)
	if err != nil {
		return nil, err
	}
	if d.queue.Len() > 0 {
		return nil, errorf(op, ErrInvalidState, "%d transactions still queued", d.queue.Len())
	}
	d.removed = true
	d.bus.devices[d.slot] = nil
	return d, nil
}

func (r *registry) removeBus(host Host) (*bus, error) {
	const op = "free bus"
	b, err := r.bus(op, host)
	if err != nil {
		return nil, err
	}
	if n := b.attached(); n > 0 {
		return nil, errorf(op, ErrInvalidState, "%d devices still attached to %s", n, host)
	}
	delete(r.buses, host)
	return b, nil
}

type queued struct {
	t      *Transaction
	rxBits int
}

// execFunc puts one validated transaction on the wire.
type execFunc func(t *Transaction, rxBits int) error

// queueTrans appends t to the pending transactions of d without running it.
func (d *device) queueTrans(t *Transaction) error {
	rxBits, err := validateTransaction(d.cfg, d.bus.limit, d.bus.dma, t)
	if err != nil {
		return err
	}
	if d.queue.Len() >= d.cfg.QueueSize {
		return errorf("queue trans", ErrTimeout, "queue of %d transactions full", d.cfg.QueueSize)
	}
	d.queue.PushBack(queued{t: t, rxBits: rxBits})
	return nil
}

// transResult runs the oldest pending transaction of d and returns it. The
// buffers are checked again since the caller may have freed them while the
// transaction was waiting.
func (d *device) transResult(exec execFunc) (*Transaction, error) {
	if d.queue.Len() == 0 {
		return nil, errorf("get trans result", ErrTimeout, "no transaction queued")
	}
	next := d.queue.PopFront()
	if _, err := validateTransaction(d.cfg, d.bus.limit, d.bus.dma, next.t); err != nil {
		return next.t, err
	}
	return next.t, exec(next.t, next.rxBits)
}

// transmit queues t and collects its result. Results of earlier queued
// transactions have to be collected first.
func (d *device) transmit(t *Transaction, exec execFunc) error {
	if n := d.queue.Len(); n > 0 {
		return errorf("transmit", ErrInvalidState, "%d queued transactions not collected", n)
	}
	if err := d.queueTrans(t); err != nil {
		return err
	}
	_, err := d.transResult(exec)
	return err
}
