package driver

import (
	"log/slog"
	"maps"
	"slices"
)

// Sim is an in-process SPI master. Its buses are wired in loopback, so a
// full duplex transaction receives exactly what it sends.
type Sim struct {
	reg registry

	loopback      bool
	dmaHeap       int // bytes of DMA capable memory left, <0 for unlimited
	failAlloc     int // 1-based index of the allocation that fails, 0 for none
	allocs        int
	live          int
	initBusErr    Code
	addDeviceErr  Code
	transmitErr   Code
	transmitCount int
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithLoopback sets whether MOSI is wired back to MISO. Without loopback the
// receive buffer is left untouched by transactions.
func WithLoopback(on bool) SimOption {
	return func(s *Sim) { s.loopback = on }
}

// WithDMAHeap limits the DMA capable memory available to AllocDMA.
func WithDMAHeap(bytes int) SimOption {
	return func(s *Sim) { s.dmaHeap = bytes }
}

// WithAllocFailure makes the n-th call of AllocDMA fail with ErrNoMem.
func WithAllocFailure(n int) SimOption {
	return func(s *Sim) { s.failAlloc = n }
}

// WithInitBusError makes InitBus fail with code.
func WithInitBusError(code Code) SimOption {
	return func(s *Sim) { s.initBusErr = code }
}

// WithAddDeviceError makes AddDevice fail with code.
func WithAddDeviceError(code Code) SimOption {
	return func(s *Sim) { s.addDeviceErr = code }
}

// WithTransmitError makes every transaction fail with code after it has been
// validated. The buffers are not touched.
func WithTransmitError(code Code) SimOption {
	return func(s *Sim) { s.transmitErr = code }
}

func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		reg:      newRegistry(),
		loopback: true,
		dmaHeap:  -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sim) InitBus(host Host, cfg BusConfig, dma DMAChannel) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	if s.initBusErr != 0 {
		return newError("init bus", s.initBusErr, nil)
	}
	if _, err := s.reg.addBus(host, cfg, dma); err != nil {
		return err
	}
	slog.Debug("bus initialized", "host", host, "dma", dma, "max_transfer", cfg.MaxTransferSize)
	return nil
}

func (s *Sim) AddDevice(host Host, cfg DeviceConfig) (Device, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	if s.addDeviceErr != 0 {
		return nil, newError("add device", s.addDeviceErr, nil)
	}
	d, err := s.reg.addDevice(host, cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Sim) AllocDMA(size int) (*Buffer, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	const op = "alloc dma"
	s.allocs++
	if size <= 0 {
		return nil, errorf(op, ErrInvalidArg, "invalid size %d", size)
	}
	if s.allocs == s.failAlloc {
		return nil, newError(op, ErrNoMem, nil)
	}
	if s.dmaHeap >= 0 {
		if size > s.dmaHeap {
			return nil, errorf(op, ErrNoMem, "%d bytes requested, %d left", size, s.dmaHeap)
		}
		s.dmaHeap -= size
	}
	s.live++
	return newBuffer(size, true, s.release), nil
}

func (s *Sim) release(b *Buffer) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	s.live--
	if s.dmaHeap >= 0 {
		s.dmaHeap += b.Len()
	}
}

func (s *Sim) Transmit(h Device, t *Transaction) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	d, err := s.reg.device("transmit", h)
	if err != nil {
		return err
	}
	return d.transmit(t, s.exec)
}

func (s *Sim) QueueTrans(h Device, t *Transaction) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	d, err := s.reg.device("queue trans", h)
	if err != nil {
		return err
	}
	return d.queueTrans(t)
}

func (s *Sim) GetTransResult(h Device) (*Transaction, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	d, err := s.reg.device("get trans result", h)
	if err != nil {
		return nil, err
	}
	return d.transResult(s.exec)
}

func (s *Sim) exec(t *Transaction, rxBits int) error {
	s.transmitCount++
	if s.transmitErr != 0 {
		return newError("transmit", s.transmitErr, nil)
	}
	if !s.loopback || rxBits == 0 || t.Length == 0 {
		return nil
	}
	n := bytesFor(min(rxBits, t.Length))
	copy(t.Rx.Bytes()[:n], t.Tx.Bytes()[:n])
	return nil
}

func (s *Sim) RemoveDevice(h Device) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	_, err := s.reg.removeDevice(h)
	return err
}

func (s *Sim) FreeBus(host Host) error {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	_, err := s.reg.removeBus(host)
	return err
}

// Hosts returns the initialized buses in ascending order.
func (s *Sim) Hosts() []Host {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return slices.Sorted(maps.Keys(s.reg.buses))
}

// LiveBuffers returns the number of allocated buffers not yet freed.
func (s *Sim) LiveBuffers() int {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.live
}

// Transmissions returns the number of transactions that reached the bus.
func (s *Sim) Transmissions() int {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()
	return s.transmitCount
}

var _ Driver = (*Sim)(nil)
