package driver

import "fmt"

// Host identifies one of the SPI peripherals of the controller.
type Host int

const (
	SPI1 Host = iota
	SPI2
	SPI3
)

// Legacy names of the two general purpose buses.
const (
	HSPI = SPI2
	VSPI = SPI3
)

func (h Host) String() string {
	switch h {
	case SPI1:
		return "SPI1"
	case SPI2:
		return "SPI2"
	case SPI3:
		return "SPI3"
	default:
		return fmt.Sprintf("Host(%d)", int(h))
	}
}

func (h Host) valid() bool {
	return h >= SPI1 && h <= SPI3
}

// DMAChannel selects the DMA engine channel used by a bus.
type DMAChannel int

const (
	DMADisabled DMAChannel = 0
	DMAChannel1 DMAChannel = 1
	DMAChannel2 DMAChannel = 2
	DMAAuto     DMAChannel = 3
)

// PinUnused marks a signal of the bus that is not routed to any pin.
const PinUnused = -1

// BusConfig describes the pins of a bus and the largest transfer it has to carry.
type BusConfig struct {
	MOSI            int
	MISO            int
	SCLK            int
	QuadWP          int
	QuadHD          int
	MaxTransferSize int // bytes
}

// DeviceFlag modifies how transactions of a device are clocked out.
type DeviceFlag uint32

const (
	TxLSBFirst DeviceFlag = 1 << iota
	RxLSBFirst
	Bit3Wire
	PositiveCS
	HalfDuplex
	NoDummy
)

// DeviceConfig holds the protocol parameters of a device attached to a bus.
type DeviceConfig struct {
	CommandBits uint8
	AddressBits uint8
	DummyBits   uint8
	Mode        uint8 // clock polarity/phase, 0-3

	// DutyCyclePos is the positive clock duty cycle in 1/256th. 0 selects 128.
	DutyCyclePos uint16

	// Chip select setup and hold, in clock cycles.
	CSEnaPreTrans  uint16
	CSEnaPostTrans uint16

	ClockSpeedHz int
	InputDelayNs int
	SpicsIONum   int
	Flags        DeviceFlag
	QueueSize    int
}

// Transaction describes a single transfer. Lengths are in bits. The buffers
// are referenced, not owned: the caller releases them once the transaction
// has completed.
type Transaction struct {
	Flags    uint32
	Cmd      uint16
	Addr     uint64
	Length   int
	RxLength int // 0 means the same as Length
	Tx       *Buffer
	Rx       *Buffer
}

// Device is the handle of a device attached to a bus.
type Device interface {
	Host() Host
	Config() DeviceConfig
}

// Driver is the SPI master peripheral driver.
type Driver interface {
	// InitBus configures the pins and the DMA channel of a bus.
	InitBus(host Host, cfg BusConfig, dma DMAChannel) error

	// AddDevice attaches a device to an initialized bus.
	AddDevice(host Host, cfg DeviceConfig) (Device, error)

	// AllocDMA returns a buffer the DMA engine can address.
	AllocDMA(size int) (*Buffer, error)

	// QueueTrans appends t to the device queue without waiting. A full
	// queue fails with ErrTimeout.
	QueueTrans(dev Device, t *Transaction) error

	// GetTransResult completes the oldest queued transaction and returns
	// it. An empty queue fails with ErrTimeout.
	GetTransResult(dev Device) (*Transaction, error)

	// Transmit queues t and blocks until it has completed. It fails with
	// ErrInvalidState while results of queued transactions are pending.
	Transmit(dev Device, t *Transaction) error

	// RemoveDevice detaches a device from its bus.
	RemoveDevice(dev Device) error

	// FreeBus releases a bus. All devices have to be removed first.
	FreeBus(host Host) error
}

func bytesFor(bits int) int {
	return (bits + 7) / 8
}
