package driver

const (
	maxPin           = 39
	firstInputOnly   = 34 // pins 34-39 cannot drive outputs
	maxClockHz       = 80 * 1000 * 1000
	maxNoDMATransfer = 64
	maxDMATransfer   = 4092
	maxDevicesPerBus = 3
	defaultDutyCycle = 128
)

func checkPin(op, name string, pin int, output bool) error {
	if pin == PinUnused {
		return nil
	}
	if pin < 0 || pin > maxPin {
		return errorf(op, ErrInvalidArg, "%s pin %d out of range", name, pin)
	}
	if output && pin >= firstInputOnly {
		return errorf(op, ErrInvalidArg, "%s pin %d is input only", name, pin)
	}
	return nil
}

func validateBus(host Host, cfg BusConfig, dma DMAChannel) error {
	const op = "init bus"
	if !host.valid() {
		return errorf(op, ErrInvalidArg, "invalid host %s", host)
	}
	if dma < DMADisabled || dma > DMAAuto {
		return errorf(op, ErrInvalidArg, "invalid dma channel %d", dma)
	}
	if host == SPI1 && dma != DMADisabled {
		return errorf(op, ErrInvalidArg, "%s does not support dma", host)
	}
	if cfg.SCLK == PinUnused {
		return errorf(op, ErrInvalidArg, "clock pin is required")
	}
	if cfg.MOSI == PinUnused && cfg.MISO == PinUnused {
		return errorf(op, ErrInvalidArg, "at least one data pin is required")
	}
	for _, p := range []struct {
		name   string
		pin    int
		output bool
	}{
		{"mosi", cfg.MOSI, true},
		{"miso", cfg.MISO, false},
		{"sclk", cfg.SCLK, true},
		{"quadwp", cfg.QuadWP, true},
		{"quadhd", cfg.QuadHD, true},
	} {
		if err := checkPin(op, p.name, p.pin, p.output); err != nil {
			return err
		}
	}
	if cfg.MaxTransferSize < 0 {
		return errorf(op, ErrInvalidArg, "negative max transfer size %d", cfg.MaxTransferSize)
	}
	if dma == DMADisabled && cfg.MaxTransferSize > maxNoDMATransfer {
		return errorf(op, ErrInvalidArg, "max transfer size %d exceeds %d bytes without dma", cfg.MaxTransferSize, maxNoDMATransfer)
	}
	return nil
}

// maxTransfer returns the effective transfer limit of a bus in bytes.
func maxTransfer(cfg BusConfig, dma DMAChannel) int {
	if cfg.MaxTransferSize == 0 {
		if dma == DMADisabled {
			return maxNoDMATransfer
		}
		return maxDMATransfer
	}
	return cfg.MaxTransferSize
}

func validateDevice(cfg DeviceConfig) error {
	const op = "add device"
	if cfg.Mode > 3 {
		return errorf(op, ErrInvalidArg, "invalid spi mode %d", cfg.Mode)
	}
	if cfg.ClockSpeedHz <= 0 || cfg.ClockSpeedHz > maxClockHz {
		return errorf(op, ErrInvalidArg, "clock speed %d Hz out of range", cfg.ClockSpeedHz)
	}
	if cfg.DutyCyclePos > 256 {
		return errorf(op, ErrInvalidArg, "duty cycle %d exceeds 256", cfg.DutyCyclePos)
	}
	if cfg.CommandBits > 16 {
		return errorf(op, ErrInvalidArg, "command bits %d exceed 16", cfg.CommandBits)
	}
	if cfg.AddressBits > 64 {
		return errorf(op, ErrInvalidArg, "address bits %d exceed 64", cfg.AddressBits)
	}
	if cfg.QueueSize < 1 {
		return errorf(op, ErrInvalidArg, "queue size %d must be at least 1", cfg.QueueSize)
	}
	if cfg.Flags&Bit3Wire != 0 && cfg.Flags&HalfDuplex == 0 {
		return errorf(op, ErrInvalidArg, "3-wire mode requires half duplex")
	}
	if cfg.DummyBits > 0 && cfg.Flags&NoDummy != 0 {
		return errorf(op, ErrInvalidArg, "%d dummy bits with the dummy phase disabled", cfg.DummyBits)
	}
	if cfg.DummyBits > 0 && cfg.Flags&HalfDuplex == 0 {
		return errorf(op, ErrInvalidArg, "dummy bits require half duplex")
	}
	return checkPin(op, "cs", cfg.SpicsIONum, true)
}

// dutyCycle returns the positive duty cycle with the default applied.
func dutyCycle(cfg DeviceConfig) uint16 {
	if cfg.DutyCyclePos == 0 {
		return defaultDutyCycle
	}
	return cfg.DutyCyclePos
}

// validateTransaction checks t against the device and bus it is sent on and
// returns the number of bits to receive.
func validateTransaction(dev DeviceConfig, limit int, dma DMAChannel, t *Transaction) (int, error) {
	const op = "transmit"
	if t == nil {
		return 0, errorf(op, ErrInvalidArg, "nil transaction")
	}
	if t.Length < 0 || t.RxLength < 0 {
		return 0, errorf(op, ErrInvalidArg, "negative transaction length")
	}
	rxBits := t.RxLength
	if rxBits == 0 && t.Rx != nil {
		rxBits = t.Length
	}
	halfDuplex := dev.Flags&HalfDuplex != 0
	if !halfDuplex && rxBits > t.Length {
		return 0, errorf(op, ErrInvalidArg, "rx length %d exceeds tx length %d in full duplex", rxBits, t.Length)
	}
	if bytesFor(t.Length) > limit || bytesFor(rxBits) > limit {
		return 0, errorf(op, ErrInvalidArg, "transaction of %d bits exceeds max transfer size %d bytes", max(t.Length, rxBits), limit)
	}
	if err := checkBuffer("tx", t.Tx, t.Length, dma); err != nil {
		return 0, err
	}
	if err := checkBuffer("rx", t.Rx, rxBits, dma); err != nil {
		return 0, err
	}
	return rxBits, nil
}

func checkBuffer(name string, b *Buffer, bits int, dma DMAChannel) error {
	const op = "transmit"
	if bits == 0 {
		return nil
	}
	if b == nil {
		return errorf(op, ErrInvalidArg, "%s buffer missing for %d bits", name, bits)
	}
	if b.Freed() {
		return errorf(op, ErrInvalidState, "%s buffer used after free", name)
	}
	if dma != DMADisabled && !b.DMACapable() {
		return errorf(op, ErrInvalidArg, "%s buffer is not dma capable", name)
	}
	if b.Len() < bytesFor(bits) {
		return errorf(op, ErrInvalidSize, "%s buffer of %d bytes too small for %d bits", name, b.Len(), bits)
	}
	return nil
}
