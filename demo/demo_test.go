package demo

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"lautenbacher.net/spidma/driver"
)

// recordingDriver wraps a simulated driver and records the driver calls in
// the order they happen.
type recordingDriver struct {
	*driver.Sim
	calls []string

	// snapshots of the buffers right before the transaction
	txBefore []byte
	rxBefore []byte
}

func (d *recordingDriver) InitBus(host driver.Host, cfg driver.BusConfig, dma driver.DMAChannel) error {
	d.calls = append(d.calls, "init bus")
	return d.Sim.InitBus(host, cfg, dma)
}

func (d *recordingDriver) AddDevice(host driver.Host, cfg driver.DeviceConfig) (driver.Device, error) {
	d.calls = append(d.calls, "add device")
	return d.Sim.AddDevice(host, cfg)
}

func (d *recordingDriver) AllocDMA(size int) (*driver.Buffer, error) {
	d.calls = append(d.calls, "alloc")
	return d.Sim.AllocDMA(size)
}

func (d *recordingDriver) Transmit(dev driver.Device, t *driver.Transaction) error {
	d.calls = append(d.calls, "transmit")
	d.txBefore = bytes.Clone(t.Tx.Bytes())
	d.rxBefore = bytes.Clone(t.Rx.Bytes())
	return d.Sim.Transmit(dev, t)
}

func (d *recordingDriver) RemoveDevice(dev driver.Device) error {
	d.calls = append(d.calls, "remove device")
	return d.Sim.RemoveDevice(dev)
}

func (d *recordingDriver) FreeBus(host driver.Host) error {
	d.calls = append(d.calls, "free bus")
	return d.Sim.FreeBus(host)
}

func newRecorder(opts ...driver.SimOption) *recordingDriver {
	return &recordingDriver{Sim: driver.NewSim(opts...)}
}

func runDemo(t *testing.T, drv driver.Driver) (out, logs *bytes.Buffer, err error) {
	t.Helper()
	out, logs = &bytes.Buffer{}, &bytes.Buffer{}
	r := NewRunner(drv, out)
	r.logger = slog.New(slog.NewTextHandler(logs, nil))
	return out, logs, r.Run()
}

func expectedDump(value func(i int) int) string {
	var sb strings.Builder
	for i := range BufferSize {
		fmt.Fprintf(&sb, "recv_data[%d] = %d\n", i, value(i))
	}
	return sb.String()
}

func TestRun_LoopbackEchoesPattern(t *testing.T) {
	drv := newRecorder()
	out, logs, err := runDemo(t, drv)
	require.NoError(t, err)

	assert.Equal(t, expectedDump(func(i int) int { return i % 256 }), out.String())
	assert.Equal(t, BufferSize, strings.Count(out.String(), "\n"))
	assert.Contains(t, logs.String(), "[app_main] Startup..")
	assert.Contains(t, logs.String(), "SPI transmit completed")
	assert.Contains(t, logs.String(), "Received data:")
	assert.NotContains(t, logs.String(), "level=ERROR")
}

func TestRun_CallOrder(t *testing.T) {
	drv := newRecorder()
	_, _, err := runDemo(t, drv)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"init bus",
		"add device",
		"alloc",
		"alloc",
		"transmit",
		"remove device",
		"free bus",
	}, drv.calls)
	assert.Equal(t, 0, drv.LiveBuffers(), "both buffers freed before the device is removed")
	assert.Empty(t, drv.Hosts(), "bus released")
}

func TestRun_BuffersBeforeTransaction(t *testing.T) {
	drv := newRecorder()
	_, _, err := runDemo(t, drv)
	require.NoError(t, err)

	require.Len(t, drv.txBefore, BufferSize)
	for i, v := range drv.txBefore {
		assert.Equal(t, byte(i%256), v, "tx byte %d", i)
	}
	assert.Equal(t, bytes.Repeat([]byte{rxFill}, BufferSize), drv.rxBefore)
}

func TestRun_TransmitFailureKeepsPrimedBuffer(t *testing.T) {
	drv := newRecorder(driver.WithTransmitError(driver.ErrTimeout))
	out, logs, err := runDemo(t, drv)
	require.NoError(t, err, "a failed transaction is not fatal")

	assert.Equal(t, expectedDump(func(int) int { return rxFill }), out.String())

	logText := logs.String()
	failed := strings.Index(logText, "SPI transmit failed")
	require.GreaterOrEqual(t, failed, 0)
	assert.Contains(t, logText, "error=TIMEOUT")
	assert.Less(t, failed, strings.Index(logText, "Received data:"), "error logged before the dump")
	assert.NotContains(t, logText, "SPI transmit completed")

	assert.Equal(t, []string{"remove device", "free bus"}, drv.calls[len(drv.calls)-2:])
	assert.Equal(t, 0, drv.LiveBuffers())
	assert.Empty(t, drv.Hosts())
}

func TestRun_InitBusFailureIsFatal(t *testing.T) {
	drv := newRecorder(driver.WithInitBusError(driver.ErrInvalidArg))
	out, _, err := runDemo(t, drv)

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, driver.ErrInvalidArg)
	assert.Equal(t, []string{"init bus"}, drv.calls, "no driver call after a failed bus init")
	assert.Empty(t, out.String())
}

func TestRun_AddDeviceFailureIsFatal(t *testing.T) {
	drv := newRecorder(driver.WithAddDeviceError(driver.ErrNotFound))
	_, _, err := runDemo(t, drv)

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "spi bus add device failed")
	assert.Equal(t, []string{"init bus", "add device"}, drv.calls)
	assert.Equal(t, []driver.Host{Host}, drv.Hosts(), "fatal path does not clean up")
}

func TestRun_AllocationFailure(t *testing.T) {
	for _, failing := range []int{1, 2} {
		t.Run(fmt.Sprintf("allocation %d", failing), func(t *testing.T) {
			drv := newRecorder(driver.WithAllocFailure(failing))
			out, logs, err := runDemo(t, drv)
			require.NoError(t, err, "allocation failure is not fatal")

			assert.Contains(t, logs.String(), "Failed to allocate DMA memory!")
			assert.Equal(t, []string{"init bus", "add device", "alloc", "alloc"}, drv.calls,
				"no transaction and no teardown of device or bus")
			assert.Equal(t, 0, drv.Transmissions())
			assert.Equal(t, 0, drv.LiveBuffers(), "the buffer that was handed out is freed")
			assert.Empty(t, out.String())
		})
	}
}

func TestRun_LeavesOtherBusesAlone(t *testing.T) {
	drv := newRecorder()
	require.NoError(t, drv.Sim.InitBus(driver.VSPI, BusConfig(), DMAChan))

	_, _, err := runDemo(t, drv)
	require.NoError(t, err)
	assert.Equal(t, []driver.Host{driver.VSPI}, drv.Hosts(), "only the demo bus is released")
}

func TestConfigs(t *testing.T) {
	bus := BusConfig()
	assert.Equal(t, BufferSize, bus.MaxTransferSize)
	assert.Equal(t, driver.PinUnused, bus.QuadWP)
	assert.Equal(t, driver.PinUnused, bus.QuadHD)

	dev := DeviceConfig()
	assert.Equal(t, uint8(0), dev.Mode)
	assert.Equal(t, 10_000_000, dev.ClockSpeedHz)
	assert.Equal(t, 7, dev.QueueSize)
	assert.Equal(t, driver.NoDummy, dev.Flags)
	assert.Equal(t, PinCS, dev.SpicsIONum)
}

func TestFillPattern(t *testing.T) {
	b := make([]byte, 300)
	fillPattern(b)
	assert.Equal(t, byte(255), b[255])
	assert.Equal(t, byte(0), b[256])
	assert.Equal(t, byte(43), b[299])
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, fmt.Errorf("console closed")
}

func TestRun_DumpWriteFailureStillCleansUp(t *testing.T) {
	drv := newRecorder()
	logs := &bytes.Buffer{}
	r := NewRunner(drv, failingWriter{})
	r.logger = slog.New(slog.NewTextHandler(logs, nil))

	require.NoError(t, r.Run())
	assert.Contains(t, logs.String(), "Failed to print received data")
	assert.Empty(t, drv.Hosts())
}
