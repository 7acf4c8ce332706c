package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/spi"
)

func TestBuffer_FreeTwice(t *testing.T) {
	released := 0
	b := newBuffer(4, true, func(*Buffer) { released++ })
	b.Fill(7)
	assert.Equal(t, []byte{7, 7, 7, 7}, b.Bytes())

	require.NoError(t, b.Free())
	assert.True(t, b.Freed())
	assert.Nil(t, b.Bytes())
	assert.ErrorIs(t, b.Free(), ErrInvalidState)
	assert.Equal(t, 1, released, "release runs once")
}

func TestHostString(t *testing.T) {
	assert.Equal(t, "SPI2", HSPI.String())
	assert.Equal(t, "SPI3", VSPI.String())
	assert.Equal(t, "Host(9)", Host(9).String())
}

func TestPeriphMode(t *testing.T) {
	cfg := testDeviceConfig()
	assert.Equal(t, spi.Mode0, periphMode(cfg))

	cfg.Mode = 3
	cfg.Flags = TxLSBFirst | HalfDuplex
	assert.Equal(t, spi.Mode3|spi.LSBFirst|spi.HalfDuplex, periphMode(cfg))
}

func TestCSHold(t *testing.T) {
	cfg := testDeviceConfig()
	assert.Equal(t, int64(300), csHold(cfg).Nanoseconds(), "3 cycles at 10 MHz")

	cfg.ClockSpeedHz = 0
	assert.Zero(t, csHold(cfg))
}

func TestTxFrames(t *testing.T) {
	tx := newBuffer(4, true, nil)
	copy(tx.Bytes(), []byte{1, 2, 3, 4})

	w, r := txFrames(&Transaction{Length: 24, Tx: tx}, 0)
	assert.Equal(t, []byte{1, 2, 3}, w)
	assert.Len(t, r, 3)

	w, r = txFrames(&Transaction{}, 16)
	assert.Equal(t, []byte{0, 0}, w, "half duplex read clocks out zeros")
	assert.Len(t, r, 2)
}
