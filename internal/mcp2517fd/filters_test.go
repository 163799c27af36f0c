package mcp2517fd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
)

func TestFilterEncodings(t *testing.T) {
	var f Filters
	f.AppendPassAll(nil)
	f.AppendFormatFilter(Extended, nil)
	f.AppendFrameFilter(Standard, 0x123, nil)
	f.AppendFrameFilter(Extended, 0x800, nil)
	f.AppendFilter(Standard, 0x700, 0x100, nil)
	f.AppendFilter(Extended, 0x1FFFF800, 0x00000800, nil)
	require.Equal(t, FiltersOK, f.Status())
	require.Equal(t, 6, f.Count())

	want := []Filter{
		{Mask: 0, Acceptance: 0},
		{Mask: 1 << 30, Acceptance: 1 << 30},
		{Mask: 1<<30 | 0x7FF, Acceptance: 0x123},
		{Mask: 1<<30 | 0x1FFFFFFF, Acceptance: 1<<30 | 0x00400000},
		{Mask: 1<<30 | 0x700, Acceptance: 0x100},
		{Mask: 1<<30 | ReorderExtended(0x1FFFF800), Acceptance: 1<<30 | ReorderExtended(0x800)},
	}
	for k, w := range want {
		got := f.At(k)
		assert.Equal(t, w.Mask, got.Mask, "mask %d", k)
		assert.Equal(t, w.Acceptance, got.Acceptance, "acceptance %d", k)
	}
}

func TestFilterErrorsKeepFirst(t *testing.T) {
	var f Filters
	f.AppendFrameFilter(Standard, 0x100, nil)
	f.AppendFrameFilter(Standard, 0x800, nil)
	f.AppendFrameFilter(Extended, 0x20000000, nil)
	assert.Equal(t, StandardIdentifierTooLarge, f.Status())
	assert.Equal(t, 1, f.ErrorIndex())
	assert.Equal(t, 3, f.Count())
	assert.True(t, strings.Contains(f.Status().String(), "standard"))

	var g Filters
	g.AppendFilter(Standard, 0x700, 0x0FF, nil)
	assert.Equal(t, InconsistencyBetweenMaskAndAcceptance, g.Status())

	var h Filters
	h.AppendFilter(Extended, 0x3FFFFFFF, 0, nil)
	assert.Equal(t, ExtendedIdentifierTooLarge, h.Status())
}

func TestFilterCallbacksKeepOrder(t *testing.T) {
	var hits []int
	var f Filters
	for i := 0; i < 3; i++ {
		i := i
		f.AppendFrameFilter(Standard, uint32(0x100+i), func(can.Frame) { hits = append(hits, i) })
	}
	for k := 2; k >= 0; k-- {
		f.At(k).Callback(can.Frame{})
	}
	assert.Equal(t, []int{2, 1, 0}, hits)
}

func TestErrorCodeNames(t *testing.T) {
	var none ErrorCode
	assert.Empty(t, none.Names())

	e := ControllerTransmitFIFOSizeIsZero | ReadBackErrorWith1MHzSPIClock
	assert.True(t, e.Has(ReadBackErrorWith1MHzSPIClock))
	assert.False(t, e.Has(ISRIsNull))
	assert.Equal(t, []string{"read_back_error_1mhz_spi", "tx_fifo_size_zero"}, e.Names())
	assert.Contains(t, e.Error(), "tx_fifo_size_zero")
	assert.Equal(t, ErrorCode(1<<19), ISRNotNullAndNoIntPin)
	assert.Len(t, errorNames, 20)
}

func TestRegisterAddresses(t *testing.T) {
	assert.Equal(t, uint16(0x05C), C1FIFOCON(1))
	assert.Equal(t, uint16(0x068), C1FIFOCON(2))
	assert.Equal(t, uint16(0x06C), C1FIFOSTA(2))
	assert.Equal(t, uint16(0x070), C1FIFOUA(2))
	assert.Equal(t, uint16(0x1D0+31), C1FLTCON(31))
	assert.Equal(t, uint16(0x1F0+8*3), C1FLTOBJ(3))
	assert.Equal(t, uint16(0x1F4+8*3), C1MASK(3))
	assert.Equal(t, 2048, RAMSize)
}
