package mcp2517fd

import (
	"errors"
	"math/bits"
	"strings"
)

// ErrorCode is the bring-up error bitset. Several bits may be set at once.
type ErrorCode uint32

const (
	RequestedConfigurationModeTimeOut ErrorCode = 1 << iota
	ReadBackErrorWith1MHzSPIClock
	TooFarFromDesiredBitRate
	InconsistentBitRateSettings
	INTPinIsNotAnInterrupt
	ISRIsNull
	RequestedModeTimeOut
	FilterDefinitionError
	MoreThan32Filters
	ControllerReceiveFIFOSizeIsZero
	ControllerReceiveFIFOSizeGreaterThan32
	ControllerTransmitFIFOSizeIsZero
	ControllerTransmitFIFOSizeGreaterThan32
	ControllerRamUsageGreaterThan2048
	ControllerTXQPriorityGreaterThan31
	ControllerTransmitFIFOPriorityGreaterThan31
	ControllerTXQSizeGreaterThan32
	X10PLLNotReadyWithin1MS
	ReadBackErrorWithFullSpeedSPIClock
	ISRNotNullAndNoIntPin
)

var errorNames = [...]string{
	"requested_configuration_mode_timeout",
	"read_back_error_1mhz_spi",
	"too_far_from_desired_bit_rate",
	"inconsistent_bit_rate_settings",
	"int_pin_not_an_interrupt",
	"isr_is_nil",
	"requested_mode_timeout",
	"filter_definition_error",
	"more_than_32_filters",
	"rx_fifo_size_zero",
	"rx_fifo_size_gt_32",
	"tx_fifo_size_zero",
	"tx_fifo_size_gt_32",
	"ram_usage_gt_2048",
	"txq_priority_gt_31",
	"tx_fifo_priority_gt_31",
	"txq_size_gt_32",
	"pll_not_ready",
	"read_back_error_full_speed_spi",
	"isr_without_int_pin",
}

// Has reports whether every bit of mask is set.
func (e ErrorCode) Has(mask ErrorCode) bool { return e&mask == mask }

// Names lists the set bits, lowest first.
func (e ErrorCode) Names() []string {
	var out []string
	for v := uint32(e); v != 0; v &= v - 1 {
		i := bits.TrailingZeros32(v)
		if i < len(errorNames) {
			out = append(out, errorNames[i])
		} else {
			out = append(out, "unknown")
		}
	}
	return out
}

func (e ErrorCode) Error() string {
	return "mcp2517fd: begin failed: " + strings.Join(e.Names(), ", ")
}

// Runtime errors.
var (
	// ErrTxOverflow is returned by SendFrame when neither the controller nor
	// the host transmit queue can take the frame.
	ErrTxOverflow = errors.New("mcp2517fd: transmit queue full")
	// ErrAlreadyStarted is returned by Begin on a running driver.
	ErrAlreadyStarted = errors.New("mcp2517fd: already started")
	// ErrNotStarted is returned by operations that need a successful Begin.
	ErrNotStarted = errors.New("mcp2517fd: not started")
)
