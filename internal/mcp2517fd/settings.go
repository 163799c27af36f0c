package mcp2517fd

import "math"

// Oscillator selects the quartz frequency and the optional PLL and system
// clock divider.
type Oscillator uint8

const (
	Osc4MHz Oscillator = iota
	Osc4MHzDividedBy2
	Osc4MHz10xPLL
	Osc4MHz10xPLLDividedBy2
	Osc20MHz
	Osc20MHzDividedBy2
	Osc40MHz
	Osc40MHzDividedBy2
)

var oscillatorNames = map[string]Oscillator{
	"4mhz":       Osc4MHz,
	"4mhz/2":     Osc4MHzDividedBy2,
	"4mhz-pll":   Osc4MHz10xPLL,
	"4mhz-pll/2": Osc4MHz10xPLLDividedBy2,
	"20mhz":      Osc20MHz,
	"20mhz/2":    Osc20MHzDividedBy2,
	"40mhz":      Osc40MHz,
	"40mhz/2":    Osc40MHzDividedBy2,
}

// ParseOscillator accepts the names used in configuration files
// ("40mhz", "20mhz/2", "4mhz-pll", ...).
func ParseOscillator(s string) (Oscillator, bool) {
	o, ok := oscillatorNames[s]
	return o, ok
}

func (o Oscillator) String() string {
	for k, v := range oscillatorNames {
		if v == o {
			return k
		}
	}
	return "unknown"
}

// SysClock returns the controller system clock in Hz.
func (o Oscillator) SysClock() uint32 {
	switch o {
	case Osc4MHz:
		return 4_000_000
	case Osc4MHzDividedBy2:
		return 2_000_000
	case Osc4MHz10xPLL, Osc40MHz:
		return 40_000_000
	case Osc4MHz10xPLLDividedBy2, Osc40MHzDividedBy2, Osc20MHz:
		return 20_000_000
	case Osc20MHzDividedBy2:
		return 10_000_000
	}
	return 0
}

func (o Oscillator) usesPLL() bool { return o == Osc4MHz10xPLL || o == Osc4MHz10xPLLDividedBy2 }

func (o Oscillator) divides() bool {
	switch o {
	case Osc4MHzDividedBy2, Osc4MHz10xPLLDividedBy2, Osc20MHzDividedBy2, Osc40MHzDividedBy2:
		return true
	}
	return false
}

// CLKOPin selects the CLKO output: a system clock divisor or the
// start-of-frame signal.
type CLKOPin uint8

const (
	CLKODividedBy1 CLKOPin = iota
	CLKODividedBy2
	CLKODividedBy4
	CLKODividedBy10
	CLKOSOF
)

// OperationMode is the 3-bit REQOP/OPMOD value.
type OperationMode uint8

const (
	NormalFD         OperationMode = 0
	Sleep            OperationMode = 1
	InternalLoopBack OperationMode = 2
	ListenOnly       OperationMode = 3
	Configuration    OperationMode = 4
	ExternalLoopBack OperationMode = 5
	Normal20B        OperationMode = 6
	RestrictedOp     OperationMode = 7
)

var modeNames = map[string]OperationMode{
	"normal":            Normal20B,
	"internal-loopback": InternalLoopBack,
	"external-loopback": ExternalLoopBack,
	"listen-only":       ListenOnly,
}

// ParseMode maps normal|internal-loopback|external-loopback|listen-only.
func ParseMode(s string) (OperationMode, bool) {
	m, ok := modeNames[s]
	return m, ok
}

// Retransmission selects the 2-bit retransmission attempts field.
type Retransmission uint8

const (
	RetransmissionDisabled  Retransmission = 0
	RetransmissionThree     Retransmission = 1
	RetransmissionUnlimited Retransmission = 3
)

// Bit timing limits.
const (
	MaxBRP           = 256
	MaxPhaseSegment1 = 256
	MaxPhaseSegment2 = 128
	MaxSJW           = 128

	DefaultTolerancePPM = 1000
)

// Bits returned by BitSettingConsistency.
const (
	BitRatePrescalerIsZero uint16 = 1 << iota
	BitRatePrescalerIsGreaterThan256
	PhaseSegment1IsLowerThan2
	PhaseSegment1IsGreaterThan256
	PhaseSegment2IsZero
	PhaseSegment2IsGreaterThan128
	SJWIsZero
	SJWIsGreaterThan128
	SJWIsGreaterThanPhaseSegment1
	SJWIsGreaterThanPhaseSegment2
)

// Settings holds everything Begin programs into the controller.
type Settings struct {
	Oscillator     Oscillator
	DesiredBitRate uint32

	BitRatePrescaler           uint16 // 1..256
	PhaseSegment1              uint16 // 2..256
	PhaseSegment2              uint8  // 1..128
	SJW                        uint8  // 1..128
	BitRateClosedToDesiredRate bool

	CLKOPin          CLKOPin
	TXCANIsOpenDrain bool
	INTIsOpenDrain   bool
	RequestedMode    OperationMode

	DriverTransmitFIFOSize int
	DriverReceiveFIFOSize  int

	ControllerTransmitFIFOSize                   uint8 // 1..32
	ControllerTransmitFIFOPriority               uint8 // 0..31
	ControllerTransmitFIFORetransmissionAttempts Retransmission
	ControllerReceiveFIFOSize                    uint8 // 1..32
	ControllerTXQSize                            uint8 // 0..32, 0 disables the TXQ
	ControllerTXQPriority                        uint8 // 0..31
	ControllerTXQRetransmissionAttempts          Retransmission
}

// NewSettings computes bit timing for the desired bit rate with an 80 %
// sample point and fills every other field with its default. The result is
// flagged close to the desired rate when the error is at most tolerancePPM.
func NewSettings(osc Oscillator, bitRate uint32, tolerancePPM uint32) Settings {
	s := Settings{
		Oscillator:     osc,
		DesiredBitRate: bitRate,
		CLKOPin:        CLKODividedBy10,
		RequestedMode:  Normal20B,

		DriverTransmitFIFOSize: 16,
		DriverReceiveFIFOSize:  32,

		ControllerTransmitFIFOSize:                   32,
		ControllerTransmitFIFORetransmissionAttempts: RetransmissionUnlimited,
		ControllerReceiveFIFOSize:                    27,
		ControllerTXQPriority:                        31,
		ControllerTXQRetransmissionAttempts:          RetransmissionUnlimited,
	}
	s.solve(tolerancePPM)
	return s
}

func (s *Settings) solve(tolerancePPM uint32) {
	const maxTQ = MaxPhaseSegment1 + MaxPhaseSegment2 + 1
	sys := uint64(s.Oscillator.SysClock())
	rate := uint64(s.DesiredBitRate)
	bestBRP, bestTQ := uint64(1), uint64(5)
	if rate == 0 || sys == 0 {
		s.setTiming(bestBRP, bestTQ)
		return
	}
	smallest := uint64(math.MaxUint64)
	for brp := uint64(MaxBRP); brp > 0; brp-- {
		tq := sys / rate / brp
		if tq > maxTQ {
			break
		}
		if tq >= 5 {
			if e := sys - rate*tq*brp; e <= smallest {
				smallest, bestBRP, bestTQ = e, brp, tq
			}
		}
		if tq >= 4 && tq < maxTQ {
			if e := rate*(tq+1)*brp - sys; e <= smallest {
				smallest, bestBRP, bestTQ = e, brp, tq+1
			}
		}
	}
	s.setTiming(bestBRP, bestTQ)
	w := bestTQ * rate * bestBRP
	diff := w - sys
	if sys > w {
		diff = sys - w
	}
	s.BitRateClosedToDesiredRate = diff*1_000_000 <= w*uint64(tolerancePPM)
}

// setTiming splits tq quanta with PS2 = TQ/5. Above 321 quanta PS1 is held
// at its maximum and PS2 takes the rest, lowering the sample point.
func (s *Settings) setTiming(brp, tq uint64) {
	ps2 := tq / 5
	if tq-ps2-1 > MaxPhaseSegment1 {
		ps2 = tq - MaxPhaseSegment1 - 1
	}
	if ps2 > MaxPhaseSegment2 {
		ps2 = MaxPhaseSegment2
	}
	s.BitRatePrescaler = uint16(brp)
	s.PhaseSegment2 = uint8(ps2)
	s.PhaseSegment1 = uint16(tq - ps2 - 1)
	s.SJW = uint8(ps2)
}

// SysClock returns the controller system clock in Hz.
func (s *Settings) SysClock() uint32 { return s.Oscillator.SysClock() }

// SPIClock is the full speed bus clock: half the system clock.
func (s *Settings) SPIClock() uint32 { return s.SysClock() / 2 }

// TQCount is the number of time quanta per bit.
func (s *Settings) TQCount() uint32 {
	return 1 + uint32(s.PhaseSegment1) + uint32(s.PhaseSegment2)
}

// ActualBitRate returns the bit rate the programmed timing yields.
func (s *Settings) ActualBitRate() uint32 {
	d := uint32(s.BitRatePrescaler) * s.TQCount()
	if d == 0 {
		return 0
	}
	return s.SysClock() / d
}

// ExactBitRate reports whether the timing divides the system clock evenly.
func (s *Settings) ExactBitRate() bool {
	d := uint32(s.BitRatePrescaler) * s.TQCount()
	return d != 0 && s.SysClock()%d == 0
}

// SamplePoint returns the sample point position in percent of the bit time.
func (s *Settings) SamplePoint() uint32 {
	return (1 + uint32(s.PhaseSegment1)) * 100 / s.TQCount()
}

// RAMUsage returns the controller RAM taken by the TXQ, transmit FIFO and
// receive FIFO.
func (s *Settings) RAMUsage() int {
	return ObjectSize * (int(s.ControllerTXQSize) + int(s.ControllerTransmitFIFOSize) + int(s.ControllerReceiveFIFOSize))
}

// BitSettingConsistency returns 0 when the timing fields are within range
// and mutually consistent.
func (s *Settings) BitSettingConsistency() uint16 {
	var e uint16
	switch {
	case s.BitRatePrescaler == 0:
		e |= BitRatePrescalerIsZero
	case s.BitRatePrescaler > MaxBRP:
		e |= BitRatePrescalerIsGreaterThan256
	}
	switch {
	case s.PhaseSegment1 < 2:
		e |= PhaseSegment1IsLowerThan2
	case s.PhaseSegment1 > MaxPhaseSegment1:
		e |= PhaseSegment1IsGreaterThan256
	}
	switch {
	case s.PhaseSegment2 == 0:
		e |= PhaseSegment2IsZero
	case s.PhaseSegment2 > MaxPhaseSegment2:
		e |= PhaseSegment2IsGreaterThan128
	}
	switch {
	case s.SJW == 0:
		e |= SJWIsZero
	case s.SJW > MaxSJW:
		e |= SJWIsGreaterThan128
	}
	if uint16(s.SJW) > s.PhaseSegment1 {
		e |= SJWIsGreaterThanPhaseSegment1
	}
	if s.SJW > s.PhaseSegment2 {
		e |= SJWIsGreaterThanPhaseSegment2
	}
	return e
}

// nbtcfg packs the nominal bit time configuration register.
func (s *Settings) nbtcfg() uint32 {
	return (uint32(s.BitRatePrescaler)-1)<<24 |
		(uint32(s.PhaseSegment1)-1)<<16 |
		(uint32(s.PhaseSegment2)-1)<<8 |
		(uint32(s.SJW) - 1)
}

// oscByte is the OSC register low byte for this configuration.
func (s *Settings) oscByte() byte {
	var v byte
	if s.Oscillator.usesPLL() {
		v |= oscPLLEnable
	}
	if s.Oscillator.divides() {
		v |= oscSCLKDiv2
	}
	if s.CLKOPin != CLKOSOF {
		v |= byte(s.CLKOPin) << oscCLKODivShft
	}
	return v
}

// ioconByte is the IOCON+3 byte for this configuration.
func (s *Settings) ioconByte() byte {
	v := byte(ioconPMDefault)
	if s.CLKOPin == CLKOSOF {
		v |= ioconSOF
	}
	if s.TXCANIsOpenDrain {
		v |= ioconTXCANOD
	}
	if s.INTIsOpenDrain {
		v |= ioconINTOD
	}
	return v
}
