package mcp2517fd

// Register map (DS20005688). Addresses are 12-bit; byte offsets within a
// 32-bit register are added where a single byte is accessed.
const (
	C1CON    uint16 = 0x000
	C1NBTCFG uint16 = 0x004
	C1INT    uint16 = 0x01C
	C1BDIAG0 uint16 = 0x038
	C1TXQCON uint16 = 0x050
	C1TXQSTA uint16 = 0x054
	C1TXQUA  uint16 = 0x058
	OSC      uint16 = 0xE00
	IOCON    uint16 = 0xE04

	// Message object RAM.
	RAMStart uint16 = 0x400
	RAMEnd   uint16 = 0xC00
	RAMSize         = int(RAMEnd - RAMStart)

	// ObjectSize is the size of a CAN 2.0B message object.
	ObjectSize = 16

	MaxFilters = 32
)

// FIFO indices used by the driver.
const (
	RxFIFO = 1
	TxFIFO = 2
)

// C1FIFOCON returns the control register of FIFO i (1..31).
func C1FIFOCON(i int) uint16 { return 0x05C + 12*uint16(i-1) }

// C1FIFOSTA returns the status register of FIFO i.
func C1FIFOSTA(i int) uint16 { return C1FIFOCON(i) + 4 }

// C1FIFOUA returns the user address register of FIFO i.
func C1FIFOUA(i int) uint16 { return C1FIFOCON(i) + 8 }

// C1FLTCON returns the control byte of filter k (0..31).
func C1FLTCON(k int) uint16 { return 0x1D0 + uint16(k) }

func C1FLTOBJ(k int) uint16 { return 0x1F0 + 8*uint16(k) }

func C1MASK(k int) uint16 { return 0x1F4 + 8*uint16(k) }

// Bits of interest.
const (
	// C1CON+3 byte
	reqopConfiguration = 0x04
	abortAllTx         = 1 << 3
	// C1CON+2 byte: OPMOD occupies bits 5..7
	opmodShift = 5
	opmodMask  = 0x07
	txqEnable  = 0x04

	// C1FIFOCON byte 0
	fifoNotFullNotEmptyIE = 1 << 0
	fifoTxEnable          = 1 << 7
	// C1FIFOCON byte 1
	fifoUINC  = 1 << 0
	fifoTXREQ = 1 << 1
	// C1FIFOSTA byte 0
	fifoNotFullNotEmpty = 1 << 0

	// C1INT
	intTXIF  = 1 << 0
	intRXIF  = 1 << 1
	intTBCIF = 1 << 2
	intMODIF = 1 << 3
	intSERIF = 1 << 12
	// C1INT+1 byte: SERRIF is bit 4
	intSERIFByte = 1 << 4
	// C1INT+2 byte
	intTXIE = 1 << 0
	intRXIE = 1 << 1

	// OSC
	oscPLLEnable   = 1 << 0
	oscSCLKDiv2    = 1 << 4
	oscCLKODivShft = 5
	// OSC+1 byte
	oscPLLReady = 1 << 2

	// IOCON+3 byte
	ioconPMDefault = 0x03
	ioconTXCANOD   = 1 << 4
	ioconSOF       = 1 << 5
	ioconINTOD     = 1 << 6

	// C1FLTCON byte: enable and route to FIFO1
	filterEnable = 1 << 7

	// Filter object and mask: EXIDE/MIDE
	filterIDE = 1 << 30
)
