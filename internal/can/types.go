package can

import "encoding/binary"

// SocketCAN flag bits for can_id (same values as <linux/can.h>). Wire codecs
// that carry a single 32-bit id use these to transport the ext/rtr flags.
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Send routing values for Frame.Idx on transmit.
const (
	IdxTxFIFO uint8 = 0   // normal controller transmit FIFO
	IdxTXQ    uint8 = 255 // dedicated transmit queue
)

// MaxLen is the classic CAN payload limit.
const MaxLen = 8

// Frame is a classic CAN 2.0B frame.
//
// ID holds 11 bits for a standard frame and 29 bits for an extended one.
// Idx is the acceptance filter index on receive and the send routing index
// on transmit (IdxTxFIFO or IdxTXQ).
type Frame struct {
	ID   uint32
	Ext  bool
	RTR  bool
	Len  uint8
	Data [MaxLen]byte
	Idx  uint8
}

// Word returns payload word i (0 or 1) as a little-endian 32-bit value.
func (f *Frame) Word(i int) uint32 {
	return binary.LittleEndian.Uint32(f.Data[4*i:])
}

// SetWord stores v little-endian into payload word i (0 or 1).
func (f *Frame) SetWord(i int, v uint32) {
	binary.LittleEndian.PutUint32(f.Data[4*i:], v)
}

// Payload returns the valid payload bytes.
func (f *Frame) Payload() []byte {
	n := f.Len
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// CANID packs id and flags the way SocketCAN does.
func (f Frame) CANID() uint32 {
	if f.Ext {
		id := f.ID&CAN_EFF_MASK | CAN_EFF_FLAG
		if f.RTR {
			id |= CAN_RTR_FLAG
		}
		return id
	}
	id := f.ID & CAN_SFF_MASK
	if f.RTR {
		id |= CAN_RTR_FLAG
	}
	return id
}

// FromCANID builds a frame from a SocketCAN-style id and payload. Payloads
// longer than MaxLen are truncated.
func FromCANID(canID uint32, data []byte) Frame {
	var f Frame
	f.Ext = canID&CAN_EFF_FLAG != 0
	f.RTR = canID&CAN_RTR_FLAG != 0
	if f.Ext {
		f.ID = canID & CAN_EFF_MASK
	} else {
		f.ID = canID & CAN_SFF_MASK
	}
	f.Len = uint8(copy(f.Data[:], data))
	return f
}
