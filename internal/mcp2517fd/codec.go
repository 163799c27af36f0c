package mcp2517fd

import (
	"encoding/binary"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
)

// Control word bits of a message object.
const (
	ctrlDLCMask  = 0x0F
	ctrlIDE      = 1 << 4
	ctrlRTR      = 1 << 5
	ctrlFiltShft = 11
	ctrlFiltMask = 0x1F
)

// ReorderExtended converts between a 29-bit identifier and the controller's
// layout, where SID (the upper 11 bits) sits in bits 0..10 and EID (the lower
// 18 bits) in bits 11..28.
func ReorderExtended(id uint32) uint32 {
	return (id>>18)&0x7FF | (id&0x3FFFF)<<11
}

// RestoreExtended inverts ReorderExtended.
func RestoreExtended(idf uint32) uint32 {
	return (idf>>11)&0x3FFFF | (idf&0x7FF)<<18
}

// EncodeObject writes f as a transmit message object into obj.
func EncodeObject(obj *[ObjectSize]byte, f *can.Frame) {
	idf := f.ID
	if f.Ext {
		idf = ReorderExtended(f.ID)
	}
	ctrl := uint32(f.Len)
	if ctrl > can.MaxLen {
		ctrl = can.MaxLen
	}
	if f.RTR {
		ctrl |= ctrlRTR
	}
	if f.Ext {
		ctrl |= ctrlIDE
	}
	le := binary.LittleEndian
	le.PutUint32(obj[0:], idf)
	le.PutUint32(obj[4:], ctrl)
	le.PutUint32(obj[8:], f.Word(0))
	le.PutUint32(obj[12:], f.Word(1))
}

// DecodeObject parses a receive message object. Idx is set to the index of
// the filter that accepted the frame.
func DecodeObject(obj *[ObjectSize]byte) can.Frame {
	var f can.Frame
	le := binary.LittleEndian
	idf := le.Uint32(obj[0:])
	ctrl := le.Uint32(obj[4:])
	f.RTR = ctrl&ctrlRTR != 0
	f.Ext = ctrl&ctrlIDE != 0
	f.Len = uint8(ctrl & ctrlDLCMask)
	f.Idx = uint8(ctrl >> ctrlFiltShft & ctrlFiltMask)
	f.SetWord(0, le.Uint32(obj[8:]))
	f.SetWord(1, le.Uint32(obj[12:]))
	if f.Ext {
		f.ID = RestoreExtended(idf)
	} else {
		f.ID = idf
	}
	return f
}
