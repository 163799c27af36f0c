// Package cnl implements the cannelloni TCP framing used by the gateway.
//
// A frame on the wire is a 4-byte big-endian SocketCAN id, a length byte and
// the payload. Bit 7 of the length byte marks a CAN FD frame; the controller
// runs in CAN 2.0B mode, so such frames are rejected.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
	"github.com/kstaniek/go-mcp2517fd/internal/metrics"
)

const (
	fdFlag  = 0x80
	lenMask = 0x7F
	hdrLen  = 5
)

// Codec encodes and decodes cannelloni frames. Stateless and safe for
// concurrent use.
type Codec struct {
	// Route is stored in Frame.Idx of every decoded frame and selects the
	// controller transmit path.
	Route uint8
}

var (
	// ErrInvalidLength is returned when a frame length is outside 0..8.
	ErrInvalidLength = errors.New("cannelloni: invalid length")
	// ErrTruncatedFrame is returned when the reader ends mid-frame.
	ErrTruncatedFrame = errors.New("cannelloni: truncated frame")
	// ErrFDFrame is returned for CAN FD frames.
	ErrFDFrame = errors.New("cannelloni: CAN FD frame not supported")
)

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (hdrLen + can.MaxLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns the number of bytes written.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [hdrLen]byte
	for i := range frames {
		f := &frames[i]
		p := f.Payload()
		binary.BigEndian.PutUint32(hdr[:4], f.CANID())
		hdr[4] = byte(len(p))
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if len(p) == 0 {
			continue
		}
		n, err = w.Write(p)
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode data: %w", err)
		}
	}
	return total, nil
}

// Decode reads one frame from r. It returns io.EOF at a clean frame boundary.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [hdrLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n > 0 {
			metrics.IncMalformed()
			return can.Frame{}, fmt.Errorf("cannelloni decode header: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	if hdr[4]&fdFlag != 0 {
		metrics.IncMalformed()
		return can.Frame{}, ErrFDFrame
	}
	ln := int(hdr[4] & lenMask)
	if ln > can.MaxLen {
		metrics.IncMalformed()
		return can.Frame{}, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	var data [can.MaxLen]byte
	if _, err := io.ReadFull(r, data[:ln]); err != nil {
		metrics.IncMalformed()
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, fmt.Errorf("cannelloni decode payload: %w", err)
	}
	f := can.FromCANID(binary.BigEndian.Uint32(hdr[:4]), data[:ln])
	f.Idx = c.Route
	return f, nil
}

// DecodeN decodes up to max frames (until EOF when max <= 0), calling onFrame
// for each. It returns the count and the terminal error, possibly io.EOF.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		f, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(f)
		n++
	}
	return n, nil
}
