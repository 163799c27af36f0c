package cnl

import (
	"bytes"
	"testing"

	"github.com/kstaniek/go-mcp2517fd/internal/can"
)

// FuzzDecodeReencode checks that an accepted frame re-encodes to the length
// byte and payload it was decoded from.
func FuzzDecodeReencode(f *testing.F) {
	c := Codec{}
	f.Add(c.Encode([]can.Frame{extFrame(0x100, 0)}))
	f.Add(c.Encode([]can.Frame{{ID: 0x7FF, Len: 8}}))
	f.Add([]byte{0, 0, 0, 1, 0x89})
	f.Fuzz(func(t *testing.T, data []byte) {
		fr, err := c.Decode(bytes.NewReader(data))
		if err != nil {
			return
		}
		got := c.Encode([]can.Frame{fr})
		if !bytes.Equal(got[4:], data[4:5+int(fr.Len)]) {
			t.Fatalf("re-encode mismatch: % X vs % X", got, data)
		}
	})
}

// FuzzDecodeN must not panic on arbitrary input.
func FuzzDecodeN(f *testing.F) {
	c := Codec{}
	f.Add([]byte{0, 0, 0, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = c.DecodeN(bytes.NewReader(data), 16, func(can.Frame) {})
	})
}
