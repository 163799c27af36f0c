package can

import "testing"

func TestPayloadWords(t *testing.T) {
	var f Frame
	f.SetWord(0, 0x44332211)
	f.SetWord(1, 0x88776655)
	want := [MaxLen]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}
	if f.Data != want {
		t.Fatalf("data % X", f.Data)
	}
	if f.Word(0) != 0x44332211 || f.Word(1) != 0x88776655 {
		t.Fatalf("words 0x%08X 0x%08X", f.Word(0), f.Word(1))
	}
}

func TestCANIDFlags(t *testing.T) {
	f := Frame{ID: 0x1FFFFFFF, Ext: true, RTR: true}
	if got := f.CANID(); got != 0xDFFFFFFF {
		t.Fatalf("ext rtr id 0x%08X", got)
	}
	g := FromCANID(f.CANID(), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if g.ID != f.ID || !g.Ext || !g.RTR || g.Len != MaxLen {
		t.Fatalf("round trip %+v", g)
	}
	if got := (Frame{ID: 0xFFFF}).CANID(); got != 0x7FF {
		t.Fatalf("std id not masked: 0x%X", got)
	}
}
