package protocol

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

func TestParse_EndToEndFrame(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, 0x06, 0x10, 0x01, 0x00, 0x00, 0x00, 0x2A}

	m := Parse(frame, DestinationServer)
	if m.IsCorrupted() {
		t.Fatal("valid frame reported corrupted")
	}
	if m.Header() != 4097 {
		t.Errorf("Header() = %d, want 4097", m.Header())
	}
	if m.Length() != 6 {
		t.Errorf("Length() = %d, want 6", m.Length())
	}
	if m.Position() != 0 {
		t.Errorf("Position() = %d, want 0 after parse", m.Position())
	}
	v, err := m.ReadInt()
	if err != nil {
		t.Fatalf("ReadInt: %v", err)
	}
	if v != 42 {
		t.Errorf("ReadInt() = %d, want 42", v)
	}
	if !bytes.Equal(m.ToBytes(), frame) {
		t.Errorf("ToBytes() = %x, want %x", m.ToBytes(), frame)
	}
}

func TestParse_MisdeclaredLengthIsCorrupted(t *testing.T) {
	// Declares 8 bytes after the prefix but carries 6.
	frame := []byte{0x00, 0x00, 0x00, 0x08, 0x10, 0x01, 0x00, 0x00, 0x00, 0x2A}

	m := Parse(frame, DestinationServer)
	if !m.IsCorrupted() {
		t.Fatal("length mismatch not reported as corrupted")
	}
	if m.Header() != 4097 {
		t.Errorf("Header() = %d, want 4097", m.Header())
	}
	if !bytes.Equal(m.ToBytes(), frame) {
		t.Errorf("ToBytes() = %x, want raw %x", m.ToBytes(), frame)
	}
	if _, err := m.ReadInt(); !errors.Is(err, ErrCorrupted) {
		t.Errorf("ReadInt() err = %v, want ErrCorrupted", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		header := uint16(r.UintN(1 << 16))
		body := make([]byte, r.IntN(64))
		for i := range body {
			body[i] = byte(r.UintN(256))
		}

		frame := FromBody(header, DestinationClient, body).ToBytes()
		m := Parse(frame, DestinationClient)
		if m.IsCorrupted() {
			t.Fatalf("round trip frame %x reported corrupted", frame)
		}
		if m.Header() != header || !bytes.Equal(m.Body(), body) {
			t.Fatalf("decode(encode(%d, %x)) = (%d, %x)", header, body, m.Header(), m.Body())
		}
		if m.Length() != len(body)+2 {
			t.Fatalf("Length() = %d, want %d", m.Length(), len(body)+2)
		}
	}
}

func TestParse_Corrupted(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"length too large", []byte{0x00, 0x00, 0x00, 0x09, 0x10, 0x01, 0x00, 0x00, 0x00, 0x2A}},
		{"length too small", []byte{0x00, 0x00, 0x00, 0x02, 0x10, 0x01, 0x00}},
		{"negative length", []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x10, 0x01}},
		{"no header", []byte{0x00, 0x00, 0x00, 0x01, 0x10}},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Parse(tt.frame, DestinationServer)
			if !m.IsCorrupted() {
				t.Fatal("expected corrupted message")
			}
			if !bytes.Equal(m.ToBytes(), tt.frame) {
				t.Errorf("ToBytes() = %x, want raw %x", m.ToBytes(), tt.frame)
			}
			if _, err := m.ReadInt(); !errors.Is(err, ErrCorrupted) {
				t.Errorf("ReadInt error = %v, want ErrCorrupted", err)
			}
			if err := m.WriteInt(1); !errors.Is(err, ErrCorrupted) {
				t.Errorf("WriteInt error = %v, want ErrCorrupted", err)
			}
		})
	}

	// Header still parses when there is room for it.
	m := Parse([]byte{0x00, 0x00, 0x00, 0x09, 0x10, 0x01}, DestinationServer)
	if m.Header() != 0x1001 {
		t.Errorf("Header() of corrupted frame = %#x, want 0x1001", m.Header())
	}
}

func TestNew_BodyEncoding(t *testing.T) {
	m, err := New(100, byte(7), true, int32(-1), uint16(513), "hi", []byte{0xDE, 0xAD}, 5)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []byte{
		0x07,
		0x01,
		0xFF, 0xFF, 0xFF, 0xFF,
		0x02, 0x01,
		0x00, 0x02, 'h', 'i',
		0xDE, 0xAD,
		0x00, 0x00, 0x00, 0x05,
	}
	if !bytes.Equal(m.Body(), want) {
		t.Fatalf("Body() = %x, want %x", m.Body(), want)
	}
	if m.Position() != len(want) {
		t.Errorf("Position() = %d, want %d for built message", m.Position(), len(want))
	}
	if m.Length() != len(want)+2 {
		t.Errorf("Length() = %d, want %d", m.Length(), len(want)+2)
	}
	if got := len(m.ValuesWritten()); got != 7 {
		t.Errorf("len(ValuesWritten()) = %d, want 7", got)
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(1, 3.14); err == nil {
		t.Error("float value must be rejected")
	}
	if _, err := New(1, 1<<40); err == nil {
		t.Error("int overflowing int32 must be rejected")
	}
	if _, err := New(1, string(make([]byte, 70000))); err == nil {
		t.Error("string longer than 65535 bytes must be rejected")
	}
}

func TestNew_EscapesStrings(t *testing.T) {
	m, err := New(1, `a\rb\nc`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := m.ReadStringAt(0)
	if err != nil {
		t.Fatalf("ReadStringAt: %v", err)
	}
	if s != "a\rb\nc" {
		t.Errorf("ReadStringAt(0) = %q, want %q", s, "a\rb\nc")
	}
}

func TestReads_SequentialAndOffset(t *testing.T) {
	m, _ := New(9, int32(77), "sign", uint16(3), true, byte(0xAB))
	m.SetPosition(0)

	if v, _ := m.ReadIntAt(0); v != 77 {
		t.Errorf("ReadIntAt(0) = %d, want 77", v)
	}
	if m.Position() != 0 {
		t.Fatalf("offset read moved cursor to %d", m.Position())
	}
	if s, _ := m.ReadStringAt(4); s != "sign" {
		t.Errorf("ReadStringAt(4) = %q, want sign", s)
	}

	i, err := m.ReadInt()
	if err != nil || i != 77 {
		t.Fatalf("ReadInt() = %d, %v", i, err)
	}
	s, err := m.ReadString()
	if err != nil || s != "sign" {
		t.Fatalf("ReadString() = %q, %v", s, err)
	}
	sh, err := m.ReadShort()
	if err != nil || sh != 3 {
		t.Fatalf("ReadShort() = %d, %v", sh, err)
	}
	b, err := m.ReadBool()
	if err != nil || !b {
		t.Fatalf("ReadBool() = %v, %v", b, err)
	}
	by, err := m.ReadByte()
	if err != nil || by != 0xAB {
		t.Fatalf("ReadByte() = %#x, %v", by, err)
	}
	if m.Readable() != 0 {
		t.Errorf("Readable() = %d, want 0", m.Readable())
	}
	if got := len(m.ValuesRead()); got != 7 {
		t.Errorf("len(ValuesRead()) = %d, want 7", got)
	}
}

func TestReads_InsufficientData(t *testing.T) {
	m := FromBody(1, DestinationClient, []byte{0x00, 0x05, 'a', 'b'})

	checks := []struct {
		name string
		err  error
	}{
		{"ReadIntAt(1)", func() error { _, err := m.ReadIntAt(1); return err }()},
		{"ReadShortAt(3)", func() error { _, err := m.ReadShortAt(3); return err }()},
		{"ReadByteAt(4)", func() error { _, err := m.ReadByteAt(4); return err }()},
		{"ReadBoolAt(-1)", func() error { _, err := m.ReadBoolAt(-1); return err }()},
		{"ReadStringAt(0)", func() error { _, err := m.ReadStringAt(0); return err }()},
		{"ReadBytesAt(5, 0)", func() error { _, err := m.ReadBytesAt(5, 0); return err }()},
	}
	for _, c := range checks {
		if !errors.Is(c.err, ErrInsufficientData) {
			t.Errorf("%s error = %v, want ErrInsufficientData", c.name, c.err)
		}
	}

	m.SetPosition(2)
	if _, err := m.ReadInt(); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("ReadInt error = %v, want ErrInsufficientData", err)
	}
	if m.Position() != 2 {
		t.Errorf("failed read moved cursor to %d", m.Position())
	}
}

func TestReadAncient(t *testing.T) {
	// VL64 "PA" = 4, B64 "@C" = 3
	m := FromBody(1, DestinationClient, []byte("PA@C"))

	v, err := m.ReadAncientInt()
	if err != nil || v != 4 {
		t.Fatalf("ReadAncientInt() = %d, %v; want 4", v, err)
	}
	s, err := m.ReadAncientShort()
	if err != nil || s != 3 {
		t.Fatalf("ReadAncientShort() = %d, %v; want 3", s, err)
	}
	if _, err := m.ReadAncientShort(); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("ReadAncientShort past end error = %v", err)
	}
}

func TestReplaceAt(t *testing.T) {
	m, _ := New(5, int32(1), "abc", int32(2))

	if err := ReplaceAt(m, 4, "longer"); err != nil {
		t.Fatalf("ReplaceAt string: %v", err)
	}
	if s, _ := m.ReadStringAt(4); s != "longer" {
		t.Errorf("string after replace = %q", s)
	}
	if v, _ := m.ReadIntAt(12); v != 2 {
		t.Errorf("trailing int after replace = %d, want 2 at shifted offset", v)
	}
	if m.Length() != 2+4+8+4 {
		t.Errorf("Length() = %d after replace", m.Length())
	}

	if err := ReplaceAt(m, 0, int32(-7)); err != nil {
		t.Fatalf("ReplaceAt int: %v", err)
	}
	if v, _ := m.ReadIntAt(0); v != -7 {
		t.Errorf("int after replace = %d, want -7", v)
	}

	written := m.ValuesWritten()
	if written[0] != int32(-7) || written[1] != "longer" {
		t.Errorf("written log not synced: %v", written)
	}

	if err := ReplaceAt(m, 15, int32(0)); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("ReplaceAt past end error = %v", err)
	}
}

func TestRemoveAt(t *testing.T) {
	m, _ := New(5, int32(1), "abc", uint16(9))

	if err := RemoveAt[string](m, 4); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}
	if !bytes.Equal(m.Body(), []byte{0, 0, 0, 1, 0, 9}) {
		t.Errorf("Body() after remove = %x", m.Body())
	}
	if len(m.ValuesWritten()) != 2 {
		t.Errorf("written log after remove = %v", m.ValuesWritten())
	}
	if m.Position() != 6 {
		t.Errorf("Position() = %d, want 6 after shrinking", m.Position())
	}
}

func TestWrittenLogOps(t *testing.T) {
	m, _ := New(5, int32(1), "x", true)

	if err := m.ReplaceWritten(1, "yy"); err != nil {
		t.Fatalf("ReplaceWritten: %v", err)
	}
	if !bytes.Equal(m.Body(), []byte{0, 0, 0, 1, 0, 2, 'y', 'y', 1}) {
		t.Errorf("Body() = %x", m.Body())
	}

	if err := m.MoveWritten(2, 0); err != nil {
		t.Fatalf("MoveWritten: %v", err)
	}
	if !bytes.Equal(m.Body(), []byte{1, 0, 0, 0, 1, 0, 2, 'y', 'y'}) {
		t.Errorf("Body() after move = %x", m.Body())
	}

	if err := m.RemoveWritten(1); err != nil {
		t.Fatalf("RemoveWritten: %v", err)
	}
	if !bytes.Equal(m.Body(), []byte{1, 0, 2, 'y', 'y'}) {
		t.Errorf("Body() after remove = %x", m.Body())
	}

	if err := m.RemoveWritten(5); err == nil {
		t.Error("RemoveWritten out of range must fail")
	}
	if err := m.MoveWritten(0, 9); err == nil {
		t.Error("MoveWritten out of range must fail")
	}
}

func TestToBytes_MemoizedUntilMutation(t *testing.T) {
	m, _ := New(1, int32(1))
	a := m.ToBytes()
	b := m.ToBytes()
	if &a[0] != &b[0] {
		t.Error("ToBytes not memoized")
	}

	_ = m.WriteInt(2)
	c := m.ToBytes()
	if len(c) != len(a)+4 {
		t.Fatalf("ToBytes after write has %d bytes, want %d", len(c), len(a)+4)
	}

	s1 := m.ToString()
	m.SetHeader(2)
	if s2 := m.ToString(); s1 == s2 {
		t.Error("ToString not invalidated by SetHeader")
	}
}

func TestToString(t *testing.T) {
	m, _ := New(4097, int32(42), "hi")
	want := "{l}{u:4097}[0][0][0]*[0][2]hi"
	if got := m.ToString(); got != want {
		t.Errorf("ToString() = %q, want %q", got, want)
	}
	if m.String() != want {
		t.Errorf("String() = %q, want %q", m.String(), want)
	}
}

func TestClone(t *testing.T) {
	m, _ := New(3, int32(8))
	c := m.Clone()
	_ = c.WriteInt(9)

	if m.Length() != 6 {
		t.Errorf("original changed by clone write: Length() = %d", m.Length())
	}
	if c.Position() != 8 {
		t.Errorf("clone Position() = %d, want 8", c.Position())
	}
}
