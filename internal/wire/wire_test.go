package wire

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestEncodeInt_BigEndian(t *testing.T) {
	got := EncodeInt(42)
	want := []byte{0x00, 0x00, 0x00, 0x2A}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeInt(42) = %x, want %x", got, want)
	}

	got = EncodeInt(-1)
	want = []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("EncodeInt(-1) = %x, want %x", got, want)
	}
}

func TestDecodeInt_RoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 42, 4008, math.MaxInt32, math.MinInt32}
	for _, v := range values {
		got, err := DecodeInt(EncodeInt(v), 0)
		if err != nil {
			t.Fatalf("DecodeInt(%d) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestDecodeInt_ShortBuffer(t *testing.T) {
	_, err := DecodeInt([]byte{0x00, 0x01, 0x02}, 0)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}

	_, err = DecodeInt([]byte{0x00, 0x01, 0x02, 0x03}, 1)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer at offset 1, got %v", err)
	}
}

func TestShort_RoundTrip(t *testing.T) {
	for _, v := range []uint16{0, 1, 0x1001, 0xFFFF} {
		enc := EncodeShort(v)
		if len(enc) != 2 {
			t.Fatalf("EncodeShort(%d) width = %d", v, len(enc))
		}
		got, err := DecodeShort(enc, 0)
		if err != nil {
			t.Fatalf("DecodeShort failed: %v", err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
	}
}

func TestAncientInt_KnownEncodings(t *testing.T) {
	tests := []struct {
		v    int32
		want []byte
	}{
		{0, []byte{'H'}},      // 64 | 1<<3
		{1, []byte{'I'}},      // 64 | 8 | 1
		{-1, []byte{'M'}},     // 64 | 8 | 4 | 1
		{4, []byte{'P', 'A'}}, // 64 | 2<<3, 64 + 1
	}

	for _, tt := range tests {
		got := EncodeAncientInt(tt.v)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeAncientInt(%d) = %q, want %q", tt.v, got, tt.want)
		}
	}
}

func TestAncientInt_RoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 3, 4, -4, 63, 64, 255, -255, 4096, 123456, -987654,
		math.MaxInt32, math.MinInt32, math.MinInt32 + 1}

	for _, v := range values {
		enc := EncodeAncientInt(v)
		if len(enc) != AncientIntSize(v) {
			t.Errorf("AncientIntSize(%d) = %d, encoded width %d", v, AncientIntSize(v), len(enc))
		}

		got, n, err := DecodeAncientInt(enc, 0)
		if err != nil {
			t.Fatalf("DecodeAncientInt(%d) failed: %v", v, err)
		}
		if got != v {
			t.Errorf("round trip %d: got %d", v, got)
		}
		if n != len(enc) {
			t.Errorf("consumed %d bytes, encoded %d", n, len(enc))
		}
	}
}

func TestAncientInt_Sweep(t *testing.T) {
	for v := int32(-70000); v <= 70000; v += 7 {
		got, _, err := DecodeAncientInt(EncodeAncientInt(v), 0)
		if err != nil || got != v {
			t.Fatalf("round trip %d: got %d (err=%v)", v, got, err)
		}
	}
}

func TestAncientInt_Truncated(t *testing.T) {
	enc := EncodeAncientInt(123456)
	_, _, err := DecodeAncientInt(enc[:len(enc)-1], 0)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestAncientShort_FullDomain(t *testing.T) {
	for v := uint16(0); v <= 4095; v++ {
		enc, err := EncodeAncientShort(v)
		if err != nil {
			t.Fatalf("EncodeAncientShort(%d) failed: %v", v, err)
		}
		if enc[0] < 64 || enc[1] < 64 {
			t.Fatalf("EncodeAncientShort(%d) produced unbiased byte %x", v, enc)
		}
		got, err := DecodeAncientShort(enc, 0)
		if err != nil {
			t.Fatalf("DecodeAncientShort(%d) failed: %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestAncientShort_OutOfRange(t *testing.T) {
	for _, v := range []uint16{4096, 5000, 65535} {
		if enc, err := EncodeAncientShort(v); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("EncodeAncientShort(%d) = %x, %v; want ErrOutOfRange", v, enc, err)
		}
		if _, err := InsertAncientShort([]byte{1, 2}, 1, v); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("InsertAncientShort(%d) error = %v, want ErrOutOfRange", v, err)
		}
	}
}

func TestString_RoundTrip(t *testing.T) {
	for _, s := range []string{"", "sign", "go.official", "Привет", "emoji 🎮"} {
		enc, err := EncodeString(s)
		if err != nil {
			t.Fatalf("EncodeString(%q) failed: %v", s, err)
		}
		got, n, err := DecodeString(enc, 0)
		if err != nil {
			t.Fatalf("DecodeString(%q) failed: %v", s, err)
		}
		if got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
		if n != len(enc) {
			t.Errorf("consumed %d, encoded %d", n, len(enc))
		}
	}
}

func TestEncodeString_Escapes(t *testing.T) {
	enc, err := EncodeString(`a\rb\nc`)
	if err != nil {
		t.Fatalf("EncodeString failed: %v", err)
	}
	want := []byte{0x00, 0x05, 'a', '\r', 'b', '\n', 'c'}
	if !bytes.Equal(enc, want) {
		t.Fatalf("got %x, want %x", enc, want)
	}
}

func TestDecodeString_Truncated(t *testing.T) {
	_, _, err := DecodeString([]byte{0x00, 0x05, 'a', 'b'}, 0)
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestInsert_PreservesSurroundingBytes(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC}

	out, err := InsertInt(data, 1, 42)
	if err != nil {
		t.Fatalf("InsertInt failed: %v", err)
	}
	want := []byte{0xAA, 0x00, 0x00, 0x00, 0x2A, 0xBB, 0xCC}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x, want %x", out, want)
	}
	if !bytes.Equal(data, []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatalf("input mutated: %x", data)
	}

	out, err = InsertAncientInt(data, 3, -1)
	if err != nil {
		t.Fatalf("InsertAncientInt failed: %v", err)
	}
	if !bytes.Equal(out, []byte{0xAA, 0xBB, 0xCC, 'M'}) {
		t.Fatalf("append at end: got %x", out)
	}

	out, err = InsertAncientShort(data, 0, 4095)
	if err != nil {
		t.Fatalf("InsertAncientShort failed: %v", err)
	}
	v, err := DecodeAncientShort(out, 0)
	if err != nil || v != 4095 {
		t.Fatalf("decode inserted short: %d (err=%v)", v, err)
	}
	if !bytes.Equal(out[2:], data) {
		t.Fatalf("tail corrupted: %x", out[2:])
	}

	if _, err := InsertShort(data, 4, 1); err == nil {
		t.Fatal("expected error for offset past end")
	}
}

func TestPutInt(t *testing.T) {
	data := make([]byte, 6)
	if err := PutInt(data, 2, -1); err != nil {
		t.Fatalf("PutInt failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0, 0, 0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Fatalf("got %x", data)
	}
	if err := PutInt(data, 3, 1); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}
