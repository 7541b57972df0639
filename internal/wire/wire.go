// Package wire converts between typed values and their on-the-wire byte form.
//
// Two integer encodings are in use: fixed-width big-endian (the modern protocol)
// and the variable-width "ancient" encoding (VL64 ints, B64 shorts) inherited
// from the legacy client.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/udisondev/habproxy/internal/constants"
)

var (
	// ErrShortBuffer is returned when a decode needs more bytes than available.
	ErrShortBuffer = errors.New("wire: not enough data")

	// ErrOutOfRange is returned when a value does not fit its encoding.
	ErrOutOfRange = errors.New("wire: value out of range")
)

// EncodeInt encodes a signed 32-bit integer as 4 big-endian bytes.
func EncodeInt(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// DecodeInt decodes a big-endian int32 at offset.
func DecodeInt(data []byte, offset int) (int32, error) {
	if offset < 0 || offset+4 > len(data) {
		return 0, fmt.Errorf("DecodeInt: %w (offset=%d, len=%d)", ErrShortBuffer, offset, len(data))
	}
	return int32(binary.BigEndian.Uint32(data[offset:])), nil
}

// EncodeShort encodes an unsigned 16-bit integer as 2 big-endian bytes.
func EncodeShort(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}

// DecodeShort decodes a big-endian uint16 at offset.
func DecodeShort(data []byte, offset int) (uint16, error) {
	if offset < 0 || offset+2 > len(data) {
		return 0, fmt.Errorf("DecodeShort: %w (offset=%d, len=%d)", ErrShortBuffer, offset, len(data))
	}
	return binary.BigEndian.Uint16(data[offset:]), nil
}

// EncodeAncientInt encodes v with the VL64 scheme.
//
// The first byte carries the 2 low bits of |v|, a sign flag (bit 2) and the
// total encoded width (bits 3-5). Each following byte carries 6 more bits.
// Every byte is biased by 64.
func EncodeAncientInt(v int32) []byte {
	var out [constants.AncientIntMaxBytes]byte

	abs := int64(v)
	var negative byte
	if abs < 0 {
		negative = 4
		abs = -abs
	}

	out[0] = byte(constants.AncientBias + (abs & 3))
	n := 1
	for rest := abs >> 2; rest != 0; rest >>= 6 {
		out[n] = byte(constants.AncientBias + (rest & 0x3F))
		n++
	}
	out[0] |= byte(n<<3) | negative

	return append([]byte(nil), out[:n]...)
}

// DecodeAncientInt decodes a VL64 integer at offset.
// Returns the value and the number of bytes consumed.
func DecodeAncientInt(data []byte, offset int) (int32, int, error) {
	if offset < 0 || offset >= len(data) {
		return 0, 0, fmt.Errorf("DecodeAncientInt: %w (offset=%d, len=%d)", ErrShortBuffer, offset, len(data))
	}

	first := data[offset]
	negative := first&4 == 4
	width := int(first>>3) & 7
	if width == 0 || width > constants.AncientIntMaxBytes {
		return 0, 0, fmt.Errorf("DecodeAncientInt: invalid width %d at offset %d", width, offset)
	}
	if offset+width > len(data) {
		return 0, 0, fmt.Errorf("DecodeAncientInt: %w (offset=%d, width=%d, len=%d)", ErrShortBuffer, offset, width, len(data))
	}

	v := int64(first & 3)
	shift := 2
	for i := 1; i < width; i++ {
		v |= int64(data[offset+i]&0x3F) << shift
		shift += 6
	}
	if negative {
		v = -v
	}
	return int32(v), width, nil
}

// AncientIntSize returns the encoded width of v without allocating.
func AncientIntSize(v int32) int {
	abs := int64(v)
	if abs < 0 {
		abs = -abs
	}
	n := 1
	for rest := abs >> 2; rest != 0; rest >>= 6 {
		n++
	}
	return n
}

// EncodeAncientShort encodes v as two biased 6-bit bytes (B64).
// Only 12 bits fit; larger values are rejected.
func EncodeAncientShort(v uint16) ([]byte, error) {
	if v > constants.AncientShortMax {
		return nil, fmt.Errorf("EncodeAncientShort: %w (%d > %d)", ErrOutOfRange, v, constants.AncientShortMax)
	}
	return []byte{
		byte(constants.AncientBias + (v>>6)&0x3F),
		byte(constants.AncientBias + v&0x3F),
	}, nil
}

// DecodeAncientShort decodes a B64 short at offset.
func DecodeAncientShort(data []byte, offset int) (uint16, error) {
	if offset < 0 || offset+constants.AncientShortSize > len(data) {
		return 0, fmt.Errorf("DecodeAncientShort: %w (offset=%d, len=%d)", ErrShortBuffer, offset, len(data))
	}
	hi := uint16(data[offset]-constants.AncientBias) & 0x3F
	lo := uint16(data[offset+1]-constants.AncientBias) & 0x3F
	return hi<<6 | lo, nil
}

var escapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n")

// Unescape turns the literal two-character sequences `\r` and `\n` into
// the control characters they name.
func Unescape(s string) string {
	return escapes.Replace(s)
}

// EncodeString encodes s as a 2-byte big-endian length followed by its UTF-8 bytes.
// Literal `\r` and `\n` escapes are substituted first.
func EncodeString(s string) ([]byte, error) {
	s = Unescape(s)
	if len(s) > 0xFFFF {
		return nil, fmt.Errorf("EncodeString: length %d exceeds %d", len(s), 0xFFFF)
	}
	out := make([]byte, constants.StringLengthSize+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[constants.StringLengthSize:], s)
	return out, nil
}

// DecodeString decodes a length-prefixed UTF-8 string at offset.
// Returns the string and the number of bytes consumed (prefix included).
func DecodeString(data []byte, offset int) (string, int, error) {
	n, err := DecodeShort(data, offset)
	if err != nil {
		return "", 0, fmt.Errorf("DecodeString: %w", err)
	}
	start := offset + constants.StringLengthSize
	if start+int(n) > len(data) {
		return "", 0, fmt.Errorf("DecodeString: %w (offset=%d, need=%d, len=%d)", ErrShortBuffer, offset, n, len(data))
	}
	return string(data[start : start+int(n)]), constants.StringLengthSize + int(n), nil
}

// Insert returns a new buffer with encoded placed at offset; bytes from offset on
// are shifted right. The input buffer is not modified.
func Insert(data []byte, offset int, encoded []byte) ([]byte, error) {
	if offset < 0 || offset > len(data) {
		return nil, fmt.Errorf("Insert: offset %d out of range (len=%d)", offset, len(data))
	}
	out := make([]byte, 0, len(data)+len(encoded))
	out = append(out, data[:offset]...)
	out = append(out, encoded...)
	out = append(out, data[offset:]...)
	return out, nil
}

// InsertInt inserts a big-endian int32 at offset.
func InsertInt(data []byte, offset int, v int32) ([]byte, error) {
	return Insert(data, offset, EncodeInt(v))
}

// InsertShort inserts a big-endian uint16 at offset.
func InsertShort(data []byte, offset int, v uint16) ([]byte, error) {
	return Insert(data, offset, EncodeShort(v))
}

// InsertAncientInt inserts a VL64 integer at offset.
func InsertAncientInt(data []byte, offset int, v int32) ([]byte, error) {
	return Insert(data, offset, EncodeAncientInt(v))
}

// InsertAncientShort inserts a B64 short at offset.
func InsertAncientShort(data []byte, offset int, v uint16) ([]byte, error) {
	enc, err := EncodeAncientShort(v)
	if err != nil {
		return nil, err
	}
	return Insert(data, offset, enc)
}

// PutInt overwrites 4 bytes at offset with the big-endian form of v.
func PutInt(data []byte, offset int, v int32) error {
	if offset < 0 || offset+4 > len(data) {
		return fmt.Errorf("PutInt: %w (offset=%d, len=%d)", ErrShortBuffer, offset, len(data))
	}
	binary.BigEndian.PutUint32(data[offset:], uint32(v))
	return nil
}

// PutShort overwrites 2 bytes at offset with the big-endian form of v.
func PutShort(data []byte, offset int, v uint16) error {
	if offset < 0 || offset+2 > len(data) {
		return fmt.Errorf("PutShort: %w (offset=%d, len=%d)", ErrShortBuffer, offset, len(data))
	}
	binary.BigEndian.PutUint16(data[offset:], v)
	return nil
}
