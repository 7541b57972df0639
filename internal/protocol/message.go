package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/udisondev/habproxy/internal/constants"
	"github.com/udisondev/habproxy/internal/wire"
)

var (
	// ErrInsufficientData is returned when a typed read needs more bytes than the body has.
	ErrInsufficientData = errors.New("insufficient data")

	// ErrCorrupted is returned for reads and writes on a corrupted message.
	ErrCorrupted = errors.New("corrupted message")
)

// Destination tells which side a message is travelling to.
type Destination int

const (
	DestinationUnknown Destination = iota
	DestinationClient
	DestinationServer
)

func (d Destination) String() string {
	switch d {
	case DestinationClient:
		return "client"
	case DestinationServer:
		return "server"
	default:
		return "unknown"
	}
}

// Message is one frame: a 2-byte header and a body with a read cursor.
//
// Messages parsed from the wire start with the cursor at 0. Messages built
// with New keep the cursor at the end of what was written.
type Message struct {
	header      uint16
	destination Destination
	body        []byte
	pos         int

	corrupted bool
	raw       []byte // wire bytes of a corrupted frame

	read    []any
	written []any

	bytesCache  []byte
	stringCache string
	hasString   bool
}

// Parse builds a Message from a complete wire frame. A frame whose declared
// length does not match the byte count, or that has no room for a header,
// yields a corrupted message that keeps the raw bytes.
func Parse(frame []byte, dest Destination) *Message {
	m := &Message{destination: dest}

	if len(frame) >= constants.FrameOverhead {
		m.header = binary.BigEndian.Uint16(frame[constants.FrameLengthSize:])
	}

	if len(frame) < constants.FrameOverhead {
		m.markCorrupted(frame)
		return m
	}
	declared := int64(int32(binary.BigEndian.Uint32(frame)))
	if declared != int64(len(frame)-constants.FrameLengthSize) {
		m.markCorrupted(frame)
		return m
	}

	m.body = append([]byte(nil), frame[constants.FrameOverhead:]...)
	return m
}

func (m *Message) markCorrupted(frame []byte) {
	m.corrupted = true
	m.raw = append([]byte(nil), frame...)
}

// New builds a message for header by writing values in order.
// Supported values: byte, bool, int, int32, uint16, string, []byte.
func New(header uint16, values ...any) (*Message, error) {
	m := &Message{header: header}
	if err := m.Write(values...); err != nil {
		return nil, err
	}
	return m, nil
}

// FromBody wraps an already encoded body.
func FromBody(header uint16, dest Destination, body []byte) *Message {
	return &Message{header: header, destination: dest, body: append([]byte(nil), body...)}
}

// Header returns the 16-bit header.
func (m *Message) Header() uint16 { return m.header }

// SetHeader changes the header.
func (m *Message) SetHeader(h uint16) {
	m.header = h
	m.invalidate()
}

// Destination returns where the message is going.
func (m *Message) Destination() Destination { return m.destination }

// SetDestination retags the message.
func (m *Message) SetDestination(d Destination) { m.destination = d }

// IsCorrupted reports whether the frame failed the length check.
func (m *Message) IsCorrupted() bool { return m.corrupted }

// Length is the frame length field: body plus header.
func (m *Message) Length() int {
	if m.corrupted {
		return len(m.raw) - min(len(m.raw), constants.FrameLengthSize)
	}
	return len(m.body) + constants.HeaderSize
}

// Body returns a copy of the body.
func (m *Message) Body() []byte {
	return append([]byte(nil), m.body...)
}

// Position returns the cursor.
func (m *Message) Position() int { return m.pos }

// SetPosition moves the cursor. It is clamped to the body.
func (m *Message) SetPosition(pos int) {
	m.pos = max(0, min(pos, len(m.body)))
}

// Readable returns the number of bytes after the cursor.
func (m *Message) Readable() int { return len(m.body) - m.pos }

// ValuesRead returns every value read so far, in order.
func (m *Message) ValuesRead() []any { return append([]any(nil), m.read...) }

// ValuesWritten returns every value written so far, in order.
func (m *Message) ValuesWritten() []any { return append([]any(nil), m.written...) }

// Clone returns an independent copy with the cursor reset.
func (m *Message) Clone() *Message {
	c := &Message{
		header:      m.header,
		destination: m.destination,
		body:        append([]byte(nil), m.body...),
		corrupted:   m.corrupted,
		raw:         append([]byte(nil), m.raw...),
		written:     append([]any(nil), m.written...),
	}
	return c
}

func (m *Message) need(name string, offset, n int) error {
	if m.corrupted {
		return fmt.Errorf("%s: %w", name, ErrCorrupted)
	}
	if offset < 0 || n < 0 || offset+n > len(m.body) {
		return fmt.Errorf("%s: %w (pos=%d, need=%d, len=%d)", name, ErrInsufficientData, offset, n, len(m.body))
	}
	return nil
}

// ReadInt reads a big-endian int32 at the cursor.
func (m *Message) ReadInt() (int32, error) {
	v, err := m.ReadIntAt(m.pos)
	if err == nil {
		m.pos += 4
	}
	return v, err
}

// ReadIntAt reads a big-endian int32 at offset without moving the cursor.
func (m *Message) ReadIntAt(offset int) (int32, error) {
	if err := m.need("ReadInt", offset, 4); err != nil {
		return 0, err
	}
	v := int32(binary.BigEndian.Uint32(m.body[offset:]))
	m.read = append(m.read, v)
	return v, nil
}

// ReadShort reads a big-endian uint16 at the cursor.
func (m *Message) ReadShort() (uint16, error) {
	v, err := m.ReadShortAt(m.pos)
	if err == nil {
		m.pos += 2
	}
	return v, err
}

// ReadShortAt reads a big-endian uint16 at offset without moving the cursor.
func (m *Message) ReadShortAt(offset int) (uint16, error) {
	if err := m.need("ReadShort", offset, 2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(m.body[offset:])
	m.read = append(m.read, v)
	return v, nil
}

// ReadByte reads one byte at the cursor.
func (m *Message) ReadByte() (byte, error) {
	v, err := m.ReadByteAt(m.pos)
	if err == nil {
		m.pos++
	}
	return v, err
}

// ReadByteAt reads one byte at offset without moving the cursor.
func (m *Message) ReadByteAt(offset int) (byte, error) {
	if err := m.need("ReadByte", offset, 1); err != nil {
		return 0, err
	}
	v := m.body[offset]
	m.read = append(m.read, v)
	return v, nil
}

// ReadBool reads one byte at the cursor; any non-zero value is true.
func (m *Message) ReadBool() (bool, error) {
	v, err := m.ReadBoolAt(m.pos)
	if err == nil {
		m.pos++
	}
	return v, err
}

// ReadBoolAt reads a bool at offset without moving the cursor.
func (m *Message) ReadBoolAt(offset int) (bool, error) {
	if err := m.need("ReadBool", offset, 1); err != nil {
		return false, err
	}
	v := m.body[offset] != 0
	m.read = append(m.read, v)
	return v, nil
}

// ReadString reads a length-prefixed UTF-8 string at the cursor.
func (m *Message) ReadString() (string, error) {
	s, err := m.ReadStringAt(m.pos)
	if err == nil {
		m.pos += constants.StringLengthSize + len(s)
	}
	return s, err
}

// ReadStringAt reads a length-prefixed string at offset without moving the cursor.
func (m *Message) ReadStringAt(offset int) (string, error) {
	if err := m.need("ReadString", offset, constants.StringLengthSize); err != nil {
		return "", err
	}
	n := int(binary.BigEndian.Uint16(m.body[offset:]))
	if err := m.need("ReadString", offset+constants.StringLengthSize, n); err != nil {
		return "", err
	}
	start := offset + constants.StringLengthSize
	s := string(m.body[start : start+n])
	m.read = append(m.read, s)
	return s, nil
}

// ReadBytes reads n raw bytes at the cursor.
func (m *Message) ReadBytes(n int) ([]byte, error) {
	b, err := m.ReadBytesAt(n, m.pos)
	if err == nil {
		m.pos += n
	}
	return b, err
}

// ReadBytesAt reads n raw bytes at offset without moving the cursor. The result is a copy.
func (m *Message) ReadBytesAt(n, offset int) ([]byte, error) {
	if err := m.need("ReadBytes", offset, n); err != nil {
		return nil, err
	}
	b := append([]byte(nil), m.body[offset:offset+n]...)
	m.read = append(m.read, b)
	return b, nil
}

// ReadAncientInt reads a VL64 integer at the cursor.
func (m *Message) ReadAncientInt() (int32, error) {
	if m.corrupted {
		return 0, fmt.Errorf("ReadAncientInt: %w", ErrCorrupted)
	}
	v, n, err := wire.DecodeAncientInt(m.body, m.pos)
	if err != nil {
		return 0, fmt.Errorf("ReadAncientInt: %w (pos=%d, len=%d): %w", ErrInsufficientData, m.pos, len(m.body), err)
	}
	m.pos += n
	m.read = append(m.read, v)
	return v, nil
}

// ReadAncientShort reads a B64 short at the cursor.
func (m *Message) ReadAncientShort() (uint16, error) {
	if err := m.need("ReadAncientShort", m.pos, constants.AncientShortSize); err != nil {
		return 0, err
	}
	v, err := wire.DecodeAncientShort(m.body, m.pos)
	if err != nil {
		return 0, fmt.Errorf("ReadAncientShort: %w", err)
	}
	m.pos += constants.AncientShortSize
	m.read = append(m.read, v)
	return v, nil
}

// Write appends values to the body and to the written log.
// Supported values: byte, bool, int, int32, uint16, string, []byte.
func (m *Message) Write(values ...any) error {
	if m.corrupted {
		return fmt.Errorf("Write: %w", ErrCorrupted)
	}
	for _, v := range values {
		nv, encoded, err := encodeValue(v)
		if err != nil {
			return err
		}
		m.body = append(m.body, encoded...)
		m.written = append(m.written, nv)
	}
	m.pos = len(m.body)
	m.invalidate()
	return nil
}

// WriteInt appends a big-endian int32.
func (m *Message) WriteInt(v int32) error { return m.Write(v) }

// WriteShort appends a big-endian uint16.
func (m *Message) WriteShort(v uint16) error { return m.Write(v) }

// WriteByte appends a single byte.
func (m *Message) WriteByte(v byte) error { return m.Write(v) }

// WriteBool appends 0 or 1.
func (m *Message) WriteBool(v bool) error { return m.Write(v) }

// WriteString appends a length-prefixed string.
func (m *Message) WriteString(v string) error { return m.Write(v) }

// WriteBytes appends raw bytes.
func (m *Message) WriteBytes(v []byte) error { return m.Write(v) }

// encodeValue normalizes v and returns its body encoding.
func encodeValue(v any) (any, []byte, error) {
	switch x := v.(type) {
	case byte:
		return x, []byte{x}, nil
	case bool:
		if x {
			return x, []byte{1}, nil
		}
		return x, []byte{0}, nil
	case int32:
		return x, wire.EncodeInt(x), nil
	case int:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return nil, nil, fmt.Errorf("value %d overflows int32", x)
		}
		return int32(x), wire.EncodeInt(int32(x)), nil
	case uint16:
		return x, wire.EncodeShort(x), nil
	case string:
		b, err := wire.EncodeString(wire.Unescape(x))
		if err != nil {
			return nil, nil, err
		}
		return x, b, nil
	case []byte:
		c := append([]byte(nil), x...)
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Value is a fixed or length-prefixed body value that can be replaced or removed in place.
type Value interface {
	int32 | uint16 | byte | bool | string
}

// ReplaceAt overwrites the T encoded at offset with v. Strings may change
// length; the cursor shifts when it sits past offset.
func ReplaceAt[T Value](m *Message, offset int, v T) error {
	size, err := sizeAt[T](m, offset)
	if err != nil {
		return err
	}
	_, encoded, err := encodeValue(v)
	if err != nil {
		return err
	}
	m.splice(offset, size, encoded)
	m.syncWritten(offset, v, false)
	return nil
}

// RemoveAt deletes the T encoded at offset.
func RemoveAt[T Value](m *Message, offset int) error {
	size, err := sizeAt[T](m, offset)
	if err != nil {
		return err
	}
	m.splice(offset, size, nil)
	var zero T
	m.syncWritten(offset, zero, true)
	return nil
}

func sizeAt[T Value](m *Message, offset int) (int, error) {
	var zero T
	switch any(zero).(type) {
	case int32:
		return 4, m.need("Replace", offset, 4)
	case uint16:
		return 2, m.need("Replace", offset, 2)
	case byte, bool:
		return 1, m.need("Replace", offset, 1)
	default:
		if err := m.need("Replace", offset, constants.StringLengthSize); err != nil {
			return 0, err
		}
		n := constants.StringLengthSize + int(binary.BigEndian.Uint16(m.body[offset:]))
		return n, m.need("Replace", offset, n)
	}
}

func (m *Message) splice(offset, size int, encoded []byte) {
	body := make([]byte, 0, len(m.body)-size+len(encoded))
	body = append(body, m.body[:offset]...)
	body = append(body, encoded...)
	body = append(body, m.body[offset+size:]...)

	if m.pos > offset {
		m.pos = max(offset, m.pos+len(encoded)-size)
	}
	m.body = body
	m.invalidate()
}

// syncWritten keeps the written log in step with offset-based edits of a built message.
func (m *Message) syncWritten(offset int, v any, remove bool) {
	pos := 0
	for i, w := range m.written {
		if pos == offset {
			if remove {
				m.written = append(m.written[:i], m.written[i+1:]...)
			} else {
				m.written[i] = v
			}
			return
		}
		_, enc, _ := encodeValue(w)
		pos += len(enc)
		if pos > offset {
			return
		}
	}
}

// ReplaceWritten swaps the i-th written value and rebuilds the body.
func (m *Message) ReplaceWritten(i int, v any) error {
	if i < 0 || i >= len(m.written) {
		return fmt.Errorf("ReplaceWritten: index %d out of range [0,%d)", i, len(m.written))
	}
	nv, _, err := encodeValue(v)
	if err != nil {
		return err
	}
	m.written[i] = nv
	return m.rebuild()
}

// RemoveWritten drops the i-th written value and rebuilds the body.
func (m *Message) RemoveWritten(i int) error {
	if i < 0 || i >= len(m.written) {
		return fmt.Errorf("RemoveWritten: index %d out of range [0,%d)", i, len(m.written))
	}
	m.written = append(m.written[:i], m.written[i+1:]...)
	return m.rebuild()
}

// MoveWritten moves the written value at from to index to and rebuilds the body.
func (m *Message) MoveWritten(from, to int) error {
	if from < 0 || from >= len(m.written) || to < 0 || to >= len(m.written) {
		return fmt.Errorf("MoveWritten: indexes %d->%d out of range [0,%d)", from, to, len(m.written))
	}
	v := m.written[from]
	m.written = append(m.written[:from], m.written[from+1:]...)
	m.written = append(m.written[:to], append([]any{v}, m.written[to:]...)...)
	return m.rebuild()
}

func (m *Message) rebuild() error {
	var body []byte
	for _, v := range m.written {
		_, enc, err := encodeValue(v)
		if err != nil {
			return err
		}
		body = append(body, enc...)
	}
	m.body = body
	m.pos = len(body)
	m.invalidate()
	return nil
}

func (m *Message) invalidate() {
	m.bytesCache = nil
	m.hasString = false
	m.stringCache = ""
}

// ToBytes returns the wire frame: 4-byte length, 2-byte header, body.
// Corrupted messages return their raw bytes. The result is memoized until the next mutation
// and must not be modified by the caller.
func (m *Message) ToBytes() []byte {
	if m.corrupted {
		return m.raw
	}
	if m.bytesCache != nil {
		return m.bytesCache
	}

	frame := make([]byte, constants.FrameOverhead+len(m.body))
	binary.BigEndian.PutUint32(frame, uint32(len(m.body)+constants.HeaderSize))
	binary.BigEndian.PutUint16(frame[constants.FrameLengthSize:], m.header)
	copy(frame[constants.FrameOverhead:], m.body)
	m.bytesCache = frame
	return frame
}

// ToString renders the message as {l}{u:header} followed by the body, with
// bytes 0..13 written as [n]. Memoized like ToBytes.
func (m *Message) ToString() string {
	if m.hasString {
		return m.stringCache
	}

	var sb strings.Builder
	sb.WriteString("{l}{u:")
	sb.WriteString(strconv.Itoa(int(m.header)))
	sb.WriteString("}")

	body := m.body
	if m.corrupted {
		body = m.raw
	}
	for _, b := range body {
		if b <= 13 {
			sb.WriteByte('[')
			sb.WriteString(strconv.Itoa(int(b)))
			sb.WriteByte(']')
			continue
		}
		sb.WriteRune(rune(b))
	}

	m.stringCache = sb.String()
	m.hasString = true
	return m.stringCache
}

// String implements fmt.Stringer.
func (m *Message) String() string {
	return m.ToString()
}
