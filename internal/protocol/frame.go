package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/udisondev/habproxy/internal/constants"
)

// Cipher transforms stream bytes in place. *crypto.RC4 implements it.
type Cipher interface {
	Parse(data []byte)
}

// ReadFrame reads one length-prefixed frame from r, decrypting with dec when
// it is non-nil. The returned slice holds the whole frame (length prefix
// included) and aliases buf when buf is large enough.
//
// Short reads are accumulated; a frame is never split or merged.
func ReadFrame(r io.Reader, dec Cipher, buf []byte) ([]byte, error) {
	var prefix [constants.FrameLengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	if dec != nil {
		dec.Parse(prefix[:])
	}

	length := int32(binary.BigEndian.Uint32(prefix[:]))
	if length < 0 || length > constants.MaxFrameLength {
		return nil, fmt.Errorf("invalid frame length: %d", length)
	}

	total := constants.FrameLengthSize + int(length)
	if cap(buf) < total {
		buf = make([]byte, total)
	}
	frame := buf[:total]
	copy(frame, prefix[:])

	rest := frame[constants.FrameLengthSize:]
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("reading frame body (%d bytes): %w", length, err)
	}
	if dec != nil {
		dec.Parse(rest)
	}
	return frame, nil
}

// WriteFrame encrypts a copy of frame with enc when it is non-nil and writes it to w.
// The caller's bytes are never modified.
func WriteFrame(w io.Writer, enc Cipher, frame []byte) error {
	out := frame
	if enc != nil {
		out = append([]byte(nil), frame...)
		enc.Parse(out)
	}
	if _, err := w.Write(out); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
