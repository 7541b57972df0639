package testutil

import (
	"io"
	"testing"

	"github.com/udisondev/habproxy/internal/protocol"
)

// Message собирает сообщение из значений или валит тест.
func Message(t testing.TB, header uint16, values ...any) *protocol.Message {
	t.Helper()

	m, err := protocol.New(header, values...)
	if err != nil {
		t.Fatalf("building message %d: %v", header, err)
	}
	return m
}

// Frame возвращает wire-байты сообщения: [длина][header][body].
func Frame(t testing.TB, header uint16, values ...any) []byte {
	t.Helper()
	return Message(t, header, values...).ToBytes()
}

// WriteFrame пишет frame в w, шифруя его enc (может быть nil).
func WriteFrame(t testing.TB, w io.Writer, enc protocol.Cipher, frame []byte) {
	t.Helper()

	if err := protocol.WriteFrame(w, enc, frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// ReadMessage читает один frame из r, расшифровывая его dec (может быть nil).
func ReadMessage(t testing.TB, r io.Reader, dec protocol.Cipher, dest protocol.Destination) *protocol.Message {
	t.Helper()

	frame, err := protocol.ReadFrame(r, dec, nil)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return protocol.Parse(frame, dest)
}

// ReadRaw читает ровно n байт из r.
func ReadRaw(t testing.TB, r io.Reader, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("reading %d bytes: %v", n, err)
	}
	return buf
}
