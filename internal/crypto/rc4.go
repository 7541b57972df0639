package crypto

import (
	"crypto/rc4"
	"fmt"
)

// RC4 is a keyed stream cipher with running state.
// One instance serves exactly one direction of one socket; it is not safe for
// concurrent use and must never be shared between directions.
type RC4 struct {
	cipher *rc4.Cipher
}

// NewRC4 runs the key schedule over key (1..256 bytes).
func NewRC4(key []byte) (*RC4, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating rc4 cipher: %w", err)
	}
	return &RC4{cipher: c}, nil
}

// Parse XORs data in place with the next len(data) keystream bytes.
func (c *RC4) Parse(data []byte) {
	c.cipher.XORKeyStream(data, data)
}

// SafeParse returns a XORed copy of data. The caller's buffer is left untouched,
// the cipher state advances exactly as Parse would.
func (c *RC4) SafeParse(data []byte) []byte {
	out := make([]byte, len(data))
	c.cipher.XORKeyStream(out, data)
	return out
}
