package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/udisondev/habproxy/internal/bignum"
)

var (
	// ErrPadding is returned when a decrypted block does not carry the expected
	// PKCS#1 marker or zero terminator.
	ErrPadding = errors.New("rsa: invalid padding")

	// ErrNoPrivateKey is returned for private operations on a public key.
	ErrNoPrivateKey = errors.New("rsa: private key required")
)

// PaddingType selects the filler used by pad.
type PaddingType byte

const (
	// MaxBytePadding fills with 0xFF and marks the block with 0x01 (signatures).
	MaxBytePadding PaddingType = 0
	// RandomBytePadding fills with random non-zero bytes and marks with 0x02 (encryption).
	RandomBytePadding PaddingType = 1
)

// paddingOverhead is the minimum number of non-payload bytes in a block.
const paddingOverhead = 11

// RSAKey performs raw RSA with PKCS#1 v1.5 style block padding on top of bignum.
type RSAKey struct {
	e, n, d *bignum.Int

	// CRT parameters, all nil unless supplied
	p, q, dmp1, dmq1, iqmp *bignum.Int

	rand io.Reader
}

// NewPublicRSAKey builds a key that can Encrypt and Verify.
func NewPublicRSAKey(e, n *bignum.Int) (*RSAKey, error) {
	if n == nil || n.Sign() <= 0 {
		return nil, fmt.Errorf("rsa: modulus must be positive")
	}
	if e == nil || e.Sign() <= 0 {
		return nil, fmt.Errorf("rsa: exponent must be positive")
	}
	return &RSAKey{e: e, n: n, rand: rand.Reader}, nil
}

// NewPrivateRSAKey builds a key that can also Decrypt and Sign.
func NewPrivateRSAKey(e, n, d *bignum.Int) (*RSAKey, error) {
	k, err := NewPublicRSAKey(e, n)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Sign() <= 0 {
		return nil, fmt.Errorf("rsa: private exponent must be positive")
	}
	k.d = d
	return k, nil
}

// NewPrivateRSAKeyCRT builds a private key with CRT parameters for the fast path.
func NewPrivateRSAKeyCRT(e, n, d, p, q, dmp1, dmq1, iqmp *bignum.Int) (*RSAKey, error) {
	k, err := NewPrivateRSAKey(e, n, d)
	if err != nil {
		return nil, err
	}
	for _, v := range []*bignum.Int{p, q, dmp1, dmq1, iqmp} {
		if v == nil || v.Sign() <= 0 {
			return nil, fmt.Errorf("rsa: CRT parameters must be positive")
		}
	}
	k.p, k.q, k.dmp1, k.dmq1, k.iqmp = p, q, dmp1, dmq1, iqmp
	return k, nil
}

// ParseRSAKey builds a key from an integer exponent and hex strings.
// An empty privateExponent yields a public key.
func ParseRSAKey(exponent int, modulus, privateExponent string) (*RSAKey, error) {
	n, err := bignum.Parse(modulus, 16)
	if err != nil {
		return nil, fmt.Errorf("parsing rsa modulus: %w", err)
	}
	e := bignum.New(int64(exponent))
	if strings.TrimSpace(privateExponent) == "" {
		return NewPublicRSAKey(e, n)
	}
	d, err := bignum.Parse(privateExponent, 16)
	if err != nil {
		return nil, fmt.Errorf("parsing rsa private exponent: %w", err)
	}
	return NewPrivateRSAKey(e, n, d)
}

// GenerateRSAKey creates a private key with CRT parameters.
func GenerateRSAKey(bits int) (*RSAKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}
	return NewRSAKeyFromStd(priv)
}

// NewRSAKeyFromStd converts a crypto/rsa key, keeping its CRT values.
func NewRSAKeyFromStd(priv *rsa.PrivateKey) (*RSAKey, error) {
	if len(priv.Primes) != 2 {
		return nil, fmt.Errorf("rsa: %d primes, only two-prime keys are supported", len(priv.Primes))
	}
	priv.Precompute()

	vals := []*big.Int{
		priv.N, priv.D,
		priv.Primes[0], priv.Primes[1],
		priv.Precomputed.Dp, priv.Precomputed.Dq, priv.Precomputed.Qinv,
	}
	ints := make([]*bignum.Int, len(vals))
	for i, v := range vals {
		x, err := bignum.FromBig(v)
		if err != nil {
			return nil, err
		}
		ints[i] = x
	}
	e := bignum.New(int64(priv.E))
	return NewPrivateRSAKeyCRT(e, ints[0], ints[1], ints[2], ints[3], ints[4], ints[5], ints[6])
}

// Public returns a key holding only e and n.
func (k *RSAKey) Public() *RSAKey {
	return &RSAKey{e: k.e, n: k.n, rand: k.rand}
}

// Exponent returns the public exponent.
func (k *RSAKey) Exponent() int64 {
	return k.e.Int64()
}

// Modulus returns n as lower-case hex.
func (k *RSAKey) Modulus() string {
	return EncodeHex(k.n.Bytes())
}

// PrivateExponent returns d as lower-case hex, empty for a public key.
func (k *RSAKey) PrivateExponent() string {
	if k.d == nil {
		return ""
	}
	return EncodeHex(k.d.Bytes())
}

// WithRand replaces the randomness source used for padding.
func (k *RSAKey) WithRand(r io.Reader) *RSAKey {
	k.rand = r
	return k
}

// IsPrivate reports whether the key can perform private operations.
func (k *RSAKey) IsPrivate() bool {
	return k.d != nil
}

// BlockSize returns the modulus length in bytes.
func (k *RSAKey) BlockSize() int {
	return (k.n.BitCount() + 7) / 8
}

// Encrypt pads with random bytes and applies the public operation.
func (k *RSAKey) Encrypt(data []byte) ([]byte, error) {
	return k.process(data, RandomBytePadding, k.doPublic)
}

// Decrypt applies the private operation and strips random-byte padding.
func (k *RSAKey) Decrypt(data []byte) ([]byte, error) {
	if !k.IsPrivate() {
		return nil, ErrNoPrivateKey
	}
	return k.unprocess(data, RandomBytePadding, k.doPrivate)
}

// Sign pads with 0xFF bytes and applies the private operation.
func (k *RSAKey) Sign(data []byte) ([]byte, error) {
	if !k.IsPrivate() {
		return nil, ErrNoPrivateKey
	}
	return k.process(data, MaxBytePadding, k.doPrivate)
}

// Verify applies the public operation and strips max-byte padding,
// returning the signed payload.
func (k *RSAKey) Verify(data []byte) ([]byte, error) {
	return k.unprocess(data, MaxBytePadding, k.doPublic)
}

// process splits data into blocks that leave room for padding.
func (k *RSAKey) process(data []byte, pt PaddingType, op func(*bignum.Int) (*bignum.Int, error)) ([]byte, error) {
	bl := k.BlockSize()
	chunk := bl - paddingOverhead
	if chunk <= 0 {
		return nil, fmt.Errorf("rsa: modulus too small (%d bytes)", bl)
	}

	var out []byte
	for pos := 0; pos < len(data) || pos == 0; pos += chunk {
		end := min(pos+chunk, len(data))
		block, err := k.pad(data[pos:end], bl, pt)
		if err != nil {
			return nil, err
		}
		m, err := bignum.FromBytes(block)
		if err != nil {
			return nil, err
		}
		c, err := op(m)
		if err != nil {
			return nil, err
		}
		out = append(out, leftPad(c.Bytes(), bl)...)
		if end == len(data) {
			break
		}
	}
	return out, nil
}

func (k *RSAKey) unprocess(data []byte, pt PaddingType, op func(*bignum.Int) (*bignum.Int, error)) ([]byte, error) {
	bl := k.BlockSize()
	if len(data) == 0 || len(data)%bl != 0 {
		return nil, fmt.Errorf("rsa: input length %d is not a multiple of block size %d", len(data), bl)
	}

	out := make([]byte, 0, len(data))
	for pos := 0; pos < len(data); pos += bl {
		c, err := bignum.FromBytes(data[pos : pos+bl])
		if err != nil {
			return nil, err
		}
		m, err := op(c)
		if err != nil {
			return nil, err
		}
		payload, err := unpad(m, bl, pt)
		if err != nil {
			return nil, err
		}
		out = append(out, payload...)
	}
	return out, nil
}

// pad builds 0x00, marker, filler..., 0x00, payload with total length bl.
func (k *RSAKey) pad(payload []byte, bl int, pt PaddingType) ([]byte, error) {
	if len(payload) > bl-paddingOverhead {
		return nil, fmt.Errorf("rsa: payload %d bytes exceeds %d", len(payload), bl-paddingOverhead)
	}

	block := make([]byte, bl)
	block[0] = 0x00
	block[1] = byte(pt) + 1

	fill := block[2 : bl-len(payload)-1]
	switch pt {
	case MaxBytePadding:
		for i := range fill {
			fill[i] = 0xFF
		}
	case RandomBytePadding:
		if err := nonZeroRandom(k.rand, fill); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("rsa: unknown padding type %d", pt)
	}

	block[bl-len(payload)-1] = 0x00
	copy(block[bl-len(payload):], payload)
	return block, nil
}

// unpad checks the marker and the zero terminator and returns the payload.
func unpad(m *bignum.Int, bl int, pt PaddingType) ([]byte, error) {
	b := m.Bytes()

	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	if len(b)-i != bl-1 || b[i] != byte(pt)+1 {
		return nil, fmt.Errorf("%w: expected marker %d", ErrPadding, byte(pt)+1)
	}

	for i++; i < len(b) && b[i] != 0; i++ {
	}
	if i >= len(b) {
		return nil, fmt.Errorf("%w: missing zero terminator", ErrPadding)
	}
	return append([]byte{}, b[i+1:]...), nil
}

func (k *RSAKey) doPublic(x *bignum.Int) (*bignum.Int, error) {
	return x.ModPow(k.e, k.n)
}

func (k *RSAKey) doPrivate(x *bignum.Int) (*bignum.Int, error) {
	if k.p == nil || k.q == nil {
		return x.ModPow(k.d, k.n)
	}

	// m1 = x^dmp1 mod p, m2 = x^dmq1 mod q, h = iqmp*(m1-m2) mod p, m = m2 + h*q
	xp, err := x.Mod(k.p)
	if err != nil {
		return nil, err
	}
	m1, err := xp.ModPow(k.dmp1, k.p)
	if err != nil {
		return nil, err
	}
	xq, err := x.Mod(k.q)
	if err != nil {
		return nil, err
	}
	m2, err := xq.ModPow(k.dmq1, k.q)
	if err != nil {
		return nil, err
	}

	diff, err := m1.Sub(m2)
	if err != nil {
		return nil, err
	}
	h, err := diff.Mul(k.iqmp)
	if err != nil {
		return nil, err
	}
	h, err = h.Mod(k.p)
	if err != nil {
		return nil, err
	}
	if h.Sign() < 0 {
		if h, err = h.Add(k.p); err != nil {
			return nil, err
		}
	}
	hq, err := h.Mul(k.q)
	if err != nil {
		return nil, err
	}
	return hq.Add(m2)
}

// nonZeroRandom fills buf with random bytes in 1..255.
func nonZeroRandom(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("reading padding bytes: %w", err)
	}
	var one [1]byte
	for i := range buf {
		for buf[i] == 0 {
			if _, err := io.ReadFull(r, one[:]); err != nil {
				return fmt.Errorf("reading padding bytes: %w", err)
			}
			buf[i] = one[0]
		}
	}
	return nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

// EncodeHex renders RSA output the way the game exchanges it: lower-case hex.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex parses hex produced by EncodeHex (case-insensitive).
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decoding hex: %w", err)
	}
	return b, nil
}
