// Package bignum implements a capacity-bounded signed integer used by the
// RSA and Diffie-Hellman code.
//
// Values are immutable: every operation returns a new *Int. Any result that
// does not fit MaxWords 32-bit words (top bit reserved for the sign) fails with
// ErrOverflow instead of being truncated, which keeps handshake byte lengths
// identical to the game client.
package bignum

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// MaxWords is the capacity of an Int in 32-bit words.
const MaxWords = 70

// maxBits is the largest magnitude bit length; the top bit of the top word is the sign.
const maxBits = MaxWords*32 - 1

var (
	ErrOverflow          = errors.New("bignum: overflow")
	ErrDivideByZero      = errors.New("bignum: division by zero")
	ErrNegativeExponent  = errors.New("bignum: negative exponent")
	ErrInvalidModulus    = errors.New("bignum: modulus must be positive")
	ErrNoInverse         = errors.New("bignum: no inverse")
	ErrNegativeArgument  = errors.New("bignum: negative argument")
	ErrInvalidRadix      = errors.New("bignum: invalid radix")
	ErrInvalidJacobiBase = errors.New("bignum: jacobi needs an odd positive modulus")
)

// Int is an immutable arbitrary-precision signed integer bounded by MaxWords.
type Int struct {
	v big.Int
}

var one = New(1)

// New returns an Int holding x.
func New(x int64) *Int {
	z := &Int{}
	z.v.SetInt64(x)
	return z
}

// wrap checks capacity and takes ownership of x.
func wrap(x *big.Int) (*Int, error) {
	if x.BitLen() > maxBits {
		return nil, fmt.Errorf("%w: %d bits exceeds %d", ErrOverflow, x.BitLen(), maxBits)
	}
	z := &Int{}
	z.v.Set(x)
	return z, nil
}

// FromBig copies x into a new Int.
func FromBig(x *big.Int) (*Int, error) {
	return wrap(x)
}

// FromBytes interprets b as an unsigned big-endian magnitude.
func FromBytes(b []byte) (*Int, error) {
	return wrap(new(big.Int).SetBytes(b))
}

// FromSignedBytes interprets b as a big-endian two's complement number.
// An empty slice is zero.
func FromSignedBytes(b []byte) (*Int, error) {
	x := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(len(b)*8)))
	}
	return wrap(x)
}

// Parse reads s in the given radix (2..36). A leading '-' is accepted.
func Parse(s string, radix int) (*Int, error) {
	if radix < 2 || radix > 36 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRadix, radix)
	}
	x, ok := new(big.Int).SetString(strings.TrimSpace(s), radix)
	if !ok {
		return nil, fmt.Errorf("bignum: invalid base-%d number %q", radix, s)
	}
	return wrap(x)
}

// Random returns a random positive Int of exactly bits bits (the top bit is set).
func Random(bits int, r io.Reader) (*Int, error) {
	if bits < 1 {
		return nil, fmt.Errorf("bignum: random bit count %d", bits)
	}
	if bits > maxBits {
		return nil, fmt.Errorf("%w: random %d bits", ErrOverflow, bits)
	}

	buf := make([]byte, (bits+7)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading random bits: %w", err)
	}
	if excess := len(buf)*8 - bits; excess > 0 {
		buf[0] &= 0xFF >> excess
	}

	x := new(big.Int).SetBytes(buf)
	x.SetBit(x, bits-1, 1)
	return wrap(x)
}

// Big returns a copy of the value as *big.Int.
func (x *Int) Big() *big.Int {
	return new(big.Int).Set(&x.v)
}

// Sign returns -1, 0 or +1.
func (x *Int) Sign() int {
	return x.v.Sign()
}

// Cmp compares x and y: -1 if x < y, 0 if equal, +1 if x > y.
func (x *Int) Cmp(y *Int) int {
	return x.v.Cmp(&y.v)
}

// Equal reports whether x == y.
func (x *Int) Equal(y *Int) bool {
	return x.v.Cmp(&y.v) == 0
}

// Int64 returns the low 64 bits of x.
func (x *Int) Int64() int64 {
	return x.v.Int64()
}

// Add returns x + y.
func (x *Int) Add(y *Int) (*Int, error) {
	return wrap(new(big.Int).Add(&x.v, &y.v))
}

// Sub returns x - y.
func (x *Int) Sub(y *Int) (*Int, error) {
	return wrap(new(big.Int).Sub(&x.v, &y.v))
}

// Mul returns x * y.
func (x *Int) Mul(y *Int) (*Int, error) {
	return wrap(new(big.Int).Mul(&x.v, &y.v))
}

// Div returns x / y truncated toward zero.
func (x *Int) Div(y *Int) (*Int, error) {
	if y.v.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	return wrap(new(big.Int).Quo(&x.v, &y.v))
}

// Mod returns the remainder of x / y; it has the sign of x.
func (x *Int) Mod(y *Int) (*Int, error) {
	if y.v.Sign() == 0 {
		return nil, ErrDivideByZero
	}
	return wrap(new(big.Int).Rem(&x.v, &y.v))
}

// DivMod returns the truncated quotient and remainder.
func (x *Int) DivMod(y *Int) (*Int, *Int, error) {
	if y.v.Sign() == 0 {
		return nil, nil, ErrDivideByZero
	}
	q, r := new(big.Int).QuoRem(&x.v, &y.v, new(big.Int))
	qi, err := wrap(q)
	if err != nil {
		return nil, nil, err
	}
	ri, err := wrap(r)
	if err != nil {
		return nil, nil, err
	}
	return qi, ri, nil
}

// And returns x & y (two's complement).
func (x *Int) And(y *Int) (*Int, error) {
	return wrap(new(big.Int).And(&x.v, &y.v))
}

// Or returns x | y (two's complement).
func (x *Int) Or(y *Int) (*Int, error) {
	return wrap(new(big.Int).Or(&x.v, &y.v))
}

// Xor returns x ^ y (two's complement).
func (x *Int) Xor(y *Int) (*Int, error) {
	return wrap(new(big.Int).Xor(&x.v, &y.v))
}

// Not returns ^x, i.e. -x-1.
func (x *Int) Not() (*Int, error) {
	return wrap(new(big.Int).Not(&x.v))
}

// Lsh returns x << n.
func (x *Int) Lsh(n uint) (*Int, error) {
	return wrap(new(big.Int).Lsh(&x.v, n))
}

// Rsh returns x >> n with sign extension.
func (x *Int) Rsh(n uint) (*Int, error) {
	return wrap(new(big.Int).Rsh(&x.v, n))
}

// Neg returns -x.
func (x *Int) Neg() (*Int, error) {
	return wrap(new(big.Int).Neg(&x.v))
}

// Abs returns |x|.
func (x *Int) Abs() (*Int, error) {
	return wrap(new(big.Int).Abs(&x.v))
}

// Inc returns x + 1.
func (x *Int) Inc() (*Int, error) {
	return x.Add(one)
}

// Dec returns x - 1.
func (x *Int) Dec() (*Int, error) {
	return x.Sub(one)
}

// BitCount returns the number of significant bits of |x|.
func (x *Int) BitCount() int {
	return x.v.BitLen()
}

// Bit returns bit i of |x|.
func (x *Int) Bit(i int) uint {
	return new(big.Int).Abs(&x.v).Bit(i)
}

// Gcd returns the greatest common divisor of |x| and |y|.
func (x *Int) Gcd(y *Int) (*Int, error) {
	a := new(big.Int).Abs(&x.v)
	b := new(big.Int).Abs(&y.v)
	for b.Sign() != 0 {
		a.Rem(a, b)
		a, b = b, a
	}
	return wrap(a)
}

// ModInverse returns y such that x*y ≡ 1 (mod m), computed with the
// extended Euclidean algorithm.
func (x *Int) ModInverse(m *Int) (*Int, error) {
	if m.v.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}

	a := new(big.Int).Mod(&x.v, &m.v)
	b := new(big.Int).Set(&m.v)
	s0, s1 := big.NewInt(1), big.NewInt(0)
	q, t := new(big.Int), new(big.Int)

	for b.Sign() != 0 {
		q.QuoRem(a, b, t)
		a, b, t = b, t, a

		t.Mul(q, s1)
		t.Sub(s0, t)
		s0, s1 = s1, new(big.Int).Set(t)
	}

	if a.Cmp(big.NewInt(1)) != 0 {
		return nil, fmt.Errorf("%w: gcd is %s", ErrNoInverse, a)
	}
	return wrap(s0.Mod(s0, &m.v))
}

// Sqrt returns floor(sqrt(x)), computed bit by bit from the top.
func (x *Int) Sqrt() (*Int, error) {
	if x.v.Sign() < 0 {
		return nil, fmt.Errorf("sqrt: %w", ErrNegativeArgument)
	}
	if x.v.Sign() == 0 {
		return New(0), nil
	}

	result := new(big.Int)
	sq := new(big.Int)
	for bit := (x.v.BitLen()+1)/2 - 1; bit >= 0; bit-- {
		result.SetBit(result, bit, 1)
		if sq.Mul(result, result).Cmp(&x.v) > 0 {
			result.SetBit(result, bit, 0)
		}
	}
	return wrap(result)
}

// ModPow returns x^exp mod m using Barrett reduction. The result is in [0, m).
func (x *Int) ModPow(exp, m *Int) (*Int, error) {
	if m.v.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	if exp.v.Sign() < 0 {
		return nil, ErrNegativeExponent
	}
	if m.v.Cmp(&one.v) == 0 {
		return New(0), nil
	}

	red, err := newBarrett(&m.v)
	if err != nil {
		return nil, err
	}

	base := new(big.Int).Mod(&x.v, &m.v)
	result := big.NewInt(1)
	tmp := new(big.Int)
	for i := range exp.v.BitLen() {
		if exp.v.Bit(i) == 1 {
			result = red.reduce(tmp.Mul(result, base))
		}
		base = red.reduce(tmp.Mul(base, base))
	}
	return wrap(result)
}

// Bytes returns the big-endian magnitude of |x| with no leading zeros.
// Zero encodes as a single 0x00 byte.
func (x *Int) Bytes() []byte {
	b := new(big.Int).Abs(&x.v).Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}

// SignedBytes returns the minimal big-endian two's complement form of x:
// the top bit of the first byte is the sign.
func (x *Int) SignedBytes() []byte {
	if x.v.Sign() >= 0 {
		b := x.v.Bytes()
		if len(b) == 0 || b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}

	n := (x.v.BitLen() + 7) / 8
	mod := new(big.Int).Lsh(big.NewInt(1), uint(n*8))
	b := new(big.Int).Add(mod, &x.v).FillBytes(make([]byte, n))
	if b[0]&0x80 == 0 {
		b = append([]byte{0xFF}, b...)
	}
	return b
}

// Words returns the little-endian 32-bit words of x in two's complement with
// trailing redundant words trimmed. The sign lives in the top bit of the last word.
func (x *Int) Words() []uint32 {
	be := x.SignedBytes()
	pad := (4 - len(be)%4) % 4
	fill := byte(0)
	if be[0]&0x80 != 0 {
		fill = 0xFF
	}
	full := make([]byte, pad, pad+len(be))
	for i := range full {
		full[i] = fill
	}
	full = append(full, be...)

	words := make([]uint32, len(full)/4)
	for i := range words {
		off := len(full) - 4*(i+1)
		words[i] = uint32(full[off])<<24 | uint32(full[off+1])<<16 | uint32(full[off+2])<<8 | uint32(full[off+3])
	}
	return trimWords(words)
}

func trimWords(w []uint32) []uint32 {
	for len(w) > 1 {
		top, next := w[len(w)-1], w[len(w)-2]
		if top == 0 && next&0x80000000 == 0 {
			w = w[:len(w)-1]
			continue
		}
		if top == 0xFFFFFFFF && next&0x80000000 != 0 {
			w = w[:len(w)-1]
			continue
		}
		break
	}
	return w
}

// Text returns x in the given radix. Digits above 9 are upper case.
func (x *Int) Text(radix int) (string, error) {
	if radix < 2 || radix > 36 {
		return "", fmt.Errorf("%w: %d", ErrInvalidRadix, radix)
	}
	return strings.ToUpper(x.v.Text(radix)), nil
}

// String returns the decimal form of x.
func (x *Int) String() string {
	return x.v.String()
}

// Jacobi returns the Jacobi symbol (a/b); b must be odd and positive.
func Jacobi(a, b *Int) (int, error) {
	if b.v.Sign() <= 0 || b.v.Bit(0) == 0 {
		return 0, ErrInvalidJacobiBase
	}
	return big.Jacobi(&a.v, &b.v), nil
}
