package bignum

import (
	"fmt"
	"math/big"
)

// barrett reduces values below b^(2k) modulo n without division,
// where b = 2^32 and k is the word length of n.
type barrett struct {
	n    *big.Int
	mu   *big.Int // floor(b^(2k) / n)
	mask *big.Int // b^(k+1) - 1
	bk1  *big.Int // b^(k+1)
	k    uint
}

func newBarrett(n *big.Int) (*barrett, error) {
	k := uint((n.BitLen() + 31) / 32)
	if 2*k+1 > MaxWords {
		return nil, fmt.Errorf("%w: barrett constant for %d-word modulus", ErrOverflow, k)
	}

	b2k := new(big.Int).Lsh(big.NewInt(1), 64*k)
	bk1 := new(big.Int).Lsh(big.NewInt(1), 32*(k+1))

	return &barrett{
		n:    n,
		mu:   b2k.Quo(b2k, n),
		mask: new(big.Int).Sub(bk1, big.NewInt(1)),
		bk1:  bk1,
		k:    k,
	}, nil
}

// reduce returns x mod n for 0 <= x < b^(2k). The result is a fresh big.Int.
func (r *barrett) reduce(x *big.Int) *big.Int {
	q := new(big.Int).Rsh(x, 32*(r.k-1))
	q.Mul(q, r.mu)
	q.Rsh(q, 32*(r.k+1))

	r1 := new(big.Int).And(x, r.mask)
	r2 := q.Mul(q, r.n)
	r2.And(r2, r.mask)

	r1.Sub(r1, r2)
	if r1.Sign() < 0 {
		r1.Add(r1, r.bk1)
	}
	for r1.Cmp(r.n) >= 0 {
		r1.Sub(r1, r.n)
	}
	return r1
}
