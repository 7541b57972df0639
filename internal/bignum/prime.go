package bignum

import (
	"fmt"
	"io"
	"math/big"
)

// smallPrimes is used for trial division before the probabilistic tests.
var smallPrimes = sieve(2000)

func sieve(limit int) []int64 {
	composite := make([]bool, limit+1)
	var primes []int64
	for i := 2; i <= limit; i++ {
		if composite[i] {
			continue
		}
		primes = append(primes, int64(i))
		for j := i * i; j <= limit; j += i {
			composite[j] = true
		}
	}
	return primes
}

// trialDivision reports (decided, prime). decided is false when no small
// prime divides n and n is larger than the table.
func trialDivision(n *big.Int) (bool, bool) {
	if n.Cmp(big.NewInt(2)) < 0 {
		return true, false
	}
	m := new(big.Int)
	for _, p := range smallPrimes {
		bp := big.NewInt(p)
		if n.Cmp(bp) == 0 {
			return true, true
		}
		if m.Rem(n, bp).Sign() == 0 {
			return true, false
		}
	}
	return false, false
}

// RabinMiller runs confidence rounds of the Miller-Rabin test on |x| with
// random bases drawn from r. Composite numbers are rejected with probability
// at least 1 - 4^-confidence.
func (x *Int) RabinMiller(confidence int, r io.Reader) (bool, error) {
	n := new(big.Int).Abs(&x.v)
	if n.Cmp(big.NewInt(3)) <= 0 {
		return n.Cmp(big.NewInt(2)) >= 0, nil
	}
	if n.Bit(0) == 0 {
		return false, nil
	}

	nm1 := new(big.Int).Sub(n, big.NewInt(1))
	d := new(big.Int).Set(nm1)
	s := 0
	for d.Bit(0) == 0 {
		d.Rsh(d, 1)
		s++
	}

	nInt, err := wrap(n)
	if err != nil {
		return false, err
	}
	dInt, err := wrap(d)
	if err != nil {
		return false, err
	}
	red, err := newBarrett(n)
	if err != nil {
		return false, err
	}

	// bases are drawn from [2, n-2]
	span := new(big.Int).Sub(n, big.NewInt(3))
	for range confidence {
		a, err := randBelow(span, r)
		if err != nil {
			return false, err
		}
		a.Add(a, big.NewInt(2))

		aInt, err := wrap(a)
		if err != nil {
			return false, err
		}
		xr, err := aInt.ModPow(dInt, nInt)
		if err != nil {
			return false, err
		}

		y := xr.Big()
		if y.Cmp(big.NewInt(1)) == 0 || y.Cmp(nm1) == 0 {
			continue
		}

		witness := true
		for range s - 1 {
			y = red.reduce(new(big.Int).Mul(y, y))
			if y.Cmp(nm1) == 0 {
				witness = false
				break
			}
		}
		if witness {
			return false, nil
		}
	}
	return true, nil
}

// IsProbablePrimeRounds applies trial division followed by confidence
// Miller-Rabin rounds.
func (x *Int) IsProbablePrimeRounds(confidence int, r io.Reader) (bool, error) {
	n := new(big.Int).Abs(&x.v)
	if decided, prime := trialDivision(n); decided {
		return prime, nil
	}
	return x.RabinMiller(confidence, r)
}

// IsProbablePrime applies trial division, then a strong base-2 Miller-Rabin
// test combined with a strong Lucas test (Baillie-PSW). No composite passing
// both is known.
func (x *Int) IsProbablePrime() bool {
	n := new(big.Int).Abs(&x.v)
	if decided, prime := trialDivision(n); decided {
		return prime
	}
	return n.ProbablyPrime(0)
}

// GeneratePseudoPrime returns a random probable prime of exactly bits bits
// that passes confidence Miller-Rabin rounds.
func GeneratePseudoPrime(bits, confidence int, r io.Reader) (*Int, error) {
	if bits < 2 {
		return nil, fmt.Errorf("bignum: prime bit count %d", bits)
	}
	for {
		candidate, err := Random(bits, r)
		if err != nil {
			return nil, err
		}
		candidate.v.SetBit(&candidate.v, 0, 1)

		ok, err := candidate.IsProbablePrimeRounds(confidence, r)
		if err != nil {
			return nil, err
		}
		if ok {
			return candidate, nil
		}
	}
}

// randBelow returns a uniform value in [0, n).
func randBelow(n *big.Int, r io.Reader) (*big.Int, error) {
	if n.Sign() <= 0 {
		return new(big.Int), nil
	}
	buf := make([]byte, (n.BitLen()+7)/8)
	excess := len(buf)*8 - n.BitLen()
	v := new(big.Int)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("reading random bits: %w", err)
		}
		buf[0] &= 0xFF >> excess
		if v.SetBytes(buf).Cmp(n) < 0 {
			return v, nil
		}
	}
}
