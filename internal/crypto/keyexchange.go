package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/udisondev/habproxy/internal/bignum"
	"github.com/udisondev/habproxy/internal/constants"
)

var (
	// ErrVerification is returned when signed handshake material does not verify.
	ErrVerification = errors.New("key exchange: verification failed")

	// ErrInvalidParameters is returned for DH parameters outside 2 < prime, 1 < generator < prime.
	ErrInvalidParameters = errors.New("key exchange: invalid dh parameters")

	// ErrNotReady is returned when keys are requested before the handshake produced them.
	ErrNotReady = errors.New("key exchange: handshake not completed")
)

// Role says which end of the exchange this side plays.
type Role int

const (
	// Initiator generates the DH group and signs it. It faces the game client.
	Initiator Role = iota
	// Responder receives the group and verifies it. It faces the game server.
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// KeyExchangeConfig controls DH sizes.
type KeyExchangeConfig struct {
	PrimeBits      int
	Confidence     int
	PrivateKeyBits int
}

// DefaultKeyExchangeConfig returns the sizes the game client uses.
func DefaultKeyExchangeConfig() KeyExchangeConfig {
	return KeyExchangeConfig{
		PrimeBits:      constants.DHPrimeBits,
		Confidence:     constants.DHPrimeConfidence,
		PrivateKeyBits: constants.DHPrivateKeyBits,
	}
}

// KeyExchange is one side of the RSA-authenticated Diffie-Hellman handshake.
// Created per connection attempt and discarded on disconnect.
type KeyExchange struct {
	role Role
	rsa  *RSAKey
	cfg  KeyExchangeConfig
	rand io.Reader

	prime     *bignum.Int
	generator *bignum.Int
	private   *bignum.Int
	public    *bignum.Int

	publicKey       string
	signedPrime     string
	signedGenerator string
	bannerHandshake bool
}

// NewInitiator generates a fresh DH group and signs it with the private RSA key.
func NewInitiator(key *RSAKey, cfg KeyExchangeConfig) (*KeyExchange, error) {
	if !key.IsPrivate() {
		return nil, fmt.Errorf("initiator: %w", ErrNoPrivateKey)
	}
	kx := &KeyExchange{role: Initiator, rsa: key, cfg: cfg, rand: key.rand}

	prime, err := bignum.GeneratePseudoPrime(cfg.PrimeBits, cfg.Confidence, kx.rand)
	if err != nil {
		return nil, fmt.Errorf("generating dh prime: %w", err)
	}
	generator, err := bignum.GeneratePseudoPrime(cfg.PrimeBits, cfg.Confidence, kx.rand)
	if err != nil {
		return nil, fmt.Errorf("generating dh generator: %w", err)
	}
	for generator.Equal(prime) {
		if generator, err = bignum.GeneratePseudoPrime(cfg.PrimeBits, cfg.Confidence, kx.rand); err != nil {
			return nil, fmt.Errorf("generating dh generator: %w", err)
		}
	}
	if generator.Cmp(prime) > 0 {
		prime, generator = generator, prime
	}

	if err := kx.setGroup(prime, generator); err != nil {
		return nil, err
	}

	if kx.signedPrime, err = kx.sign(prime.String()); err != nil {
		return nil, fmt.Errorf("signing dh prime: %w", err)
	}
	if kx.signedGenerator, err = kx.sign(generator.String()); err != nil {
		return nil, fmt.Errorf("signing dh generator: %w", err)
	}
	return kx, nil
}

// NewResponder prepares the verifying side. The group arrives later through
// DoHandshake or DoBannerHandshake.
func NewResponder(key *RSAKey, cfg KeyExchangeConfig) *KeyExchange {
	return &KeyExchange{role: Responder, rsa: key, cfg: cfg, rand: key.rand}
}

// Role returns the side this exchange plays.
func (kx *KeyExchange) Role() Role { return kx.role }

// Prime returns the DH prime, nil before the group is known.
func (kx *KeyExchange) Prime() *bignum.Int { return kx.prime }

// Generator returns the DH generator, nil before the group is known.
func (kx *KeyExchange) Generator() *bignum.Int { return kx.generator }

// SignedPrime returns the hex RSA signature of the decimal prime (initiator only).
func (kx *KeyExchange) SignedPrime() string { return kx.signedPrime }

// SignedGenerator returns the hex RSA signature of the decimal generator (initiator only).
func (kx *KeyExchange) SignedGenerator() string { return kx.signedGenerator }

// IsBannerHandshake reports whether the group came from a banner image.
func (kx *KeyExchange) IsBannerHandshake() bool { return kx.bannerHandshake }

// DoHandshake verifies the signed group delivered by the server and derives
// this side's DH key pair. Nothing is derived when verification fails.
func (kx *KeyExchange) DoHandshake(signedPrime, signedGenerator string) error {
	if kx.role != Responder {
		return fmt.Errorf("DoHandshake on %s", kx.role)
	}

	prime, err := kx.verifyDecimal(signedPrime)
	if err != nil {
		return fmt.Errorf("verifying dh prime: %w", err)
	}
	generator, err := kx.verifyDecimal(signedGenerator)
	if err != nil {
		return fmt.Errorf("verifying dh generator: %w", err)
	}
	return kx.setGroup(prime, generator)
}

// DoBannerHandshake extracts the group from a PNG banner obfuscated with token.
// Public keys are then exchanged as plain decimal strings.
func (kx *KeyExchange) DoBannerHandshake(banner []byte, token string) error {
	if kx.role != Responder {
		return fmt.Errorf("DoBannerHandshake on %s", kx.role)
	}

	prime, generator, err := DecodeBanner(banner, token)
	if err != nil {
		return err
	}
	if err := kx.setGroup(prime, generator); err != nil {
		return err
	}
	kx.bannerHandshake = true
	return nil
}

// PublicKey returns this side's public value in wire form, computed once.
// The initiator signs it, the responder encrypts it, a banner handshake sends it in the clear.
func (kx *KeyExchange) PublicKey() (string, error) {
	if kx.public == nil {
		return "", ErrNotReady
	}
	if kx.publicKey != "" {
		return kx.publicKey, nil
	}

	decimal := kx.public.String()
	var (
		encoded string
		err     error
	)
	switch {
	case kx.bannerHandshake:
		encoded = decimal
	case kx.role == Initiator:
		encoded, err = kx.sign(decimal)
	default:
		var raw []byte
		if raw, err = kx.rsa.Encrypt([]byte(decimal)); err == nil {
			encoded = EncodeHex(raw)
		}
	}
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}

	kx.publicKey = encoded
	return encoded, nil
}

// SharedKey unwraps the peer's public value and returns peer^private mod prime
// as big-endian bytes.
func (kx *KeyExchange) SharedKey(peerPublicKey string) ([]byte, error) {
	if kx.private == nil {
		return nil, ErrNotReady
	}

	var (
		peer *bignum.Int
		err  error
	)
	switch {
	case kx.bannerHandshake:
		peer, err = bignum.Parse(peerPublicKey, 10)
	case kx.role == Initiator:
		peer, err = kx.decryptDecimal(peerPublicKey)
	default:
		peer, err = kx.verifyDecimal(peerPublicKey)
	}
	if err != nil {
		return nil, fmt.Errorf("reading peer public key: %w", err)
	}

	if peer.Cmp(one) <= 0 || peer.Cmp(kx.prime) >= 0 {
		return nil, fmt.Errorf("%w: peer public value out of range", ErrInvalidParameters)
	}

	shared, err := peer.ModPow(kx.private, kx.prime)
	if err != nil {
		return nil, fmt.Errorf("computing shared key: %w", err)
	}
	return shared.Bytes(), nil
}

var (
	one = bignum.New(1)
	two = bignum.New(2)
)

// setGroup validates the group and derives the private and public values.
func (kx *KeyExchange) setGroup(prime, generator *bignum.Int) error {
	if prime.Cmp(two) <= 0 {
		return fmt.Errorf("%w: prime must be greater than 2", ErrInvalidParameters)
	}
	if generator.Cmp(one) <= 0 || generator.Cmp(prime) >= 0 {
		return fmt.Errorf("%w: generator must be in (1, prime)", ErrInvalidParameters)
	}

	private, err := kx.randomPrivate()
	if err != nil {
		return err
	}
	public, err := generator.ModPow(private, prime)
	if err != nil {
		return fmt.Errorf("computing dh public value: %w", err)
	}

	kx.prime, kx.generator = prime, generator
	kx.private, kx.public = private, public
	kx.publicKey = ""
	return nil
}

// randomPrivate draws PrivateKeyBits of secure randomness through its hex form.
func (kx *KeyExchange) randomPrivate() (*bignum.Int, error) {
	buf := make([]byte, (kx.cfg.PrivateKeyBits+7)/8)
	for {
		if _, err := io.ReadFull(kx.rand, buf); err != nil {
			return nil, fmt.Errorf("reading dh private key: %w", err)
		}
		if excess := len(buf)*8 - kx.cfg.PrivateKeyBits; excess > 0 {
			buf[0] &= 0xFF >> excess
		}
		private, err := bignum.Parse(hex.EncodeToString(buf), 16)
		if err != nil {
			return nil, err
		}
		if private.Cmp(one) > 0 {
			return private, nil
		}
	}
}

func (kx *KeyExchange) sign(decimal string) (string, error) {
	raw, err := kx.rsa.Sign([]byte(decimal))
	if err != nil {
		return "", err
	}
	return EncodeHex(raw), nil
}

func (kx *KeyExchange) verifyDecimal(signed string) (*bignum.Int, error) {
	raw, err := DecodeHex(signed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	plain, err := kx.rsa.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	v, err := bignum.Parse(string(plain), 10)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return v, nil
}

func (kx *KeyExchange) decryptDecimal(encrypted string) (*bignum.Int, error) {
	raw, err := DecodeHex(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	plain, err := kx.rsa.Decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	v, err := bignum.Parse(string(plain), 10)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	return v, nil
}
