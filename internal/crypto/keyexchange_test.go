package crypto

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/udisondev/habproxy/internal/bignum"
	"github.com/udisondev/habproxy/internal/constants"
)

func TestKeyExchange_SharedSecretsMatch(t *testing.T) {
	key := newTestKey(t)

	initiator, err := NewInitiator(key, DefaultKeyExchangeConfig())
	require.NoError(t, err)
	responder := NewResponder(key.Public(), DefaultKeyExchangeConfig())

	require.NoError(t, responder.DoHandshake(initiator.SignedPrime(), initiator.SignedGenerator()))
	assert.True(t, responder.Prime().Equal(initiator.Prime()))
	assert.True(t, responder.Generator().Equal(initiator.Generator()))

	initiatorPub, err := initiator.PublicKey()
	require.NoError(t, err)
	responderPub, err := responder.PublicKey()
	require.NoError(t, err)

	a, err := initiator.SharedKey(responderPub)
	require.NoError(t, err)
	b, err := responder.SharedKey(initiatorPub)
	require.NoError(t, err)

	assert.Equal(t, a, b, "both sides must derive the same shared key")
	assert.NotEmpty(t, a)

	// Общий ключ годится как ключ RC4 в обе стороны.
	enc, err := NewRC4(a)
	require.NoError(t, err)
	dec, err := NewRC4(b)
	require.NoError(t, err)
	data := []byte{0x00, 0x00, 0x00, 0x06, 0x0F, 0xA0, 0xFF, 0xFF, 0xFF, 0xFF}
	wire := enc.SafeParse(data)
	dec.Parse(wire)
	assert.Equal(t, data, wire)
}

func TestKeyExchange_InitiatorGroup(t *testing.T) {
	kx, err := NewInitiator(newTestKey(t), DefaultKeyExchangeConfig())
	require.NoError(t, err)

	assert.Equal(t, Initiator, kx.Role())
	assert.Equal(t, constants.DHPrimeBits, kx.Prime().BitCount())
	assert.Equal(t, constants.DHPrimeBits, kx.Generator().BitCount())
	assert.Negative(t, kx.Generator().Cmp(kx.Prime()), "generator must be below prime")
	assert.True(t, kx.Prime().IsProbablePrime())
	assert.NotEmpty(t, kx.SignedPrime())
	assert.NotEmpty(t, kx.SignedGenerator())
}

func TestKeyExchange_PublicKeyIsCached(t *testing.T) {
	key := newTestKey(t)
	initiator, err := NewInitiator(key, DefaultKeyExchangeConfig())
	require.NoError(t, err)
	responder := NewResponder(key.Public(), DefaultKeyExchangeConfig())
	require.NoError(t, responder.DoHandshake(initiator.SignedPrime(), initiator.SignedGenerator()))

	// Encryption is randomized, so only the cache keeps the value stable.
	first, err := responder.PublicKey()
	require.NoError(t, err)
	second, err := responder.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestKeyExchange_RejectsTamperedSignature(t *testing.T) {
	key := newTestKey(t)
	initiator, err := NewInitiator(key, DefaultKeyExchangeConfig())
	require.NoError(t, err)

	signed := []byte(initiator.SignedPrime())
	if signed[10] == 'a' {
		signed[10] = 'b'
	} else {
		signed[10] = 'a'
	}

	responder := NewResponder(key.Public(), DefaultKeyExchangeConfig())
	err = responder.DoHandshake(string(signed), initiator.SignedGenerator())
	require.ErrorIs(t, err, ErrVerification)

	assert.Nil(t, responder.Prime(), "no state from unverified material")
	_, err = responder.PublicKey()
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = responder.SharedKey("00")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestKeyExchange_RejectsForeignSigner(t *testing.T) {
	initiator, err := NewInitiator(newTestKey(t), DefaultKeyExchangeConfig())
	require.NoError(t, err)

	responder := NewResponder(newTestKey(t).Public(), DefaultKeyExchangeConfig())
	err = responder.DoHandshake(initiator.SignedPrime(), initiator.SignedGenerator())
	assert.ErrorIs(t, err, ErrVerification)
}

func TestKeyExchange_RejectsInvalidGroup(t *testing.T) {
	key := newTestKey(t)
	sign := func(s string) string {
		raw, err := key.Sign([]byte(s))
		require.NoError(t, err)
		return EncodeHex(raw)
	}

	tests := []struct {
		name             string
		prime, generator string
	}{
		{"prime too small", "2", "1"},
		{"generator equals prime", "23", "23"},
		{"generator above prime", "23", "29"},
		{"generator one", "23", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			responder := NewResponder(key.Public(), DefaultKeyExchangeConfig())
			err := responder.DoHandshake(sign(tt.prime), sign(tt.generator))
			assert.ErrorIs(t, err, ErrInvalidParameters)
		})
	}
}

func TestKeyExchange_RejectsGarbagePeerKey(t *testing.T) {
	key := newTestKey(t)
	initiator, err := NewInitiator(key, DefaultKeyExchangeConfig())
	require.NoError(t, err)

	_, err = initiator.SharedKey("zz")
	assert.ErrorIs(t, err, ErrVerification)

	// Correctly encrypted but out of range.
	raw, err := key.Encrypt([]byte("1"))
	require.NoError(t, err)
	_, err = initiator.SharedKey(EncodeHex(raw))
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestKeyExchange_RoleMisuse(t *testing.T) {
	key := newTestKey(t)
	initiator, err := NewInitiator(key, DefaultKeyExchangeConfig())
	require.NoError(t, err)

	assert.Error(t, initiator.DoHandshake(initiator.SignedPrime(), initiator.SignedGenerator()))
	assert.Error(t, initiator.DoBannerHandshake(nil, "token"))

	_, err = NewInitiator(key.Public(), DefaultKeyExchangeConfig())
	assert.ErrorIs(t, err, ErrNoPrivateKey)
}

func TestKeyExchange_BannerHandshake(t *testing.T) {
	prime, err := bignum.GeneratePseudoPrime(constants.DHPrimeBits, constants.DHPrimeConfidence, rand.Reader)
	require.NoError(t, err)
	generator := bignum.New(5)
	token := "f1a2b3c4d5e6"

	pngData := encodeTestBanner(t, prime, generator, token)

	responder := NewResponder(newTestKey(t).Public(), DefaultKeyExchangeConfig())
	require.NoError(t, responder.DoBannerHandshake(pngData, token))
	assert.True(t, responder.IsBannerHandshake())
	assert.True(t, responder.Prime().Equal(prime))
	assert.True(t, responder.Generator().Equal(generator))

	// Peer side computed by hand.
	peerPrivate, err := bignum.Random(64, rand.Reader)
	require.NoError(t, err)
	peerPublic, err := generator.ModPow(peerPrivate, prime)
	require.NoError(t, err)

	ours, err := responder.PublicKey()
	require.NoError(t, err)
	oursInt, err := bignum.Parse(ours, 10)
	require.NoError(t, err, "banner public keys are plain decimal")

	shared, err := responder.SharedKey(peerPublic.String())
	require.NoError(t, err)
	want, err := oursInt.ModPow(peerPrivate, prime)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), shared)
}
