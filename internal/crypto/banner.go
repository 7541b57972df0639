package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/udisondev/habproxy/internal/bignum"
	"github.com/udisondev/habproxy/internal/wire"
)

// ErrBanner is returned when a banner does not carry a readable DH group.
var ErrBanner = errors.New("banner: invalid payload")

// Payload region of the banner. Every pixel contributes the low bit of its
// R, G and B channels, most significant bit first.
const (
	bannerRowStart = 39
	bannerRowEnd   = 69
	bannerColStart = 4
	bannerColEnd   = 84

	// BannerCapacity is the number of payload bytes a banner can carry.
	BannerCapacity = (bannerRowEnd - bannerRowStart) * (bannerColEnd - bannerColStart) * 3 / 8
)

// DecodeBanner parses a PNG banner and returns the DH prime and generator it carries.
func DecodeBanner(data []byte, token string) (prime, generator *bignum.Int, err error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decoding banner png: %w", err)
	}
	return ExtractBannerParameters(img, token)
}

// ExtractBannerParameters reads the payload bits, XORs them with token and
// decodes two length-prefixed decimal strings: prime, then generator.
func ExtractBannerParameters(img image.Image, token string) (prime, generator *bignum.Int, err error) {
	if token == "" {
		return nil, nil, fmt.Errorf("%w: empty token", ErrBanner)
	}
	b := img.Bounds()
	if b.Dx() < bannerColEnd || b.Dy() < bannerRowEnd {
		return nil, nil, fmt.Errorf("%w: image %dx%d is too small", ErrBanner, b.Dx(), b.Dy())
	}

	payload := make([]byte, 0, BannerCapacity)
	var acc byte
	var nbits int
	for y := bannerRowStart; y < bannerRowEnd; y++ {
		for x := bannerColStart; x < bannerColEnd; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			for _, ch := range [3]uint8{c.R, c.G, c.B} {
				acc = acc<<1 | ch&1
				if nbits++; nbits == 8 {
					payload = append(payload, acc)
					acc, nbits = 0, 0
				}
			}
		}
	}

	xorToken(payload, token)

	primeText, n, err := wire.DecodeString(payload, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: prime: %w", ErrBanner, err)
	}
	generatorText, _, err := wire.DecodeString(payload, n)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: generator: %w", ErrBanner, err)
	}

	if prime, err = bignum.Parse(primeText, 10); err != nil {
		return nil, nil, fmt.Errorf("%w: prime: %w", ErrBanner, err)
	}
	if generator, err = bignum.Parse(generatorText, 10); err != nil {
		return nil, nil, fmt.Errorf("%w: generator: %w", ErrBanner, err)
	}
	return prime, generator, nil
}

// EncodeBanner hides prime and generator in a copy of base. base must be at
// least 84x69 pixels.
func EncodeBanner(base image.Image, prime, generator *bignum.Int, token string) (*image.NRGBA, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrBanner)
	}
	b := base.Bounds()
	if b.Dx() < bannerColEnd || b.Dy() < bannerRowEnd {
		return nil, fmt.Errorf("%w: image %dx%d is too small", ErrBanner, b.Dx(), b.Dy())
	}

	p, err := wire.EncodeString(prime.String())
	if err != nil {
		return nil, err
	}
	g, err := wire.EncodeString(generator.String())
	if err != nil {
		return nil, err
	}
	payload := make([]byte, BannerCapacity)
	if len(p)+len(g) > len(payload) {
		return nil, fmt.Errorf("%w: %d bytes exceeds capacity %d", ErrBanner, len(p)+len(g), BannerCapacity)
	}
	copy(payload, p)
	copy(payload[len(p):], g)
	xorToken(payload, token)

	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := range b.Dy() {
		for x := range b.Dx() {
			out.Set(x, y, base.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	bit := 0
	next := func(v uint8) uint8 {
		set := payload[bit/8] >> (7 - bit%8) & 1
		bit++
		return v&^1 | set
	}
	for y := bannerRowStart; y < bannerRowEnd; y++ {
		for x := bannerColStart; x < bannerColEnd; x++ {
			c := out.NRGBAAt(x, y)
			c.R = next(c.R)
			c.G = next(c.G)
			c.B = next(c.B)
			c.A = 0xFF
			out.SetNRGBA(x, y, c)
		}
	}
	return out, nil
}

func xorToken(data []byte, token string) {
	for i := range data {
		data[i] ^= token[i%len(token)]
	}
}
