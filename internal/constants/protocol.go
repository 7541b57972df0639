package constants

// Habbo wire protocol constants.
//
// Frame layout: [4-byte BE length][2-byte BE header][body], where length = len(body) + 2.

// Packet Structure Constants
const (
	// FrameLengthSize is the size of the frame length prefix (4 bytes, big-endian int32)
	FrameLengthSize = 4

	// HeaderSize is the size of the packet header (2 bytes, big-endian uint16)
	HeaderSize = 2

	// FrameOverhead is the number of bytes preceding the body on the wire
	FrameOverhead = FrameLengthSize + HeaderSize

	// MaxFrameLength bounds the declared frame length accepted from the wire.
	// Anything larger is treated as a broken stream, not as a corrupted frame.
	MaxFrameLength = 1 << 24

	// StringLengthSize is the size of the string length prefix (2 bytes, big-endian uint16)
	StringLengthSize = 2
)

// Ancient (VL64/B64) Encoding Constants
const (
	// AncientBias is added to every 6-bit chunk of the legacy encodings
	AncientBias = 64

	// AncientIntMaxBytes is the maximum encoded width of an ancient int (2 + 5*6 = 32 bits)
	AncientIntMaxBytes = 6

	// AncientShortSize is the encoded width of an ancient short (12 bits)
	AncientShortSize = 2

	// AncientShortMax is the largest value representable by an ancient short
	AncientShortMax = 1<<12 - 1
)

// Key Exchange Constants
const (
	// DHPrimeBits is the bit size of the generated Diffie-Hellman prime and generator
	DHPrimeBits = 212

	// DHPrimeConfidence is the Miller-Rabin round count used when generating DH parameters
	DHPrimeConfidence = 6

	// DHPrivateKeyBits is the default bit size of the DH private exponent
	DHPrivateKeyBits = 120

	// RSAPublicExponent is the RSA public exponent used by the game (0x10001)
	RSAPublicExponent = 65537
)

// Flash policy file exchange.
const (
	// PolicyRequest is sent by Flash clients before the game connection
	PolicyRequest = "<policy-file-request/>\x00"

	// PolicyResponse allows every domain on every port
	PolicyResponse = "<?xml version=\"1.0\"?>\r\n" +
		"<!DOCTYPE cross-domain-policy SYSTEM \"/xml/dtds/cross-domain-policy.dtd\">\r\n" +
		"<cross-domain-policy>\r\n" +
		"<allow-access-from domain=\"*\" to-ports=\"*\" />\r\n" +
		"</cross-domain-policy>\x00"
)

// Buffer Size Constants
const (
	// DefaultReadBufSize is the initial frame buffer size for relay read loops
	DefaultReadBufSize = 4096
)
