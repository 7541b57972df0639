package constants

import "time"

// Test Constants
//
// IMPORTANT: These constants are for testing only. DO NOT use in production code.

const (
	// TestIOTimeout bounds every blocking socket operation in relay tests
	TestIOTimeout = 2 * time.Second

	// TestEventTimeout is how long tests wait for an asynchronously dispatched notification
	TestEventTimeout = time.Second

	// TestRSAKeyBits is the RSA key size used by crypto fixtures (fits the bignum capacity)
	TestRSAKeyBits = 1024
)
