package testutil

import "errors"

// ErrSimulated is what fakes return when a test wants a collaborator to fail.
var ErrSimulated = errors.New("simulated failure")
