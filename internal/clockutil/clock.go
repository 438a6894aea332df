// Package clockutil re-exports benbjohnson/clock so timeout-driven code
// (the matcher's sweep and header-read timeout, the per-direction auth
// timeout sweep) can be driven by a mock clock in tests instead of real
// sleeps.
package clockutil

import "github.com/benbjohnson/clock"

// Clock is the indirection point the matcher, the xauth service and the
// discovery coordinator take their time from; the error-reader shutdown and the Commander's wait
// helpers use the time package directly. Production code uses
// clock.New(); tests substitute
// clock.NewMock().
type Clock = clock.Clock

// New returns the real wall-clock implementation.
func New() Clock {
	return clock.New()
}
