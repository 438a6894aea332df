// Package xerrs defines the sentinel error values shared across xstream,
// xauth, discovery and xnetwork, so callers can use errors.Is regardless
// of which subsystem produced the error.
package xerrs

import "errors"

var (
	// ErrTimeout is returned when a bounded peer-find query reaches its
	// deadline. The matcher's header-read timeout, the per-direction auth
	// timeout and the dial/listen-wait timeouts report their own errors
	// and do not wrap it.
	ErrTimeout = errors.New("xnetwork: timeout")

	// ErrProtocol is wrapped by xstream when an inbound stream is
	// rejected and when an open finds no connection to the peer.
	// Matcher failures (duplicate substream roles, malformed headers)
	// are reported as *xstream.MatchError and do not wrap it.
	ErrProtocol = errors.New("xnetwork: protocol error")

	// ErrServiceUnavailable is returned when an operation needs a
	// sub-behaviour (DHT, Identify, Relay, ...) that is disabled.
	ErrServiceUnavailable = errors.New("xnetwork: service unavailable")

	// ErrCancelled covers peer-find cancellation and command-channel
	// closure during shutdown.
	ErrCancelled = errors.New("xnetwork: cancelled")

	// ErrValidation covers PoR validation failures (expired, not yet
	// valid, bad signature).
	ErrValidation = errors.New("xnetwork: validation error")

	// ErrClosed is returned by XStream operations after close().
	ErrClosed = errors.New("xnetwork: stream closed")

	// ErrNotFound is returned when a peer-find resolves with no
	// addresses by the deadline.
	ErrNotFound = errors.New("xnetwork: not found")
)
