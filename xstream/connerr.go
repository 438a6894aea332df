package xstream

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// isPlatformConnectionClosedErr recognizes the OS-level errors that mean
// "the peer closed the connection out from under us": broken pipe,
// connection reset, connection aborted. go-libp2p's muxed streams
// surface these as wrapped net.OpError/syscall errors.
func isPlatformConnectionClosedErr(err error) bool {
	if errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isPlatformConnectionClosedErr(opErr.Err)
	}
	return false
}

// classifyReadErr separates a read failure into its critical/recoverable
// classes: reset/abort/pipe are critical (the stream is gone), everything
// else (other than clean EOF, which isn't an error at all) is
// recoverable/propagated as-is.
func classifyReadErr(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return false
	}
	return isPlatformConnectionClosedErr(err)
}
