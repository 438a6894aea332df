package xstream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/solarw/xnetwork/xnetwork/xerrs"
)

// ErrorShutdownTimeout bounds how long Close waits for the error-reader
// goroutine to drain before abandoning it.
const ErrorShutdownTimeout = 5 * time.Second

// ReadFailure is the composite value a failing read returns: whatever
// bytes were already received before the failure, plus a typed cause.
// Applications see what they already got even when the read ultimately
// failed.
type ReadFailure struct {
	Partial []byte
	Cause   error
	// ServerError holds error-substream bytes received before the main
	// substream failed, when the cause is an application-level error
	// rather than a bare I/O failure.
	ServerError []byte
}

func (f *ReadFailure) Error() string {
	if len(f.ServerError) > 0 {
		return fmt.Sprintf("xstream: read failed after %d bytes, server error: %q", len(f.Partial), f.ServerError)
	}
	return fmt.Sprintf("xstream: read failed after %d bytes: %v", len(f.Partial), f.Cause)
}

func (f *ReadFailure) Unwrap() error { return f.Cause }

// XStream is the paired read/write/error byte channel applications use.
// It owns its Main and Error substreams exclusively; they are closed
// when the XStream closes.
type XStream struct {
	ID        ID
	Peer      peer.ID
	Direction Direction

	main  network.Stream
	errS  network.Stream
	state *StateManager

	errSlot       *errorSlot
	errReader     *errorReader // nil for inbound streams
	errWrittenMu  sync.Mutex
	errWritten    bool
	writeMu       sync.Mutex
	closeOnce     sync.Once
}

// New constructs an XStream from a matched Pair. direction must match
// the direction the Pair was matched under. notifier, if non-nil,
// receives the stream's single closure notification.
func New(pair Pair, direction Direction, notifier chan<- ClosureEvent) *XStream {
	s := &XStream{
		ID:        pair.Key.StreamID,
		Peer:      pair.Key.Peer,
		Direction: direction,
		main:      pair.Main,
		errS:      pair.Error,
		state:     NewStateManager(pair.Key.StreamID, pair.Key.Peer, direction, notifier),
		errSlot:   newErrorSlot(),
	}
	if direction == Outbound {
		s.errReader = newErrorReader(pair.Error, s.errSlot)
		s.errReader.Start()
	}
	return s
}

// State returns the current lifecycle state.
func (s *XStream) State() State { return s.state.State() }

// WriteAll writes all of b to the main substream. Fails if the write
// half is already closed locally.
func (s *XStream) WriteAll(b []byte) error {
	if s.state.IsWriteLocalClosed() {
		return fmt.Errorf("xstream: write after local close: %w", xerrs.ErrClosed)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.main.Write(b)
	if err != nil {
		if s.state.HandleConnectionError(err) {
			return fmt.Errorf("xstream: write: %w", err)
		}
		return fmt.Errorf("xstream: write: %w", err)
	}
	return nil
}

// Flush flushes the main write-half. go-libp2p streams have no explicit
// flush; writes are unbuffered at this layer, so beyond the closed
// check Flush is a no-op kept for interface symmetry with Write.
func (s *XStream) Flush() error {
	if s.state.IsWriteLocalClosed() {
		return fmt.Errorf("xstream: flush after local close: %w", xerrs.ErrClosed)
	}
	return nil
}

// Read reads whatever bytes are currently available from the main
// read-half. Returns (nil, nil) on clean EOF.
func (s *XStream) Read() ([]byte, error) {
	buf := make([]byte, 32*1024)
	n, err := s.main.Read(buf)
	if n > 0 {
		data := buf[:n]
		if err == io.EOF {
			s.state.MarkReadRemoteClosed()
			return data, nil
		}
		if err != nil {
			s.state.HandleConnectionError(err)
			return data, fmt.Errorf("xstream: read: %w", err)
		}
		return data, nil
	}
	if err == io.EOF {
		s.state.MarkReadRemoteClosed()
		return nil, nil
	}
	if err != nil {
		s.state.HandleConnectionError(err)
		return nil, fmt.Errorf("xstream: read: %w", err)
	}
	return nil, nil
}

// ReadExact reads exactly n bytes. On premature EOF it returns a
// *ReadFailure carrying the partial bytes received.
func (s *XStream) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(s.main, buf)
	if err != nil {
		if classifyReadErr(err) {
			s.state.HandleConnectionError(err)
		}
		return nil, s.wrapReadFailure(buf[:read], err)
	}
	return buf, nil
}

// ReadToEnd reads until EOF. On a non-EOF failure mid-read it returns a
// *ReadFailure with whatever was read so far.
func (s *XStream) ReadToEnd() ([]byte, error) {
	data, err := io.ReadAll(s.main)
	if err != nil {
		if classifyReadErr(err) {
			s.state.HandleConnectionError(err)
		}
		return nil, s.wrapReadFailure(data, err)
	}
	s.state.MarkReadRemoteClosed()
	return data, nil
}

func (s *XStream) wrapReadFailure(partial []byte, cause error) *ReadFailure {
	f := &ReadFailure{Partial: partial, Cause: cause}
	if data, ok := s.errSlot.Wait(timeoutCtx(50 * time.Millisecond)); ok && len(data) > 0 {
		f.ServerError = data
	}
	return f
}

func timeoutCtx(d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	_ = cancel // the context expires on its own; callers don't hold it
	return ctx
}

// ErrorWrite writes raw bytes to the error substream. Marks the sticky
// "error-written" flag (set-once; further calls keep writing bytes but
// the flag stays set).
func (s *XStream) ErrorWrite(b []byte) error {
	s.errWrittenMu.Lock()
	s.errWritten = true
	s.errWrittenMu.Unlock()
	_, err := s.errS.Write(b)
	if err != nil {
		return fmt.Errorf("xstream: error-write: %w", err)
	}
	return nil
}

// WriteError is a convenience wrapper writing a UTF-8 string.
func (s *XStream) WriteError(msg string) error {
	return s.ErrorWrite([]byte(msg))
}

// HasErrorWritten reports whether ErrorWrite/WriteError has ever been
// called on this stream.
func (s *XStream) HasErrorWritten() bool {
	s.errWrittenMu.Lock()
	defer s.errWrittenMu.Unlock()
	return s.errWritten
}

// ErrorRead returns cached error-substream bytes, suspending until the
// background reader produces them. Only outbound streams run that
// reader; on an inbound stream nothing fills the slot, so ErrorRead
// waits until ctx ends or the slot is closed and then returns an
// io.ErrUnexpectedEOF-wrapped error.
func (s *XStream) ErrorRead(ctx context.Context) ([]byte, error) {
	data, ok := s.errSlot.Wait(ctx)
	if !ok {
		return nil, fmt.Errorf("xstream: error-read: %w", io.ErrUnexpectedEOF)
	}
	return data, nil
}

// WriteEOF shuts down the main write-half.
func (s *XStream) WriteEOF() error {
	if err := s.main.CloseWrite(); err != nil {
		return fmt.Errorf("xstream: write-eof: %w", err)
	}
	s.state.MarkWriteLocalClosed()
	return nil
}

// CloseRead shuts down the main read-half; further reads fail.
func (s *XStream) CloseRead() error {
	if err := s.main.CloseRead(); err != nil {
		return fmt.Errorf("xstream: close-read: %w", err)
	}
	return nil
}

// Close closes both substreams. Idempotent.
func (s *XStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.errReader != nil {
			s.errReader.Shutdown(ErrorShutdownTimeout)
		} else {
			s.errSlot.Close()
		}
		e1 := s.main.Close()
		e2 := s.errS.Close()
		s.state.MarkLocalClosed()
		if e1 != nil {
			err = fmt.Errorf("xstream: close main: %w", e1)
		} else if e2 != nil {
			err = fmt.Errorf("xstream: close error: %w", e2)
		}
	})
	return err
}
