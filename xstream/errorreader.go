package xstream

import (
	"context"
	"io"
	"sync"
	"time"
)

var errLog = xlogLogger("xnetwork/xstream")

// errorSlot is the shared, at-most-once-delivery mailbox for bytes read
// off an XStream's error substream. A channel that's closed exactly once
// signals delivery, avoiding the need for a separate condition variable.
type errorSlot struct {
	mu       sync.Mutex
	data     []byte
	hasData  bool
	closed   bool
	ready    chan struct{} // closed when data arrives or Close runs
	readyVal struct {
		data       []byte
		unexpected bool // store closed before data arrived
	}
}

func newErrorSlot() *errorSlot {
	return &errorSlot{ready: make(chan struct{})}
}

// Store delivers bytes at-most-once. Subsequent calls, or calls after
// Close, are no-ops, reported to the caller via the bool return.
func (s *errorSlot) Store(data []byte) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasData || s.closed {
		return false
	}
	s.data = data
	s.hasData = true
	s.readyVal.data = data
	close(s.ready)
	return true
}

// Wait blocks until data is stored or the slot is closed. If closed
// first with no data ever stored, it reports unexpected-EOF via ok=false
// with a nil slice distinguishable from "empty but present" data only by
// the ok flag.
func (s *errorSlot) Wait(ctx context.Context) (data []byte, ok bool) {
	s.mu.Lock()
	if s.hasData {
		d := s.data
		s.mu.Unlock()
		return d, true
	}
	if s.closed {
		s.mu.Unlock()
		return nil, false
	}
	ready := s.ready
	s.mu.Unlock()

	select {
	case <-ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.hasData {
			return s.data, true
		}
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

// Close wakes all waiters. After Close, Store always fails.
func (s *errorSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.hasData {
		close(s.ready)
	}
}

// errSubstream is the narrow slice of network.Stream the error-reader
// actually touches; tests substitute a plain io.Reader-backed double
// instead of a full fake network.Stream.
type errSubstream interface {
	io.Reader
	CloseRead() error
}

// errorReader drains an outbound XStream's error substream in the
// background, pushing whatever it reads into an errorSlot. Only
// outbound XStreams run one of these; inbound XStreams write to the
// error substream instead of reading it.
type errorReader struct {
	slot   *errorSlot
	stream errSubstream

	mu      sync.Mutex
	done    chan struct{}
	started bool
}

func newErrorReader(stream errSubstream, slot *errorSlot) *errorReader {
	return &errorReader{slot: slot, stream: stream, done: make(chan struct{})}
}

// Start launches the background read-to-EOF loop. Safe to call once.
func (r *errorReader) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go r.run()
}

func (r *errorReader) run() {
	defer close(r.done)
	buf, err := io.ReadAll(r.stream)
	if err != nil && len(buf) == 0 {
		errLog.Debugw("error-reader read failed", "err", err)
	}
	r.slot.Store(buf)
}

// Shutdown signals the background task to stop and waits up to timeout
// for it to finish; past that it gives up (Go has no way to forcibly
// abort a blocked goroutine) and logs rather than panics.
func (r *errorReader) Shutdown(timeout time.Duration) {
	r.slot.Close()
	_ = r.stream.CloseRead()
	select {
	case <-r.done:
	case <-time.After(timeout):
		errLog.Warnw("error-reader did not exit within shutdown deadline; abandoning", "timeout", timeout)
	}
}
