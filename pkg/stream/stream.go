// Package stream bridges an accepted TCP connection into a pair of
// independently closable byte streams.
//
// The input stream reads from the connection and the output stream writes to
// it. Closing one half shuts down only that direction; the connection itself
// is closed once both halves are. Either stream can be scheduled on a
// runloop.Loop to receive readiness events.
package stream

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	"go.uber.org/multierr"

	"github.com/backkem/netservice/pkg/runloop"
)

// waitSlice bounds one blocking readiness poll so cancellation is noticed.
const waitSlice = 100 * time.Millisecond

// Status is the lifecycle state of a stream.
type Status int

// Status constants.
const (
	StatusNotOpen Status = iota
	StatusOpening
	StatusOpen
	StatusReading
	StatusWriting
	StatusAtEnd
	StatusClosed
	StatusError
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusNotOpen:
		return "NotOpen"
	case StatusOpening:
		return "Opening"
	case StatusOpen:
		return "Open"
	case StatusReading:
		return "Reading"
	case StatusWriting:
		return "Writing"
	case StatusAtEnd:
		return "AtEnd"
	case StatusClosed:
		return "Closed"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Event is a stream event delivered to a scheduled Handler.
type Event int

// Event constants.
const (
	EventNone              Event = 0
	EventOpenCompleted     Event = 1 << 0
	EventHasBytesAvailable Event = 1 << 1
	EventHasSpaceAvailable Event = 1 << 2
	EventErrorOccurred     Event = 1 << 3
	EventEndEncountered    Event = 1 << 4
)

// String returns a human-readable name for the event.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventOpenCompleted:
		return "OpenCompleted"
	case EventHasBytesAvailable:
		return "HasBytesAvailable"
	case EventHasSpaceAvailable:
		return "HasSpaceAvailable"
	case EventErrorOccurred:
		return "ErrorOccurred"
	case EventEndEncountered:
		return "EndEncountered"
	default:
		return "Unknown"
	}
}

// Handler receives stream events on the loop the stream is scheduled on.
type Handler func(Event)

// Conn is a duplex connection that supports half-shutdown and exposes its
// descriptor for readiness checks. *net.TCPConn implements it.
type Conn interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
	SyscallConn() (syscall.RawConn, error)
}

// Config holds configuration for a stream pair.
type Config struct {
	// LoggerFactory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Pair is the input and output stream of one connection.
type Pair struct {
	Input  *InputStream
	Output *OutputStream
}

// Close closes both halves.
func (p Pair) Close() error {
	return multierr.Combine(p.Input.Close(), p.Output.Close())
}

// NewPair wraps conn in an input and an output stream. Both start NotOpen.
func NewPair(conn Conn, config Config) (Pair, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return Pair{}, err
	}

	s := &socket{conn: conn, raw: rc}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("stream")
	}

	return Pair{
		Input:  &InputStream{half: newHalf(s, dirRead)},
		Output: &OutputStream{half: newHalf(s, dirWrite)},
	}, nil
}

// socket is the descriptor shared by both halves.
type socket struct {
	conn Conn
	raw  syscall.RawConn
	log  logging.LeveledLogger

	mu          sync.Mutex
	readClosed  bool
	writeClosed bool
}

func (s *socket) shutdown(dir direction) error {
	s.mu.Lock()
	if dir == dirRead {
		s.readClosed = true
	} else {
		s.writeClosed = true
	}
	both := s.readClosed && s.writeClosed
	s.mu.Unlock()

	if both {
		if s.log != nil {
			s.log.Debugf("both halves closed, releasing %s", s.conn.RemoteAddr())
		}
		return s.conn.Close()
	}

	var err error
	if dir == dirRead {
		err = s.conn.CloseRead()
	} else {
		err = s.conn.CloseWrite()
	}
	if errors.Is(err, syscall.ENOTCONN) {
		// The peer already tore the connection down.
		return nil
	}
	return err
}

func (s *socket) poll(dir direction, timeout time.Duration) (readiness, error) {
	return pollConn(s.raw, dir, timeout)
}

type direction int

const (
	dirRead direction = iota
	dirWrite
)

type readiness int

const (
	notReady readiness = iota
	ready
	hangup
	failed
)

// half holds the state common to both stream directions.
type half struct {
	sock *socket
	dir  direction

	mu          sync.Mutex
	status      Status
	err         error
	handler     Handler
	loop        *runloop.Loop
	reg         *runloop.Registration
	pending     Event
	openPending bool

	opened    chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	// rearm holds a token while the stream may report readiness again.
	// Reads and writes put the token back so level-triggered readiness
	// does not repeat until the handler acted on it.
	rearm chan struct{}
}

func newHalf(s *socket, dir direction) *half {
	h := &half{
		sock:   s,
		dir:    dir,
		opened: make(chan struct{}),
		closed: make(chan struct{}),
		rearm:  make(chan struct{}, 1),
	}
	h.rearm <- struct{}{}
	return h
}

func (h *half) arm() {
	select {
	case h.rearm <- struct{}{}:
	default:
	}
}

// Open opens the stream. Scheduled handlers receive EventOpenCompleted.
// Opening an open stream is a no-op.
func (h *half) Open() error {
	h.mu.Lock()
	switch h.status {
	case StatusClosed:
		h.mu.Unlock()
		return ErrClosed
	case StatusNotOpen:
	default:
		h.mu.Unlock()
		return nil
	}
	h.status = StatusOpen
	loop, handler := h.loop, h.handler
	if loop == nil || handler == nil {
		h.openPending = true
	}
	h.mu.Unlock()

	// Queue the open event before readiness can be observed.
	if loop != nil && handler != nil {
		loop.Post(func() { h.emit(EventOpenCompleted) })
	}
	h.openOnce.Do(func() { close(h.opened) })
	return nil
}

// Status returns the current stream status.
func (h *half) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Err returns the error that moved the stream into StatusError.
func (h *half) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// markClosed moves the stream to StatusClosed and reports whether this was
// the first close.
func (h *half) markClosed() bool {
	first := false
	h.closeOnce.Do(func() {
		first = true
		close(h.closed)
	})
	if !first {
		return false
	}

	h.mu.Lock()
	h.status = StatusClosed
	reg := h.reg
	h.reg = nil
	h.mu.Unlock()

	if reg != nil {
		reg.Cancel()
	}
	return true
}

func (h *half) close() error {
	if !h.markClosed() {
		return nil
	}
	return h.sock.shutdown(h.dir)
}

// Schedule delivers the stream's events to handler on loop. A stream has at
// most one registration: scheduling again on the same loop resumes a
// suspended registration and is otherwise a no-op apart from replacing the
// handler.
func (h *half) Schedule(loop *runloop.Loop, handler Handler) {
	h.mu.Lock()
	h.handler = handler
	if h.status == StatusClosed {
		h.mu.Unlock()
		return
	}
	if h.reg != nil && h.loop == loop {
		reg := h.reg
		h.mu.Unlock()
		reg.Resume()
		return
	}

	old := h.reg
	h.loop = loop
	if h.openPending && h.status != StatusNotOpen {
		h.openPending = false
		loop.Post(func() { h.emit(EventOpenCompleted) })
	}
	h.reg = loop.Register(h, h.dispatch)
	h.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
}

// Unschedule suspends event delivery until the stream is scheduled again.
func (h *half) Unschedule() {
	h.mu.Lock()
	reg := h.reg
	h.mu.Unlock()

	if reg != nil {
		reg.Suspend()
	}
}

func (h *half) emit(ev Event) {
	h.mu.Lock()
	handler := h.handler
	closed := h.status == StatusClosed
	h.mu.Unlock()

	if handler != nil && !closed {
		handler(ev)
	}
}

// dispatch runs on the loop after Wait observed readiness.
func (h *half) dispatch() {
	h.mu.Lock()
	ev := h.pending
	h.pending = EventNone
	if h.status == StatusClosed {
		h.mu.Unlock()
		return
	}
	switch ev {
	case EventEndEncountered:
		h.status = StatusAtEnd
	case EventErrorOccurred:
		h.status = StatusError
	}
	h.mu.Unlock()

	if ev != EventNone {
		h.emit(ev)
	}
}

func (h *half) finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.status {
	case StatusAtEnd, StatusError, StatusClosed:
		return true
	default:
		return false
	}
}

// Wait blocks until the stream has an event to report. It implements
// runloop.Source.
func (h *half) Wait(ctx context.Context) error {
	select {
	case <-h.opened:
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	if h.finished() {
		return errFinished
	}

	select {
	case <-h.rearm:
	case <-h.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		r, err := h.sock.poll(h.dir, waitSlice)

		select {
		case <-h.closed:
			return ErrClosed
		default:
		}
		if ctx.Err() != nil {
			h.arm()
			return ctx.Err()
		}

		var ev Event
		switch r {
		case notReady:
			continue
		case ready:
			ev = EventHasBytesAvailable
			if h.dir == dirWrite {
				ev = EventHasSpaceAvailable
			}
		case hangup:
			ev = EventEndEncountered
		case failed:
			ev = EventErrorOccurred
		}

		h.mu.Lock()
		h.pending = ev
		if ev == EventErrorOccurred {
			h.err = err
		}
		h.mu.Unlock()

		if h.sock.log != nil {
			h.sock.log.Tracef("%s readiness on %s", ev, h.sock.conn.RemoteAddr())
		}
		return nil
	}
}

// begin moves an open stream into the transfer status and returns the error
// to report if the stream cannot transfer.
func (h *half) begin(busy Status, terminal error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.status {
	case StatusNotOpen, StatusOpening:
		return ErrNotOpen
	case StatusClosed:
		return ErrClosed
	case StatusAtEnd:
		return terminal
	case StatusError:
		return h.err
	}
	h.status = busy
	return nil
}

// end records the outcome of a transfer and re-arms readiness events.
func (h *half) end(busy Status, err error, atEnd func(error) bool) {
	h.mu.Lock()
	if h.status == busy {
		switch {
		case err == nil:
			h.status = StatusOpen
		case atEnd(err):
			h.status = StatusAtEnd
		default:
			h.status = StatusError
			h.err = err
		}
	}
	h.mu.Unlock()

	h.arm()
}
