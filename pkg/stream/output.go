package stream

import (
	"errors"
	"syscall"
)

// OutputStream is the writable half of a connection.
type OutputStream struct {
	*half
}

// Write writes p to the connection and returns the number of bytes written.
func (s *OutputStream) Write(p []byte) (int, error) {
	if err := s.begin(StatusWriting, syscall.EPIPE); err != nil {
		return 0, err
	}
	n, err := s.sock.conn.Write(p)
	s.end(StatusWriting, err, isBrokenPipe)
	return n, err
}

// HasSpaceAvailable reports whether a Write would accept data without
// blocking. It does not change the stream's state.
func (s *OutputStream) HasSpaceAvailable() bool {
	switch s.Status() {
	case StatusOpen, StatusWriting:
	default:
		return false
	}
	r, _ := s.sock.poll(dirWrite, 0)
	return r == ready
}

// Close shuts down the write direction of the connection, sending FIN to the
// peer. Closing twice is a no-op.
func (s *OutputStream) Close() error {
	return s.close()
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
