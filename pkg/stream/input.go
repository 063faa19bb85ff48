package stream

import (
	"errors"
	"io"
)

// InputStream is the readable half of a connection.
type InputStream struct {
	*half
}

// Read reads up to len(p) bytes from the connection. It blocks like the
// underlying conn; use HasBytesAvailable or a scheduled handler to avoid
// blocking. At end of stream Read returns io.EOF.
func (s *InputStream) Read(p []byte) (int, error) {
	if err := s.begin(StatusReading, io.EOF); err != nil {
		return 0, err
	}
	n, err := s.sock.conn.Read(p)
	s.end(StatusReading, err, isEOF)
	return n, err
}

// HasBytesAvailable reports whether a Read would return data without
// blocking. It does not change the stream's state.
func (s *InputStream) HasBytesAvailable() bool {
	switch s.Status() {
	case StatusOpen, StatusReading:
	default:
		return false
	}
	r, _ := s.sock.poll(dirRead, 0)
	return r == ready
}

// Close shuts down the read direction of the connection. Closing twice is a
// no-op.
func (s *InputStream) Close() error {
	return s.close()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
