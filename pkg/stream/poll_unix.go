//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package stream

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// pollConn waits up to timeout for the direction's readiness. The poll runs
// inside Control so the descriptor stays valid without taking the conn's
// read or write lock.
func pollConn(rc syscall.RawConn, dir direction, timeout time.Duration) (readiness, error) {
	var (
		r    readiness
		perr error
	)
	if err := rc.Control(func(fd uintptr) {
		r, perr = pollFD(int(fd), dir, timeout)
	}); err != nil {
		return failed, err
	}
	return r, perr
}

func pollFD(fd int, dir direction, timeout time.Duration) (readiness, error) {
	events := int16(unix.POLLIN)
	if dir == dirWrite {
		events = unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return notReady, nil
		}
		return failed, err
	}
	if n == 0 {
		return notReady, nil
	}

	revents := fds[0].Revents
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		return failed, socketError(fd)
	}

	if dir == dirWrite {
		switch {
		case revents&unix.POLLHUP != 0:
			return hangup, nil
		case revents&unix.POLLOUT != 0:
			return ready, nil
		default:
			return notReady, nil
		}
	}

	if revents&(unix.POLLIN|unix.POLLHUP) == 0 {
		return notReady, nil
	}

	// A readable socket with nothing to read has been shut down by the peer.
	var buf [1]byte
	m, _, err := unix.Recvfrom(fd, buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	switch {
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		return notReady, nil
	case err != nil:
		return failed, err
	case m == 0:
		return hangup, nil
	default:
		return ready, nil
	}
}

func socketError(fd int) error {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if code != 0 {
		return syscall.Errno(code)
	}
	return ErrSocket
}
