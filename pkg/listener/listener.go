// Package listener accepts TCP connections for a published service on both
// IPv4 and IPv6 and hands each one over as a stream pair.
package listener

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"
	"go.uber.org/multierr"

	"github.com/backkem/netservice/pkg/runloop"
	"github.com/backkem/netservice/pkg/stream"
)

// acceptRetryDelay throttles the accept loop after a transient error.
const acceptRetryDelay = 5 * time.Millisecond

// AcceptHandler receives the streams of an accepted connection. Both
// streams are NotOpen; the handler owns them.
type AcceptHandler func(pair stream.Pair)

// Config holds configuration for a Listener.
type Config struct {
	// Port to listen on. Zero or negative binds an ephemeral port.
	Port int

	// Handler is called for each accepted connection.
	// If nil, accepted connections are closed.
	Handler AcceptHandler

	// Loop, if set, is where Handler runs. Otherwise Handler runs on its
	// own goroutine per connection.
	Loop *runloop.Loop

	// LoggerFactory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Listener is a dual-stack TCP listener bound to a single port.
type Listener struct {
	v4      net.Listener
	v6      net.Listener
	port    int
	handler AcceptHandler
	loop    *runloop.Loop
	config  Config
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// Listen binds the IPv4 socket, then the IPv6 socket on the same port, and
// starts accepting. Failure to bind IPv4 is returned with the underlying OS
// error; failure to bind IPv6 only disables IPv6.
func Listen(config Config) (*Listener, error) {
	port := config.Port
	if port < 0 {
		port = 0
	}
	if port > 65535 {
		return nil, ErrInvalidPort
	}

	l := &Listener{
		handler: config.Handler,
		loop:    config.Loop,
		config:  config,
		closeCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("listener")
	}

	v4, err := net.Listen("tcp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("listener: bind ipv4 port %d: %w", port, err)
	}
	l.v4 = v4
	l.port = v4.Addr().(*net.TCPAddr).Port

	// Reuse the literal port so both stacks answer on the advertised port.
	v6, err := net.Listen("tcp6", net.JoinHostPort("::", strconv.Itoa(l.port)))
	if err != nil {
		if l.log != nil {
			l.log.Warnf("ipv6 bind on port %d failed, continuing ipv4 only: %v", l.port, err)
		}
	} else {
		l.v6 = v6
	}

	if l.log != nil {
		l.log.Infof("listening on port %d (ipv6=%v)", l.port, l.v6 != nil)
	}

	for _, ln := range l.listeners() {
		l.wg.Add(1)
		go l.acceptLoop(ln)
	}

	return l, nil
}

func (l *Listener) listeners() []net.Listener {
	lns := []net.Listener{l.v4}
	if l.v6 != nil {
		lns = append(lns, l.v6)
	}
	return lns
}

// Port returns the bound port, shared by both sockets.
func (l *Listener) Port() int {
	return l.port
}

// IPv6 reports whether the IPv6 socket is bound.
func (l *Listener) IPv6() bool {
	return l.v6 != nil
}

// Addrs returns the local addresses of the bound sockets.
func (l *Listener) Addrs() []net.Addr {
	var addrs []net.Addr
	for _, ln := range l.listeners() {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// Close stops accepting and releases both sockets. Connections already
// delivered are not affected. Close is idempotent.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.log != nil {
		l.log.Infof("closing listener on port %d", l.port)
	}

	// Invalidate before releasing the sockets so accept loops woken by
	// the close drop whatever they hold.
	close(l.closeCh)

	var err error
	for _, ln := range l.listeners() {
		err = multierr.Append(err, ln.Close())
	}

	l.wg.Wait()
	return err
}

func (l *Listener) isClosed() bool {
	select {
	case <-l.closeCh:
		return true
	default:
		return false
	}
}

// acceptLoop accepts incoming connections.
func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			if l.log != nil {
				l.log.Debugf("accept on %s: %v", ln.Addr(), err)
			}
			select {
			case <-time.After(acceptRetryDelay):
				continue
			case <-l.closeCh:
				return
			}
		}

		if l.isClosed() {
			conn.Close()
			return
		}
		l.deliver(conn)
	}
}

// deliver hands the connection to the handler without blocking the accept
// loop.
func (l *Listener) deliver(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok || l.handler == nil {
		conn.Close()
		return
	}

	pair, err := stream.NewPair(tcp, stream.Config{LoggerFactory: l.config.LoggerFactory})
	if err != nil {
		if l.log != nil {
			l.log.Warnf("wrap connection from %s: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	if l.log != nil {
		l.log.Debugf("accepted connection from %s", conn.RemoteAddr())
	}

	if l.loop == nil {
		go l.handler(pair)
		return
	}

	if !l.loop.Post(func() { l.handler(pair) }) {
		conn.Close()
	}
}
