package netservice

import (
	"net"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/netservice/pkg/listener"
	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/runloop"
	"github.com/backkem/netservice/pkg/txtrecord"
)

// UnassignedPort marks a service whose port is not known yet.
const UnassignedPort = -1

// Service publishes or resolves one DNS-SD service instance.
//
// All delegate callbacks run on the service's run loop. The methods may be
// called from any goroutine, including from inside a callback.
type Service struct {
	env  environment
	resp responder.Responder
	loop *runloop.Loop
	log  logging.LeveledLogger

	mu       sync.Mutex
	name     string
	typ      string
	domain   string
	port     int
	host     string
	addrs    []net.IP
	txt      []byte
	delegate Delegate
	closed   bool

	// in-flight publish or resolve
	state    State
	handle   *responder.Handle
	pump     *pump
	timer    *runloop.Timer
	listener *listener.Listener
	acceptor *acceptor
	pending  bool // terminal notification not yet emitted
	prevPort int  // port before the listener bound, restored if never published

	monitor     *responder.Handle
	monitorPump *pump
}

// NewService creates a service with the given identity. Pass
// UnassignedPort to have Publish pick a port, which requires
// ListenForConnections.
func NewService(config Config, domain, typ, name string, port int) *Service {
	env := newEnvironment(config)
	return &Service{
		env:    env,
		resp:   env.config.Responder,
		loop:   env.loop,
		log:    env.logger("netservice"),
		name:   name,
		typ:    typ,
		domain: domain,
		port:   port,
	}
}

// Name returns the instance name.
func (s *Service) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Type returns the service type, such as "_http._tcp".
func (s *Service) Type() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// Domain returns the service domain.
func (s *Service) Domain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.domain
}

// Port returns the port, or UnassignedPort.
func (s *Service) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// HostName returns the target host found by Resolve.
func (s *Service) HostName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Addresses returns the addresses found by Resolve.
func (s *Service) Addresses() []net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]net.IP(nil), s.addrs...)
}

// TXTRecordData returns the TXT record in its linear encoding.
func (s *Service) TXTRecordData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.txt...)
}

// State returns the operation in progress.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsMonitoring reports whether StartMonitoring is in effect.
func (s *Service) IsMonitoring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor != nil
}

// Delegate returns the current delegate.
func (s *Service) Delegate() Delegate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delegate
}

// SetDelegate installs d. Notifications already queued go to whichever
// delegate is installed when they are delivered; with none they are dropped.
func (s *Service) SetDelegate(d Delegate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delegate = d
}

// SetTXTRecordData replaces the TXT record. While the service is published
// the new record is pushed to the responder.
func (s *Service) SetTXTRecordData(data []byte) error {
	records, err := txtrecord.Records(txtrecord.Decode(data))
	if err != nil {
		return newError(CodeBadArgument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.txt = append([]byte(nil), data...)

	if s.state != StatePublishing || s.handle == nil {
		return nil
	}
	if err := s.handle.SetText(records); err != nil {
		return fromSubmit(err)
	}
	return nil
}

// Close stops any operation and monitoring. A service that created its
// own run loop shuts it down after the final notifications are delivered.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.stopLocked(true)
	s.stopMonitoringLocked()
	s.closed = true
	s.mu.Unlock()

	s.env.release()
	return nil
}

// notify delivers an event on the loop. The delegate is read at delivery
// time.
func (s *Service) notify(fn func(d Delegate)) {
	s.loop.Post(func() {
		d := s.Delegate()
		if d == nil {
			return
		}
		fn(d)
	})
}
