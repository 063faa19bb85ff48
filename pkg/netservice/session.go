package netservice

import (
	"bytes"
	"net"
	"time"

	"github.com/backkem/netservice/pkg/listener"
	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/stream"
	"github.com/backkem/netservice/pkg/txtrecord"
)

// Publish advertises the service. It returns once the request is
// submitted; the outcome is reported with DidPublish or DidNotPublish.
//
// Any operation in progress is stopped first. If it had not completed its
// delegate receives a cancellation for it.
//
// With ListenForConnections a TCP listener is bound before advertising, on
// the service port or on an ephemeral port if the port is unassigned or
// zero. Port then reports the bound port. If the publish fails or is
// stopped before it succeeds, Port goes back to its previous value. A bind
// failure is returned and reported with an error in DomainPOSIX.
func (s *Service) Publish(opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.stopLocked(false)

	s.state = StatePublishing
	s.pending = true
	s.notify(func(d Delegate) { d.WillPublish(s) })

	if opts.Has(ListenForConnections) {
		a := &acceptor{s: s}
		l, err := listener.Listen(listener.Config{
			Port:          s.port,
			Handler:       a.accept,
			Loop:          s.loop,
			LoggerFactory: s.env.config.LoggerFactory,
		})
		if err != nil {
			return s.failPublishLocked(fromBind(err))
		}
		s.listener = l
		s.acceptor = a
		s.prevPort = s.port
		s.port = l.Port()
	} else if s.port <= 0 {
		return s.failPublishLocked(newError(CodeBadArgument, responder.ErrBadParam))
	}

	text, err := txtrecord.Records(txtrecord.Decode(s.txt))
	if err != nil {
		return s.failPublishLocked(newError(CodeBadArgument, err))
	}

	h, err := s.resp.Register(responder.RegisterRequest{
		Name:         s.name,
		Type:         s.typ,
		Domain:       s.domain,
		Port:         s.port,
		Text:         text,
		NoAutoRename: opts.Has(NoAutoRename),
	})
	if err != nil {
		return s.failPublishLocked(fromSubmit(err))
	}

	s.handle = h
	s.pump = startPump(s.env.config.PumpMode, s.loop, s.env.config.PollInterval, h, s.drain(h))

	if s.log != nil {
		s.log.Debugf("publishing %q %s %s port %d", s.name, s.typ, s.domain, s.port)
	}
	return nil
}

// Resolve looks up the service's host, port, addresses and TXT record. It
// returns once the request is submitted; the outcome is reported with
// DidResolveAddress or DidNotResolve. If no reply arrives within timeout
// the request is abandoned and reported as ErrTimeout. A non-positive
// timeout uses Config.ResolveTimeout.
func (s *Service) Resolve(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.env.config.ResolveTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.stopLocked(false)

	s.state = StateResolving
	s.pending = true
	s.notify(func(d Delegate) { d.WillResolve(s) })

	h, err := s.resp.Resolve(responder.ResolveRequest{
		Name:   s.name,
		Type:   s.typ,
		Domain: s.domain,
	})
	if err != nil {
		e := fromSubmit(err)
		s.teardownLocked()
		s.notify(func(d Delegate) { d.DidNotResolve(s, e) })
		return e
	}

	s.handle = h
	s.pump = startPump(s.env.config.PumpMode, s.loop, s.env.config.PollInterval, h, s.drain(h))
	s.timer = s.loop.AfterFunc(timeout, s.resolveTimedOut(h))
	return nil
}

// Stop ends a publish or resolve. An operation that had not completed is
// reported as cancelled, followed by DidStop. Without an operation Stop is
// a no-op.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(true)
}

// stopLocked tears the current operation down. A superseded operation
// only gets its cancellation; DidStop is reserved for explicit stops.
func (s *Service) stopLocked(explicit bool) {
	if s.handle == nil && s.listener == nil {
		return
	}

	state, pending := s.state, s.pending
	s.teardownLocked()

	if pending {
		err := newError(CodeCancelled, nil)
		switch state {
		case StatePublishing:
			s.notify(func(d Delegate) { d.DidNotPublish(s, err) })
		case StateResolving:
			s.notify(func(d Delegate) { d.DidNotResolve(s, err) })
		}
	}
	if explicit {
		s.notify(func(d Delegate) { d.DidStop(s) })
	}
}

// teardownLocked releases everything the current operation holds. The
// timer and pump go first so nothing dispatches into a released handle.
func (s *Service) teardownLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pump != nil {
		s.pump.stop()
		s.pump = nil
	}
	if s.handle != nil {
		s.handle.Release()
		s.handle = nil
	}
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && s.log != nil {
			s.log.Warnf("closing listener: %v", err)
		}
		if s.pending {
			s.port = s.prevPort
		}
		s.listener = nil
		s.acceptor = nil
	}
	s.state = StateIdle
	s.pending = false
}

func (s *Service) failPublishLocked(err *Error) error {
	s.teardownLocked()
	s.notify(func(d Delegate) { d.DidNotPublish(s, err) })
	return err
}

// drain processes one reply of h. Replies of a handle that is no longer
// current are dropped.
func (s *Service) drain(h *responder.Handle) func() {
	return func() {
		r, ok := h.ProcessResult()
		if !ok {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.handle != h {
			return
		}
		switch s.state {
		case StatePublishing:
			s.registerReplyLocked(r)
		case StateResolving:
			s.resolveReplyLocked(r)
		}
	}
}

func (s *Service) registerReplyLocked(r responder.Reply) {
	if r.Err != responder.NoError {
		err := fromResponder(r.Err)
		pending := s.pending
		s.teardownLocked()
		if pending {
			s.notify(func(d Delegate) { d.DidNotPublish(s, err) })
			return
		}
		// The advertisement was lost after DidPublish.
		if s.log != nil {
			s.log.Warnf("registration of %q ended: %v", s.name, err)
		}
		s.notify(func(d Delegate) { d.DidStop(s) })
		return
	}

	if r.Name != "" {
		s.name = r.Name
	}
	if r.Type != "" {
		s.typ = r.Type
	}
	if r.Domain != "" {
		s.domain = r.Domain
	}
	if !s.pending {
		return
	}
	s.pending = false
	s.notify(func(d Delegate) { d.DidPublish(s) })
}

func (s *Service) resolveReplyLocked(r responder.Reply) {
	s.teardownLocked()

	if r.Err != responder.NoError {
		err := fromResponder(r.Err)
		s.notify(func(d Delegate) { d.DidNotResolve(s, err) })
		return
	}

	if r.Name != "" {
		s.name = r.Name
	}
	s.host = r.Host
	s.port = r.Port
	s.addrs = append([]net.IP(nil), r.Addrs...)
	s.txt = txtrecord.DecodeRecords(r.Text)
	s.notify(func(d Delegate) { d.DidResolveAddress(s) })
}

// resolveTimedOut abandons h unless a reply or Stop got there first.
func (s *Service) resolveTimedOut(h *responder.Handle) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.handle != h || s.state != StateResolving {
			return
		}
		s.teardownLocked()

		err := newError(CodeTimeout, responder.ErrTimeout)
		s.notify(func(d Delegate) { d.DidNotResolve(s, err) })
	}
}

// StartMonitoring watches the service's TXT record. Changes are stored and
// reported with DidUpdateTXTRecord until StopMonitoring. Monitoring is
// independent of Publish and Resolve.
func (s *Service) StartMonitoring() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.monitor != nil {
		return nil
	}

	h, err := s.resp.Monitor(responder.ResolveRequest{
		Name:   s.name,
		Type:   s.typ,
		Domain: s.domain,
	})
	if err != nil {
		return fromSubmit(err)
	}
	s.monitor = h
	s.monitorPump = startPump(s.env.config.PumpMode, s.loop, s.env.config.PollInterval, h, s.drainMonitor(h))
	return nil
}

// StopMonitoring ends monitoring. It is a no-op when not monitoring.
func (s *Service) StopMonitoring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopMonitoringLocked()
}

func (s *Service) stopMonitoringLocked() {
	if s.monitorPump != nil {
		s.monitorPump.stop()
		s.monitorPump = nil
	}
	if s.monitor != nil {
		s.monitor.Release()
		s.monitor = nil
	}
}

func (s *Service) drainMonitor(h *responder.Handle) func() {
	return func() {
		r, ok := h.ProcessResult()
		if !ok {
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.monitor != h {
			return
		}
		if r.Err != responder.NoError {
			if s.log != nil {
				s.log.Debugf("monitoring %q: %v", s.name, r.Err)
			}
			return
		}

		data := txtrecord.DecodeRecords(r.Text)
		if bytes.Equal(data, s.txt) {
			return
		}
		s.txt = data
		update := append([]byte(nil), data...)
		s.notify(func(d Delegate) { d.DidUpdateTXTRecord(s, update) })
	}
}

// acceptor ties listener callbacks to the publish that created them.
type acceptor struct {
	s *Service
}

// accept runs on the loop. Connections for a stale publish, or arriving
// while no delegate is installed, are closed.
func (a *acceptor) accept(p stream.Pair) {
	s := a.s

	s.mu.Lock()
	current := s.acceptor == a
	d := s.delegate
	s.mu.Unlock()

	if !current || d == nil {
		_ = p.Close()
		return
	}
	d.DidAcceptConnection(s, p.Input, p.Output)
}
