package netservice

import (
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/runloop"
)

// BrowserDelegate receives a Browser's events on its run loop.
type BrowserDelegate interface {
	// WillSearch is called when SearchForServices has submitted its request.
	WillSearch(b *Browser)

	// DidFindService reports a new instance. The service is unresolved and
	// shares the browser's loop and responder. moreComing is set while
	// further results are already queued.
	DidFindService(b *Browser, s *Service, moreComing bool)

	// DidRemoveService reports an instance that went away. The browser
	// closes s once the callback returns.
	DidRemoveService(b *Browser, s *Service, moreComing bool)

	// DidNotSearch is called when the search failed.
	DidNotSearch(b *Browser, err *Error)

	// DidStopSearch is called when Stop ended the search.
	DidStopSearch(b *Browser)
}

// NopBrowserDelegate implements BrowserDelegate with no-ops.
type NopBrowserDelegate struct{}

func (NopBrowserDelegate) WillSearch(*Browser) {}
func (NopBrowserDelegate) DidFindService(*Browser, *Service, bool) {}
func (NopBrowserDelegate) DidRemoveService(*Browser, *Service, bool) {}
func (NopBrowserDelegate) DidNotSearch(*Browser, *Error) {}
func (NopBrowserDelegate) DidStopSearch(*Browser) {}

// Browser discovers instances of a service type.
type Browser struct {
	env  environment
	resp responder.Responder
	loop *runloop.Loop
	log  logging.LeveledLogger

	mu       sync.Mutex
	delegate BrowserDelegate
	handle   *responder.Handle
	pump     *pump
	services map[string]*Service
	closed   bool
}

// NewBrowser creates a browser.
func NewBrowser(config Config) *Browser {
	env := newEnvironment(config)
	return &Browser{
		env:      env,
		resp:     env.config.Responder,
		loop:     env.loop,
		log:      env.logger("browser"),
		services: make(map[string]*Service),
	}
}

// Delegate returns the current delegate.
func (b *Browser) Delegate() BrowserDelegate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delegate
}

// SetDelegate installs d.
func (b *Browser) SetDelegate(d BrowserDelegate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delegate = d
}

// SearchForServices starts browsing for typ in domain, replacing any
// search in progress. An empty domain browses the default domain.
func (b *Browser) SearchForServices(typ, domain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.teardownLocked()
	b.notify(func(d BrowserDelegate) { d.WillSearch(b) })

	h, err := b.resp.Browse(responder.BrowseRequest{Type: typ, Domain: domain})
	if err != nil {
		e := fromSubmit(err)
		b.notify(func(d BrowserDelegate) { d.DidNotSearch(b, e) })
		return e
	}

	b.handle = h
	b.pump = startPump(b.env.config.PumpMode, b.loop, b.env.config.PollInterval, h, b.drain(h))

	if b.log != nil {
		b.log.Debugf("browsing %s %s", typ, domain)
	}
	return nil
}

// Stop ends the search. It is a no-op when not searching.
func (b *Browser) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handle == nil {
		return
	}
	b.teardownLocked()
	b.notify(func(d BrowserDelegate) { d.DidStopSearch(b) })
}

// Close stops the search and closes the services found so far.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if b.handle != nil {
		b.teardownLocked()
		b.notify(func(d BrowserDelegate) { d.DidStopSearch(b) })
	}
	found := make([]*Service, 0, len(b.services))
	for _, s := range b.services {
		found = append(found, s)
	}
	b.services = make(map[string]*Service)
	b.closed = true
	b.mu.Unlock()

	for _, s := range found {
		_ = s.Close()
	}
	b.env.release()
	return nil
}

func (b *Browser) teardownLocked() {
	if b.pump != nil {
		b.pump.stop()
		b.pump = nil
	}
	if b.handle != nil {
		b.handle.Release()
		b.handle = nil
	}
}

func (b *Browser) drain(h *responder.Handle) func() {
	return func() {
		r, ok := h.ProcessResult()
		if !ok {
			return
		}
		more := h.Readable()

		b.mu.Lock()
		defer b.mu.Unlock()

		if b.handle != h {
			return
		}
		if r.Err != responder.NoError {
			err := fromResponder(r.Err)
			b.teardownLocked()
			b.notify(func(d BrowserDelegate) { d.DidNotSearch(b, err) })
			return
		}

		key := serviceKey(r)
		if r.Removed {
			s, ok := b.services[key]
			if !ok {
				return
			}
			delete(b.services, key)
			b.loop.Post(func() {
				if d := b.Delegate(); d != nil {
					d.DidRemoveService(b, s, more)
				}
				_ = s.Close()
			})
			return
		}

		if _, ok := b.services[key]; ok {
			return
		}
		s := NewService(b.env.shared(), r.Domain, r.Type, r.Name, UnassignedPort)
		b.services[key] = s
		b.notify(func(d BrowserDelegate) { d.DidFindService(b, s, more) })
	}
}

func (b *Browser) notify(fn func(d BrowserDelegate)) {
	b.loop.Post(func() {
		d := b.Delegate()
		if d == nil {
			return
		}
		fn(d)
	})
}

func serviceKey(r responder.Reply) string {
	return r.Name + "|" + r.Type + "|" + r.Domain
}
