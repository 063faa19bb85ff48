package responder

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// MDNSServer is a running zeroconf advertisement.
type MDNSServer interface {
	// SetText replaces the advertised TXT record.
	SetText(text []string)

	// Shutdown withdraws the advertisement.
	Shutdown()
}

// MDNSServerFactory creates MDNSServer instances.
type MDNSServerFactory interface {
	Register(instance, service, domain string, port int, text []string, ifaces []net.Interface) (MDNSServer, error)
}

// MDNSResolver is the zeroconf query side.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, text []string, ifaces []net.Interface) (MDNSServer, error) {
	return zeroconf.Register(instance, service, domain, port, text, ifaces)
}

type zeroconfResolver struct {
	ifaces []net.Interface
}

func (z zeroconfResolver) newResolver() (*zeroconf.Resolver, error) {
	var opts []zeroconf.ClientOption
	if len(z.ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(z.ifaces))
	}
	return zeroconf.NewResolver(opts...)
}

func (z zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := z.newResolver()
	if err != nil {
		return err
	}
	return r.Browse(ctx, service, domain, entries)
}

func (z zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	r, err := z.newResolver()
	if err != nil {
		return err
	}
	return r.Lookup(ctx, instance, service, domain, entries)
}

// ZeroconfConfig holds the injectable parts of the zeroconf backend.
type ZeroconfConfig struct {
	Config

	// ServerFactory creates advertisements.
	// If nil, zeroconf.Register is used.
	ServerFactory MDNSServerFactory

	// MDNSResolver performs queries.
	// If nil, a zeroconf.Resolver is used.
	MDNSResolver MDNSResolver
}

// Zeroconf is the responder backed by github.com/grandcat/zeroconf.
type Zeroconf struct {
	config   ZeroconfConfig
	factory  MDNSServerFactory
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewZeroconf creates the zeroconf backend.
func NewZeroconf(config Config) *Zeroconf {
	return NewZeroconfWith(ZeroconfConfig{Config: config})
}

// NewZeroconfWith creates the zeroconf backend with injected collaborators.
func NewZeroconfWith(config ZeroconfConfig) *Zeroconf {
	config.applyDefaults()

	factory := config.ServerFactory
	if factory == nil {
		factory = zeroconfServerFactory{}
	}
	resolver := config.MDNSResolver
	if resolver == nil {
		resolver = zeroconfResolver{ifaces: config.Interfaces}
	}

	return &Zeroconf{
		config:   config,
		factory:  factory,
		resolver: resolver,
		log:      config.logger(),
	}
}

// zeroconfRegistration guards the server against a release racing the
// asynchronous register call.
type zeroconfRegistration struct {
	mu       sync.Mutex
	server   MDNSServer
	released bool
}

func (r *zeroconfRegistration) attach(s MDNSServer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return false
	}
	r.server = s
	return true
}

func (r *zeroconfRegistration) release() {
	r.mu.Lock()
	s := r.server
	r.server = nil
	r.released = true
	r.mu.Unlock()

	if s != nil {
		s.Shutdown()
	}
}

func (r *zeroconfRegistration) setText(text []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.server == nil {
		return ErrBadState
	}
	r.server.SetText(text)
	return nil
}

// Register implements Responder.
func (z *Zeroconf) Register(req RegisterRequest) (*Handle, error) {
	if err := validateRegister(&req); err != nil {
		return nil, err
	}

	h := newHandle(KindRegister)
	reg := &zeroconfRegistration{}
	h.onRelease = reg.release
	h.onSetText = reg.setText

	service := serviceName(req.Type)
	domain := domainName(req.Domain)

	go func() {
		server, err := z.factory.Register(req.Name, service, domain, req.Port, req.Text, z.config.Interfaces)
		if err != nil {
			if z.log != nil {
				z.log.Warnf("register %q failed: %v", req.Name, err)
			}
			h.deliver(Reply{Err: classifyError(err)})
			return
		}
		if !reg.attach(server) {
			server.Shutdown()
			return
		}

		if z.log != nil {
			z.log.Infof("registered %s.%s.%s port %d", req.Name, service, domain, req.Port)
		}
		// zeroconf never renames, so the requested name is final.
		h.deliver(Reply{
			Name:   req.Name,
			Type:   fqdn(service),
			Domain: domain,
			Port:   req.Port,
			Text:   req.Text,
		})
	}()

	return h, nil
}

// Resolve implements Responder.
func (z *Zeroconf) Resolve(req ResolveRequest) (*Handle, error) {
	if err := validateResolve(req); err != nil {
		return nil, err
	}

	h := newHandle(KindResolve)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	go func() {
		defer cancel()
		entry, err := z.lookup(ctx, req, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if z.log != nil {
				z.log.Warnf("resolve %q failed: %v", req.Name, err)
			}
			h.deliver(Reply{Err: classifyError(err)})
			return
		}
		h.deliver(replyFromZeroconf(entry))
	}()

	return h, nil
}

// Monitor implements Responder.
func (z *Zeroconf) Monitor(req ResolveRequest) (*Handle, error) {
	if err := validateResolve(req); err != nil {
		return nil, err
	}

	h := newHandle(KindMonitor)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	go func() {
		defer cancel()
		for ctx.Err() == nil {
			start := time.Now()
			entry, err := z.lookup(ctx, req, z.config.MonitorInterval)
			if err == nil {
				h.deliver(replyFromZeroconf(entry))
			} else if ctx.Err() == nil && z.log != nil {
				z.log.Tracef("monitor %q: %v", req.Name, err)
			}

			// Each round is a fresh lookup since zeroconf suppresses
			// repeated entries within one query.
			if wait := z.config.MonitorInterval - time.Since(start); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
		}
	}()

	return h, nil
}

// lookup runs one query and returns the first matching entry. A zero
// timeout waits until ctx is done.
func (z *Zeroconf) lookup(ctx context.Context, req ResolveRequest, timeout time.Duration) (*zeroconf.ServiceEntry, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Lookup(ctx, req.Name, serviceName(req.Type), domainName(req.Domain), entries); err != nil {
		return nil, fmt.Errorf("responder: lookup: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return nil, ErrNoSuchName
			}
			if entry == nil || entry.Instance != req.Name {
				continue
			}
			return entry, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Browse implements Responder.
func (z *Zeroconf) Browse(req BrowseRequest) (*Handle, error) {
	if err := validateBrowse(req); err != nil {
		return nil, err
	}

	h := newHandle(KindBrowse)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	entries := make(chan *zeroconf.ServiceEntry)
	if err := z.resolver.Browse(ctx, serviceName(req.Type), domainName(req.Domain), entries); err != nil {
		cancel()
		return nil, fmt.Errorf("responder: browse: %w", err)
	}

	go func() {
		defer cancel()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				r := replyFromZeroconf(entry)
				r.Removed = entry.TTL == 0
				h.deliver(r)
			case <-ctx.Done():
				return
			}
		}
	}()

	return h, nil
}

func replyFromZeroconf(e *zeroconf.ServiceEntry) Reply {
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)

	return Reply{
		Name:   e.Instance,
		Type:   fqdn(serviceName(e.Service)),
		Domain: domainName(e.Domain),
		Host:   fqdn(e.HostName),
		Port:   e.Port,
		Text:   e.Text,
		Addrs:  addrs,
	}
}
