package responder

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/pion/logging"
)

// hashicorpQueryWindow bounds a single mdns.Query so that released
// resolves stop querying promptly.
const hashicorpQueryWindow = time.Second

// HashicorpMDNS is the responder backed by github.com/hashicorp/mdns.
type HashicorpMDNS struct {
	config Config
	log    logging.LeveledLogger
}

// NewHashicorpMDNS creates the hashicorp/mdns backend.
func NewHashicorpMDNS(config Config) *HashicorpMDNS {
	config.applyDefaults()
	return &HashicorpMDNS{
		config: config,
		log:    config.logger(),
	}
}

func (m *HashicorpMDNS) iface() *net.Interface {
	if len(m.config.Interfaces) == 0 {
		return nil
	}
	iface := m.config.Interfaces[0]
	return &iface
}

type hashicorpRegistration struct {
	backend *HashicorpMDNS
	req     RegisterRequest

	mu     sync.Mutex
	server *mdns.Server
}

func (r *hashicorpRegistration) start(text []string) (*mdns.Server, error) {
	ips, err := localIPs(r.backend.config.Interfaces)
	if err != nil {
		return nil, err
	}
	svc, err := mdns.NewMDNSService(
		r.req.Name,
		serviceName(r.req.Type),
		domainName(r.req.Domain),
		"",
		r.req.Port,
		ips,
		text,
	)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: svc, Iface: r.backend.iface()})
}

// setText restarts the server since the zone is not safe to mutate while
// it is answering queries.
func (r *hashicorpRegistration) setText(text []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil {
		return ErrBadState
	}
	if err := r.server.Shutdown(); err != nil && r.backend.log != nil {
		r.backend.log.Debugf("mdns shutdown: %v", err)
	}
	server, err := r.start(text)
	if err != nil {
		r.server = nil
		return fmt.Errorf("responder: restart mdns server: %w", err)
	}
	r.server = server
	return nil
}

func (r *hashicorpRegistration) release() {
	r.mu.Lock()
	s := r.server
	r.server = nil
	r.mu.Unlock()

	if s != nil {
		_ = s.Shutdown()
	}
}

// Register implements Responder.
func (m *HashicorpMDNS) Register(req RegisterRequest) (*Handle, error) {
	if err := validateRegister(&req); err != nil {
		return nil, err
	}

	reg := &hashicorpRegistration{backend: m, req: req}
	server, err := reg.start(req.Text)
	if err != nil {
		return nil, fmt.Errorf("responder: start mdns server: %w", err)
	}
	reg.server = server

	h := newHandle(KindRegister)
	h.onRelease = reg.release
	h.onSetText = reg.setText

	if m.log != nil {
		m.log.Infof("registered %s.%s port %d", req.Name, serviceName(req.Type), req.Port)
	}
	h.deliver(Reply{
		Name:   req.Name,
		Type:   fqdn(serviceName(req.Type)),
		Domain: domainName(req.Domain),
		Port:   req.Port,
		Text:   req.Text,
	})
	return h, nil
}

// Resolve implements Responder.
func (m *HashicorpMDNS) Resolve(req ResolveRequest) (*Handle, error) {
	if err := validateResolve(req); err != nil {
		return nil, err
	}

	h := newHandle(KindResolve)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	go func() {
		defer cancel()
		for ctx.Err() == nil {
			if entry := m.query(req); entry != nil {
				h.deliver(replyFromHashicorp(entry, req.Type, req.Domain))
				return
			}
		}
	}()

	return h, nil
}

// Monitor implements Responder.
func (m *HashicorpMDNS) Monitor(req ResolveRequest) (*Handle, error) {
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
			if entry := m.query(req); entry != nil && ctx.Err() == nil {
				h.deliver(replyFromHashicorp(entry, req.Type, req.Domain))
			}
			if wait := m.config.MonitorInterval - time.Since(start); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
		}
	}()

	return h, nil
}

// query runs one bounded mdns.Query and returns the entry for req, if any.
func (m *HashicorpMDNS) query(req ResolveRequest) *mdns.ServiceEntry {
	var found *mdns.ServiceEntry
	m.queryEach(serviceName(req.Type), req.Domain, func(e *mdns.ServiceEntry) {
		if found == nil && instanceName(e.Name, req.Type, req.Domain) == req.Name {
			found = e
		}
	})
	return found
}

func (m *HashicorpMDNS) queryEach(service, domain string, fn func(*mdns.ServiceEntry)) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			fn(e)
		}
	}()

	params := &mdns.QueryParam{
		Service:   service,
		Domain:    bareDomain(domain),
		Timeout:   hashicorpQueryWindow,
		Entries:   entries,
		Interface: m.iface(),
	}
	if err := mdns.Query(params); err != nil && m.log != nil {
		m.log.Debugf("mdns query %s: %v", service, err)
	}
	close(entries)
	<-done
}

// Browse implements Responder. hashicorp/mdns has no continuous browse, so
// the query is repeated and instances that stop answering are reported
// removed.
func (m *HashicorpMDNS) Browse(req BrowseRequest) (*Handle, error) {
	if err := validateBrowse(req); err != nil {
		return nil, err
	}

	h := newHandle(KindBrowse)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	go func() {
		defer cancel()
		known := make(map[string]Reply)
		for ctx.Err() == nil {
			seen := make(map[string]Reply)
			m.queryEach(serviceName(req.Type), req.Domain, func(e *mdns.ServiceEntry) {
				r := replyFromHashicorp(e, req.Type, req.Domain)
				seen[r.Name] = r
			})
			if ctx.Err() != nil {
				return
			}
			for name, r := range seen {
				if _, ok := known[name]; !ok {
					h.deliver(r)
				}
			}
			for name, r := range known {
				if _, ok := seen[name]; !ok {
					r.Removed = true
					h.deliver(r)
				}
			}
			known = seen

			select {
			case <-time.After(m.config.MonitorInterval):
			case <-ctx.Done():
			}
		}
	}()

	return h, nil
}

func replyFromHashicorp(e *mdns.ServiceEntry, typ, domain string) Reply {
	var addrs []net.IP
	if e.AddrV4 != nil {
		addrs = append(addrs, e.AddrV4)
	}
	if e.AddrV6 != nil {
		addrs = append(addrs, e.AddrV6)
	}

	return Reply{
		Name:   instanceName(e.Name, typ, domain),
		Type:   fqdn(serviceName(typ)),
		Domain: domainName(domain),
		Host:   fqdn(e.Host),
		Port:   e.Port,
		Text:   e.InfoFields,
		Addrs:  addrs,
	}
}

// localIPs lists the unicast addresses to advertise in A/AAAA records.
func localIPs(ifaces []net.Interface) ([]net.IP, error) {
	if len(ifaces) == 0 {
		all, err := net.Interfaces()
		if err != nil {
			return nil, err
		}
		ifaces = all
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return nil, ErrNoSuchName
	}
	return ips, nil
}
