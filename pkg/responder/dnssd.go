package responder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/brutella/dnssd"
	"github.com/pion/logging"

	"github.com/backkem/netservice/pkg/txtrecord"
)

// dnssdSettleWait covers the three 250ms conflict queries dnssd sends before it
// announces, after which the final (possibly renamed) name is known.
const dnssdSettleWait = time.Second

// DNSSD is the responder backed by github.com/brutella/dnssd. Unlike
// zeroconf it checks for name conflicts and renames on collision.
type DNSSD struct {
	config Config
	log    logging.LeveledLogger
}

// NewDNSSD creates the dnssd backend.
func NewDNSSD(config Config) *DNSSD {
	config.applyDefaults()
	return &DNSSD{
		config: config,
		log:    config.logger(),
	}
}

func (d *DNSSD) ifaceNames() []string {
	names := make([]string, 0, len(d.config.Interfaces))
	for _, iface := range d.config.Interfaces {
		names = append(names, iface.Name)
	}
	return names
}

type dnssdRegistration struct {
	mu     sync.Mutex
	rp     dnssd.Responder
	handle dnssd.ServiceHandle
	cancel context.CancelFunc
}

func (r *dnssdRegistration) setText(text []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		return ErrBadState
	}
	r.handle.UpdateText(textMap(text), r.rp)
	return nil
}

func (r *dnssdRegistration) release() {
	r.mu.Lock()
	r.handle = nil
	r.mu.Unlock()
	r.cancel()
}

// Register implements Responder.
func (d *DNSSD) Register(req RegisterRequest) (*Handle, error) {
	if err := validateRegister(&req); err != nil {
		return nil, err
	}

	cfg := dnssd.Config{
		Name:   req.Name,
		Type:   serviceName(req.Type),
		Domain: bareDomain(req.Domain),
		Text:   textMap(req.Text),
		Port:   req.Port,
		Ifaces: d.ifaceNames(),
	}
	svc, err := dnssd.NewService(cfg)
	if err != nil {
		return nil, fmt.Errorf("responder: create dnssd service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, fmt.Errorf("responder: create dnssd responder: %w", err)
	}
	sh, err := rp.Add(svc)
	if err != nil {
		return nil, fmt.Errorf("responder: add dnssd service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := &dnssdRegistration{rp: rp, handle: sh, cancel: cancel}

	h := newHandle(KindRegister)
	h.onRelease = reg.release
	h.onSetText = reg.setText

	respondErr := make(chan error, 1)
	go func() {
		respondErr <- rp.Respond(ctx)
	}()

	settle := time.NewTimer(dnssdSettleWait)
	go func() {
		defer settle.Stop()
		d.watchRegistration(ctx, h, req.Name, respondErr, settle.C, func() Reply {
			name := sh.Service().Name
			if name != req.Name && req.NoAutoRename {
				if d.log != nil {
					d.log.Warnf("dnssd renamed %q to %q, rejecting", req.Name, name)
				}
				return Reply{Err: ErrNameConflict}
			}
			if d.log != nil {
				d.log.Infof("registered %s.%s port %d", name, cfg.Type, req.Port)
			}
			return Reply{
				Name:   name,
				Type:   fqdn(cfg.Type),
				Domain: domainName(req.Domain),
				Port:   req.Port,
				Text:   req.Text,
			}
		})
	}()

	return h, nil
}

// watchRegistration delivers the registration outcome on h once settled
// fires, then keeps watching respondErr so that a responder failing after
// the service was published still reaches the handle.
func (d *DNSSD) watchRegistration(ctx context.Context, h *Handle, name string, respondErr <-chan error, settled <-chan time.Time, outcome func() Reply) {
	select {
	case err := <-respondErr:
		d.respondFailed(ctx, h, name, err)
		return
	case <-settled:
	case <-ctx.Done():
		return
	}

	r := outcome()
	h.deliver(r)
	if r.Err != NoError {
		return
	}

	select {
	case err := <-respondErr:
		d.respondFailed(ctx, h, name, err)
	case <-ctx.Done():
	}
}

func (d *DNSSD) respondFailed(ctx context.Context, h *Handle, name string, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	if d.log != nil {
		d.log.Warnf("dnssd responder for %q stopped: %v", name, err)
	}
	code := classifyError(err)
	if code == NoError {
		code = ErrServiceNotRun
	}
	h.deliver(Reply{Err: code})
}

// Resolve implements Responder.
func (d *DNSSD) Resolve(req ResolveRequest) (*Handle, error) {
	if err := validateResolve(req); err != nil {
		return nil, err
	}

	h := newHandle(KindResolve)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	go func() {
		defer cancel()
		entry, err := d.lookup(ctx, req, 0)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.deliver(Reply{Err: classifyError(err)})
			return
		}
		h.deliver(replyFromDNSSD(entry))
	}()

	return h, nil
}

// Monitor implements Responder.
func (d *DNSSD) Monitor(req ResolveRequest) (*Handle, error) {
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
			if entry, err := d.lookup(ctx, req, d.config.MonitorInterval); err == nil {
				h.deliver(replyFromDNSSD(entry))
			}
			if wait := d.config.MonitorInterval - time.Since(start); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
				}
			}
		}
	}()

	return h, nil
}

func (d *DNSSD) lookup(ctx context.Context, req ResolveRequest, timeout time.Duration) (dnssd.BrowseEntry, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	found := make(chan dnssd.BrowseEntry, 1)
	add := func(e dnssd.BrowseEntry) {
		if e.Name != req.Name {
			return
		}
		select {
		case found <- e:
		default:
		}
		cancel()
	}

	service := serviceName(req.Type) + "." + domainName(req.Domain)
	err := dnssd.LookupType(ctx, service, add, func(dnssd.BrowseEntry) {})

	select {
	case e := <-found:
		return e, nil
	default:
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return dnssd.BrowseEntry{}, fmt.Errorf("responder: lookup: %w", err)
	}
	if ctx.Err() != nil {
		return dnssd.BrowseEntry{}, ctx.Err()
	}
	return dnssd.BrowseEntry{}, ErrNoSuchName
}

// Browse implements Responder.
func (d *DNSSD) Browse(req BrowseRequest) (*Handle, error) {
	if err := validateBrowse(req); err != nil {
		return nil, err
	}

	h := newHandle(KindBrowse)
	ctx, cancel := context.WithCancel(context.Background())
	h.onRelease = cancel

	add := func(e dnssd.BrowseEntry) {
		h.deliver(replyFromDNSSD(e))
	}
	rmv := func(e dnssd.BrowseEntry) {
		r := replyFromDNSSD(e)
		r.Removed = true
		h.deliver(r)
	}

	go func() {
		defer cancel()
		service := serviceName(req.Type) + "." + domainName(req.Domain)
		if err := dnssd.LookupType(ctx, service, add, rmv); err != nil && ctx.Err() == nil {
			if d.log != nil {
				d.log.Warnf("browse %s failed: %v", service, err)
			}
			h.deliver(Reply{Err: classifyError(err)})
		}
	}()

	return h, nil
}

func replyFromDNSSD(e dnssd.BrowseEntry) Reply {
	return Reply{
		Name:   e.Name,
		Type:   fqdn(serviceName(e.Type)),
		Domain: domainName(e.Domain),
		Host:   fqdn(e.Host),
		Port:   e.Port,
		Text:   textRecords(e.Text),
		Addrs:  e.IPs,
	}
}

// textMap converts DNS-SD TXT strings into the map form dnssd expects.
func textMap(records []string) map[string]string {
	m := make(map[string]string, len(records))
	for k, v := range txtrecord.FromRecords(records) {
		m[k] = string(v)
	}
	return m
}

func textRecords(m map[string]string) []string {
	records := make([]string, 0, len(m))
	for k, v := range m {
		if v == "" {
			records = append(records, k)
			continue
		}
		records = append(records, k+"="+v)
	}
	sort.Strings(records)
	return records
}
