package responder

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

// mockMDNSServer is a mock implementation of MDNSServer for testing.
type mockMDNSServer struct {
	mu             sync.Mutex
	text           []string
	shutdownCalled bool
}

func (m *mockMDNSServer) SetText(text []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
}

func (m *mockMDNSServer) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownCalled = true
}

func (m *mockMDNSServer) isShutdown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdownCalled
}

// mockMDNSServerFactory is a mock implementation of MDNSServerFactory for testing.
type mockMDNSServerFactory struct {
	mu       sync.Mutex
	servers  []*mockMDNSServer
	lastArgs struct {
		instance string
		service  string
		domain   string
		port     int
		txt      []string
	}
	err error
}

func (f *mockMDNSServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (MDNSServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.lastArgs.instance = instance
	f.lastArgs.service = service
	f.lastArgs.domain = domain
	f.lastArgs.port = port
	f.lastArgs.txt = txt

	server := &mockMDNSServer{}
	f.servers = append(f.servers, server)
	return server, nil
}

// mockMDNSResolver answers lookups and browses from a fixed set of entries.
type mockMDNSResolver struct {
	mu      sync.Mutex
	entries []*zeroconf.ServiceEntry
}

func (m *mockMDNSResolver) snapshot(service string) []*zeroconf.ServiceEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*zeroconf.ServiceEntry
	for _, e := range m.entries {
		if e.Service == service {
			out = append(out, e)
		}
	}
	return out
}

func (m *mockMDNSResolver) send(ctx context.Context, entries []*zeroconf.ServiceEntry, ch chan<- *zeroconf.ServiceEntry) {
	go func() {
		for _, e := range entries {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
}

func (m *mockMDNSResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	m.send(ctx, m.snapshot(service), entries)
	return nil
}

func (m *mockMDNSResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	var matched []*zeroconf.ServiceEntry
	for _, e := range m.snapshot(service) {
		if e.Instance == instance {
			matched = append(matched, e)
		}
	}
	m.send(ctx, matched, entries)
	return nil
}

func (m *mockMDNSResolver) setText(text []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.entries {
		updated := *e
		updated.Text = text
		m.entries[i] = &updated
	}
}

func testEntry(instance string, text ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  "_test._tcp",
			Domain:   "local.",
		},
		HostName: "host.local.",
		Port:     8080,
		Text:     text,
		TTL:      120,
		AddrIPv4: []net.IP{net.IPv4(192, 168, 1, 10)},
		AddrIPv6: []net.IP{net.ParseIP("fe80::1")},
	}
}

func waitReply(t *testing.T, h *Handle) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	r, ok := h.ProcessResult()
	if !ok {
		t.Fatal("ProcessResult() ok = false after Wait()")
	}
	return r
}

func TestZeroconfRegister(t *testing.T) {
	factory := &mockMDNSServerFactory{}
	z := NewZeroconfWith(ZeroconfConfig{ServerFactory: factory, MDNSResolver: &mockMDNSResolver{}})

	h, err := z.Register(RegisterRequest{
		Name: "svc",
		Type: "_test._tcp.",
		Port: 9000,
		Text: []string{"a=1"},
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r := waitReply(t, h)
	if r.Err != NoError {
		t.Fatalf("reply Err = %v", r.Err)
	}
	if r.Name != "svc" || r.Type != "_test._tcp." || r.Domain != "local." {
		t.Errorf("reply identity = %q %q %q", r.Name, r.Type, r.Domain)
	}

	factory.mu.Lock()
	args := factory.lastArgs
	server := factory.servers[0]
	factory.mu.Unlock()
	if args.service != "_test._tcp" || args.domain != "local." || args.port != 9000 {
		t.Errorf("Register args = %+v", args)
	}

	if err := h.SetText([]string{"b=2"}); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}
	server.mu.Lock()
	text := server.text
	server.mu.Unlock()
	if len(text) != 1 || text[0] != "b=2" {
		t.Errorf("server text = %v, want [b=2]", text)
	}

	h.Release()
	if !server.isShutdown() {
		t.Error("Release() did not shut the server down")
	}
}

func TestZeroconfRegisterFailure(t *testing.T) {
	factory := &mockMDNSServerFactory{err: errors.New("missing port")}
	z := NewZeroconfWith(ZeroconfConfig{ServerFactory: factory, MDNSResolver: &mockMDNSResolver{}})

	h, err := z.Register(RegisterRequest{Name: "svc", Type: "_test._tcp", Port: 1})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	defer h.Release()

	if r := waitReply(t, h); r.Err != ErrBadParam {
		t.Errorf("reply Err = %v, want %v", r.Err, ErrBadParam)
	}
}

func TestZeroconfRegisterBadParam(t *testing.T) {
	z := NewZeroconfWith(ZeroconfConfig{ServerFactory: &mockMDNSServerFactory{}, MDNSResolver: &mockMDNSResolver{}})
	if _, err := z.Register(RegisterRequest{Name: "svc", Port: 1}); !errors.Is(err, ErrBadParam) {
		t.Errorf("Register() error = %v, want %v", err, ErrBadParam)
	}
}

func TestZeroconfResolve(t *testing.T) {
	resolver := &mockMDNSResolver{entries: []*zeroconf.ServiceEntry{
		testEntry("other"),
		testEntry("svc", "a=1"),
	}}
	z := NewZeroconfWith(ZeroconfConfig{ServerFactory: &mockMDNSServerFactory{}, MDNSResolver: resolver})

	h, err := z.Resolve(ResolveRequest{Name: "svc", Type: "_test._tcp"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	defer h.Release()

	r := waitReply(t, h)
	if r.Name != "svc" || r.Host != "host.local." || r.Port != 8080 {
		t.Errorf("reply = %+v", r)
	}
	if len(r.Addrs) != 2 {
		t.Errorf("len(Addrs) = %d, want 2", len(r.Addrs))
	}
	if len(r.Text) != 1 || r.Text[0] != "a=1" {
		t.Errorf("Text = %v, want [a=1]", r.Text)
	}
}

func TestZeroconfMonitor(t *testing.T) {
	resolver := &mockMDNSResolver{entries: []*zeroconf.ServiceEntry{testEntry("svc", "v=1")}}
	z := NewZeroconfWith(ZeroconfConfig{
		Config:        Config{MonitorInterval: 20 * time.Millisecond},
		ServerFactory: &mockMDNSServerFactory{},
		MDNSResolver:  resolver,
	})

	h, err := z.Monitor(ResolveRequest{Name: "svc", Type: "_test._tcp"})
	if err != nil {
		t.Fatalf("Monitor() error = %v", err)
	}
	defer h.Release()

	if r := waitReply(t, h); len(r.Text) != 1 || r.Text[0] != "v=1" {
		t.Fatalf("first Text = %v, want [v=1]", r.Text)
	}

	resolver.setText([]string{"v=2"})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r := waitReply(t, h)
		if len(r.Text) == 1 && r.Text[0] == "v=2" {
			return
		}
	}
	t.Fatal("monitor never observed the TXT change")
}

func TestZeroconfBrowse(t *testing.T) {
	resolver := &mockMDNSResolver{entries: []*zeroconf.ServiceEntry{
		testEntry("one"),
		testEntry("two"),
	}}
	z := NewZeroconfWith(ZeroconfConfig{ServerFactory: &mockMDNSServerFactory{}, MDNSResolver: resolver})

	h, err := z.Browse(BrowseRequest{Type: "_test._tcp"})
	if err != nil {
		t.Fatalf("Browse() error = %v", err)
	}
	defer h.Release()

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		r := waitReply(t, h)
		got[r.Name] = true
		if r.Removed {
			t.Errorf("Removed = true for %q", r.Name)
		}
	}
	if !got["one"] || !got["two"] {
		t.Errorf("browsed %v, want one and two", got)
	}
}
