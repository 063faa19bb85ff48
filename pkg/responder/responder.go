// Package responder is the narrow request/reply interface to the
// multicast DNS responder that performs the actual advertisement and
// resolution.
//
// Every request opens a Handle. The responder delivers results by queueing
// Reply values on the handle; the handle's readiness plays the role of the
// daemon's socket descriptor and can be observed through a run loop
// registration (Handle implements runloop.Source) or by polling Readable.
// A handle must be released exactly once; Release is idempotent so callers
// need not track that themselves.
//
// Backends:
//   - Zeroconf: github.com/grandcat/zeroconf (default)
//   - DNSSD: github.com/brutella/dnssd
//   - HashicorpMDNS: github.com/hashicorp/mdns
//   - Mock: in-memory, for tests
package responder

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
)

// Kind identifies the request a handle was opened for.
type Kind int

// Kind constants.
const (
	KindRegister Kind = iota + 1
	KindResolve
	KindBrowse
	KindMonitor
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindResolve:
		return "resolve"
	case KindBrowse:
		return "browse"
	case KindMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// DefaultDomain is the mDNS domain used when a request leaves it empty.
const DefaultDomain = "local."

// DefaultMonitorInterval is the default re-query interval of Monitor.
const DefaultMonitorInterval = 2 * time.Second

// RegisterRequest describes a service to advertise.
type RegisterRequest struct {
	Name   string
	Type   string
	Domain string
	Port   int
	Text   []string

	// NoAutoRename rejects renaming on a name conflict; the conflict is
	// reported as ErrNameConflict instead.
	NoAutoRename bool
}

// ResolveRequest identifies a service instance to resolve or monitor.
type ResolveRequest struct {
	Name   string
	Type   string
	Domain string
}

// BrowseRequest identifies a service type to browse for.
type BrowseRequest struct {
	Type   string
	Domain string
}

// Reply is one result delivered on a handle.
//
// Register replies carry the final Name/Type/Domain. Resolve and Monitor
// replies additionally carry Host, Port, Text and Addrs. Browse replies
// carry Name/Type/Domain and set Removed when the instance went away.
type Reply struct {
	Err ErrorCode

	Name   string
	Type   string
	Domain string

	Host  string
	Port  int
	Text  []string
	Addrs []net.IP

	Removed bool
}

// Responder is the discovery daemon.
//
// All methods return as soon as the request has been submitted. The error
// return only reports submission failures; the outcome arrives later as a
// Reply on the returned handle.
type Responder interface {
	// Register advertises a service.
	Register(req RegisterRequest) (*Handle, error)

	// Resolve looks up host, port, addresses and TXT record of an instance.
	// A single reply is delivered.
	Resolve(req ResolveRequest) (*Handle, error)

	// Browse discovers instances of a service type until released.
	Browse(req BrowseRequest) (*Handle, error)

	// Monitor delivers the instance's current record repeatedly until
	// released, so that TXT record changes can be observed.
	Monitor(req ResolveRequest) (*Handle, error)
}

// Config holds configuration shared by the network backends.
type Config struct {
	// Interfaces restricts advertisement and queries to these interfaces.
	// If nil, all multicast capable interfaces are used.
	Interfaces []net.Interface

	// MonitorInterval is how often Monitor re-queries the network.
	// If zero, DefaultMonitorInterval is used.
	MonitorInterval time.Duration

	// LoggerFactory for creating loggers.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
}

func (c *Config) logger() logging.LeveledLogger {
	if c.LoggerFactory == nil {
		return nil
	}
	return c.LoggerFactory.NewLogger("responder")
}

// Backend names accepted by New.
const (
	BackendZeroconf  = "zeroconf"
	BackendDNSSD     = "dnssd"
	BackendHashicorp = "hashicorp"
)

// Backends lists the names accepted by New.
var Backends = []string{BackendZeroconf, BackendDNSSD, BackendHashicorp}

// New creates the named network backend. An empty name selects zeroconf.
func New(backend string, config Config) (Responder, error) {
	switch backend {
	case "", BackendZeroconf:
		return NewZeroconf(config), nil
	case BackendDNSSD:
		return NewDNSSD(config), nil
	case BackendHashicorp:
		return NewHashicorpMDNS(config), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
