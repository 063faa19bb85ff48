package netservice

import (
	"time"

	"github.com/backkem/netservice/pkg/responder"
	"github.com/backkem/netservice/pkg/runloop"
)

// PumpMode selects how handle readiness is observed.
type PumpMode int

const (
	// PumpNotify registers the handle with the run loop and drains on
	// readiness.
	PumpNotify PumpMode = iota

	// PumpPoll checks the handle every PollInterval and drains one result
	// when it is readable.
	PumpPoll
)

// String returns a human-readable name for the mode.
func (m PumpMode) String() string {
	switch m {
	case PumpNotify:
		return "notify"
	case PumpPoll:
		return "poll"
	default:
		return "unknown"
	}
}

// pump feeds a handle's replies to a drain function on the run loop. A
// released handle never becomes readable, which silently idles the pump.
type pump struct {
	reg   *runloop.Registration
	timer *runloop.Timer
}

func startPump(mode PumpMode, loop *runloop.Loop, interval time.Duration, h *responder.Handle, drain func()) *pump {
	if mode == PumpPoll {
		return &pump{timer: loop.Every(interval, func() {
			if h.Readable() {
				drain()
			}
		})}
	}
	return &pump{reg: loop.Register(h, drain)}
}

// stop tears the binding down. It is safe to call from the loop.
func (p *pump) stop() {
	if p.reg != nil {
		p.reg.Cancel()
	}
	if p.timer != nil {
		p.timer.Stop()
	}
}
