package runloop

import (
	"sync/atomic"
	"time"

	"github.com/pion/transport/v3/deadline"
)

const (
	timerArmed int32 = iota
	timerFired
	timerStopped
)

// Timer is a one-shot or periodic timer whose callback runs on a Loop.
type Timer struct {
	loop   *Loop
	fn     func()
	state  atomic.Int32
	stopCh chan struct{}

	// one-shot timers only
	dl *deadline.Deadline

	// periodic timers only
	ticker *time.Ticker
}

// AfterFunc arranges for fn to run on the loop once d has elapsed.
//
// Stop and the callback race on the loop: whichever runs first wins and the
// other becomes a no-op.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{
		loop:   l,
		fn:     fn,
		stopCh: make(chan struct{}),
		dl:     deadline.New(),
	}
	t.dl.Set(time.Now().Add(d))

	exceeded := t.dl.Done()
	go func() {
		select {
		case <-exceeded:
			l.Post(t.fire)
		case <-t.stopCh:
		case <-l.Done():
			t.dl.Set(time.Time{})
		}
	}()
	return t
}

// Every arranges for fn to run on the loop each time d elapses until the
// timer is stopped or the loop exits.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{
		loop:   l,
		fn:     fn,
		stopCh: make(chan struct{}),
		ticker: time.NewTicker(d),
	}

	go func() {
		defer t.ticker.Stop()
		for {
			select {
			case <-t.ticker.C:
				if !l.Post(t.tick) {
					return
				}
			case <-t.stopCh:
				return
			case <-l.Done():
				return
			}
		}
	}()
	return t
}

func (t *Timer) fire() {
	if t.state.CompareAndSwap(timerArmed, timerFired) {
		close(t.stopCh)
		t.fn()
	}
}

func (t *Timer) tick() {
	if t.state.Load() == timerArmed {
		t.fn()
	}
}

// Stop disarms the timer. It reports whether the call prevented the
// callback from running; for a one-shot timer that has already fired it
// returns false. Stop is safe to call more than once.
func (t *Timer) Stop() bool {
	if !t.state.CompareAndSwap(timerArmed, timerStopped) {
		return false
	}
	close(t.stopCh)
	if t.dl != nil {
		t.dl.Set(time.Time{})
	}
	return true
}

// Fired reports whether a one-shot timer's callback has run.
func (t *Timer) Fired() bool {
	return t.state.Load() == timerFired
}
