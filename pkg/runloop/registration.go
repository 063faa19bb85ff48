package runloop

import (
	"context"
	"sync"
)

// Source is something whose readiness can be waited for, such as a
// responder handle or a socket.
//
// Wait blocks until the source is ready or ctx is done. A non-nil error
// other than ctx.Err() means the source is gone; the registration then ends
// without reporting it.
type Source interface {
	Wait(ctx context.Context) error
}

// Registration binds a Source to a callback on a Loop.
//
// Readiness is observed on a helper goroutine but the callback always runs
// on the loop. At most one callback is in flight: the source is not waited
// on again until the previous callback has returned.
type Registration struct {
	loop   *Loop
	src    Source
	fn     func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	suspended bool
	missed    bool
	resume    chan struct{}
}

// Register starts observing src and runs fn on the loop whenever it becomes
// ready.
func (l *Loop) Register(src Source, fn func()) *Registration {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registration{
		loop:   l,
		src:    src,
		fn:     fn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Registration) run() {
	defer close(r.done)
	defer r.cancel()

	for {
		if !r.waitResumed() {
			return
		}
		if !r.takeMissed() {
			if err := r.src.Wait(r.ctx); err != nil {
				if r.loop.log != nil && r.ctx.Err() == nil {
					r.loop.log.Tracef("registration source closed: %v", err)
				}
				return
			}
		}

		fired := make(chan struct{})
		if !r.loop.Post(func() {
			defer close(fired)
			r.dispatch()
		}) {
			return
		}

		select {
		case <-fired:
		case <-r.ctx.Done():
			return
		case <-r.loop.Done():
			return
		}
	}
}

func (r *Registration) dispatch() {
	if r.ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	if r.suspended {
		// Readiness observed while suspended is replayed on Resume.
		r.missed = true
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.fn()
}

func (r *Registration) takeMissed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	missed := r.missed
	r.missed = false
	return missed
}

func (r *Registration) waitResumed() bool {
	for {
		r.mu.Lock()
		if !r.suspended {
			r.mu.Unlock()
			return r.ctx.Err() == nil
		}
		resume := r.resume
		r.mu.Unlock()

		select {
		case <-resume:
		case <-r.ctx.Done():
			return false
		case <-r.loop.Done():
			return false
		}
	}
}

// Suspend stops delivering callbacks until Resume is called.
func (r *Registration) Suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.suspended {
		return
	}
	r.suspended = true
	r.resume = make(chan struct{})
}

// Resume re-enables a suspended registration. Resuming an active
// registration is a no-op.
func (r *Registration) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.suspended {
		return
	}
	r.suspended = false
	close(r.resume)
}

// Suspended reports whether the registration is suspended.
func (r *Registration) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspended
}

// Active reports whether the registration still delivers callbacks.
func (r *Registration) Active() bool {
	if r.ctx.Err() != nil {
		return false
	}
	return !r.Suspended()
}

// Cancel ends the registration. No callback runs after Cancel returns
// unless it was already executing. Cancel does not wait for the helper
// goroutine, so it is safe to call from the loop.
func (r *Registration) Cancel() {
	r.cancel()
}

// Done is closed once the helper goroutine has exited.
func (r *Registration) Done() <-chan struct{} {
	return r.done
}
