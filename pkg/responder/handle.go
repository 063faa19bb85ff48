package responder

import (
	"context"
	"sync"
)

// Handle is an open request on the responder.
//
// Replies queue up on the handle until ProcessResult consumes them. The
// handle is ready whenever at least one reply is queued.
type Handle struct {
	kind Kind

	mu       sync.Mutex
	queue    []Reply
	released bool
	ready    chan struct{}

	releaseOnce sync.Once
	releasedCh  chan struct{}

	// onRelease tears down the backend resources. It runs exactly once.
	onRelease func()

	// onSetText updates the advertised TXT record of a registration.
	onSetText func(text []string) error
}

func newHandle(kind Kind) *Handle {
	return &Handle{
		kind:       kind,
		ready:      make(chan struct{}, 1),
		releasedCh: make(chan struct{}),
	}
}

// Kind returns the request kind the handle was opened for.
func (h *Handle) Kind() Kind {
	return h.kind
}

// deliver queues a reply. Replies arriving after release are dropped.
func (h *Handle) deliver(r Reply) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, r)
	h.mu.Unlock()

	select {
	case h.ready <- struct{}{}:
	default:
	}
}

// Readable reports whether a reply is queued. It never blocks.
func (h *Handle) Readable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.released && len(h.queue) > 0
}

// ProcessResult dequeues the oldest reply. It reports false if no reply is
// queued or the handle has been released.
func (h *Handle) ProcessResult() (Reply, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released || len(h.queue) == 0 {
		return Reply{}, false
	}
	r := h.queue[0]
	h.queue[0] = Reply{}
	h.queue = h.queue[1:]
	if len(h.queue) > 0 {
		// Keep the handle ready for the remaining replies.
		select {
		case h.ready <- struct{}{}:
		default:
		}
	}
	return r, true
}

// Wait blocks until a reply is queued, the handle is released or ctx is
// done. It implements runloop.Source.
func (h *Handle) Wait(ctx context.Context) error {
	for {
		h.mu.Lock()
		released := h.released
		pending := len(h.queue) > 0
		h.mu.Unlock()

		if released {
			return ErrReleased
		}
		if pending {
			return nil
		}

		select {
		case <-h.ready:
		case <-h.releasedCh:
			return ErrReleased
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetText replaces the TXT record of a live registration.
func (h *Handle) SetText(text []string) error {
	if h.kind != KindRegister || h.onSetText == nil {
		return ErrNotRegister
	}
	if h.Released() {
		return ErrReleased
	}
	return h.onSetText(text)
}

// Release ends the request and frees its resources. Queued replies are
// discarded. Release is idempotent.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.released = true
		h.queue = nil
		h.mu.Unlock()
		close(h.releasedCh)

		if h.onRelease != nil {
			h.onRelease()
		}
	})
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool {
	select {
	case <-h.releasedCh:
		return true
	default:
		return false
	}
}

// Done is closed when the handle is released.
func (h *Handle) Done() <-chan struct{} {
	return h.releasedCh
}
