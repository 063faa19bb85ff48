// Package runloop provides the cooperative event loop that services and
// streams are scheduled on.
//
// A Loop executes posted tasks one at a time on a single goroutine. Timers
// and readiness registrations never run user callbacks on their own
// goroutines; they post onto the loop instead, so everything bound to one
// Loop observes a single logical thread of control.
package runloop

import (
	"context"
	"sync"

	"github.com/pion/logging"
)

// Config holds configuration for a Loop.
type Config struct {
	// LoggerFactory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Loop is a serial task executor.
type Loop struct {
	log logging.LeveledLogger

	mu      sync.Mutex
	queue   []func()
	running bool
	stopped bool

	wake     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New creates a Loop. The loop does not execute tasks until Start or Run is
// called.
func New(config Config) *Loop {
	l := &Loop{
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("runloop")
	}
	return l
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start() error {
	if err := l.claim(); err != nil {
		return err
	}
	go l.run(context.Background())
	return nil
}

// Run executes tasks on the calling goroutine until ctx is done or Stop is
// called.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.claim(); err != nil {
		return err
	}
	l.run(ctx)
	return ctx.Err()
}

func (l *Loop) claim() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrStopped
	}
	if l.running {
		return ErrAlreadyRunning
	}
	l.running = true
	return nil
}

// Post enqueues fn for execution on the loop. It never blocks and returns
// false if the loop has been stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish.
// Do must not be called from a task running on the same loop.
func (l *Loop) Do(fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.doneCh:
		// The loop drains its queue before exiting.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop stops accepting new tasks, runs the ones already queued and waits for
// the loop to exit. Stop is idempotent. It must not be called from a task
// running on the same loop; use Shutdown there.
func (l *Loop) Stop() error {
	l.Shutdown()
	<-l.doneCh
	return nil
}

// Shutdown is the non-blocking form of Stop.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	if !l.running {
		// Never started: nothing will drain the queue.
		l.queue = nil
		close(l.doneCh)
	}
	l.mu.Unlock()

	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

// Stopped reports whether Stop has been called.
func (l *Loop) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)

	if l.log != nil {
		l.log.Debug("run loop started")
	}

	for {
		for l.runPending() {
		}

		select {
		case <-l.wake:
		case <-l.stopCh:
			for l.runPending() {
			}
			if l.log != nil {
				l.log.Debug("run loop stopped")
			}
			return
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.queue = nil
			l.mu.Unlock()
			l.stopOnce.Do(func() { close(l.stopCh) })
			return
		}
	}
}

// runPending executes the tasks queued so far and reports whether any ran.
func (l *Loop) runPending() bool {
	l.mu.Lock()
	tasks := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, task := range tasks {
		l.exec(task)
	}
	return len(tasks) > 0
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.log != nil {
				l.log.Errorf("recovered panic in run loop task: %v", r)
			}
		}
	}()
	task()
}
