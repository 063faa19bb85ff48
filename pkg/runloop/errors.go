package runloop

import "errors"

// Run loop errors.
var (
	// ErrStopped is returned when using a loop that has been stopped.
	ErrStopped = errors.New("runloop: stopped")

	// ErrAlreadyRunning is returned when starting a loop twice.
	ErrAlreadyRunning = errors.New("runloop: already running")
)
