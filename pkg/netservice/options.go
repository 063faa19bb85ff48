package netservice

// Options controls Publish.
type Options uint

// Publish options. Unknown bits are ignored.
const (
	// NoAutoRename fails the publish with a collision instead of letting
	// the responder pick a new name.
	NoAutoRename Options = 1 << 0

	// ListenForConnections binds a TCP listener on the service port and
	// reports accepted connections to the delegate.
	ListenForConnections Options = 1 << 1
)

// Has reports whether all bits of flag are set.
func (o Options) Has(flag Options) bool {
	return o&flag == flag
}

// State is the operation a Service is performing.
type State int

// State constants.
const (
	StateIdle State = iota
	StatePublishing
	StateResolving
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePublishing:
		return "publishing"
	case StateResolving:
		return "resolving"
	default:
		return "unknown"
	}
}
