package netservice

import "github.com/backkem/netservice/pkg/stream"

// Delegate receives a Service's events. All methods run on the service's
// run loop, one at a time and in the order the events occurred.
//
// A service that has no delegate when an event is delivered drops it.
// Failures of asynchronous operations are reported only here; a host that
// installs no delegate observes them solely as State staying idle.
type Delegate interface {
	// WillPublish is called when Publish has submitted its request.
	WillPublish(s *Service)

	// DidPublish is called once the responder accepted the advertisement.
	// Name, Type and Domain hold the final values.
	DidPublish(s *Service)

	// DidNotPublish is called when publishing failed or was cancelled.
	DidNotPublish(s *Service, err *Error)

	// WillResolve is called when Resolve has submitted its request.
	WillResolve(s *Service)

	// DidResolveAddress is called once HostName, Port, Addresses and the
	// TXT record are known.
	DidResolveAddress(s *Service)

	// DidNotResolve is called when resolving failed, timed out or was
	// cancelled.
	DidNotResolve(s *Service, err *Error)

	// DidStop is called when Stop ended a publish or resolve.
	DidStop(s *Service)

	// DidUpdateTXTRecord is called when monitoring observed new TXT data.
	DidUpdateTXTRecord(s *Service, data []byte)

	// DidAcceptConnection hands over the streams of an accepted
	// connection. The delegate owns and must close them.
	DidAcceptConnection(s *Service, in *stream.InputStream, out *stream.OutputStream)
}

// NopDelegate implements Delegate with no-ops. Embed it to handle only some
// events.
type NopDelegate struct{}

func (NopDelegate) WillPublish(*Service) {}
func (NopDelegate) DidPublish(*Service) {}
func (NopDelegate) DidNotPublish(*Service, *Error) {}
func (NopDelegate) WillResolve(*Service) {}
func (NopDelegate) DidResolveAddress(*Service) {}
func (NopDelegate) DidNotResolve(*Service, *Error) {}
func (NopDelegate) DidStop(*Service) {}
func (NopDelegate) DidUpdateTXTRecord(*Service, []byte) {}

// DidAcceptConnection closes the streams.
func (NopDelegate) DidAcceptConnection(_ *Service, in *stream.InputStream, out *stream.OutputStream) {
	_ = in.Close()
	_ = out.Close()
}
