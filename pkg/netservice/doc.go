// Package netservice publishes and resolves DNS-SD services.
//
// A Service wraps one service instance. Publish advertises it, optionally
// accepting TCP connections on its port; Resolve looks up where an instance
// lives. Both return as soon as the request is submitted. Outcomes arrive
// on the Delegate, on the service's run loop:
//
//	svc := netservice.NewService(netservice.Config{}, "local.", "_http._tcp", "Go Server", netservice.UnassignedPort)
//	svc.SetDelegate(myDelegate)
//	if err := svc.Publish(netservice.ListenForConnections); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
// Every Publish and Resolve produces exactly one terminal event: DidPublish
// or DidNotPublish, DidResolveAddress or DidNotResolve. Stop and a
// subsequent Publish or Resolve cancel an operation that has not completed.
//
// # Fire and forget
//
// Asynchronous failures are reported only to the delegate. A host that
// installs no delegate sees nothing but State returning to StateIdle.
//
// # Browsing
//
// A Browser reports instances of a service type as unresolved services
// that share its run loop and responder:
//
//	b := netservice.NewBrowser(netservice.Config{})
//	b.SetDelegate(myBrowserDelegate)
//	b.SearchForServices("_http._tcp", "local.")
//
// # Testing
//
// Pass a responder.Mock as Config.Responder to drive the daemon's replies
// by hand.
package netservice
