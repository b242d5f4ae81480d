// Package monitor streams device lifecycle notifications to websocket
// clients.
//
// A Server registers itself as a device.Listener on a Source (normally the
// device.Registry) and fans every notification out as a JSON Event. Each
// new client first receives one snapshot event per known device reference,
// then live events in the order they were observed.
//
// # Endpoints
//
//	GET /events   websocket upgrade; text frames carry one Event each
//	GET /devices  JSON array of snapshot events
//
// Clients that fall behind by more than a fixed number of events are
// disconnected. The server pings every client and drops those that stop
// answering.
//
// # Usage Example
//
//	srv, err := monitor.New(monitor.Config{Addr: "127.0.0.1:8765"}, stack.Registry(), logger)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Shutdown(context.Background())
package monitor
