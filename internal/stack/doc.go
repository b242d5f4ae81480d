// Package stack builds a discovery node from its parts and runs it.
//
// New wires the worker pool, request correlator, transport dispatcher, out
// dispatcher, inbound router and device registry together explicitly; there
// are no package-level singletons. Start joins the multicast groups, serves
// local devices over HTTP, starts the optional mDNS hint browser and sends a
// Hello for every hosted device. Stop sends the matching Byes, waits for
// pending transmissions (cancelling them once its context expires) and
// releases every socket.
package stack
