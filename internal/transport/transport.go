// Package transport turns logical discovery messages into UDP datagrams and
// unicast requests.
//
// The Dispatcher owns one unicast client per network interface and one
// multicast receiver per group. Retransmittable messages are repeated on the
// SOAP-over-UDP schedule of their protocol version. Socket failures evict
// the offending client and are reported through the caller's error callback;
// the next send opens a fresh one.
package transport

import (
	"context"

	"github.com/muurk/dpws/internal/protocol"
)

// Datagram is one received UDP payload.
type Datagram struct {
	Payload   []byte
	From      string
	Local     string
	Interface string
}

// Conn is an open UDP socket.
type Conn interface {
	// Send transmits payload to dest ("host:port").
	Send(dest string, payload []byte) error
	// Serve reads datagrams and passes each to handle until the connection
	// is closed (returns nil) or a read fails (returns the error).
	Serve(handle func(Datagram)) error
	LocalAddr() string
	Close() error
}

// Transport opens UDP sockets.
type Transport interface {
	// OpenUnicast opens a client socket whose multicast traffic leaves
	// through iface ("" selects the system default).
	OpenUnicast(iface string) (Conn, error)
	// OpenMulticastReceiver opens a socket bound to the group port and joins
	// group on every interface in ifaces.
	OpenMulticastReceiver(group string, ifaces []string) (Conn, error)
}

// Requester performs one request/response exchange over a connection
// oriented transport.
type Requester interface {
	Request(ctx context.Context, xaddr protocol.XAddress, msg *protocol.Message) (*protocol.Message, error)
}

// InboundHandler receives every decoded, de-duplicated inbound message.
type InboundHandler interface {
	HandleInbound(msg *protocol.Message, conn protocol.ConnectionInfo)
}

// InboundHandlerFunc adapts a function to InboundHandler.
type InboundHandlerFunc func(msg *protocol.Message, conn protocol.ConnectionInfo)

// HandleInbound calls f(msg, conn).
func (f InboundHandlerFunc) HandleInbound(msg *protocol.Message, conn protocol.ConnectionInfo) {
	f(msg, conn)
}

// ErrorFunc is called with the id of the message variant whose
// transmission failed.
type ErrorFunc func(messageID string, err error)

// ResponseFunc receives the outcome of a unicast request.
type ResponseFunc func(resp *protocol.Message, err error)
