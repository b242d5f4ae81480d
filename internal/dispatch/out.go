// Package dispatch is the public send API of the stack and the router for
// inbound messages.
//
// Every request is registered with the correlator before it is handed to
// the transport, so a response can never overtake its registration.
// Transmission failures reported asynchronously by the transport are routed
// to Correlator.Fail.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/transport"
)

// Transport is the part of transport.Dispatcher used for sending.
type Transport interface {
	SendRequest(ctx context.Context, msg *protocol.Message, xaddr protocol.XAddress, handler transport.ResponseFunc) error
	SendUnicast(ctx context.Context, msg *protocol.Message, iface, dest string, onError transport.ErrorFunc) error
	SendMulticast(ctx context.Context, msg *protocol.Message, onError transport.ErrorFunc) ([]string, error)
	SiblingIDs(msg *protocol.Message) []string
	Params(v protocol.Version) protocol.Params
	PreferredVersion() protocol.Version
}

// OutDispatcher sends discovery and metadata messages.
type OutDispatcher struct {
	ctx        context.Context
	transport  Transport
	correlator *correlator.Correlator
	logger     *zap.Logger
}

// NewOutDispatcher creates a dispatcher. ctx bounds retransmissions and
// unicast requests; cancel it on shutdown.
func NewOutDispatcher(ctx context.Context, t Transport, c *correlator.Correlator, logger *zap.Logger) *OutDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutDispatcher{
		ctx:        ctx,
		transport:  t,
		correlator: c,
		logger:     logger,
	}
}

// MatchTimeout is the default wait for matches of the preferred version.
func (o *OutDispatcher) MatchTimeout() time.Duration {
	return o.transport.Params(o.transport.PreferredVersion()).MatchTimeout
}

// SendHello announces data. Unpinned announcements go out in every
// configured version.
func (o *OutDispatcher) SendHello(data *protocol.DiscoveryData, seq *protocol.AppSequence, version protocol.Version) error {
	msg := protocol.NewMessage(protocol.TypeHello)
	msg.To = protocol.DiscoveryTargetAddress
	msg.Version = version
	msg.AppSequence = seq
	msg.Data = data
	return o.announce(msg)
}

// SendBye withdraws the device identified by data.
func (o *OutDispatcher) SendBye(data *protocol.DiscoveryData, seq *protocol.AppSequence, version protocol.Version) error {
	msg := protocol.NewMessage(protocol.TypeBye)
	msg.To = protocol.DiscoveryTargetAddress
	msg.Version = version
	msg.AppSequence = seq
	msg.Data = &protocol.DiscoveryData{EndpointReference: data.EndpointReference}
	return o.announce(msg)
}

func (o *OutDispatcher) announce(msg *protocol.Message) error {
	_, err := o.transport.SendMulticast(o.ctx, msg, func(id string, err error) {
		o.logger.Warn("Announcement failed",
			zap.String("message_id", id),
			zap.Stringer("type", msg.Type),
			zap.Error(err),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// SendProbe multicasts a Probe. cb receives every ProbeMatches until
// timeout (0 selects the match timeout) and then HandleTimeout once.
func (o *OutDispatcher) SendProbe(scope *protocol.ProbeScope, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeProbe)
	msg.To = protocol.DiscoveryTargetAddress
	msg.Probe = scope
	return msg, o.multicastRequest(msg, timeout, cb, correlator.MultipleResponses())
}

// SendResolve multicasts a Resolve for epr. The first ResolveMatches of any
// version variant settles cb. A known version pins the request.
func (o *OutDispatcher) SendResolve(epr string, version protocol.Version, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeResolve)
	msg.To = protocol.DiscoveryTargetAddress
	msg.Version = version
	msg.ResolveTarget = epr
	return msg, o.multicastRequest(msg, timeout, cb)
}

func (o *OutDispatcher) multicastRequest(msg *protocol.Message, timeout time.Duration, cb correlator.Callback, opts ...correlator.Option) error {
	if timeout <= 0 {
		timeout = o.MatchTimeout()
	}

	siblings := o.transport.SiblingIDs(msg)
	if err := o.correlator.Register(msg, siblings, timeout, cb, opts...); err != nil {
		return err
	}

	if _, err := o.transport.SendMulticast(o.ctx, msg, o.fail); err != nil {
		o.correlator.Cancel(siblings[0])
		return fmt.Errorf("failed to send %s: %w", msg.Type, err)
	}
	return nil
}

// SendDirectedProbe sends a Probe straight to a device address.
func (o *OutDispatcher) SendDirectedProbe(xaddr protocol.XAddress, scope *protocol.ProbeScope, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeProbe)
	msg.To = xaddr.URL
	msg.Version = xaddr.Version
	msg.Probe = scope
	return msg, o.request(msg, xaddr, timeout, cb)
}

// SendGet asks the device epr at xaddr for its metadata.
func (o *OutDispatcher) SendGet(epr string, xaddr protocol.XAddress, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	msg := protocol.NewMessage(protocol.TypeGet)
	msg.To = epr
	msg.Version = xaddr.Version
	return msg, o.request(msg, xaddr, timeout, cb)
}

func (o *OutDispatcher) request(msg *protocol.Message, xaddr protocol.XAddress, timeout time.Duration, cb correlator.Callback) error {
	if timeout <= 0 {
		timeout = o.MatchTimeout()
	}
	if msg.Version == protocol.VersionUnknown {
		msg.Version = o.transport.PreferredVersion()
	}

	if err := o.correlator.Register(msg, nil, timeout, cb, correlator.WithConnection(protocol.ConnectionInfo{
		Transport: protocol.TransportHTTP,
		Remote:    xaddr.URL,
		Version:   msg.Version,
	})); err != nil {
		return err
	}

	conn := protocol.ConnectionInfo{Transport: protocol.TransportHTTP, Remote: xaddr.URL, Version: msg.Version}
	err := o.transport.SendRequest(o.ctx, msg, xaddr, func(resp *protocol.Message, err error) {
		if err != nil {
			o.fail(msg.MessageID, err)
			return
		}
		if !o.correlator.Resolve(resp, conn) {
			o.fail(msg.MessageID, protocol.NewCodecError(
				fmt.Sprintf("%s from %s does not answer %s", resp.Type, xaddr.URL, msg.MessageID), nil))
		}
	})
	if err != nil {
		o.correlator.Cancel(msg.MessageID)
		return fmt.Errorf("failed to send %s to %s: %w", msg.Type, xaddr.URL, err)
	}
	return nil
}

// SendMatches answers a Probe or Resolve received on conn with a unicast
// datagram back to its sender.
func (o *OutDispatcher) SendMatches(reply *protocol.Message, conn protocol.ConnectionInfo) error {
	if conn.Remote == "" {
		return fmt.Errorf("no return address for %s", reply.Type)
	}
	return o.transport.SendUnicast(o.ctx, reply, conn.Interface, conn.Remote, func(id string, err error) {
		o.logger.Warn("Failed to send matches",
			zap.String("message_id", id),
			zap.String("remote", conn.Remote),
			zap.Error(err),
		)
	})
}

func (o *OutDispatcher) fail(id string, err error) {
	if o.correlator.Fail(id, err) {
		o.logger.Debug("Request failed", zap.String("message_id", id), zap.Error(err))
	}
}
