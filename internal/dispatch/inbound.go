package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/protocol"
)

// DiscoveryHandler receives unsolicited discovery traffic about remote
// devices.
type DiscoveryHandler interface {
	HandleHello(msg *protocol.Message, conn protocol.ConnectionInfo)
	HandleBye(msg *protocol.Message, conn protocol.ConnectionInfo)
	// HandleMatches receives ProbeMatches and ResolveMatches that no
	// pending request was waiting for.
	HandleMatches(msg *protocol.Message, conn protocol.ConnectionInfo)
}

// Responder answers requests addressed to local devices. It returns nil
// when nothing local matches.
type Responder interface {
	Answer(ctx context.Context, req *protocol.Message) *protocol.Message
}

// Router routes inbound messages: responses to the correlator, Hello and
// Bye to the discovery handler, Probe and Resolve to the responder.
type Router struct {
	ctx        context.Context
	correlator *correlator.Correlator
	discovery  DiscoveryHandler
	responder  Responder
	out        *OutDispatcher
	logger     *zap.Logger
}

// NewRouter creates a router. responder may be nil when no local devices
// are hosted.
func NewRouter(ctx context.Context, c *correlator.Correlator, discovery DiscoveryHandler, responder Responder, out *OutDispatcher, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		ctx:        ctx,
		correlator: c,
		discovery:  discovery,
		responder:  responder,
		out:        out,
		logger:     logger,
	}
}

// HandleInbound implements transport.InboundHandler.
func (r *Router) HandleInbound(msg *protocol.Message, conn protocol.ConnectionInfo) {
	if msg.Type.IsResponse() {
		if r.correlator.Resolve(msg, conn) {
			return
		}
		switch msg.Type {
		case protocol.TypeProbeMatches, protocol.TypeResolveMatches:
			if r.discovery != nil {
				r.discovery.HandleMatches(msg, conn)
			}
		default:
			r.logger.Debug("Dropping uncorrelated response", zap.Stringer("message", msg), zap.String("from", conn.Remote))
		}
		return
	}

	switch msg.Type {
	case protocol.TypeHello:
		if r.discovery != nil {
			r.discovery.HandleHello(msg, conn)
		}
	case protocol.TypeBye:
		if r.discovery != nil {
			r.discovery.HandleBye(msg, conn)
		}
	case protocol.TypeProbe, protocol.TypeResolve:
		r.answer(msg, conn)
	default:
		r.logger.Debug("Ignoring message", zap.Stringer("message", msg), zap.String("from", conn.Remote))
	}
}

func (r *Router) answer(msg *protocol.Message, conn protocol.ConnectionInfo) {
	if r.responder == nil {
		return
	}
	reply := r.responder.Answer(r.ctx, msg)
	if reply == nil {
		return
	}
	if err := r.out.SendMatches(reply, conn); err != nil {
		r.logger.Warn("Failed to answer",
			zap.Stringer("request", msg),
			zap.String("remote", conn.Remote),
			zap.Error(err),
		)
	}
}
