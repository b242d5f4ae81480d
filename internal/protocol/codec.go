package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxEnvelopeSize is the largest datagram a codec will produce or accept.
const MaxEnvelopeSize = 32767

// Transport names used in ConnectionInfo
const (
	TransportUDP  = "udp"
	TransportHTTP = "http"
)

// ConnectionInfo describes the connection a message travels over.
type ConnectionInfo struct {
	Transport string
	Interface string
	Local     string
	Remote    string
	Multicast bool
	Version   Version
}

// String returns a short description for logging
func (c ConnectionInfo) String() string {
	return fmt.Sprintf("%s %s->%s (iface=%s, multicast=%v, %s)",
		c.Transport, c.Local, c.Remote, c.Interface, c.Multicast, c.Version)
}

// Codec turns messages into bytes and back. Implementations must preserve
// MessageID, RelatesTo and AppSequence.
type Codec interface {
	Encode(msg *Message, conn ConnectionInfo) ([]byte, error)
	Decode(data []byte, conn ConnectionInfo) (*Message, error)
}

// JSONCodec encodes messages as compact JSON envelopes.
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Encode serializes msg. An unpinned message takes the connection's version.
func (JSONCodec) Encode(msg *Message, conn ConnectionInfo) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	if msg.MessageID == "" {
		return nil, fmt.Errorf("cannot encode %s without message id", msg.Type)
	}

	out := msg
	if out.Version == VersionUnknown && conn.Version != VersionUnknown {
		out = msg.Clone()
		out.Version = conn.Version
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Type, err)
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("encoded %s is %d bytes (max %d)", msg.Type, len(data), MaxEnvelopeSize)
	}
	return data, nil
}

// Decode parses data into a message and validates the header fields this
// stack depends on.
func (JSONCodec) Decode(data []byte, conn ConnectionInfo) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty envelope")
	}
	if len(data) > MaxEnvelopeSize {
		return nil, fmt.Errorf("envelope is %d bytes (max %d)", len(data), MaxEnvelopeSize)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if msg.Type == TypeUnknown {
		return nil, fmt.Errorf("envelope has no action")
	}
	if msg.MessageID == "" {
		return nil, fmt.Errorf("%s envelope has no message id", msg.Type)
	}
	if msg.Type.IsResponse() && msg.RelatesTo == "" && msg.Type != TypeFault {
		return nil, fmt.Errorf("%s envelope has no relatesTo", msg.Type)
	}
	if msg.Version == VersionUnknown {
		msg.Version = conn.Version
	}

	switch msg.Type {
	case TypeHello, TypeBye, TypeResolveMatches:
		if msg.Data == nil || msg.Data.EndpointReference == "" {
			return nil, fmt.Errorf("%s envelope has no endpoint reference", msg.Type)
		}
	case TypeResolve:
		if msg.ResolveTarget == "" {
			return nil, fmt.Errorf("resolve envelope has no target")
		}
	case TypeFault:
		if msg.Fault == nil {
			return nil, fmt.Errorf("fault envelope has no fault body")
		}
	}

	return &msg, nil
}
