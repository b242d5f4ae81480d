package protocol

import (
	"fmt"
	"strings"
)

// Type is the kind of a discovery or metadata message.
type Type int

// Message types
const (
	TypeUnknown Type = iota
	TypeHello
	TypeBye
	TypeProbe
	TypeProbeMatches
	TypeResolve
	TypeResolveMatches
	TypeGet
	TypeGetResponse
	TypeFault
)

var typeNames = map[Type]string{
	TypeUnknown:        "Unknown",
	TypeHello:          "Hello",
	TypeBye:            "Bye",
	TypeProbe:          "Probe",
	TypeProbeMatches:   "ProbeMatches",
	TypeResolve:        "Resolve",
	TypeResolveMatches: "ResolveMatches",
	TypeGet:            "Get",
	TypeGetResponse:    "GetResponse",
	TypeFault:          "Fault",
}

// String returns the action name of the message type
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(text []byte) error {
	for typ, name := range typeNames {
		if strings.EqualFold(name, string(text)) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown message type %q", string(text))
}

// Retransmittable reports whether SOAP-over-UDP repetition applies to the
// message type. Request/response metadata traffic is never repeated.
func (t Type) Retransmittable() bool {
	switch t {
	case TypeHello, TypeBye, TypeProbe, TypeProbeMatches, TypeResolve, TypeResolveMatches:
		return true
	default:
		return false
	}
}

// IsResponse reports whether messages of this type answer a request.
func (t Type) IsResponse() bool {
	switch t {
	case TypeProbeMatches, TypeResolveMatches, TypeGetResponse, TypeFault:
		return true
	default:
		return false
	}
}

// IsDiscovery reports whether the type carries an AppSequence.
func (t Type) IsDiscovery() bool {
	switch t {
	case TypeHello, TypeBye, TypeProbeMatches, TypeResolveMatches:
		return true
	default:
		return false
	}
}

// AppSequence orders discovery messages sent by one device instance.
// An empty SequenceID means the sequence is absent.
type AppSequence struct {
	InstanceID    uint64 `json:"instanceId"`
	SequenceID    string `json:"sequenceId,omitempty"`
	MessageNumber uint64 `json:"messageNumber"`
}

// String returns a compact representation for logging
func (a *AppSequence) String() string {
	if a == nil {
		return "AppSequence{nil}"
	}
	return fmt.Sprintf("AppSequence{%d,%q,%d}", a.InstanceID, a.SequenceID, a.MessageNumber)
}

// ProbeScope is the filter of a Probe.
type ProbeScope struct {
	Types   []QName  `json:"types,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	MatchBy string   `json:"matchBy,omitempty"`
}

// HostedService describes a service hosted by a device.
type HostedService struct {
	ServiceID string   `json:"serviceId"`
	Types     []QName  `json:"types,omitempty"`
	XAddrs    []string `json:"xaddrs,omitempty"`
}

// DeviceMetadata is the body of a GetResponse.
type DeviceMetadata struct {
	Manufacturer    string          `json:"manufacturer,omitempty"`
	ModelName       string          `json:"modelName,omitempty"`
	ModelNumber     string          `json:"modelNumber,omitempty"`
	FriendlyName    string          `json:"friendlyName,omitempty"`
	FirmwareVersion string          `json:"firmwareVersion,omitempty"`
	SerialNumber    string          `json:"serialNumber,omitempty"`
	Services        []HostedService `json:"services,omitempty"`
}

// Message is one logical discovery or metadata message.
type Message struct {
	Type      Type    `json:"action"`
	Version   Version `json:"version"`
	MessageID string  `json:"messageId"`
	RelatesTo string  `json:"relatesTo,omitempty"`
	To        string  `json:"to,omitempty"`

	AppSequence *AppSequence `json:"appSequence,omitempty"`

	// Data is the body of Hello, Bye and ResolveMatches.
	Data *DiscoveryData `json:"data,omitempty"`
	// Matches is the body of ProbeMatches.
	Matches []*DiscoveryData `json:"matches,omitempty"`
	// Probe is the body of Probe.
	Probe *ProbeScope `json:"probe,omitempty"`
	// ResolveTarget is the endpoint reference asked for by Resolve.
	ResolveTarget string `json:"resolveTarget,omitempty"`
	// Metadata is the body of GetResponse.
	Metadata *DeviceMetadata `json:"metadata,omitempty"`
	// Fault is the body of Fault.
	Fault *Fault `json:"fault,omitempty"`
}

// NewMessage creates a message of the given type with a fresh message id.
func NewMessage(t Type) *Message {
	return &Message{
		Type:      t,
		MessageID: NewMessageID(),
	}
}

// NewResponse creates a response of type t to the request.
func NewResponse(t Type, request *Message) *Message {
	msg := NewMessage(t)
	msg.RelatesTo = request.MessageID
	msg.Version = request.Version
	return msg
}

// Clone returns a copy that can be modified without affecting m. Bodies are
// shared; they are treated as immutable once a message is built.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.AppSequence != nil {
		seq := *m.AppSequence
		c.AppSequence = &seq
	}
	return &c
}

// String returns a debug representation of the message
func (m *Message) String() string {
	if m.RelatesTo != "" {
		return fmt.Sprintf("%s{id=%s, relatesTo=%s, version=%s}", m.Type, m.MessageID, m.RelatesTo, m.Version)
	}
	return fmt.Sprintf("%s{id=%s, version=%s}", m.Type, m.MessageID, m.Version)
}
