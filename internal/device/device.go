package device

import (
	"slices"
	"time"

	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/protocol"
)

// Device is the built-up view of a device: discovery data plus the
// metadata returned by Get.
type Device struct {
	EndpointReference string                  `json:"epr"`
	Types             []protocol.QName        `json:"types,omitempty"`
	Scopes            []string                `json:"scopes,omitempty"`
	Metadata          protocol.DeviceMetadata `json:"metadata"`
	MetadataVersion   uint64                  `json:"metadataVersion"`
	// XAddress is the address the metadata was fetched from.
	XAddress protocol.XAddress `json:"xaddr"`
}

func newDevice(data *protocol.DiscoveryData, metadata protocol.DeviceMetadata, version uint64, xaddr protocol.XAddress) *Device {
	dev := &Device{
		EndpointReference: data.EndpointReference,
		Metadata:          metadata,
		MetadataVersion:   version,
		XAddress:          xaddr,
	}
	dev.Types = slices.Clone(data.Types)
	dev.Scopes = slices.Clone(data.Scopes)
	dev.Metadata.Services = slices.Clone(metadata.Services)
	return dev
}

// Location tells whether a Reference stands for a device of this process.
type Location int

// Locations
const (
	LocationUnknown Location = iota
	LocationLocal
	LocationRemote
)

func (l Location) String() string {
	switch l {
	case LocationLocal:
		return "local"
	case LocationRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Config tunes device references.
type Config struct {
	// WaitQuantum and WaitRetries bound how long a blocking call waits for
	// its Synchronizer.
	WaitQuantum time.Duration
	WaitRetries int
	// ResolveSpacing is the minimum gap between a failed Resolve and the
	// next one. Zero disables spacing.
	ResolveSpacing time.Duration
	// RequestTimeout bounds each Resolve, directed Probe and Get. Zero
	// selects the match timeout of the protocol version.
	RequestTimeout time.Duration
	// CachingTimeout is how long an idle remote reference without
	// listeners is kept.
	CachingTimeout time.Duration
	// SweepInterval is how often the Registry looks for idle references.
	SweepInterval time.Duration
}

// DefaultConfig returns the default device reference settings.
func DefaultConfig() Config {
	return Config{
		WaitQuantum:    500 * time.Millisecond,
		WaitRetries:    40,
		ResolveSpacing: 2 * time.Second,
		CachingTimeout: 5 * time.Minute,
		SweepInterval:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WaitQuantum <= 0 {
		c.WaitQuantum = def.WaitQuantum
	}
	if c.WaitRetries <= 0 {
		c.WaitRetries = def.WaitRetries
	}
	if c.CachingTimeout <= 0 {
		c.CachingTimeout = def.CachingTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Sender is the outbound API references and the registry use. It is
// implemented by dispatch.OutDispatcher.
type Sender interface {
	SendHello(data *protocol.DiscoveryData, seq *protocol.AppSequence, version protocol.Version) error
	SendBye(data *protocol.DiscoveryData, seq *protocol.AppSequence, version protocol.Version) error
	SendProbe(scope *protocol.ProbeScope, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error)
	SendResolve(epr string, version protocol.Version, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error)
	SendDirectedProbe(xaddr protocol.XAddress, scope *protocol.ProbeScope, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error)
	SendGet(epr string, xaddr protocol.XAddress, timeout time.Duration, cb correlator.Callback) (*protocol.Message, error)
}
