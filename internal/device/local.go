package device

import (
	"slices"
	"sync"

	"github.com/muurk/dpws/internal/protocol"
)

// LocalDevice is a device hosted by this process.
type LocalDevice struct {
	mu       sync.Mutex
	data     *protocol.DiscoveryData
	metadata protocol.DeviceMetadata
	running  bool
}

// NewLocalDevice creates a stopped local device. An empty endpoint
// reference is replaced by a fresh urn:uuid, and an unknown metadata
// version starts at 1.
func NewLocalDevice(data *protocol.DiscoveryData, metadata protocol.DeviceMetadata) *LocalDevice {
	d := data.Clone()
	if d == nil {
		d = &protocol.DiscoveryData{}
	}
	if d.EndpointReference == "" {
		d.EndpointReference = protocol.NewEndpointReference()
	}
	if d.MetadataVersion == protocol.MetadataVersionUnknown {
		d.MetadataVersion = 1
	}
	return &LocalDevice{
		data:     d,
		metadata: metadata,
	}
}

// EndpointReference returns the device identifier.
func (l *LocalDevice) EndpointReference() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.EndpointReference
}

// Data returns a copy of the announced discovery data.
func (l *LocalDevice) Data() *protocol.DiscoveryData {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data.Clone()
}

// Device returns the metadata view of the device.
func (l *LocalDevice) Device() *Device {
	l.mu.Lock()
	defer l.mu.Unlock()
	var xaddr protocol.XAddress
	if len(l.data.XAddrs) > 0 {
		xaddr = l.data.XAddrs[0]
	}
	return newDevice(l.data, l.metadata, l.data.MetadataVersion, xaddr)
}

// Running reports whether the device was started and not stopped since.
func (l *LocalDevice) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Update applies fn to a copy of the discovery data and bumps the metadata
// version.
func (l *LocalDevice) Update(fn func(*protocol.DiscoveryData)) *protocol.DiscoveryData {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.data.Clone()
	fn(next)
	next.EndpointReference = l.data.EndpointReference
	next.MetadataVersion = l.data.MetadataVersion + 1
	l.data = next
	return next.Clone()
}

// SetXAddrs replaces the transport addresses without changing the metadata
// version. The stack calls it once its HTTP endpoint is bound.
func (l *LocalDevice) SetXAddrs(xaddrs []protocol.XAddress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.data.Clone()
	next.XAddrs = slices.Clone(xaddrs)
	l.data = next
}

func (l *LocalDevice) setRunning(running bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.running != running
	l.running = running
	return changed
}
