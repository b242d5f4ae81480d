package device

import "github.com/muurk/dpws/internal/protocol"

// Listener is notified about device lifecycle changes. Calls are made
// synchronously from the goroutine that applied the change, never while a
// Reference lock is held.
type Listener interface {
	HelloReceived(data *protocol.DiscoveryData)
	DeviceRunning(ref *Reference)
	DeviceBye(ref *Reference)
	DeviceChanged(ref *Reference)
	DeviceBuiltUp(ref *Reference, dev *Device)
	DeviceCommunicationErrorOrReset(ref *Reference)
	DeviceCompletelyDiscovered(ref *Reference)
}

// BaseListener implements Listener with no-ops. Embed it to handle only
// some notifications.
type BaseListener struct{}

func (BaseListener) HelloReceived(*protocol.DiscoveryData)      {}
func (BaseListener) DeviceRunning(*Reference)                   {}
func (BaseListener) DeviceBye(*Reference)                       {}
func (BaseListener) DeviceChanged(*Reference)                   {}
func (BaseListener) DeviceBuiltUp(*Reference, *Device)          {}
func (BaseListener) DeviceCommunicationErrorOrReset(*Reference) {}
func (BaseListener) DeviceCompletelyDiscovered(*Reference)      {}

// deliver maps a state machine notification to its listener call.
func deliver(l Listener, n Notification, ref *Reference, dev *Device) {
	switch n {
	case NotifyRunning:
		l.DeviceRunning(ref)
	case NotifyChanged:
		l.DeviceChanged(ref)
	case NotifyBuiltUp:
		l.DeviceBuiltUp(ref, dev)
	case NotifyBye:
		l.DeviceBye(ref)
	case NotifyCommunicationError:
		l.DeviceCommunicationErrorOrReset(ref)
	}
}

// effects collects work to run once a Reference lock is released: sends,
// listener calls and Synchronizer continuations.
type effects []func()

func (fx *effects) add(f func()) {
	*fx = append(*fx, f)
}

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
