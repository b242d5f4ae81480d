package device

import "fmt"

// State is the lifecycle state of a remote device reference.
type State int

// Reference states
const (
	StateUnknown State = iota
	StateRunning
	StateBuildUp
	StateStopped
)

var stateNames = map[State]string{
	StateUnknown: "unknown",
	StateRunning: "running",
	StateBuildUp: "build-up",
	StateStopped: "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event drives the state machine.
type Event int

// State machine events
const (
	// EventSeen is any accepted discovery message without a newer
	// metadata version.
	EventSeen Event = iota
	// EventChanged means the metadata version advanced.
	EventChanged
	// EventGetResponse means a metadata fetch completed.
	EventGetResponse
	// EventBye is an explicit withdrawal.
	EventBye
	// EventFaultReset is a communication failure or an explicit reset.
	EventFaultReset
)

var eventNames = map[Event]string{
	EventSeen:        "seen",
	EventChanged:     "changed",
	EventGetResponse: "get-response",
	EventBye:         "bye",
	EventFaultReset:  "fault-reset",
}

func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Notification is the listener call a transition emits.
type Notification int

// Notifications
const (
	NotifyNone Notification = iota
	NotifyRunning
	NotifyChanged
	NotifyBuiltUp
	NotifyBye
	NotifyCommunicationError
)

var notificationNames = map[Notification]string{
	NotifyNone:               "none",
	NotifyRunning:            "running",
	NotifyChanged:            "changed",
	NotifyBuiltUp:            "built-up",
	NotifyBye:                "bye",
	NotifyCommunicationError: "communication-error",
}

func (n Notification) String() string {
	if name, ok := notificationNames[n]; ok {
		return name
	}
	return fmt.Sprintf("Notification(%d)", int(n))
}

type transition struct {
	to     State
	notify Notification
}

// transitions lists every event that changes state or notifies. Missing
// entries are no-ops.
var transitions = map[State]map[Event]transition{
	StateUnknown: {
		EventSeen:        {StateRunning, NotifyRunning},
		EventChanged:     {StateRunning, NotifyChanged},
		EventGetResponse: {StateBuildUp, NotifyBuiltUp},
		EventBye:         {StateStopped, NotifyBye},
	},
	StateRunning: {
		EventChanged:     {StateRunning, NotifyChanged},
		EventGetResponse: {StateBuildUp, NotifyBuiltUp},
		EventBye:         {StateStopped, NotifyBye},
		EventFaultReset:  {StateUnknown, NotifyCommunicationError},
	},
	StateBuildUp: {
		EventChanged:    {StateRunning, NotifyChanged},
		EventBye:        {StateStopped, NotifyBye},
		EventFaultReset: {StateUnknown, NotifyCommunicationError},
	},
	StateStopped: {
		EventSeen:        {StateRunning, NotifyRunning},
		EventChanged:     {StateRunning, NotifyChanged},
		EventGetResponse: {StateBuildUp, NotifyBuiltUp},
		EventFaultReset:  {StateUnknown, NotifyCommunicationError},
	},
}

// Transition applies ev to s. hasProxy tells whether a built device object
// exists, which sends a stopped device that is seen again straight back to
// build-up. ok is false when the event is a no-op in s.
func Transition(s State, ev Event, hasProxy bool) (next State, n Notification, ok bool) {
	t, ok := transitions[s][ev]
	if !ok {
		return s, NotifyNone, false
	}
	if s == StateStopped && ev == EventSeen && hasProxy {
		return StateBuildUp, NotifyRunning, true
	}
	return t.to, t.notify, true
}
