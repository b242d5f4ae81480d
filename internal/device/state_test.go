package device

import "testing"

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from     State
		ev       Event
		hasProxy bool
		want     State
		notify   Notification
		ok       bool
	}{
		{StateUnknown, EventSeen, false, StateRunning, NotifyRunning, true},
		{StateUnknown, EventChanged, false, StateRunning, NotifyChanged, true},
		{StateUnknown, EventGetResponse, false, StateBuildUp, NotifyBuiltUp, true},
		{StateUnknown, EventBye, false, StateStopped, NotifyBye, true},
		{StateUnknown, EventFaultReset, false, StateUnknown, NotifyNone, false},

		{StateRunning, EventSeen, false, StateRunning, NotifyNone, false},
		{StateRunning, EventChanged, false, StateRunning, NotifyChanged, true},
		{StateRunning, EventGetResponse, false, StateBuildUp, NotifyBuiltUp, true},
		{StateRunning, EventBye, false, StateStopped, NotifyBye, true},
		{StateRunning, EventFaultReset, false, StateUnknown, NotifyCommunicationError, true},

		{StateBuildUp, EventSeen, true, StateBuildUp, NotifyNone, false},
		{StateBuildUp, EventChanged, true, StateRunning, NotifyChanged, true},
		{StateBuildUp, EventGetResponse, true, StateBuildUp, NotifyNone, false},
		{StateBuildUp, EventBye, true, StateStopped, NotifyBye, true},
		{StateBuildUp, EventFaultReset, true, StateUnknown, NotifyCommunicationError, true},

		{StateStopped, EventSeen, false, StateRunning, NotifyRunning, true},
		{StateStopped, EventSeen, true, StateBuildUp, NotifyRunning, true},
		{StateStopped, EventChanged, true, StateRunning, NotifyChanged, true},
		{StateStopped, EventGetResponse, false, StateBuildUp, NotifyBuiltUp, true},
		{StateStopped, EventBye, false, StateStopped, NotifyNone, false},
		{StateStopped, EventFaultReset, false, StateUnknown, NotifyCommunicationError, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, n, ok := Transition(tt.from, tt.ev, tt.hasProxy)
			if got != tt.want || n != tt.notify || ok != tt.ok {
				t.Errorf("Transition(%s, %s, %v) = (%s, %s, %v), want (%s, %s, %v)",
					tt.from, tt.ev, tt.hasProxy, got, n, ok, tt.want, tt.notify, tt.ok)
			}
		})
	}
}

func TestTransition_Closure(t *testing.T) {
	state := StateUnknown
	hasProxy := false
	for _, ev := range []Event{EventSeen, EventBye, EventSeen, EventGetResponse} {
		state, _, _ = Transition(state, ev, hasProxy)
	}
	if state != StateBuildUp {
		t.Errorf("SEEN, BYE, SEEN, GET_RESPONSE from unknown ended in %s, want build-up", state)
	}
}

func TestTransition_FaultResetAlwaysLandsInUnknown(t *testing.T) {
	for _, s := range []State{StateUnknown, StateRunning, StateBuildUp, StateStopped} {
		for _, hasProxy := range []bool{false, true} {
			if got, _, _ := Transition(s, EventFaultReset, hasProxy); got != StateUnknown {
				t.Errorf("FAULT_RESET from %s (proxy=%v) = %s, want unknown", s, hasProxy, got)
			}
		}
	}
}

func TestTransition_NotifiesExactlyOnceWhenApplied(t *testing.T) {
	events := []Event{EventSeen, EventChanged, EventGetResponse, EventBye, EventFaultReset}
	for _, s := range []State{StateUnknown, StateRunning, StateBuildUp, StateStopped} {
		for _, ev := range events {
			_, n, ok := Transition(s, ev, false)
			if ok && n == NotifyNone {
				t.Errorf("%s/%s applied without a notification", s, ev)
			}
			if !ok && n != NotifyNone {
				t.Errorf("%s/%s is a no-op but notifies %s", s, ev, n)
			}
		}
	}
}
