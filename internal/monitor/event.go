package monitor

import (
	"time"

	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/protocol"
)

// Event types
const (
	EventSnapshot             = "snapshot"
	EventHello                = "hello"
	EventRunning              = "running"
	EventBye                  = "bye"
	EventChanged              = "changed"
	EventBuiltUp              = "builtUp"
	EventCommunicationError   = "communicationError"
	EventCompletelyDiscovered = "completelyDiscovered"
)

// Event is one JSON message on the event stream.
type Event struct {
	Type              string         `json:"type"`
	Time              time.Time      `json:"time"`
	EndpointReference string         `json:"epr"`
	Location          string         `json:"location,omitempty"`
	State             string         `json:"state,omitempty"`
	Types             []string       `json:"types,omitempty"`
	Scopes            []string       `json:"scopes,omitempty"`
	XAddrs            []string       `json:"xaddrs,omitempty"`
	MetadataVersion   uint64         `json:"metadataVersion,omitempty"`
	Device            *device.Device `json:"device,omitempty"`
}

func referenceEvent(typ string, now time.Time, ref *device.Reference) Event {
	ev := Event{
		Type:              typ,
		Time:              now,
		EndpointReference: ref.EndpointReference(),
		Location:          ref.Location().String(),
		State:             ref.State().String(),
		MetadataVersion:   ref.MetadataVersion(),
	}
	if data := ref.Data(); data != nil {
		fillData(&ev, data)
	}
	return ev
}

func dataEvent(typ string, now time.Time, data *protocol.DiscoveryData) Event {
	ev := Event{
		Type:              typ,
		Time:              now,
		EndpointReference: data.EndpointReference,
		MetadataVersion:   data.MetadataVersion,
	}
	fillData(&ev, data)
	return ev
}

func fillData(ev *Event, data *protocol.DiscoveryData) {
	for _, t := range data.Types {
		ev.Types = append(ev.Types, t.String())
	}
	ev.Scopes = append([]string(nil), data.Scopes...)
	ev.XAddrs = data.XAddrURLs()
}
