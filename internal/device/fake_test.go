package device

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/protocol"
)

// sentRequest is one request recorded by fakeSender.
type sentRequest struct {
	typ   protocol.Type
	epr   string
	xaddr protocol.XAddress
	cb    correlator.Callback
}

// fakeSender records requests. When respond is set it is called
// synchronously for every request, like a loopback transport.
type fakeSender struct {
	mu       sync.Mutex
	requests []sentRequest
	hellos   []*protocol.DiscoveryData
	helloSeq []*protocol.AppSequence
	byes     []*protocol.DiscoveryData
	respond  func(req sentRequest)
}

func (f *fakeSender) record(req sentRequest) (*protocol.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		respond(req)
	}
	return protocol.NewMessage(req.typ), nil
}

func (f *fakeSender) SendHello(data *protocol.DiscoveryData, s *protocol.AppSequence, _ protocol.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hellos = append(f.hellos, data)
	f.helloSeq = append(f.helloSeq, s)
	return nil
}

func (f *fakeSender) SendBye(data *protocol.DiscoveryData, _ *protocol.AppSequence, _ protocol.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byes = append(f.byes, data)
	return nil
}

func (f *fakeSender) SendProbe(_ *protocol.ProbeScope, _ time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	return f.record(sentRequest{typ: protocol.TypeProbe, cb: cb})
}

func (f *fakeSender) SendResolve(epr string, _ protocol.Version, _ time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	return f.record(sentRequest{typ: protocol.TypeResolve, epr: epr, cb: cb})
}

func (f *fakeSender) SendDirectedProbe(xaddr protocol.XAddress, _ *protocol.ProbeScope, _ time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	return f.record(sentRequest{typ: protocol.TypeProbe, xaddr: xaddr, cb: cb})
}

func (f *fakeSender) SendGet(epr string, xaddr protocol.XAddress, _ time.Duration, cb correlator.Callback) (*protocol.Message, error) {
	return f.record(sentRequest{typ: protocol.TypeGet, epr: epr, xaddr: xaddr, cb: cb})
}

func (f *fakeSender) sent(typ protocol.Type) []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentRequest
	for _, req := range f.requests {
		if req.typ == typ {
			out = append(out, req)
		}
	}
	return out
}

// waitSent polls until n requests of typ were sent.
func (f *fakeSender) waitSent(t *testing.T, typ protocol.Type, n int) []sentRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := f.sent(typ); len(reqs) >= n {
			return reqs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %s requests, got %d", n, typ, len(f.sent(typ)))
	return nil
}

// recorder is a Listener that records notifications as "kind:epr".
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(kind, epr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind+":"+epr)
}

func (r *recorder) HelloReceived(data *protocol.DiscoveryData) {
	r.add("hello", data.EndpointReference)
}
func (r *recorder) DeviceRunning(ref *Reference) { r.add("running", ref.EndpointReference()) }
func (r *recorder) DeviceBye(ref *Reference)     { r.add("bye", ref.EndpointReference()) }
func (r *recorder) DeviceChanged(ref *Reference) { r.add("changed", ref.EndpointReference()) }
func (r *recorder) DeviceBuiltUp(ref *Reference, _ *Device) {
	r.add("builtup", ref.EndpointReference())
}
func (r *recorder) DeviceCommunicationErrorOrReset(ref *Reference) {
	r.add("error", ref.EndpointReference())
}
func (r *recorder) DeviceCompletelyDiscovered(ref *Reference) {
	r.add("complete", ref.EndpointReference())
}

func (r *recorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events
	r.events = nil
	return events
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if strings.HasPrefix(e, kind+":") {
			n++
		}
	}
	return n
}

func seq(instance uint64, id string, number uint64) *protocol.AppSequence {
	return &protocol.AppSequence{InstanceID: instance, SequenceID: id, MessageNumber: number}
}

func xaddrs(n int) []protocol.XAddress {
	out := make([]protocol.XAddress, n)
	for i := range out {
		out[i] = protocol.XAddress{URL: fmt.Sprintf("http://192.0.2.%d:5357/dev", i+1), Version: protocol.DPWS2009}
	}
	return out
}

func helloMsg(epr string, s *protocol.AppSequence, mdv uint64, addrs []protocol.XAddress) *protocol.Message {
	msg := protocol.NewMessage(protocol.TypeHello)
	msg.AppSequence = s
	msg.Data = &protocol.DiscoveryData{
		EndpointReference: epr,
		Types:             []protocol.QName{{Namespace: "http://example.com/ns", Local: "Printer"}},
		XAddrs:            slices.Clone(addrs),
		MetadataVersion:   mdv,
	}
	return msg
}

func byeMsg(epr string, s *protocol.AppSequence) *protocol.Message {
	msg := protocol.NewMessage(protocol.TypeBye)
	msg.AppSequence = s
	msg.Data = &protocol.DiscoveryData{EndpointReference: epr}
	return msg
}

func getResponse(manufacturer string) *protocol.Message {
	msg := protocol.NewMessage(protocol.TypeGetResponse)
	msg.Metadata = &protocol.DeviceMetadata{Manufacturer: manufacturer, FriendlyName: "Test Device"}
	return msg
}
