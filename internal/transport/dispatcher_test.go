package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/workers"
)

const testGroup = "239.255.255.250:3702"

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestDispatcher(t *testing.T, ft *fakeTransport, clk clock.Clock, params map[protocol.Version]protocol.Params, versions ...protocol.Version) *Dispatcher {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pool := workers.New(8, logger)
	cfg := Config{
		MulticastGroups: []string{testGroup},
		Versions:        versions,
		Params:          params,
	}
	d := NewDispatcher(cfg, ft, nil, protocol.NewJSONCodec(), clk, pool, logger)
	t.Cleanup(func() {
		_ = d.Close()
		pool.Close()
	})
	return d
}

// drive advances the manual clock whenever a timer is waiting, until cond
// holds or the wall-clock deadline passes.
func drive(t *testing.T, m *clock.Manual, step time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		if m.Pending() > 0 {
			m.Advance(step)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for d.Pending() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dispatcher still has %d pending transmissions", d.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestDispatcher_HelloRetransmissionBound(t *testing.T) {
	params := protocol.Params{
		MulticastUDPRepeat: 3,
		UnicastUDPRepeat:   3,
		UDPMinDelay:        100 * time.Millisecond,
		UDPMaxDelay:        200 * time.Millisecond,
		UDPUpperDelay:      500 * time.Millisecond,
		MatchTimeout:       10 * time.Second,
	}
	ft := &fakeTransport{}
	m := clock.NewManual(testEpoch)
	d := newTestDispatcher(t, ft, m, map[protocol.Version]protocol.Params{protocol.DPWS2009: params}, protocol.DPWS2009)

	hello := protocol.NewMessage(protocol.TypeHello)
	hello.Data = &protocol.DiscoveryData{EndpointReference: "urn:uuid:device", MetadataVersion: 1}

	ids, err := d.SendMulticast(context.Background(), hello, nil)
	if err != nil {
		t.Fatalf("SendMulticast() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != hello.MessageID {
		t.Errorf("ids = %v, want the original id for a single version", ids)
	}

	drive(t, m, params.UDPUpperDelay, func() bool { return ft.totalSent() >= 4 })
	waitIdle(t, d)

	if got := ft.totalSent(); got != 4 {
		t.Errorf("transmissions = %d, want 4 (1 initial + 3 repeats)", got)
	}

	delays := m.Delays()
	if len(delays) != 3 {
		t.Fatalf("retransmission delays = %v, want 3", delays)
	}
	if delays[0] < params.UDPMinDelay || delays[0] > params.UDPMaxDelay {
		t.Errorf("first delay %v outside [%v, %v]", delays[0], params.UDPMinDelay, params.UDPMaxDelay)
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("delays decrease: %v", delays)
		}
		if delays[i] > params.UDPUpperDelay {
			t.Errorf("delay %v above cap %v", delays[i], params.UDPUpperDelay)
		}
	}

	for _, dg := range ft.allSent() {
		if dg.dest != testGroup {
			t.Errorf("sent to %s, want %s", dg.dest, testGroup)
		}
	}
}

func TestDispatcher_GetIsNotRetransmitted(t *testing.T) {
	params := protocol.DefaultParams(protocol.DPWS2009)
	params.UnicastUDPRepeat = 3

	ft := &fakeTransport{}
	m := clock.NewManual(testEpoch)
	d := newTestDispatcher(t, ft, m, map[protocol.Version]protocol.Params{protocol.DPWS2009: params}, protocol.DPWS2009)

	get := protocol.NewMessage(protocol.TypeGet)
	if err := d.SendUnicast(context.Background(), get, "", "10.0.0.5:3702", nil); err != nil {
		t.Fatalf("SendUnicast() error = %v", err)
	}
	waitIdle(t, d)

	if got := ft.totalSent(); got != 1 {
		t.Errorf("transmissions = %d, want 1", got)
	}
	if len(m.Delays()) != 0 {
		t.Errorf("Get scheduled retransmissions: %v", m.Delays())
	}
}

func TestDispatcher_MulticastFanOut(t *testing.T) {
	params := map[protocol.Version]protocol.Params{}
	for _, v := range protocol.SupportedVersions {
		p := protocol.DefaultParams(v)
		p.MulticastUDPRepeat = 0
		p.AppMaxDelay = 0
		params[v] = p
	}

	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft, clock.NewManual(testEpoch), params, protocol.DPWS2009, protocol.DPWS2006)

	probe := protocol.NewMessage(protocol.TypeProbe)
	ids, err := d.SendMulticast(context.Background(), probe, nil)
	if err != nil {
		t.Fatalf("SendMulticast() error = %v", err)
	}
	waitIdle(t, d)

	if len(ids) != 2 {
		t.Fatalf("ids = %v, want 2 siblings", ids)
	}
	if ids[0] == ids[1] || ids[0] == probe.MessageID {
		t.Errorf("sibling ids must be distinct and derived: %v (original %s)", ids, probe.MessageID)
	}
	if want := d.SiblingIDs(probe); want[0] != ids[0] || want[1] != ids[1] {
		t.Errorf("SiblingIDs() = %v, SendMulticast() = %v", want, ids)
	}

	codec := protocol.NewJSONCodec()
	versions := map[string]protocol.Version{}
	for _, dg := range ft.allSent() {
		msg, err := codec.Decode(dg.payload, protocol.ConnectionInfo{})
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		versions[msg.MessageID] = msg.Version
	}
	if versions[ids[0]] != protocol.DPWS2009 || versions[ids[1]] != protocol.DPWS2006 {
		t.Errorf("variant versions = %v", versions)
	}
}

func TestDispatcher_PinnedVersionKeepsID(t *testing.T) {
	d := newTestDispatcher(t, &fakeTransport{}, clock.NewManual(testEpoch), nil, protocol.DPWS2009, protocol.DPWS2006)

	msg := protocol.NewMessage(protocol.TypeResolve)
	msg.Version = protocol.DPWS2006

	variants := d.MulticastVariants(msg)
	if len(variants) != 1 {
		t.Fatalf("variants = %d, want 1", len(variants))
	}
	if variants[0].MessageID != msg.MessageID || variants[0].Version != protocol.DPWS2006 {
		t.Errorf("variant = %v, want original id and pinned version", variants[0])
	}
}

func TestDispatcher_SocketErrorEvictsClient(t *testing.T) {
	ft := &fakeTransport{sendErr: errors.New("network is unreachable")}
	d := newTestDispatcher(t, ft, clock.NewManual(testEpoch), nil, protocol.DPWS2009)

	var mu sync.Mutex
	var failed []string
	onError := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if !protocol.IsRetryable(err) {
			t.Errorf("transmission error should be retryable: %v", err)
		}
		failed = append(failed, id)
	}

	first := protocol.NewMessage(protocol.TypeGet)
	if err := d.SendUnicast(context.Background(), first, "", "10.0.0.5:3702", onError); err != nil {
		t.Fatalf("SendUnicast() returned %v, errors must go to the callback", err)
	}
	waitIdle(t, d)

	second := protocol.NewMessage(protocol.TypeGet)
	_ = d.SendUnicast(context.Background(), second, "", "10.0.0.5:3702", onError)
	waitIdle(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(failed) != 2 || failed[0] != first.MessageID || failed[1] != second.MessageID {
		t.Errorf("failed = %v, want both message ids", failed)
	}
	if got := ft.clientCount(); got != 2 {
		t.Errorf("opened %d clients, want a fresh one after eviction (2)", got)
	}
}

func TestDispatcher_CloseWaitsForPending(t *testing.T) {
	params := protocol.DefaultParams(protocol.DPWS2009)
	params.MulticastUDPRepeat = 1
	params.AppMaxDelay = 0

	ft := &fakeTransport{}
	m := clock.NewManual(testEpoch)
	logger := zaptest.NewLogger(t)
	pool := workers.New(4, logger)
	defer pool.Close()
	d := NewDispatcher(Config{
		MulticastGroups: []string{testGroup},
		Versions:        []protocol.Version{protocol.DPWS2009},
		Params:          map[protocol.Version]protocol.Params{protocol.DPWS2009: params},
	}, ft, nil, protocol.NewJSONCodec(), m, pool, logger)

	if _, err := d.SendMulticast(context.Background(), protocol.NewMessage(protocol.TypeBye), nil); err != nil {
		t.Fatalf("SendMulticast() error = %v", err)
	}
	m.BlockUntil(1)

	closed := make(chan struct{})
	go func() {
		_ = d.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close() returned while a retransmission was pending")
	case <-time.After(50 * time.Millisecond):
	}

	m.Advance(params.UDPUpperDelay)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return after the retransmission finished")
	}

	if got := ft.totalSent(); got != 2 {
		t.Errorf("transmissions = %d, want 2", got)
	}
	if _, err := d.SendMulticast(context.Background(), protocol.NewMessage(protocol.TypeProbe), nil); !protocol.IsClosed(err) {
		t.Errorf("SendMulticast() after Close = %v, want closed error", err)
	}
}

func TestDispatcher_InboundDropsRepeats(t *testing.T) {
	ft := &fakeTransport{}
	d := newTestDispatcher(t, ft, clock.NewManual(testEpoch), nil, protocol.DPWS2009)

	received := make(chan *protocol.Message, 4)
	err := d.Start(InboundHandlerFunc(func(msg *protocol.Message, conn protocol.ConnectionInfo) {
		if !conn.Multicast {
			t.Errorf("ConnectionInfo.Multicast = false for a group datagram")
		}
		received <- msg
	}))
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	hello := protocol.NewMessage(protocol.TypeHello)
	hello.Version = protocol.DPWS2009
	hello.Data = &protocol.DiscoveryData{EndpointReference: "urn:uuid:device"}
	payload, err := protocol.NewJSONCodec().Encode(hello, protocol.ConnectionInfo{})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	receiver := ft.receivers[0]
	receiver.inbox <- Datagram{Payload: payload, From: "192.168.1.20:3702"}
	receiver.inbox <- Datagram{Payload: payload, From: "192.168.1.20:3702"}
	receiver.inbox <- Datagram{Payload: []byte("garbage"), From: "192.168.1.20:3702"}

	select {
	case msg := <-received:
		if msg.MessageID != hello.MessageID {
			t.Errorf("received %s, want %s", msg.MessageID, hello.MessageID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound message delivered")
	}

	select {
	case msg := <-received:
		t.Errorf("repeated datagram delivered again: %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
