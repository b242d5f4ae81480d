package device

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/protocol"
)

const testEPR = "urn:uuid:6b29fc40-ca47-1067-b31d-00dd010662da"

func newTestRegistry(t *testing.T, fs *fakeSender, clk clock.Clock) *Registry {
	t.Helper()
	return NewRegistry(fs, clk, Config{WaitQuantum: time.Second, WaitRetries: 10}, zaptest.NewLogger(t))
}

func resolveMatches(epr string, s *protocol.AppSequence, addrs []protocol.XAddress) *protocol.Message {
	msg := protocol.NewMessage(protocol.TypeResolveMatches)
	msg.AppSequence = s
	msg.Data = &protocol.DiscoveryData{EndpointReference: epr, XAddrs: addrs}
	return msg
}

func TestReference_EndToEndHelloBye(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	rec := &recorder{}
	g.AddListener(rec)

	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 5, xaddrs(1)), protocol.ConnectionInfo{})

	ref, ok := g.Lookup(testEPR)
	if !ok {
		t.Fatal("Hello did not create a reference")
	}
	if got := ref.State(); got != StateRunning {
		t.Errorf("State() = %s, want running", got)
	}
	if got := ref.MetadataVersion(); got != 5 {
		t.Errorf("MetadataVersion() = %d, want 5", got)
	}
	if got, want := rec.take(), []string{"hello:" + testEPR, "changed:" + testEPR}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	g.HandleBye(byeMsg(testEPR, seq(1, "s", 0)), protocol.ConnectionInfo{})

	if got := ref.State(); got != StateRunning {
		t.Errorf("State() after stale Bye = %s, want running", got)
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("stale Bye notified %v", got)
	}

	g.HandleBye(byeMsg(testEPR, seq(1, "s", 2)), protocol.ConnectionInfo{})
	if got := ref.State(); got != StateStopped {
		t.Errorf("State() after Bye = %s, want stopped", got)
	}
	if got, want := rec.take(), []string{"bye:" + testEPR}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestReference_SingleFlightResolve(t *testing.T) {
	tests := []struct {
		name    string
		settle  func(cb correlator.Callback)
		wantErr bool
	}{
		{
			name: "response",
			settle: func(cb correlator.Callback) {
				cb.HandleResponse(resolveMatches(testEPR, seq(1, "s", 1), xaddrs(2)), protocol.ConnectionInfo{})
			},
		},
		{
			name:    "timeout",
			settle:  func(cb correlator.Callback) { cb.HandleTimeout() },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSender{}
			g := newTestRegistry(t, fs, nil)
			ref := g.Reference(testEPR)

			const callers = 8
			results := make([][]protocol.XAddress, callers)
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for i := range callers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = ref.ResolveRemoteDevice(context.Background())
				}()
			}

			req := fs.waitSent(t, protocol.TypeResolve, 1)[0]
			time.Sleep(50 * time.Millisecond)
			tt.settle(req.cb)
			wg.Wait()

			if got := len(fs.sent(protocol.TypeResolve)); got != 1 {
				t.Errorf("%d Resolve requests sent, want 1", got)
			}
			for i := range callers {
				if tt.wantErr {
					if !protocol.IsTimeout(errs[i]) {
						t.Errorf("caller %d: error = %v, want timeout", i, errs[i])
					}
					continue
				}
				if errs[i] != nil {
					t.Errorf("caller %d: unexpected error %v", i, errs[i])
				}
				if !slices.Equal(results[i], xaddrs(2)) {
					t.Errorf("caller %d: xaddrs = %v, want %v", i, results[i], xaddrs(2))
				}
			}
		})
	}
}

func TestReference_FailOverExhaustion(t *testing.T) {
	tests := []struct {
		name string
		fail func(req sentRequest)
	}{
		{
			name: "timeout",
			fail: func(req sentRequest) { req.cb.HandleTimeout() },
		},
		{
			name: "transmission error",
			fail: func(req sentRequest) {
				req.cb.HandleTransmissionError(protocol.NewTransmissionError(req.xaddr.URL, errors.New("connection reset")))
			},
		},
		{
			name: "receiver fault",
			fail: func(req sentRequest) {
				req.cb.HandleTransmissionError(protocol.NewFaultError(&protocol.Fault{Code: protocol.FaultCodeReceiver}, req.xaddr.URL))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeSender{}
			g := newTestRegistry(t, fs, nil)
			rec := &recorder{}
			g.AddListener(rec)
			g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 1, xaddrs(3)), protocol.ConnectionInfo{})
			ref, _ := g.Lookup(testEPR)

			fs.respond = func(req sentRequest) {
				if req.typ == protocol.TypeGet {
					tt.fail(req)
				}
			}

			dev, err := ref.GetDevice(context.Background())
			if !protocol.IsNoAddressError(err) {
				t.Fatalf("GetDevice() error = %v, want no-address error", err)
			}
			if dev != nil {
				t.Errorf("GetDevice() returned %v with an error", dev)
			}

			gets := fs.sent(protocol.TypeGet)
			if len(gets) != 3 {
				t.Fatalf("%d Get attempts, want 3", len(gets))
			}
			for i, req := range gets {
				if req.xaddr != xaddrs(3)[i] {
					t.Errorf("attempt %d went to %s, want %s", i, req.xaddr, xaddrs(3)[i])
				}
			}

			if got := ref.State(); got != StateUnknown {
				t.Errorf("State() = %s, want unknown", got)
			}
			if got := rec.count("error"); got != 1 {
				t.Errorf("%d communication error notifications, want 1", got)
			}
			if got := len(ref.Data().XAddrs); got != 3 {
				t.Errorf("fail-over pruned the known addresses to %d", got)
			}
		})
	}
}

func TestReference_AuthorizationFaultNotRetried(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	rec := &recorder{}
	g.AddListener(rec)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 1, xaddrs(3)), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)

	fs.respond = func(req sentRequest) {
		if req.typ == protocol.TypeGet {
			req.cb.HandleTransmissionError(protocol.NewFaultError(&protocol.Fault{
				Code:    protocol.FaultCodeSender,
				Subcode: protocol.FaultSubcodeAuthorizationFailed,
			}, req.xaddr.URL))
		}
	}

	_, err := ref.GetDevice(context.Background())
	if !protocol.IsAuthorizationError(err) {
		t.Fatalf("GetDevice() error = %v, want authorization error", err)
	}
	if got := len(fs.sent(protocol.TypeGet)); got != 1 {
		t.Errorf("%d Get attempts, want 1", got)
	}
	if got := ref.State(); got != StateRunning {
		t.Errorf("State() = %s, want running", got)
	}
	if got := rec.count("error"); got != 0 {
		t.Errorf("authorization failure reset the device %d times", got)
	}
}

func TestReference_StaleGetResponseDiscarded(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	rec := &recorder{}
	g.AddListener(rec)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 3, xaddrs(1)), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)
	rec.take()

	if err := ref.BuildUpDevice(context.Background()); err != nil {
		t.Fatalf("BuildUpDevice() error = %v", err)
	}
	first := fs.waitSent(t, protocol.TypeGet, 1)[0]

	g.HandleHello(helloMsg(testEPR, seq(1, "s", 2), 4, xaddrs(1)), protocol.ConnectionInfo{})
	if got, want := rec.take(), []string{"hello:" + testEPR, "changed:" + testEPR}; !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}

	first.cb.HandleResponse(getResponse("stale"), protocol.ConnectionInfo{})

	if got := ref.State(); got != StateRunning {
		t.Errorf("State() after stale GetResponse = %s, want running", got)
	}
	if got := rec.take(); len(got) != 0 {
		t.Errorf("stale GetResponse notified %v", got)
	}
	if ref.Device() != nil {
		t.Error("stale GetResponse built the device")
	}

	gets := fs.sent(protocol.TypeGet)
	if len(gets) != 2 {
		t.Fatalf("%d Get requests, want a second one for the new version", len(gets))
	}
	gets[1].cb.HandleResponse(getResponse("fresh"), protocol.ConnectionInfo{})

	if got := ref.State(); got != StateBuildUp {
		t.Errorf("State() = %s, want build-up", got)
	}
	if got, want := rec.take(), []string{"builtup:" + testEPR}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	dev := ref.Device()
	if dev == nil || dev.MetadataVersion != 4 || dev.Metadata.Manufacturer != "fresh" {
		t.Errorf("Device() = %+v, want version 4 from the fresh response", dev)
	}
}

func TestReference_WaiterFollowsSupersededRequest(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 3, xaddrs(1)), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)

	type result struct {
		dev *Device
		err error
	}
	done := make(chan result, 1)
	go func() {
		dev, err := ref.GetDevice(context.Background())
		done <- result{dev, err}
	}()

	first := fs.waitSent(t, protocol.TypeGet, 1)[0]
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 2), 4, xaddrs(1)), protocol.ConnectionInfo{})
	first.cb.HandleResponse(getResponse("stale"), protocol.ConnectionInfo{})

	second := fs.waitSent(t, protocol.TypeGet, 2)[1]
	second.cb.HandleResponse(getResponse("fresh"), protocol.ConnectionInfo{})

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("GetDevice() error = %v", res.err)
		}
		if res.dev.Metadata.Manufacturer != "fresh" {
			t.Errorf("GetDevice() returned %q metadata, want fresh", res.dev.Metadata.Manufacturer)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetDevice() did not return")
	}
}

func TestReference_GetDeviceCachedPerVersion(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 2, xaddrs(2)), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)

	fs.respond = func(req sentRequest) {
		if req.typ == protocol.TypeGet {
			req.cb.HandleResponse(getResponse("ACME"), protocol.ConnectionInfo{})
		}
	}

	for range 3 {
		dev, err := ref.GetDevice(context.Background())
		if err != nil {
			t.Fatalf("GetDevice() error = %v", err)
		}
		if dev.Metadata.Manufacturer != "ACME" {
			t.Errorf("Manufacturer = %q, want ACME", dev.Metadata.Manufacturer)
		}
	}
	if got := len(fs.sent(protocol.TypeGet)); got != 1 {
		t.Errorf("%d Get requests, want 1", got)
	}
	if x, ok := ref.PreferredXAddress(); !ok || x != xaddrs(2)[0] {
		t.Errorf("PreferredXAddress() = %v, %v", x, ok)
	}

	g.HandleHello(helloMsg(testEPR, seq(1, "s", 2), 3, xaddrs(2)), protocol.ConnectionInfo{})
	if _, err := ref.GetDevice(context.Background()); err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got := len(fs.sent(protocol.TypeGet)); got != 2 {
		t.Errorf("%d Get requests after a metadata change, want 2", got)
	}
}

func TestReference_ResolvesBeforeGet(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 1, nil), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)

	fs.respond = func(req sentRequest) {
		switch req.typ {
		case protocol.TypeResolve:
			req.cb.HandleResponse(resolveMatches(testEPR, seq(1, "s", 2), xaddrs(1)), protocol.ConnectionInfo{})
		case protocol.TypeGet:
			req.cb.HandleResponse(getResponse("ACME"), protocol.ConnectionInfo{})
		}
	}

	dev, err := ref.GetDevice(context.Background())
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if dev.XAddress != xaddrs(1)[0] {
		t.Errorf("XAddress = %v, want %v", dev.XAddress, xaddrs(1)[0])
	}

	fs.mu.Lock()
	var order []protocol.Type
	for _, req := range fs.requests {
		order = append(order, req.typ)
	}
	fs.mu.Unlock()
	if want := []protocol.Type{protocol.TypeResolve, protocol.TypeGet}; !slices.Equal(order, want) {
		t.Errorf("requests = %v, want %v", order, want)
	}

	xs, err := ref.ResolveRemoteDevice(context.Background())
	if err != nil || !slices.Equal(xs, xaddrs(1)) {
		t.Errorf("ResolveRemoteDevice() = %v, %v", xs, err)
	}
	if got := len(fs.sent(protocol.TypeResolve)); got != 1 {
		t.Errorf("resolved addresses were not cached: %d Resolve requests", got)
	}
}

func TestReference_FetchCompleteDiscoveryData(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	rec := &recorder{}
	g.AddListener(rec)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 2, xaddrs(1)), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)

	fs.respond = func(req sentRequest) {
		if req.typ != protocol.TypeProbe {
			return
		}
		resp := protocol.NewMessage(protocol.TypeProbeMatches)
		resp.AppSequence = seq(1, "s", 2)
		resp.Matches = []*protocol.DiscoveryData{{
			EndpointReference: testEPR,
			Scopes:            []string{"urn:scope:office"},
			XAddrs:            xaddrs(1),
			MetadataVersion:   2,
		}}
		req.cb.HandleResponse(resp, protocol.ConnectionInfo{})
	}

	data, err := ref.FetchCompleteDiscoveryDataSync(context.Background())
	if err != nil {
		t.Fatalf("FetchCompleteDiscoveryDataSync() error = %v", err)
	}
	if !slices.Equal(data.Scopes, []string{"urn:scope:office"}) {
		t.Errorf("Scopes = %v", data.Scopes)
	}
	if len(data.Types) != 1 {
		t.Errorf("Types from the Hello were lost: %v", data.Types)
	}
	if got := rec.count("complete"); got != 1 {
		t.Errorf("%d completely-discovered notifications, want 1", got)
	}

	if _, err := ref.FetchCompleteDiscoveryDataSync(context.Background()); err != nil {
		t.Fatalf("second FetchCompleteDiscoveryDataSync() error = %v", err)
	}
	if err := ref.FetchCompleteDiscoveryDataAsync(context.Background()); err != nil {
		t.Fatalf("FetchCompleteDiscoveryDataAsync() error = %v", err)
	}
	if got := len(fs.sent(protocol.TypeProbe)); got != 1 {
		t.Errorf("%d directed Probes, want 1", got)
	}
}

func TestReference_ResolveSpacingAfterFailure(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	fs := &fakeSender{}
	g := NewRegistry(fs, clk, Config{
		WaitQuantum:    time.Hour,
		WaitRetries:    1,
		ResolveSpacing: 2 * time.Second,
	}, zaptest.NewLogger(t))
	ref := g.Reference(testEPR)

	var failing atomic.Bool
	failing.Store(true)
	fs.respond = func(req sentRequest) {
		if req.typ != protocol.TypeResolve {
			return
		}
		if failing.Load() {
			req.cb.HandleTimeout()
			return
		}
		req.cb.HandleResponse(resolveMatches(testEPR, nil, xaddrs(1)), protocol.ConnectionInfo{})
	}

	if _, err := ref.ResolveRemoteDevice(context.Background()); !protocol.IsTimeout(err) {
		t.Fatalf("ResolveRemoteDevice() error = %v, want timeout", err)
	}
	failing.Store(false)

	type result struct {
		xaddrs []protocol.XAddress
		err    error
	}
	done := make(chan result, 1)
	go func() {
		xs, err := ref.ResolveRemoteDevice(context.Background())
		done <- result{xs, err}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !slices.Contains(clk.Delays(), 2*time.Second) {
		if time.Now().After(deadline) {
			t.Fatalf("retry was not delayed by the resolve spacing, delays = %v", clk.Delays())
		}
		time.Sleep(time.Millisecond)
	}
	if got := len(fs.sent(protocol.TypeResolve)); got != 1 {
		t.Fatalf("%d Resolve requests before the spacing elapsed, want 1", got)
	}

	clk.Advance(2 * time.Second)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("ResolveRemoteDevice() error = %v", res.err)
		}
		if !slices.Equal(res.xaddrs, xaddrs(1)) {
			t.Errorf("xaddrs = %v, want %v", res.xaddrs, xaddrs(1))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ResolveRemoteDevice() did not return")
	}
	if got := len(fs.sent(protocol.TypeResolve)); got != 2 {
		t.Errorf("%d Resolve requests, want 2", got)
	}
}

func TestReference_WaitGivesUpAfterRetries(t *testing.T) {
	fs := &fakeSender{}
	g := NewRegistry(fs, nil, Config{WaitQuantum: 5 * time.Millisecond, WaitRetries: 3}, zaptest.NewLogger(t))
	ref := g.Reference(testEPR)

	_, err := ref.ResolveRemoteDevice(context.Background())
	if !protocol.IsTimeout(err) {
		t.Errorf("ResolveRemoteDevice() error = %v, want timeout", err)
	}
}

func TestReference_ContextCancelled(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	ref := g.Reference(testEPR)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ref.ResolveRemoteDevice(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("ResolveRemoteDevice() error = %v, want context.Canceled", err)
	}
	if err := ref.BuildUpDevice(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("BuildUpDevice() error = %v, want context.Canceled", err)
	}
}

func TestReference_ResetForgetsSequence(t *testing.T) {
	fs := &fakeSender{}
	g := newTestRegistry(t, fs, nil)
	rec := &recorder{}
	g.AddListener(rec)
	g.HandleHello(helloMsg(testEPR, seq(1, "s", 5), 1, xaddrs(1)), protocol.ConnectionInfo{})
	ref, _ := g.Lookup(testEPR)
	rec.take()

	ref.Reset()
	if got := ref.State(); got != StateUnknown {
		t.Errorf("State() after Reset = %s, want unknown", got)
	}
	if got, want := rec.take(), []string{"error:" + testEPR}; !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	g.HandleHello(helloMsg(testEPR, seq(1, "s", 1), 1, xaddrs(1)), protocol.ConnectionInfo{})
	if got := ref.State(); got != StateRunning {
		t.Errorf("Hello after Reset was rejected, state = %s", got)
	}
}
