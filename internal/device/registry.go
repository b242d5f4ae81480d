package device

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/protocol"
)

// Registry owns every Reference of the stack. It receives inbound
// discovery traffic and answers requests for local devices.
//
// All local devices share one AppSequence, so a ProbeMatches listing
// several of them carries a message number that is valid for each.
type Registry struct {
	cfg    Config
	sender Sender
	clock  clock.Clock
	logger *zap.Logger

	instanceID    uint64
	messageNumber atomic.Uint64

	mu        sync.Mutex
	refs      map[string]*Reference
	listeners []Listener
}

// NewRegistry creates an empty registry.
func NewRegistry(sender Sender, clk clock.Clock, cfg Config, logger *zap.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:        cfg.withDefaults(),
		sender:     sender,
		clock:      clk,
		logger:     logger,
		instanceID: uint64(clk.Now().Unix()),
		refs:       make(map[string]*Reference),
	}
}

// nextSequence returns the AppSequence for the next announcement or match
// sent on behalf of any local device.
func (g *Registry) nextSequence() *protocol.AppSequence {
	return &protocol.AppSequence{
		InstanceID:    g.instanceID,
		MessageNumber: g.messageNumber.Add(1),
	}
}

// Reference returns the reference for epr, creating it on first use.
func (g *Registry) Reference(epr string) *Reference {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.referenceLocked(epr)
}

func (g *Registry) referenceLocked(epr string) *Reference {
	ref, ok := g.refs[epr]
	if !ok {
		ref = newReference(epr, g)
		g.refs[epr] = ref
		g.logger.Debug("Created device reference", zap.String("epr", epr))
	}
	return ref
}

// Lookup returns the reference for epr if it exists.
func (g *Registry) Lookup(epr string) (*Reference, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref, ok := g.refs[epr]
	return ref, ok
}

// References returns every reference ordered by endpoint reference.
func (g *Registry) References() []*Reference {
	g.mu.Lock()
	refs := make([]*Reference, 0, len(g.refs))
	for _, ref := range g.refs {
		refs = append(refs, ref)
	}
	g.mu.Unlock()

	sort.Slice(refs, func(i, j int) bool { return refs[i].epr < refs[j].epr })
	return refs
}

// AddListener registers l for notifications about every device.
func (g *Registry) AddListener(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !slices.Contains(g.listeners, l) {
		g.listeners = append(g.listeners, l)
	}
}

// RemoveListener unregisters l.
func (g *Registry) RemoveListener(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = slices.DeleteFunc(g.listeners, func(x Listener) bool { return x == l })
}

func (g *Registry) snapshotListeners() []Listener {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.listeners)
}

// HandleHello implements dispatch.DiscoveryHandler.
func (g *Registry) HandleHello(msg *protocol.Message, conn protocol.ConnectionInfo) {
	if msg.Data == nil || msg.Data.EndpointReference == "" {
		g.logger.Debug("Dropping Hello without endpoint reference", zap.String("from", conn.Remote))
		return
	}
	ref := g.Reference(msg.Data.EndpointReference)

	ref.mu.Lock()
	var fx effects
	accepted := ref.updateLocked(msg.Data, msg.AppSequence, &fx)
	ref.mu.Unlock()

	if accepted {
		for _, l := range g.snapshotListeners() {
			l.HelloReceived(msg.Data)
		}
	}
	fx.run()
}

// HandleBye implements dispatch.DiscoveryHandler.
func (g *Registry) HandleBye(msg *protocol.Message, conn protocol.ConnectionInfo) {
	if msg.Data == nil || msg.Data.EndpointReference == "" {
		g.logger.Debug("Dropping Bye without endpoint reference", zap.String("from", conn.Remote))
		return
	}
	ref, ok := g.Lookup(msg.Data.EndpointReference)
	if !ok {
		return
	}

	ref.mu.Lock()
	var fx effects
	ref.handleBye(msg.AppSequence, &fx)
	ref.mu.Unlock()
	fx.run()
}

// HandleMatches implements dispatch.DiscoveryHandler for ProbeMatches and
// ResolveMatches that no pending request was waiting for.
func (g *Registry) HandleMatches(msg *protocol.Message, conn protocol.ConnectionInfo) {
	g.applyMatches(msg)
}

// applyMatches feeds every match in msg to its reference and returns the
// references that accepted one.
func (g *Registry) applyMatches(msg *protocol.Message) []*Reference {
	var matches []*protocol.DiscoveryData
	switch msg.Type {
	case protocol.TypeProbeMatches:
		matches = msg.Matches
	case protocol.TypeResolveMatches:
		if msg.Data != nil {
			matches = []*protocol.DiscoveryData{msg.Data}
		}
	}

	var refs []*Reference
	for _, m := range matches {
		if m == nil || m.EndpointReference == "" {
			continue
		}
		ref := g.Reference(m.EndpointReference)

		ref.mu.Lock()
		var fx effects
		accepted := ref.updateLocked(m, msg.AppSequence, &fx)
		ref.mu.Unlock()
		fx.run()

		if accepted || ref.Location() == LocationRemote {
			refs = append(refs, ref)
		}
	}
	return refs
}

// HandleHint applies discovery data learned out of band, such as an mDNS
// announcement. Hints carry no AppSequence.
func (g *Registry) HandleHint(data *protocol.DiscoveryData) {
	if data == nil || data.EndpointReference == "" {
		return
	}
	ref := g.Reference(data.EndpointReference)

	ref.mu.Lock()
	var fx effects
	ref.updateLocked(data, nil, &fx)
	ref.mu.Unlock()
	fx.run()
}

// Search multicasts a Probe and collects the devices that answer within
// timeout.
func (g *Registry) Search(ctx context.Context, scope *protocol.ProbeScope, timeout time.Duration) ([]*Reference, error) {
	var (
		mu    sync.Mutex
		found []*Reference
		done  = make(chan error, 1)
	)
	seen := make(map[string]bool)

	msg, err := g.sender.SendProbe(scope, timeout, correlator.Funcs{
		OnResponse: func(resp *protocol.Message, _ protocol.ConnectionInfo) {
			refs := g.applyMatches(resp)
			mu.Lock()
			for _, ref := range refs {
				if !seen[ref.epr] {
					seen[ref.epr] = true
					found = append(found, ref)
				}
			}
			mu.Unlock()
		},
		OnTimeout: func() { done <- nil },
		OnError:   func(err error) { done <- err },
	})
	if err != nil {
		return nil, err
	}
	g.logger.Debug("Probe sent", zap.String("message_id", msg.MessageID))

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()
	return slices.Clone(found), err
}

// AddLocalDevice hosts dev. The device stays stopped until StartLocal.
func (g *Registry) AddLocalDevice(dev *LocalDevice) (*Reference, error) {
	epr := dev.EndpointReference()

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.refs[epr]; ok {
		if existing.Location() == LocationLocal {
			return nil, fmt.Errorf("local device %s already exists", epr)
		}
		return nil, fmt.Errorf("device %s is already known as a remote device", epr)
	}

	ref := newReference(epr, g)
	ref.location = LocationLocal
	ref.local = dev
	g.refs[epr] = ref
	return ref, nil
}

// StartLocal announces the local device epr with a Hello.
func (g *Registry) StartLocal(epr string) error {
	ref, dev, err := g.local(epr)
	if err != nil {
		return err
	}
	if !dev.setRunning(true) {
		return nil
	}
	if err := g.sender.SendHello(dev.Data(), g.nextSequence(), protocol.VersionUnknown); err != nil {
		dev.setRunning(false)
		return err
	}
	g.notifyLocal(ref, NotifyRunning)
	return nil
}

// StopLocal withdraws the local device epr with a Bye.
func (g *Registry) StopLocal(epr string) error {
	ref, dev, err := g.local(epr)
	if err != nil {
		return err
	}
	if !dev.setRunning(false) {
		return nil
	}
	g.notifyLocal(ref, NotifyBye)
	return g.sender.SendBye(dev.Data(), g.nextSequence(), protocol.VersionUnknown)
}

// UpdateLocal changes the local device epr, bumps its metadata version and
// announces the change if it is running.
func (g *Registry) UpdateLocal(epr string, fn func(*protocol.DiscoveryData)) error {
	ref, dev, err := g.local(epr)
	if err != nil {
		return err
	}
	data := dev.Update(fn)
	g.notifyLocal(ref, NotifyChanged)
	if !dev.Running() {
		return nil
	}
	return g.sender.SendHello(data, g.nextSequence(), protocol.VersionUnknown)
}

func (g *Registry) local(epr string) (*Reference, *LocalDevice, error) {
	ref, ok := g.Lookup(epr)
	if !ok {
		return nil, nil, fmt.Errorf("unknown device %s", epr)
	}
	ref.mu.Lock()
	defer ref.mu.Unlock()
	if ref.location != LocationLocal {
		return nil, nil, fmt.Errorf("device %s is not local", epr)
	}
	return ref, ref.local, nil
}

func (g *Registry) notifyLocal(ref *Reference, n Notification) {
	ref.mu.Lock()
	var fx effects
	ref.notifyLocked(n, &fx)
	ref.mu.Unlock()
	fx.run()
}

// LocalDevices returns the running local devices.
func (g *Registry) LocalDevices() []*LocalDevice {
	var devs []*LocalDevice
	for _, dev := range g.HostedDevices() {
		if dev.Running() {
			devs = append(devs, dev)
		}
	}
	return devs
}

// HostedDevices returns every local device, running or not.
func (g *Registry) HostedDevices() []*LocalDevice {
	var devs []*LocalDevice
	for _, ref := range g.References() {
		ref.mu.Lock()
		dev := ref.local
		ref.mu.Unlock()
		if dev != nil {
			devs = append(devs, dev)
		}
	}
	return devs
}

// Answer implements dispatch.Responder for Probe, Resolve and Get
// addressed to running local devices.
func (g *Registry) Answer(_ context.Context, req *protocol.Message) *protocol.Message {
	switch req.Type {
	case protocol.TypeProbe:
		var matches []*protocol.DiscoveryData
		for _, dev := range g.LocalDevices() {
			if data := dev.Data(); data.Matches(req.Probe) {
				matches = append(matches, data)
			}
		}
		if len(matches) == 0 {
			return nil
		}
		reply := protocol.NewResponse(protocol.TypeProbeMatches, req)
		reply.AppSequence = g.nextSequence()
		reply.Matches = matches
		return reply

	case protocol.TypeResolve:
		dev := g.runningLocal(req.ResolveTarget)
		if dev == nil {
			return nil
		}
		reply := protocol.NewResponse(protocol.TypeResolveMatches, req)
		reply.AppSequence = g.nextSequence()
		reply.Data = dev.Data()
		return reply

	case protocol.TypeGet:
		dev := g.runningLocal(req.To)
		if dev == nil {
			return nil
		}
		reply := protocol.NewResponse(protocol.TypeGetResponse, req)
		metadata := dev.Device().Metadata
		reply.Metadata = &metadata
		return reply
	}
	return nil
}

func (g *Registry) runningLocal(epr string) *LocalDevice {
	ref, ok := g.Lookup(epr)
	if !ok {
		return nil
	}
	ref.mu.Lock()
	dev := ref.local
	ref.mu.Unlock()
	if dev == nil || !dev.Running() {
		return nil
	}
	return dev
}

// Sweep drops remote references that have been idle for the caching
// timeout and returns how many were removed.
func (g *Registry) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for epr, ref := range g.refs {
		if ref.idle(now, g.cfg.CachingTimeout) {
			delete(g.refs, epr)
			removed++
		}
	}
	if removed > 0 {
		g.logger.Debug("Removed idle device references", zap.Int("count", removed))
	}
	return removed
}

// Run sweeps idle references until ctx is done.
func (g *Registry) Run(ctx context.Context) {
	for {
		if err := clock.Sleep(ctx, g.clock, g.cfg.SweepInterval); err != nil {
			return
		}
		g.Sweep(g.clock.Now())
	}
}
