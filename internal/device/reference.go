package device

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/discovery"
	"github.com/muurk/dpws/internal/protocol"
)

// Reference is the client-side handle of one device, identified by its
// endpoint reference.
type Reference struct {
	epr      string
	cfg      Config
	sender   Sender
	clock    clock.Clock
	logger   *zap.Logger
	registry *Registry

	sequence discovery.SequenceTracker
	// resolveSpacing is drained by every failed Resolve.
	resolveSpacing *rate.Limiter

	mu        sync.Mutex
	location  Location
	local     *LocalDevice
	data      *protocol.DiscoveryData
	preferred *protocol.XAddress
	state     State
	device    *Device
	// completeVersion is the metadata version a directed Probe last
	// confirmed. Zero means never.
	completeVersion uint64
	resolve         *Synchronizer[[]protocol.XAddress]
	probe           *Synchronizer[*protocol.DiscoveryData]
	get             *Synchronizer[*Device]
	listeners       []Listener
	lastUsed        time.Time
}

func newReference(epr string, g *Registry) *Reference {
	r := &Reference{
		epr:      epr,
		cfg:      g.cfg,
		sender:   g.sender,
		clock:    g.clock,
		logger:   g.logger.With(zap.String("epr", epr)),
		registry: g,
		data:     &protocol.DiscoveryData{EndpointReference: epr},
		lastUsed: g.clock.Now(),
	}
	if g.cfg.ResolveSpacing > 0 {
		r.resolveSpacing = rate.NewLimiter(rate.Every(g.cfg.ResolveSpacing), 1)
	}
	return r
}

// EndpointReference returns the stable identifier of the device.
func (r *Reference) EndpointReference() string {
	return r.epr
}

// Location returns whether the device is local, remote or not yet known.
func (r *Reference) Location() Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.location
}

// State returns the lifecycle state. Local devices are running or stopped.
func (r *Reference) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.location == LocationLocal {
		if r.local.Running() {
			return StateRunning
		}
		return StateStopped
	}
	return r.state
}

// Data returns the current discovery data. The result must not be
// modified.
func (r *Reference) Data() *protocol.DiscoveryData {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.location == LocationLocal {
		return r.local.Data()
	}
	return r.data
}

// MetadataVersion returns the newest known metadata version.
func (r *Reference) MetadataVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versionLocked()
}

// Device returns the built-up device, or nil if metadata was never fetched.
func (r *Reference) Device() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.location == LocationLocal {
		return r.local.Device()
	}
	return r.device
}

// PreferredXAddress returns the address that last answered, if any.
func (r *Reference) PreferredXAddress() (protocol.XAddress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.preferred == nil {
		return protocol.XAddress{}, false
	}
	return *r.preferred, true
}

// AddListener registers l for notifications about this device.
func (r *Reference) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.listeners, l) {
		r.listeners = append(r.listeners, l)
	}
}

// RemoveListener unregisters l.
func (r *Reference) RemoveListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = slices.DeleteFunc(r.listeners, func(x Listener) bool { return x == l })
}

// ResolveRemoteDevice returns the transport addresses of the device,
// sending a Resolve if none are known.
func (r *Reference) ResolveRemoteDevice(ctx context.Context) ([]protocol.XAddress, error) {
	r.mu.Lock()
	r.touchLocked()
	if r.location == LocationLocal {
		xaddrs := r.local.Data().XAddrs
		r.mu.Unlock()
		return xaddrs, nil
	}
	var fx effects
	s := r.resolveLocked(&fx)
	r.mu.Unlock()
	fx.run()

	return waitFor(ctx, r, s)
}

// GetDevice returns the device metadata, fetching it with Get unless the
// cached copy matches the current metadata version.
func (r *Reference) GetDevice(ctx context.Context) (*Device, error) {
	r.mu.Lock()
	r.touchLocked()
	if r.location == LocationLocal {
		dev := r.local.Device()
		r.mu.Unlock()
		return dev, nil
	}
	var fx effects
	s := r.getLocked(&fx)
	r.mu.Unlock()
	fx.run()

	return waitFor(ctx, r, s)
}

// BuildUpDevice starts fetching the device metadata and returns at once.
// Listeners receive DeviceBuiltUp on success.
func (r *Reference) BuildUpDevice(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.touchLocked()
	if r.location == LocationLocal {
		r.mu.Unlock()
		return nil
	}
	var fx effects
	r.getLocked(&fx)
	r.mu.Unlock()
	fx.run()
	return nil
}

// FetchCompleteDiscoveryDataSync sends a directed Probe to the device and
// returns the complete discovery data, unless it was already confirmed for
// the current metadata version.
func (r *Reference) FetchCompleteDiscoveryDataSync(ctx context.Context) (*protocol.DiscoveryData, error) {
	r.mu.Lock()
	r.touchLocked()
	if r.location == LocationLocal {
		data := r.local.Data()
		r.mu.Unlock()
		return data, nil
	}
	var fx effects
	s := r.probeLocked(&fx)
	r.mu.Unlock()
	fx.run()

	return waitFor(ctx, r, s)
}

// FetchCompleteDiscoveryDataAsync is FetchCompleteDiscoveryDataSync
// without waiting. Listeners receive DeviceCompletelyDiscovered on
// success.
func (r *Reference) FetchCompleteDiscoveryDataAsync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.touchLocked()
	if r.location == LocationLocal {
		r.mu.Unlock()
		return nil
	}
	var fx effects
	r.probeLocked(&fx)
	r.mu.Unlock()
	fx.run()
	return nil
}

// Reset forgets the AppSequence and cached addresses and moves the
// reference back to unknown.
func (r *Reference) Reset() {
	r.mu.Lock()
	var fx effects
	if r.location != LocationLocal {
		r.sequence.Reset()
		if r.resolve != nil && r.resolve.terminal {
			r.resolve = nil
		}
		r.completeVersion = 0
		r.applyEventLocked(EventFaultReset, &fx)
	}
	r.mu.Unlock()
	fx.run()
}

func (r *Reference) String() string {
	return fmt.Sprintf("Reference{epr=%s}", r.epr)
}

func (r *Reference) versionLocked() uint64 {
	if r.location == LocationLocal {
		return r.local.Data().MetadataVersion
	}
	return r.data.MetadataVersion
}

func (r *Reference) touchLocked() {
	r.lastUsed = r.clock.Now()
}

// idle reports whether the registry may drop r.
func (r *Reference) idle(now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.location == LocationLocal || len(r.listeners) > 0 {
		return false
	}
	if r.probe != nil || r.get != nil || (r.resolve != nil && !r.resolve.terminal) {
		return false
	}
	return now.Sub(r.lastUsed) >= timeout
}

// applyEventLocked runs the state machine and queues the notification.
func (r *Reference) applyEventLocked(ev Event, fx *effects) {
	next, n, ok := Transition(r.state, ev, r.device != nil)
	if !ok {
		return
	}
	r.logger.Debug("Device state changed",
		zap.Stringer("from", r.state),
		zap.Stringer("to", next),
		zap.Stringer("event", ev),
	)
	r.state = next
	r.notifyLocked(n, fx)
}

func (r *Reference) notifyLocked(n Notification, fx *effects) {
	if n == NotifyNone {
		return
	}
	listeners := slices.Clone(r.listeners)
	dev := r.device
	fx.add(func() {
		if r.registry != nil {
			listeners = append(listeners, r.registry.snapshotListeners()...)
		}
		for _, l := range listeners {
			deliver(l, n, r, dev)
		}
	})
}

func (r *Reference) notifyCompleteLocked(fx *effects) {
	listeners := slices.Clone(r.listeners)
	fx.add(func() {
		if r.registry != nil {
			listeners = append(listeners, r.registry.snapshotListeners()...)
		}
		for _, l := range listeners {
			l.DeviceCompletelyDiscovered(r)
		}
	})
}

// updateLocked applies discovery data from a Hello, a match or an mDNS
// hint. It reports false when the AppSequence gate rejects the message.
func (r *Reference) updateLocked(in *protocol.DiscoveryData, seq *protocol.AppSequence, fx *effects) bool {
	if r.location == LocationLocal {
		return false
	}
	if !r.sequence.CheckAndUpdate(seq) {
		r.logger.Debug("Dropping stale discovery message", zap.Stringer("sequence", seq))
		return false
	}
	r.location = LocationRemote
	r.touchLocked()

	ev := r.mergeLocked(in)
	r.applyEventLocked(ev, fx)
	return true
}

// mergeLocked swaps in a new DiscoveryData built from the current one and
// in, and returns the event the update amounts to.
func (r *Reference) mergeLocked(in *protocol.DiscoveryData) Event {
	cur := r.data
	next := cur.Clone()
	ev := EventSeen

	switch {
	case in.MetadataVersion > cur.MetadataVersion:
		ev = EventChanged
		next.MetadataVersion = in.MetadataVersion
		next.Types = slices.Clone(in.Types)
		next.Scopes = slices.Clone(in.Scopes)
		next.XAddrs = slices.Clone(in.XAddrs)
		if len(in.DiscoveryXAddrs) > 0 {
			next.DiscoveryXAddrs = slices.Clone(in.DiscoveryXAddrs)
		}
	case in.MetadataVersion == cur.MetadataVersion || in.MetadataVersion == protocol.MetadataVersionUnknown:
		if len(in.Types) > 0 {
			next.Types = slices.Clone(in.Types)
		}
		if len(in.Scopes) > 0 {
			next.Scopes = slices.Clone(in.Scopes)
		}
		if len(in.XAddrs) > 0 {
			next.XAddrs = slices.Clone(in.XAddrs)
		}
		if len(in.DiscoveryXAddrs) > 0 {
			next.DiscoveryXAddrs = slices.Clone(in.DiscoveryXAddrs)
		}
	}
	r.data = next

	if !slices.Equal(cur.XAddrs, next.XAddrs) {
		if r.preferred != nil && !slices.Contains(next.XAddrs, *r.preferred) {
			r.preferred = nil
		}
		if r.resolve == nil || r.resolve.terminal {
			r.resolve = nil
			if len(next.XAddrs) > 0 {
				r.resolve = settledSynchronizer(KindResolve, next.MetadataVersion, slices.Clone(next.XAddrs))
			}
		}
	}
	return ev
}

func (r *Reference) handleBye(seq *protocol.AppSequence, fx *effects) bool {
	if r.location == LocationLocal {
		return false
	}
	if !r.sequence.CheckAndUpdate(seq) {
		r.logger.Debug("Dropping stale Bye", zap.Stringer("sequence", seq))
		return false
	}
	r.location = LocationRemote
	r.touchLocked()
	if r.resolve != nil && r.resolve.terminal {
		r.resolve = nil
	}
	r.applyEventLocked(EventBye, fx)
	return true
}

// candidatesLocked returns the known addresses, preferred one first.
func (r *Reference) candidatesLocked() []protocol.XAddress {
	candidates := slices.Clone(r.data.XAddrs)
	if r.preferred != nil {
		if i := slices.Index(candidates, *r.preferred); i > 0 {
			candidates[0], candidates[i] = candidates[i], candidates[0]
		}
	}
	return candidates
}

// faultResetLocked applies FAULT_RESET for a request that failed or saw a
// transmission error. Authorization failures never reset.
func (r *Reference) faultResetLocked(transmissionFailed bool, err error, fx *effects) {
	if err == nil && !transmissionFailed {
		return
	}
	if err != nil && protocol.IsAuthorizationError(err) && !transmissionFailed {
		return
	}
	r.applyEventLocked(EventFaultReset, fx)
}

// Resolve

func (r *Reference) resolveLocked(fx *effects) *Synchronizer[[]protocol.XAddress] {
	if r.resolve != nil {
		return r.resolve
	}
	s := newSynchronizer[[]protocol.XAddress](KindResolve, r.versionLocked())
	r.resolve = s

	if delay := r.resolveDelay(); delay > 0 {
		r.logger.Debug("Delaying Resolve after failure", zap.Duration("delay", delay))
		fx.add(func() { r.clock.AfterFunc(delay, func() { r.sendResolve(s) }) })
	} else {
		fx.add(func() { r.sendResolve(s) })
	}
	return s
}

func (r *Reference) resolveDelay() time.Duration {
	if r.resolveSpacing == nil {
		return 0
	}
	tokens := r.resolveSpacing.TokensAt(r.clock.Now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) * float64(r.cfg.ResolveSpacing))
}

func (r *Reference) sendResolve(s *Synchronizer[[]protocol.XAddress]) {
	r.mu.Lock()
	if r.resolve != s || s.settled {
		r.mu.Unlock()
		return
	}
	s.attempts++
	r.mu.Unlock()

	_, err := r.sender.SendResolve(r.epr, protocol.VersionUnknown, r.cfg.RequestTimeout, correlator.Funcs{
		OnResponse: func(resp *protocol.Message, _ protocol.ConnectionInfo) {
			r.resolveAnswered(s, resp)
		},
		OnTimeout: func() {
			r.resolveFailed(s, protocol.NewTimeoutError(fmt.Sprintf("no ResolveMatches for %s", r.epr)))
		},
		OnError: func(err error) {
			r.resolveFailed(s, err)
		},
	})
	if err != nil {
		r.resolveFailed(s, err)
	}
}

func (r *Reference) resolveAnswered(s *Synchronizer[[]protocol.XAddress], resp *protocol.Message) {
	r.mu.Lock()
	var fx effects
	defer func() {
		r.mu.Unlock()
		fx.run()
	}()

	if r.resolve != s || s.settled {
		return
	}
	if s.version != r.versionLocked() {
		r.logger.Debug("Discarding ResolveMatches for an outdated metadata version",
			zap.Uint64("captured", s.version), zap.Uint64("current", r.versionLocked()))
		r.resolve = nil
		s.supersede(r.resolveLocked(&fx), &fx)
		return
	}
	if resp.Data == nil || resp.Data.EndpointReference != r.epr {
		r.failResolveLocked(s, protocol.NewCodecError(fmt.Sprintf("ResolveMatches does not describe %s", r.epr), nil), &fx)
		return
	}

	r.updateLocked(resp.Data, resp.AppSequence, &fx)
	if len(r.data.XAddrs) == 0 {
		r.failResolveLocked(s, protocol.NewNoAddressError(r.epr, nil), &fx)
		return
	}
	r.resolve = s
	s.terminal = true
	s.settle(slices.Clone(r.data.XAddrs), nil, &fx)
}

func (r *Reference) resolveFailed(s *Synchronizer[[]protocol.XAddress], err error) {
	r.mu.Lock()
	var fx effects
	if r.resolve == s && !s.settled {
		r.failResolveLocked(s, err, &fx)
	}
	r.mu.Unlock()
	fx.run()
}

func (r *Reference) failResolveLocked(s *Synchronizer[[]protocol.XAddress], err error, fx *effects) {
	r.logger.Debug("Resolve failed", zap.Error(err))
	r.resolve = nil
	if r.resolveSpacing != nil {
		r.resolveSpacing.AllowN(r.clock.Now(), 1)
	}
	r.faultResetLocked(protocol.IsTransmissionError(err), err, fx)
	s.settle(nil, err, fx)
}

// Address-targeted requests: directed Probe and Get.

// exchange describes one kind of address-targeted request.
type exchange[T any] struct {
	kind Kind
	slot func() **Synchronizer[T]
	send func(*Synchronizer[T], protocol.XAddress)
}

func (r *Reference) getExchange() exchange[*Device] {
	return exchange[*Device]{
		kind: KindGet,
		slot: func() **Synchronizer[*Device] { return &r.get },
		send: r.sendGet,
	}
}

func (r *Reference) probeExchange() exchange[*protocol.DiscoveryData] {
	return exchange[*protocol.DiscoveryData]{
		kind: KindProbe,
		slot: func() **Synchronizer[*protocol.DiscoveryData] { return &r.probe },
		send: r.sendProbe,
	}
}

// begin installs a new Synchronizer for ex and targets its first address.
func begin[T any](r *Reference, ex exchange[T], fx *effects) *Synchronizer[T] {
	s := newSynchronizer[T](ex.kind, r.versionLocked())
	*ex.slot() = s
	target(r, ex, s, fx)
	return s
}

// target sends to the first known address, resolving the device first if
// no address is known.
func target[T any](r *Reference, ex exchange[T], s *Synchronizer[T], fx *effects) {
	if candidates := r.candidatesLocked(); len(candidates) > 0 {
		s.candidates = candidates
		first := candidates[0]
		fx.add(func() { ex.send(s, first) })
		return
	}

	r.resolveLocked(fx).onSettled(func(xaddrs []protocol.XAddress, err error) {
		r.mu.Lock()
		var fx effects
		if *ex.slot() == s && !s.settled {
			if err != nil || len(xaddrs) == 0 {
				var zero T
				finish(r, ex, s, zero, protocol.NewNoAddressError(r.epr, err), &fx)
			} else {
				s.candidates = slices.Clone(xaddrs)
				first := s.candidates[0]
				fx.add(func() { ex.send(s, first) })
			}
		}
		r.mu.Unlock()
		fx.run()
	}, fx)
}

// attemptFailed drops x from the candidates of s and moves on to the next
// address. Authorization failures are not retried elsewhere.
func attemptFailed[T any](r *Reference, ex exchange[T], s *Synchronizer[T], x protocol.XAddress, err error) {
	r.mu.Lock()
	var fx effects
	defer func() {
		r.mu.Unlock()
		fx.run()
	}()

	if *ex.slot() != s || s.settled {
		return
	}
	if protocol.IsTransmissionError(err) {
		s.transmissionFailed = true
	}

	var zero T
	if protocol.IsAuthorizationError(err) {
		finish(r, ex, s, zero, err, &fx)
		return
	}

	s.candidates = slices.DeleteFunc(s.candidates, func(c protocol.XAddress) bool { return c == x })
	if len(s.candidates) == 0 {
		finish(r, ex, s, zero, protocol.NewNoAddressError(r.epr, err), &fx)
		return
	}

	next := s.candidates[0]
	r.logger.Debug("Trying next address",
		zap.Stringer("kind", ex.kind),
		zap.String("failed", x.URL),
		zap.String("next", next.URL),
		zap.Error(err),
	)
	fx.add(func() { ex.send(s, next) })
}

// finish clears the slot of ex and settles s with a failure.
func finish[T any](r *Reference, ex exchange[T], s *Synchronizer[T], result T, err error, fx *effects) {
	*ex.slot() = nil
	r.logger.Debug("Request failed",
		zap.Stringer("kind", ex.kind),
		zap.Int("attempts", s.attempts),
		zap.Error(err),
	)
	r.faultResetLocked(s.transmissionFailed, err, fx)
	s.settle(result, err, fx)
}

// restart replaces s, whose answer is outdated, with a fresh request for
// the current metadata version.
func restart[T any](r *Reference, ex exchange[T], s *Synchronizer[T], fx *effects) {
	r.logger.Debug("Discarding answer for an outdated metadata version",
		zap.Stringer("kind", ex.kind),
		zap.Uint64("captured", s.version),
		zap.Uint64("current", r.versionLocked()),
	)
	s.supersede(begin(r, ex, fx), fx)
}

// Get

func (r *Reference) getLocked(fx *effects) *Synchronizer[*Device] {
	if r.get != nil {
		return r.get
	}
	version := r.versionLocked()
	if r.device != nil && version != protocol.MetadataVersionUnknown && r.device.MetadataVersion == version {
		return settledSynchronizer(KindGet, version, r.device)
	}
	return begin(r, r.getExchange(), fx)
}

func (r *Reference) sendGet(s *Synchronizer[*Device], x protocol.XAddress) {
	ex := r.getExchange()
	r.mu.Lock()
	s.attempts++
	r.mu.Unlock()

	_, err := r.sender.SendGet(r.epr, x, r.cfg.RequestTimeout, correlator.Funcs{
		OnResponse: func(resp *protocol.Message, _ protocol.ConnectionInfo) {
			r.getAnswered(s, x, resp)
		},
		OnTimeout: func() {
			attemptFailed(r, ex, s, x, protocol.NewTimeoutError(fmt.Sprintf("no GetResponse from %s", x.URL)))
		},
		OnError: func(err error) {
			attemptFailed(r, ex, s, x, err)
		},
	})
	if err != nil {
		attemptFailed(r, ex, s, x, err)
	}
}

func (r *Reference) getAnswered(s *Synchronizer[*Device], x protocol.XAddress, resp *protocol.Message) {
	if resp.Metadata == nil {
		attemptFailed(r, r.getExchange(), s, x, protocol.NewCodecError(fmt.Sprintf("GetResponse from %s has no metadata", x.URL), nil))
		return
	}

	r.mu.Lock()
	var fx effects
	defer func() {
		r.mu.Unlock()
		fx.run()
	}()

	if r.get != s || s.settled {
		return
	}
	if s.version != r.versionLocked() {
		r.get = nil
		restart(r, r.getExchange(), s, &fx)
		return
	}

	dev := newDevice(r.data, *resp.Metadata, s.version, x)
	r.get = nil
	r.preferred = &x
	r.faultResetLocked(s.transmissionFailed, nil, &fx)
	r.device = dev
	r.applyEventLocked(EventGetResponse, &fx)
	s.settle(dev, nil, &fx)
}

// Directed Probe

func (r *Reference) probeLocked(fx *effects) *Synchronizer[*protocol.DiscoveryData] {
	if r.probe != nil {
		return r.probe
	}
	version := r.versionLocked()
	if version != protocol.MetadataVersionUnknown && r.completeVersion == version {
		return settledSynchronizer(KindProbe, version, r.data)
	}
	return begin(r, r.probeExchange(), fx)
}

func (r *Reference) sendProbe(s *Synchronizer[*protocol.DiscoveryData], x protocol.XAddress) {
	ex := r.probeExchange()
	r.mu.Lock()
	s.attempts++
	r.mu.Unlock()

	_, err := r.sender.SendDirectedProbe(x, nil, r.cfg.RequestTimeout, correlator.Funcs{
		OnResponse: func(resp *protocol.Message, _ protocol.ConnectionInfo) {
			r.probeAnswered(s, x, resp)
		},
		OnTimeout: func() {
			attemptFailed(r, ex, s, x, protocol.NewTimeoutError(fmt.Sprintf("no ProbeMatches from %s", x.URL)))
		},
		OnError: func(err error) {
			attemptFailed(r, ex, s, x, err)
		},
	})
	if err != nil {
		attemptFailed(r, ex, s, x, err)
	}
}

func (r *Reference) probeAnswered(s *Synchronizer[*protocol.DiscoveryData], x protocol.XAddress, resp *protocol.Message) {
	var match *protocol.DiscoveryData
	for _, m := range resp.Matches {
		if m != nil && m.EndpointReference == r.epr {
			match = m
			break
		}
	}
	if match == nil {
		attemptFailed(r, r.probeExchange(), s, x, protocol.NewCodecError(fmt.Sprintf("ProbeMatches from %s does not describe %s", x.URL, r.epr), nil))
		return
	}

	r.mu.Lock()
	var fx effects
	defer func() {
		r.mu.Unlock()
		fx.run()
	}()

	if r.probe != s || s.settled {
		return
	}
	if s.version != r.versionLocked() {
		r.probe = nil
		restart(r, r.probeExchange(), s, &fx)
		return
	}

	r.probe = nil
	r.preferred = &x
	r.faultResetLocked(s.transmissionFailed, nil, &fx)
	r.updateLocked(match, resp.AppSequence, &fx)
	r.completeVersion = r.versionLocked()
	r.notifyCompleteLocked(&fx)
	s.settle(r.data, nil, &fx)
}
