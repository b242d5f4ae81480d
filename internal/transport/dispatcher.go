package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/discovery"
	"github.com/muurk/dpws/internal/logging"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/workers"
)

const (
	// openMaxTries bounds attempts to open a socket
	openMaxTries = 3

	openInitialInterval = 50 * time.Millisecond
	openMaxInterval     = time.Second
)

// Config selects the interfaces, groups and protocol versions a Dispatcher
// works with.
type Config struct {
	// Interfaces to send and receive on. Empty means the system default.
	Interfaces []string
	// MulticastGroups are "host:port" discovery groups.
	MulticastGroups []string
	// Versions are the protocol versions unpinned multicast messages are
	// fanned out to, in preference order.
	Versions []protocol.Version
	// Params overrides the timing of individual versions.
	Params map[protocol.Version]protocol.Params
	// MessageIDWindow is the size of the duplicate datagram filter.
	MessageIDWindow int
}

// DefaultConfig returns an IPv4 configuration for every supported version.
func DefaultConfig() Config {
	return Config{
		MulticastGroups: []string{fmt.Sprintf("%s:%d", protocol.MulticastGroupIPv4, protocol.DiscoveryPort)},
		Versions:        append([]protocol.Version(nil), protocol.SupportedVersions...),
	}
}

// Dispatcher sends logical messages as datagrams or unicast requests and
// feeds received datagrams to an InboundHandler.
type Dispatcher struct {
	cfg       Config
	transport Transport
	requester Requester
	codec     protocol.Codec
	clock     clock.Clock
	pool      *workers.Pool
	filter    *discovery.MessageIDFilter
	logger    *zap.Logger

	mu        sync.Mutex
	clients   map[string]Conn
	receivers []Conn
	handler   InboundHandler
	released  bool
	serving   sync.WaitGroup

	pendingMu   sync.Mutex
	pendingCond *sync.Cond
	pending     int
	closed      bool
}

// NewDispatcher creates a dispatcher. requester may be nil if unicast
// requests are never sent.
func NewDispatcher(cfg Config, t Transport, r Requester, codec protocol.Codec, clk clock.Clock, pool *workers.Pool, logger *zap.Logger) *Dispatcher {
	if len(cfg.Versions) == 0 {
		cfg.Versions = append([]protocol.Version(nil), protocol.SupportedVersions...)
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: t,
		requester: r,
		codec:     codec,
		clock:     clk,
		pool:      pool,
		filter:    discovery.NewMessageIDFilter(cfg.MessageIDWindow),
		logger:    logger,
		clients:   make(map[string]Conn),
	}
	d.pendingCond = sync.NewCond(&d.pendingMu)
	return d
}

// Start installs handler and joins every configured multicast group.
func (d *Dispatcher) Start(handler InboundHandler) error {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()

	for _, group := range d.cfg.MulticastGroups {
		conn, err := d.open(func() (Conn, error) {
			return d.transport.OpenMulticastReceiver(group, d.cfg.Interfaces)
		})
		if err != nil {
			return fmt.Errorf("failed to join multicast group %s: %w", group, err)
		}

		d.mu.Lock()
		if d.released {
			d.mu.Unlock()
			_ = conn.Close()
			return protocol.ErrClosed
		}
		d.receivers = append(d.receivers, conn)
		d.mu.Unlock()

		d.logger.Info("Joined multicast group",
			zap.String("group", group),
			zap.Strings("interfaces", d.cfg.Interfaces),
			zap.String("local_addr", conn.LocalAddr()),
		)
		d.serve(conn, "", true)
	}
	return nil
}

// Params returns the timing parameters in effect for v.
func (d *Dispatcher) Params(v protocol.Version) protocol.Params {
	if p, ok := d.cfg.Params[v]; ok {
		return p
	}
	return protocol.DefaultParams(v)
}

// Versions returns the configured fan-out versions.
func (d *Dispatcher) Versions() []protocol.Version {
	return append([]protocol.Version(nil), d.cfg.Versions...)
}

// PreferredVersion is used for unicast messages that are not pinned.
func (d *Dispatcher) PreferredVersion() protocol.Version {
	return d.cfg.Versions[0]
}

// MulticastVariants returns the version-specific messages SendMulticast
// transmits for msg. A pinned message yields one variant with the original
// id; otherwise every configured version gets its own derived id.
func (d *Dispatcher) MulticastVariants(msg *protocol.Message) []*protocol.Message {
	versions := d.cfg.Versions
	if msg.Version != protocol.VersionUnknown {
		versions = []protocol.Version{msg.Version}
	}

	variants := make([]*protocol.Message, 0, len(versions))
	for _, v := range versions {
		variant := msg.Clone()
		variant.Version = v
		if len(versions) > 1 {
			variant.MessageID = protocol.DeriveMessageID(msg.MessageID, v)
		}
		variants = append(variants, variant)
	}
	return variants
}

// SiblingIDs returns the message ids SendMulticast will use for msg.
func (d *Dispatcher) SiblingIDs(msg *protocol.Message) []string {
	variants := d.MulticastVariants(msg)
	ids := make([]string, len(variants))
	for i, v := range variants {
		ids[i] = v.MessageID
	}
	return ids
}

// SendRequest performs one unicast request on a pool worker. handler may be
// nil for fire-and-forget.
func (d *Dispatcher) SendRequest(ctx context.Context, msg *protocol.Message, xaddr protocol.XAddress, handler ResponseFunc) error {
	if d.requester == nil {
		return fmt.Errorf("no requester configured for %s", xaddr.URL)
	}
	if err := d.begin(); err != nil {
		return err
	}

	err := d.pool.Submit(func() {
		defer d.end()

		d.logger.Debug("Sending request",
			zap.Stringer("message", msg),
			zap.String("xaddr", xaddr.URL),
		)
		resp, err := d.requester.Request(ctx, xaddr, msg)
		if handler != nil {
			handler(resp, err)
		}
	})
	if err != nil {
		d.end()
		return err
	}
	return nil
}

// SendUnicast transmits msg to dest over the client of iface, repeating it
// when its type is retransmittable. Transmission failures go to onError.
func (d *Dispatcher) SendUnicast(ctx context.Context, msg *protocol.Message, iface, dest string, onError ErrorFunc) error {
	out := msg
	if out.Version == protocol.VersionUnknown {
		out = msg.Clone()
		out.Version = d.PreferredVersion()
	}

	payload, err := d.codec.Encode(out, protocol.ConnectionInfo{
		Transport: protocol.TransportUDP,
		Interface: iface,
		Remote:    dest,
		Version:   out.Version,
	})
	if err != nil {
		return protocol.NewCodecError("failed to encode "+out.Type.String(), err)
	}

	params := d.Params(out.Version)
	repeat := 0
	if out.Type.Retransmittable() {
		repeat = params.UnicastUDPRepeat
	}

	if err := d.begin(); err != nil {
		return err
	}
	err = d.pool.Submit(func() {
		defer d.end()
		if err := d.transmit(ctx, iface, dest, payload, params, repeat); err != nil {
			d.report(onError, out.MessageID, err)
		}
	})
	if err != nil {
		d.end()
		return err
	}
	return nil
}

// SendMulticast fans msg out to every version variant, interface and group.
// Hello variants wait a random application delay first. It returns the
// variant message ids; a variant whose transmissions all failed is reported
// to onError with its own id.
func (d *Dispatcher) SendMulticast(ctx context.Context, msg *protocol.Message, onError ErrorFunc) ([]string, error) {
	variants := d.MulticastVariants(msg)

	payloads := make([][]byte, len(variants))
	for i, variant := range variants {
		payload, err := d.codec.Encode(variant, protocol.ConnectionInfo{
			Transport: protocol.TransportUDP,
			Multicast: true,
			Version:   variant.Version,
		})
		if err != nil {
			return nil, protocol.NewCodecError("failed to encode "+variant.Type.String(), err)
		}
		payloads[i] = payload
	}

	ids := make([]string, len(variants))
	for i, variant := range variants {
		ids[i] = variant.MessageID
		if err := d.begin(); err != nil {
			return ids[:i], err
		}

		err := d.pool.Submit(func() {
			defer d.end()
			if err := d.multicast(ctx, variant, payloads[i]); err != nil {
				d.report(onError, variant.MessageID, err)
			}
		})
		if err != nil {
			d.end()
			return ids[:i], err
		}
	}
	return ids, nil
}

// multicast sends one variant on every interface and group. It fails only
// if every path failed.
func (d *Dispatcher) multicast(ctx context.Context, variant *protocol.Message, payload []byte) error {
	params := d.Params(variant.Version)

	if variant.Type == protocol.TypeHello {
		delay := appDelay(params.AppMaxDelay)
		if err := clock.Sleep(ctx, d.clock, delay); err != nil {
			return err
		}
	}

	repeat := 0
	if variant.Type.Retransmittable() {
		repeat = params.MulticastUDPRepeat
	}

	ifaces := d.cfg.Interfaces
	if len(ifaces) == 0 {
		ifaces = []string{""}
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	paths := 0
	for _, iface := range ifaces {
		for _, group := range d.cfg.MulticastGroups {
			paths++
			g.Go(func() error {
				err := d.transmit(ctx, iface, group, payload, params, repeat)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
				return err
			})
		}
	}
	_ = g.Wait()

	if paths > 0 && len(errs) == paths {
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		d.logger.Warn("Multicast failed on some paths",
			zap.Stringer("message", variant),
			zap.Int("failed", len(errs)),
			zap.Int("paths", paths),
		)
	}
	return nil
}

// transmit sends payload once and then repeat more times on the
// retransmission schedule.
func (d *Dispatcher) transmit(ctx context.Context, iface, dest string, payload []byte, params protocol.Params, repeat int) error {
	if err := d.send(iface, dest, payload); err != nil {
		return err
	}

	b := newRetransmitBackOff(params, repeat)
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		if err := clock.Sleep(ctx, d.clock, wait); err != nil {
			// Cancelled after the first transmission went out.
			return nil
		}
		if err := d.send(iface, dest, payload); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) send(iface, dest string, payload []byte) error {
	conn, err := d.client(iface)
	if err != nil {
		return protocol.NewTransmissionError(dest, err)
	}

	logging.LogDatagram(d.logger, "sent", dest, payload)
	if err := conn.Send(dest, payload); err != nil {
		d.logger.Warn("Send failed, discarding client",
			zap.String("interface", iface),
			zap.String("dest", dest),
			zap.Error(err),
		)
		d.evict(iface, conn)
		return protocol.NewTransmissionError(dest, err)
	}
	return nil
}

// client returns the unicast client of iface, opening one if needed.
func (d *Dispatcher) client(iface string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.released {
		return nil, protocol.ErrClosed
	}
	if conn, ok := d.clients[iface]; ok {
		return conn, nil
	}

	conn, err := d.open(func() (Conn, error) {
		return d.transport.OpenUnicast(iface)
	})
	if err != nil {
		return nil, err
	}
	d.clients[iface] = conn

	d.logger.Debug("Opened unicast client",
		zap.String("interface", iface),
		zap.String("local_addr", conn.LocalAddr()),
	)
	d.serve(conn, iface, false)
	return conn, nil
}

func (d *Dispatcher) open(op backoff.Operation[Conn]) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = openInitialInterval
	b.MaxInterval = openMaxInterval
	return backoff.Retry(context.Background(), op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(openMaxTries),
	)
}

// evict drops conn from the client pool if it is still the current client
// of iface, and closes it.
func (d *Dispatcher) evict(iface string, conn Conn) {
	d.mu.Lock()
	if d.clients[iface] == conn {
		delete(d.clients, iface)
	}
	d.mu.Unlock()
	_ = conn.Close()
}

func (d *Dispatcher) serve(conn Conn, iface string, multicast bool) {
	d.serving.Add(1)
	go func() {
		defer d.serving.Done()

		err := conn.Serve(func(dg Datagram) {
			d.handleDatagram(dg, multicast)
		})
		if err != nil {
			d.logger.Warn("Receive failed",
				zap.String("local_addr", conn.LocalAddr()),
				zap.Bool("multicast", multicast),
				zap.Error(err),
			)
			if !multicast {
				d.evict(iface, conn)
			}
		}
	}()
}

func (d *Dispatcher) handleDatagram(dg Datagram, multicast bool) {
	info := protocol.ConnectionInfo{
		Transport: protocol.TransportUDP,
		Interface: dg.Interface,
		Local:     dg.Local,
		Remote:    dg.From,
		Multicast: multicast,
	}
	logging.LogDatagram(d.logger, "received", dg.From, dg.Payload)

	msg, err := d.codec.Decode(dg.Payload, info)
	if err != nil {
		d.logger.Debug("Dropping undecodable datagram", zap.String("from", dg.From), zap.Error(err))
		return
	}
	if d.filter.Seen(msg.MessageID) {
		d.logger.Debug("Dropping repeated datagram", zap.Stringer("message", msg))
		return
	}
	info.Version = msg.Version

	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return
	}

	if err := d.pool.Submit(func() { handler.HandleInbound(msg, info) }); err != nil {
		d.logger.Debug("Dropping inbound message", zap.Stringer("message", msg), zap.Error(err))
	}
}

func (d *Dispatcher) report(onError ErrorFunc, messageID string, err error) {
	d.logger.Warn("Transmission failed", zap.String("message_id", messageID), zap.Error(err))
	if onError != nil {
		onError(messageID, err)
	}
}

func (d *Dispatcher) begin() error {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.closed {
		return protocol.ErrClosed
	}
	d.pending++
	return nil
}

func (d *Dispatcher) end() {
	d.pendingMu.Lock()
	d.pending--
	if d.pending == 0 {
		d.pendingCond.Broadcast()
	}
	d.pendingMu.Unlock()
}

// Pending returns the number of transmissions in progress.
func (d *Dispatcher) Pending() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return d.pending
}

// Close rejects new sends, waits for pending transmissions to finish and
// then releases every socket.
func (d *Dispatcher) Close() error {
	d.pendingMu.Lock()
	d.closed = true
	for d.pending > 0 {
		d.pendingCond.Wait()
	}
	d.pendingMu.Unlock()

	d.mu.Lock()
	d.released = true
	conns := append([]Conn(nil), d.receivers...)
	for _, c := range d.clients {
		conns = append(conns, c)
	}
	d.receivers = nil
	d.clients = make(map[string]Conn)
	d.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.serving.Wait()

	d.logger.Debug("Dispatcher closed", zap.Int("sockets", len(conns)))
	return errors.Join(errs...)
}
