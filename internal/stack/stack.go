package stack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/correlator"
	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/discovery"
	"github.com/muurk/dpws/internal/dispatch"
	"github.com/muurk/dpws/internal/protocol"
	"github.com/muurk/dpws/internal/transport"
	"github.com/muurk/dpws/internal/workers"
)

const (
	// MetadataPath is the HTTP path local devices are served under
	MetadataPath = "/dpws"

	// DefaultRequestTimeout bounds one unicast request
	DefaultRequestTimeout = 10 * time.Second

	shutdownTimeout = 10 * time.Second
)

// Options selects the services a Stack is built from. The zero value is a
// client-only IPv4 stack on the real network.
type Options struct {
	Dispatch transport.Config
	Device   device.Config

	// Network opens UDP sockets. Nil selects a UDPTransport.
	Network transport.Transport
	// Requester performs unicast requests. Nil selects an HTTPRequester.
	Requester transport.Requester

	IPv6           bool
	Workers        int
	RequestTimeout time.Duration
	Username       string
	Password       string
	UserAgent      string

	// HTTPListen is the address local devices are served on. Empty
	// disables hosting.
	HTTPListen string
	// AdvertiseHost replaces the listen host in local transport addresses.
	AdvertiseHost string

	// MDNSService enables the mDNS hint browser for the given service
	// type ("" leaves it off).
	MDNSService string

	Clock  clock.Clock
	Logger *zap.Logger
}

// Stack owns every service of a discovery node and their lifecycle.
type Stack struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pool       *workers.Pool
	correlator *correlator.Correlator
	dispatcher *transport.Dispatcher
	out        *dispatch.OutDispatcher
	registry   *device.Registry
	router     *dispatch.Router
	hints      *discovery.HintBrowser
	codec      protocol.Codec

	mu       sync.Mutex
	started  bool
	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// New builds a stack. Nothing touches the network until Start.
func New(opts Options) *Stack {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if len(opts.Dispatch.MulticastGroups) == 0 {
		group := protocol.MulticastGroupIPv4
		if opts.IPv6 {
			group = protocol.MulticastGroupIPv6
		}
		opts.Dispatch.MulticastGroups = []string{net.JoinHostPort(group, fmt.Sprint(protocol.DiscoveryPort))}
	}
	if opts.Network == nil {
		opts.Network = transport.NewUDPTransport(opts.IPv6, logger.Named("udp"))
	}

	s := &Stack{
		opts:   opts,
		logger: logger,
		codec:  protocol.NewJSONCodec(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if opts.Requester == nil {
		requester := transport.NewHTTPRequester(s.codec, opts.RequestTimeout, logger.Named("http"))
		if opts.Username != "" {
			requester.SetAuth(opts.Username, opts.Password)
		}
		requester.UserAgent = opts.UserAgent
		opts.Requester = requester
	}

	s.pool = workers.New(opts.Workers, logger.Named("workers"))
	s.correlator = correlator.New(opts.Clock, correlator.DefaultSweepInterval, logger.Named("correlator"))
	s.dispatcher = transport.NewDispatcher(opts.Dispatch, opts.Network, opts.Requester, s.codec, opts.Clock, s.pool, logger.Named("transport"))
	s.out = dispatch.NewOutDispatcher(s.ctx, s.dispatcher, s.correlator, logger.Named("dispatch"))
	s.registry = device.NewRegistry(s.out, opts.Clock, opts.Device, logger.Named("device"))
	s.router = dispatch.NewRouter(s.ctx, s.correlator, s.registry, s.registry, s.out, logger.Named("router"))
	if opts.MDNSService != "" {
		s.hints = discovery.NewHintBrowser(opts.MDNSService, logger.Named("mdns"))
	}
	return s
}

// Registry returns the device registry.
func (s *Stack) Registry() *device.Registry {
	return s.registry
}

// Transport returns the transport dispatcher.
func (s *Stack) Transport() *transport.Dispatcher {
	return s.dispatcher
}

// HTTPAddr returns the address local devices are served on, or "" when
// hosting is disabled or the stack is not started.
func (s *Stack) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// AddLocalDevice hosts dev. A device added before Start is announced by
// Start; one added later is announced right away.
func (s *Stack) AddLocalDevice(dev *device.LocalDevice) (*device.Reference, error) {
	ref, err := s.registry.AddLocalDevice(dev)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		if err := s.announce(dev); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

// Start joins the multicast groups, serves local devices and announces
// them.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("stack already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.dispatcher.Start(s.router); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.correlator.Run(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.registry.Run(s.ctx)
	}()

	if s.opts.HTTPListen != "" {
		if err := s.serveHTTP(ctx); err != nil {
			return err
		}
	}

	if s.hints != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.hints.Browse(s.ctx, s.registry.HandleHint); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("mDNS hint browser stopped", zap.Error(err))
			}
		}()
	}

	for _, dev := range s.registry.HostedDevices() {
		if err := s.announce(dev); err != nil {
			return err
		}
	}

	s.logger.Info("Discovery stack started",
		zap.Strings("groups", s.opts.Dispatch.MulticastGroups),
		zap.String("http_addr", s.HTTPAddr()),
	)
	return nil
}

func (s *Stack) serveHTTP(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.opts.HTTPListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.HTTPListen, err)
	}

	mux := http.NewServeMux()
	mux.Handle(MetadataPath, transport.NewHTTPHandler(s.codec, s.registry.Answer, s.logger.Named("http")))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.opts.RequestTimeout,
	}

	s.mu.Lock()
	s.listener = listener
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("Serving local devices", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// announce gives dev a transport address on the HTTP server when it has
// none and sends its Hello.
func (s *Stack) announce(dev *device.LocalDevice) error {
	if len(dev.Data().XAddrs) == 0 {
		if xaddr, ok := s.localXAddress(); ok {
			dev.SetXAddrs([]protocol.XAddress{xaddr})
		}
	}
	if err := s.registry.StartLocal(dev.EndpointReference()); err != nil {
		return fmt.Errorf("failed to announce %s: %w", dev.EndpointReference(), err)
	}
	return nil
}

func (s *Stack) localXAddress() (protocol.XAddress, bool) {
	addr := s.HTTPAddr()
	if addr == "" {
		return protocol.XAddress{}, false
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return protocol.XAddress{}, false
	}
	if s.opts.AdvertiseHost != "" {
		host = s.opts.AdvertiseHost
	} else if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		if name, err := os.Hostname(); err == nil {
			host = name
		}
	}
	return protocol.XAddress{
		URL:     fmt.Sprintf("http://%s%s", net.JoinHostPort(host, port), MetadataPath),
		Version: s.dispatcher.PreferredVersion(),
	}, true
}

// Stop withdraws local devices with a Bye, then shuts every service down.
// Pending transmissions finish first unless ctx expires, in which case
// they are cancelled.
func (s *Stack) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	srv := s.http
	s.http = nil
	s.listener = nil
	s.mu.Unlock()

	s.logger.Info("Shutting down discovery stack...")

	var errs []error
	for _, dev := range s.registry.LocalDevices() {
		if err := s.registry.StopLocal(dev.EndpointReference()); err != nil {
			errs = append(errs, err)
		}
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop HTTP server: %w", err))
		}
	}
	closed := make(chan error, 1)
	go func() { closed <- s.dispatcher.Close() }()
	var closeErr error
	select {
	case closeErr = <-closed:
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached, cancelling pending transmissions",
			zap.Int("pending", s.dispatcher.Pending()),
		)
		errs = append(errs, ctx.Err())
		s.cancel()
		closeErr = <-closed
	}
	if closeErr != nil {
		errs = append(errs, closeErr)
	}
	s.cancel()
	s.correlator.Close()
	s.pool.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Discovery stack stopped")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, forcing close")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("Shutdown timeout after 10 seconds, forcing close")
	}
	return errors.Join(errs...)
}
