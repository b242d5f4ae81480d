package monitor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/device"
	"github.com/muurk/dpws/internal/logging"
	"github.com/muurk/dpws/internal/protocol"
)

// Paths served by the monitor
const (
	EventsPath  = "/events"
	DevicesPath = "/devices"
)

const shutdownTimeout = 10 * time.Second

// Config holds the monitor server configuration
type Config struct {
	// Addr is the listen address ("host:port")
	Addr string
	// CertPath and KeyPath enable TLS when both are set
	CertPath string
	KeyPath  string
}

// Source is the device registry the monitor reports on.
type Source interface {
	References() []*device.Reference
	AddListener(l device.Listener)
	RemoveListener(l device.Listener)
}

// Server streams device lifecycle events to websocket clients.
type Server struct {
	config    Config
	source    Source
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	clients  map[*client]struct{}
	closed   bool
	listener net.Listener
	http     *http.Server
	wg       sync.WaitGroup
}

// New creates a monitor for source.
func New(config Config, source Source, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var tlsConfig *tls.Config
	if config.CertPath != "" || config.KeyPath != "" {
		var err error
		tlsConfig, err = NewTLSConfig(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
	}

	return &Server{
		config:    config,
		source:    source,
		tlsConfig: tlsConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger:  logger,
		now:     time.Now,
		clients: make(map[*client]struct{}),
	}, nil
}

// Handler returns the HTTP handler serving the event stream and the
// device list.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(EventsPath, s.serveEvents)
	mux.HandleFunc(DevicesPath, s.serveDevices)
	return mux
}

// Start subscribes to the source and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeWait,
	}

	s.mu.Lock()
	s.listener = listener
	s.http = srv
	s.mu.Unlock()

	s.source.AddListener(s)

	s.logger.Info("Monitor listening for connections",
		zap.String("addr", listener.Addr().String()),
		zap.Any("tls", GetTLSInfo(s.tlsConfig)),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitor server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes every client connection and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down monitor...")
	s.source.RemoveListener(s)

	s.mu.Lock()
	s.closed = true
	srv := s.http
	for c := range s.clients {
		s.logger.Info("Closing active connection", zap.String("remote_addr", c.remote))
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All connections closed gracefully")
	case <-ctx.Done():
		s.logger.Warn("Shutdown timeout, forcing close")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("Shutdown timeout after 10 seconds, forcing close")
	}
	return err
}

// ActiveClients returns the number of connected websocket clients.
func (s *Server) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		s.logger.Info("Invalid WebSocket upgrade request",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	snapshot := s.snapshot()
	c := &client{
		server: s,
		conn:   conn,
		remote: r.RemoteAddr,
		send:   make(chan []byte, sendBuffer+len(snapshot)),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	for _, ev := range snapshot {
		s.enqueueLocked(c, ev)
	}
	s.wg.Add(2)
	s.mu.Unlock()

	s.logger.Info("Monitor client connected", zap.String("remote_addr", c.remote))

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

func (s *Server) serveDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		logging.LogHTTPRequest(s.logger, r.RemoteAddr, r.Method, r.URL.Path, http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Warn("Failed to write device list", zap.Error(err))
	}
	logging.LogHTTPRequest(s.logger, r.RemoteAddr, r.Method, r.URL.Path, http.StatusOK)
}

func (s *Server) snapshot() []Event {
	now := s.now()
	refs := s.source.References()
	events := make([]Event, 0, len(refs))
	for _, ref := range refs {
		ev := referenceEvent(EventSnapshot, now, ref)
		ev.Device = ref.Device()
		events = append(events, ev)
	}
	return events
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
		s.logger.Info("Monitor client disconnected", zap.String("remote_addr", c.remote))
	}
}

func (s *Server) broadcast(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		s.enqueueLocked(c, ev)
	}
}

// enqueueLocked queues ev for c and drops c when its queue is full.
func (s *Server) enqueueLocked(c *client, ev Event) {
	msg, err := encode(ev)
	if err != nil {
		s.logger.Error("Failed to encode event", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	select {
	case c.send <- msg:
	default:
		s.logger.Warn("Dropping slow monitor client", zap.String("remote_addr", c.remote))
		delete(s.clients, c)
		close(c.send)
	}
}

// HelloReceived implements device.Listener.
func (s *Server) HelloReceived(data *protocol.DiscoveryData) {
	s.broadcast(dataEvent(EventHello, s.now(), data))
}

// DeviceRunning implements device.Listener.
func (s *Server) DeviceRunning(ref *device.Reference) {
	s.broadcast(referenceEvent(EventRunning, s.now(), ref))
}

// DeviceBye implements device.Listener.
func (s *Server) DeviceBye(ref *device.Reference) {
	s.broadcast(referenceEvent(EventBye, s.now(), ref))
}

// DeviceChanged implements device.Listener.
func (s *Server) DeviceChanged(ref *device.Reference) {
	s.broadcast(referenceEvent(EventChanged, s.now(), ref))
}

// DeviceBuiltUp implements device.Listener.
func (s *Server) DeviceBuiltUp(ref *device.Reference, dev *device.Device) {
	ev := referenceEvent(EventBuiltUp, s.now(), ref)
	ev.Device = dev
	s.broadcast(ev)
}

// DeviceCommunicationErrorOrReset implements device.Listener.
func (s *Server) DeviceCommunicationErrorOrReset(ref *device.Reference) {
	s.broadcast(referenceEvent(EventCommunicationError, s.now(), ref))
}

// DeviceCompletelyDiscovered implements device.Listener.
func (s *Server) DeviceCompletelyDiscovered(ref *device.Reference) {
	s.broadcast(referenceEvent(EventCompletelyDiscovered, s.now(), ref))
}
