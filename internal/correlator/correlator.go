// Package correlator matches inbound responses to outstanding requests.
//
// One logical request may travel as several version-specific wire messages
// (siblings). The first response to any sibling settles the whole group;
// responses for the others are dropped. Every entry is settled exactly once:
// by a response, by a transmission failure of all siblings, by its deadline
// passing, or silently by Cancel.
package correlator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dpws/internal/clock"
	"github.com/muurk/dpws/internal/protocol"
)

const (
	// DefaultSweepInterval is how often Run looks for expired entries
	DefaultSweepInterval = 100 * time.Millisecond

	// DefaultTimeout is used when a request is registered without one
	DefaultTimeout = 10 * time.Second
)

// Callback receives the outcome of a registered request.
type Callback interface {
	HandleResponse(resp *protocol.Message, conn protocol.ConnectionInfo)
	// HandleTimeout is called once the deadline passed. For multi-response
	// entries it marks the end of collection.
	HandleTimeout()
	HandleTransmissionError(err error)
}

// Funcs adapts plain functions to Callback. Nil fields are skipped.
type Funcs struct {
	OnResponse func(resp *protocol.Message, conn protocol.ConnectionInfo)
	OnTimeout  func()
	OnError    func(err error)
}

func (f Funcs) HandleResponse(resp *protocol.Message, conn protocol.ConnectionInfo) {
	if f.OnResponse != nil {
		f.OnResponse(resp, conn)
	}
}

func (f Funcs) HandleTimeout() {
	if f.OnTimeout != nil {
		f.OnTimeout()
	}
}

func (f Funcs) HandleTransmissionError(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// Option configures a registration.
type Option func(*entry)

// MultipleResponses keeps the entry open until its deadline and delivers
// every response (multicast Probe). The deadline then completes it through
// HandleTimeout.
func MultipleResponses() Option {
	return func(e *entry) { e.multi = true }
}

// WithConnection records the connection the request was sent on.
func WithConnection(conn protocol.ConnectionInfo) Option {
	return func(e *entry) { e.conn = conn }
}

type entry struct {
	request  *protocol.Message
	siblings []string
	cb       Callback
	deadline time.Time
	multi    bool
	conn     protocol.ConnectionInfo

	failed map[string]bool // guarded by Correlator.mu

	// mu serializes callbacks of this entry
	mu   sync.Mutex
	done atomic.Bool
}

// Correlator is the table of outstanding requests.
type Correlator struct {
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	byID   map[string]*entry
	closed bool
}

// New creates a correlator sweeping every interval (0 selects the default).
func New(clk clock.Clock, interval time.Duration, logger *zap.Logger) *Correlator {
	if clk == nil {
		clk = clock.Real()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		clock:    clk,
		interval: interval,
		logger:   logger,
		byID:     make(map[string]*entry),
	}
}

// Register adds req under every id in siblings (req.MessageID when
// siblings is empty). It must be called before the request is transmitted.
func (c *Correlator) Register(req *protocol.Message, siblings []string, timeout time.Duration, cb Callback, opts ...Option) error {
	if len(siblings) == 0 {
		siblings = []string{req.MessageID}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	e := &entry{
		request:  req,
		siblings: append([]string(nil), siblings...),
		cb:       cb,
		deadline: c.clock.Now().Add(timeout),
		failed:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return protocol.ErrClosed
	}
	for _, id := range e.siblings {
		if _, exists := c.byID[id]; exists {
			return fmt.Errorf("request %s is already registered", id)
		}
	}
	for _, id := range e.siblings {
		c.byID[id] = e
	}

	c.logger.Debug("Registered request",
		zap.Stringer("request", req),
		zap.Strings("siblings", e.siblings),
		zap.Duration("timeout", timeout),
		zap.Bool("multi", e.multi),
	)
	return nil
}

// Resolve hands resp to the request it relates to. It reports whether a
// pending request took it.
func (c *Correlator) Resolve(resp *protocol.Message, conn protocol.ConnectionInfo) bool {
	if resp.RelatesTo == "" {
		return false
	}

	c.mu.Lock()
	e, ok := c.byID[resp.RelatesTo]
	if ok && !e.multi {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.multi {
		if e.done.Load() {
			return false
		}
	} else if !e.done.CompareAndSwap(false, true) {
		return false
	}

	e.cb.HandleResponse(resp, conn)
	return true
}

// Fail records a transmission failure of sibling id. The entry is settled
// with err only once every sibling has failed.
func (c *Correlator) Fail(id string, err error) bool {
	c.mu.Lock()
	e, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	e.failed[id] = true
	if len(e.failed) < len(e.siblings) {
		c.mu.Unlock()
		c.logger.Debug("Sibling transmission failed",
			zap.String("message_id", id),
			zap.Int("failed", len(e.failed)),
			zap.Int("siblings", len(e.siblings)),
		)
		return false
	}
	c.removeLocked(e)
	c.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done.CompareAndSwap(false, true) {
		return false
	}
	e.cb.HandleTransmissionError(err)
	return true
}

// Cancel drops the entry of id without calling its callback.
func (c *Correlator) Cancel(id string) bool {
	c.mu.Lock()
	e, ok := c.byID[id]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	return e.done.CompareAndSwap(false, true)
}

// Sweep times out every entry whose deadline is not after now and returns
// how many were settled.
func (c *Correlator) Sweep(now time.Time) int {
	c.mu.Lock()
	var expired []*entry
	seen := make(map[*entry]bool)
	for _, e := range c.byID {
		if seen[e] || e.deadline.After(now) {
			continue
		}
		seen[e] = true
		expired = append(expired, e)
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	settled := 0
	for _, e := range expired {
		e.mu.Lock()
		if e.done.CompareAndSwap(false, true) {
			c.logger.Debug("Request timed out", zap.Stringer("request", e.request), zap.Bool("multi", e.multi))
			e.cb.HandleTimeout()
			settled++
		}
		e.mu.Unlock()
	}
	return settled
}

// Run sweeps until ctx is done.
func (c *Correlator) Run(ctx context.Context) {
	for {
		if err := clock.Sleep(ctx, c.clock, c.interval); err != nil {
			return
		}
		c.Sweep(c.clock.Now())
	}
}

// Pending returns the number of outstanding logical requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[*entry]bool, len(c.byID))
	for _, e := range c.byID {
		seen[e] = true
	}
	return len(seen)
}

// Close rejects new registrations and settles every pending entry with
// protocol.ErrClosed so no caller is left waiting.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	pending := make(map[*entry]bool)
	for _, e := range c.byID {
		pending[e] = true
	}
	c.byID = make(map[string]*entry)
	c.mu.Unlock()

	for e := range pending {
		e.mu.Lock()
		if e.done.CompareAndSwap(false, true) {
			e.cb.HandleTransmissionError(protocol.ErrClosed)
		}
		e.mu.Unlock()
	}
}

func (c *Correlator) removeLocked(e *entry) {
	for _, id := range e.siblings {
		if c.byID[id] == e {
			delete(c.byID, id)
		}
	}
}
