// Package workers provides the bounded pool that runs outbound sends and
// inbound message handling.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// DefaultSize is the number of tasks allowed to run at once when the pool
// is created with a non-positive size.
const DefaultSize = 16

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool runs submitted tasks with bounded concurrency. Submit never blocks:
// tasks beyond the bound wait for a free slot in their own goroutine.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pool running at most size tasks concurrently.
func New(size int, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger,
	}
}

// Size returns the concurrency bound.
func (p *Pool) Size() int {
	return p.size
}

// Submit schedules task. A panicking task is logged and does not take the
// pool down.
func (p *Pool) Submit(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()

		// Background never fails Acquire.
		_ = p.sem.Acquire(context.Background(), 1)
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Worker task panicked", zap.String("panic", fmt.Sprint(r)))
			}
		}()
		task()
	}()
	return nil
}

// Close stops accepting tasks and waits for every submitted task to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
