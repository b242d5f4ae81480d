package device

import (
	"context"
	"fmt"
	"time"

	"github.com/muurk/dpws/internal/protocol"
)

// Kind names the request a Synchronizer stands for.
type Kind int

// Synchronizer kinds
const (
	KindResolve Kind = iota
	KindProbe
	KindGet
)

func (k Kind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindProbe:
		return "probe"
	case KindGet:
		return "get"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Synchronizer is a single-flight request shared by every caller that asks
// a Reference for the same kind of result while it is pending.
//
// All fields except done are guarded by the owning Reference's mutex.
type Synchronizer[T any] struct {
	kind    Kind
	version uint64
	done    chan struct{}

	result  T
	err     error
	settled bool
	// terminal marks a settled result that stays valid until the
	// Reference learns something new.
	terminal bool
	// next is the Synchronizer that superseded this one.
	next *Synchronizer[T]

	candidates         []protocol.XAddress
	attempts           int
	transmissionFailed bool
	then               []func(T, error)
}

func newSynchronizer[T any](kind Kind, version uint64) *Synchronizer[T] {
	return &Synchronizer[T]{
		kind:    kind,
		version: version,
		done:    make(chan struct{}),
	}
}

// settledSynchronizer returns a terminal Synchronizer for a cached result.
func settledSynchronizer[T any](kind Kind, version uint64, result T) *Synchronizer[T] {
	s := newSynchronizer[T](kind, version)
	s.result = result
	s.settled = true
	s.terminal = true
	close(s.done)
	return s
}

// Kind returns the request kind.
func (s *Synchronizer[T]) Kind() Kind {
	return s.kind
}

// Done is closed once the Synchronizer settles or is superseded.
func (s *Synchronizer[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Synchronizer[T]) settle(result T, err error, fx *effects) bool {
	if s.settled {
		return false
	}
	s.result = result
	s.err = err
	s.settled = true
	close(s.done)

	for _, f := range s.then {
		fx.add(func() { f(result, err) })
	}
	s.then = nil
	return true
}

// supersede hands the waiters and continuations of s over to next.
func (s *Synchronizer[T]) supersede(next *Synchronizer[T], fx *effects) {
	if s.settled {
		return
	}
	s.next = next
	s.settled = true
	close(s.done)

	for _, f := range s.then {
		next.onSettled(f, fx)
	}
	s.then = nil
}

// onSettled runs f with the final result, following supersession.
func (s *Synchronizer[T]) onSettled(f func(T, error), fx *effects) {
	for s.next != nil {
		s = s.next
	}
	if !s.settled {
		s.then = append(s.then, f)
		return
	}
	result, err := s.result, s.err
	fx.add(func() { f(result, err) })
}

// waitFor blocks until s, or the Synchronizer that superseded it, settles.
// It gives up after r's wait quantum has elapsed WaitRetries times.
func waitFor[T any](ctx context.Context, r *Reference, s *Synchronizer[T]) (T, error) {
	var zero T
	waits := 0
	for {
		quantum := make(chan struct{})
		timer := r.clock.AfterFunc(r.cfg.WaitQuantum, func() { close(quantum) })

		select {
		case <-s.done:
			timer.Stop()
			r.mu.Lock()
			next, result, err := s.next, s.result, s.err
			r.mu.Unlock()
			if next == nil {
				return result, err
			}
			s = next

		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()

		case <-quantum:
			waits++
			if waits >= r.cfg.WaitRetries {
				return zero, protocol.NewTimeoutError(fmt.Sprintf("%s of %s did not complete within %s",
					s.kind, r.epr, r.cfg.WaitQuantum*time.Duration(r.cfg.WaitRetries)))
			}
		}
	}
}
