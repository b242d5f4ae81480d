package clock

import (
	"slices"
	"sync"
	"time"
)

// Manual is a Clock that only moves when Advance is called. Every delay ever
// scheduled is recorded and can be inspected with Delays.
type Manual struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	seq    int
	timers []*manualTimer
	delays []time.Duration
}

type manualTimer struct {
	m        *Manual
	deadline time.Time
	seq      int
	f        func()
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	m := &Manual{now: start}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f. Non-positive delays fire immediately in a new
// goroutine, like time.AfterFunc.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.delays = append(m.delays, d)
	m.seq++
	t := &manualTimer{m: m, deadline: m.now.Add(d), seq: m.seq, f: f}
	if d <= 0 {
		go f()
		return t
	}
	m.timers = append(m.timers, t)
	m.cond.Broadcast()
	return t
}

// Advance moves the clock forward by d and runs every timer that became due,
// in deadline order, on the calling goroutine.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now

	var due []*manualTimer
	kept := m.timers[:0]
	for _, t := range m.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	m.timers = kept
	m.mu.Unlock()

	slices.SortFunc(due, func(a, b *manualTimer) int {
		if c := a.deadline.Compare(b.deadline); c != 0 {
			return c
		}
		return a.seq - b.seq
	})
	for _, t := range due {
		t.f()
	}
}

// Pending returns the number of timers waiting to fire.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// BlockUntil waits until at least n timers are pending.
func (m *Manual) BlockUntil(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.timers) < n {
		m.cond.Wait()
	}
}

// Delays returns every delay passed to AfterFunc so far.
func (m *Manual) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.delays)
}

func (t *manualTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for i, pending := range t.m.timers {
		if pending == t {
			t.m.timers = slices.Delete(t.m.timers, i, i+1)
			return true
		}
	}
	return false
}
