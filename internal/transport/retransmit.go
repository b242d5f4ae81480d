package transport

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/muurk/dpws/internal/protocol"
)

// retransmitBackOff is the SOAP-over-UDP repetition schedule: the first
// delay is random in [min, max], every following one doubles, capped at
// upper. It stops after repeat delays.
type retransmitBackOff struct {
	min, max, upper time.Duration
	repeat          int

	remaining int
	started   bool
	next      time.Duration
}

var _ backoff.BackOff = (*retransmitBackOff)(nil)

func newRetransmitBackOff(p protocol.Params, repeat int) *retransmitBackOff {
	b := &retransmitBackOff{
		min:    p.UDPMinDelay,
		max:    p.UDPMaxDelay,
		upper:  p.UDPUpperDelay,
		repeat: repeat,
	}
	b.Reset()
	return b
}

// NextBackOff returns the wait before the next retransmission, or
// backoff.Stop once every repetition has been scheduled.
func (b *retransmitBackOff) NextBackOff() time.Duration {
	if b.remaining <= 0 {
		return backoff.Stop
	}
	b.remaining--

	if !b.started {
		b.started = true
		b.next = randomDelay(b.min, b.max)
	}
	current := min(b.next, b.upper)
	b.next = min(b.next*2, b.upper)
	return current
}

// Reset restarts the schedule.
func (b *retransmitBackOff) Reset() {
	b.remaining = b.repeat
	b.started = false
	b.next = 0
}

// randomDelay returns a uniformly distributed duration in [lo, hi].
func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// appDelay returns the random wait before the first transmission of a Hello,
// in [0, max).
func appDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}
