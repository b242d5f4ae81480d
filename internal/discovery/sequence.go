package discovery

import (
	"sync"

	"github.com/muurk/dpws/internal/protocol"
)

// SequenceTracker is the per-device ordering and duplicate filter for
// discovery messages.
type SequenceTracker struct {
	mu     sync.Mutex
	latest *protocol.AppSequence
}

// CheckAndUpdate accepts candidate and stores it as the latest sequence when
// it is newer than the stored one:
//   - nothing is stored yet, or
//   - candidate.InstanceID is greater, or
//   - the instance is the same and the sequence id differs (a reset), or
//   - instance and sequence id are equal and the message number is greater.
//
// Otherwise it returns false and leaves the tracker unchanged. A nil
// candidate is always accepted and never stored.
func (t *SequenceTracker) CheckAndUpdate(candidate *protocol.AppSequence) bool {
	if candidate == nil {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !isNewer(candidate, t.latest) {
		return false
	}

	seq := *candidate
	t.latest = &seq
	return true
}

// Latest returns a copy of the newest accepted sequence, or nil.
func (t *SequenceTracker) Latest() *protocol.AppSequence {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.latest == nil {
		return nil
	}
	seq := *t.latest
	return &seq
}

// Reset forgets the stored sequence.
func (t *SequenceTracker) Reset() {
	t.mu.Lock()
	t.latest = nil
	t.mu.Unlock()
}

func isNewer(candidate, stored *protocol.AppSequence) bool {
	switch {
	case stored == nil:
		return true
	case candidate.InstanceID > stored.InstanceID:
		return true
	case candidate.InstanceID < stored.InstanceID:
		return false
	case candidate.SequenceID != stored.SequenceID:
		return true
	default:
		return candidate.MessageNumber > stored.MessageNumber
	}
}
