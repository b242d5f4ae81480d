package discovery

import "sync"

// DefaultMessageIDWindow is the number of message ids remembered by a
// MessageIDFilter created with a non-positive size.
const DefaultMessageIDWindow = 256

// MessageIDFilter drops repeated datagrams by remembering the last N message
// ids in a ring.
type MessageIDFilter struct {
	mu   sync.Mutex
	ring []string
	next int
	seen map[string]struct{}
}

// NewMessageIDFilter creates a filter remembering size ids.
func NewMessageIDFilter(size int) *MessageIDFilter {
	if size <= 0 {
		size = DefaultMessageIDWindow
	}
	return &MessageIDFilter{
		ring: make([]string, size),
		seen: make(map[string]struct{}, size),
	}
}

// Seen records id and reports whether it was already in the window.
func (f *MessageIDFilter) Seen(id string) bool {
	if id == "" {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.seen[id]; ok {
		return true
	}

	if evicted := f.ring[f.next]; evicted != "" {
		delete(f.seen, evicted)
	}
	f.ring[f.next] = id
	f.seen[id] = struct{}{}
	f.next = (f.next + 1) % len(f.ring)
	return false
}
