package capture

import "sync"

// ring is a bounded FIFO between the producer and the dispatcher. When full,
// push discards the oldest chunk so memory stays bounded under backpressure.
type ring struct {
	mu      sync.Mutex
	items   []Chunk
	depth   int
	dropped int64
	closed  bool
	notify  chan struct{}
}

func newRing(depth int) *ring {
	if depth <= 0 {
		depth = 100
	}
	return &ring{depth: depth, items: make([]Chunk, 0, depth), notify: make(chan struct{}, 1)}
}

// push appends c and reports whether an older chunk was dropped. Pushes
// after close are ignored.
func (r *ring) push(c Chunk) (accepted, dropped bool) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, false
	}
	if len(r.items) >= r.depth {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
		r.dropped++
		dropped = true
	}
	r.items = append(r.items, c)
	r.mu.Unlock()
	r.wake()
	return true, dropped
}

// drain removes and returns everything queued, plus whether the ring is closed.
func (r *ring) drain() ([]Chunk, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) == 0 {
		return nil, r.closed
	}
	out := make([]Chunk, len(r.items))
	copy(out, r.items)
	r.items = r.items[:0]
	return out, r.closed
}

func (r *ring) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wake()
}

func (r *ring) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *ring) droppedCount() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
