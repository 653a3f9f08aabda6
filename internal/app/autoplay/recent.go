package autoplay

import "sync"

// DefaultRecentSize is the capacity of the recently autoplayed ring.
const DefaultRecentSize = 50

// Recent is a bounded FIFO set of recently autoplayed track keys.
// Once full, adding a key evicts the oldest one.
type Recent struct {
	mu    sync.Mutex
	size  int
	order []string
	keys  map[string]struct{}
}

// NewRecent creates a ring holding at most size keys.
func NewRecent(size int) *Recent {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &Recent{
		size:  size,
		order: make([]string, 0, size),
		keys:  make(map[string]struct{}, size),
	}
}

// Add records a key. Adding a key already present is a no-op.
func (r *Recent) Add(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return
	}
	if len(r.order) >= r.size {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.keys, oldest)
	}
	r.order = append(r.order, key)
	r.keys[key] = struct{}{}
}

// Contains reports whether key is in the ring.
func (r *Recent) Contains(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.keys[key]
	return ok
}

// Len returns the number of keys held.
func (r *Recent) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Keys returns the keys oldest first.
func (r *Recent) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Reset empties the ring.
func (r *Recent) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = r.order[:0]
	clear(r.keys)
}
