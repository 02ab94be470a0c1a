// Package pending holds results that arrived before anyone claimed them.
package pending

import (
	"container/list"
	"sync"

	"github.com/mattjoyce/hapiq/internal/protocol"
)

// DefaultCapacity bounds the buffer when no capacity is configured.
const DefaultCapacity = 1024

// Buffer is a mailbox of results keyed by job id. Insertion order is kept so
// that the oldest entry is evicted first when the buffer is full.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	entries  map[int64]*list.Element
	onEvict  func(protocol.Result)
}

// New creates a buffer holding at most capacity results. onEvict, if set, is
// called (outside the lock) for every result pushed out by a newer one.
func New(capacity int, onEvict func(protocol.Result)) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[int64]*list.Element),
		onEvict:  onEvict,
	}
}

// Park stores res until its owner claims it. A second result for the same id
// replaces the first.
func (b *Buffer) Park(res protocol.Result) {
	var evicted []protocol.Result

	b.mu.Lock()
	if el, ok := b.entries[res.JobID]; ok {
		el.Value = res
		b.order.MoveToBack(el)
	} else {
		b.entries[res.JobID] = b.order.PushBack(res)
	}
	for b.order.Len() > b.capacity {
		oldest := b.order.Front()
		r := b.order.Remove(oldest).(protocol.Result)
		delete(b.entries, r.JobID)
		evicted = append(evicted, r)
	}
	b.mu.Unlock()

	if b.onEvict != nil {
		for _, r := range evicted {
			b.onEvict(r)
		}
	}
}

// Claim removes and returns the result for id.
func (b *Buffer) Claim(id int64) (protocol.Result, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.claimLocked(id)
}

func (b *Buffer) claimLocked(id int64) (protocol.Result, bool) {
	el, ok := b.entries[id]
	if !ok {
		return protocol.Result{}, false
	}
	delete(b.entries, id)
	return b.order.Remove(el).(protocol.Result), true
}

// Contains reports whether a result for id is parked.
func (b *Buffer) Contains(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[id]
	return ok
}

// Len returns the number of parked results.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

// IDs returns parked job ids, oldest first.
func (b *Buffer) IDs() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int64, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(protocol.Result).JobID)
	}
	return out
}

// Drain empties the buffer and returns what it held, oldest first.
func (b *Buffer) Drain() []protocol.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Result, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(protocol.Result))
	}
	b.order.Init()
	b.entries = make(map[int64]*list.Element)
	return out
}
