package dispatch

import "sync"

type outItem struct {
	jobID int64 // 0 for control requests
	line  []byte
}

// outbox is an unbounded FIFO between submitters and the single writer
// goroutine. push never blocks.
type outbox struct {
	mu     sync.Mutex
	items  []outItem
	closed bool
	wake   chan struct{}
}

func newOutbox() *outbox {
	return &outbox{wake: make(chan struct{}, 1)}
}

func (o *outbox) push(it outItem) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, it)
	o.mu.Unlock()
	o.signal()
	return true
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

// take returns everything queued so far and whether the outbox is closed.
// Once take reports closed, no further items can appear.
func (o *outbox) take() ([]outItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items := o.items
	o.items = nil
	return items, o.closed
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
