package dispatch

import (
	"context"
	"sync"

	"github.com/mattjoyce/hapiq/internal/protocol"
)

// Callback receives a job's result on the handle's own goroutine. Callers
// that need the result on another goroutine (a UI event loop) must hand it
// over themselves.
type Callback func(protocol.Result)

// Handle tracks one outstanding job. It is created by Client.Submit or
// Client.Attach, delivers at most one result, and is never reused.
type Handle struct {
	id       int64
	workType protocol.WorkType
	client   *Client
	callback Callback

	results    chan protocol.Result
	cancelCh   chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	// Written by wait before done is closed.
	result    protocol.Result
	delivered bool
}

func newHandle(c *Client, id int64, workType protocol.WorkType, cb Callback) *Handle {
	return &Handle{
		id:       id,
		workType: workType,
		client:   c,
		callback: cb,
		results:  make(chan protocol.Result, 1),
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID returns the job id.
func (h *Handle) ID() int64 { return h.id }

// WorkType returns the submitted work type. Empty for attached handles.
func (h *Handle) WorkType() protocol.WorkType { return h.workType }

// Done is closed once the handle has delivered its result or been cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the delivered result once Done is closed.
func (h *Handle) Result() (protocol.Result, bool) {
	select {
	case <-h.done:
		return h.result, h.delivered
	default:
		return protocol.Result{}, false
	}
}

// Wait blocks until the result is delivered, the handle is cancelled
// (ErrCancelled), or ctx is done.
func (h *Handle) Wait(ctx context.Context) (protocol.Result, error) {
	select {
	case <-h.done:
		if !h.delivered {
			return protocol.Result{}, ErrCancelled
		}
		return h.result, nil
	case <-ctx.Done():
		return protocol.Result{}, ctx.Err()
	}
}

// Cancel stops waiting for the result. The worker still computes the job;
// its result is dropped when it arrives. Cancel after delivery is a no-op.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() {
		close(h.cancelCh)
		h.client.forget(h)
	})
}

// deliver hands the routed result to the waiting goroutine. The router calls
// it at most once per handle, so the one-slot channel never blocks.
func (h *Handle) deliver(res protocol.Result) {
	h.results <- res
}

func (h *Handle) wait() {
	defer close(h.done)
	select {
	case res := <-h.results:
		h.complete(res)
	case <-h.cancelCh:
		// A result routed before the cancel still wins.
		select {
		case res := <-h.results:
			h.complete(res)
		default:
		}
	}
}

func (h *Handle) complete(res protocol.Result) {
	h.result = res
	h.delivered = true
	h.client.completed(h, res)
	if h.callback != nil {
		h.callback(res)
	}
}
