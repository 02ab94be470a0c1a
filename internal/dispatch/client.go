package dispatch

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/pending"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

var (
	ErrUnavailable    = errors.New("computation unavailable")
	ErrCancelled      = errors.New("job cancelled")
	ErrNotRunning     = errors.New("dispatcher is not running")
	ErrAlreadyStarted = errors.New("dispatcher already started")
	ErrUnknownJob     = errors.New("unknown job")
)

// ClientOptions configures a Client.
type ClientOptions struct {
	PendingCapacity int
	Hub             *events.Hub
	Logger          *slog.Logger
}

// Client submits requests to one worker and routes its results. It owns the
// job id counter, the waiting handles and the pending buffer.
type Client struct {
	out     *outbox
	pending *pending.Buffer
	hub     *events.Hub
	logger  *slog.Logger

	mu        sync.Mutex
	nextID    int64
	waiters   map[int64]*Handle
	detached  map[int64]struct{}
	cancelled map[int64]struct{}
	stopping  bool
	closed    bool
	closeErr  error

	writerDone chan struct{}
	routerDone chan struct{}
}

// NewClient starts the writer goroutine on w and the router goroutine on r.
// w is closed after the outbox is closed and drained.
func NewClient(w io.WriteCloser, r io.Reader, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	c := &Client{
		out:        newOutbox(),
		hub:        opts.Hub,
		logger:     logger,
		waiters:    make(map[int64]*Handle),
		detached:   make(map[int64]struct{}),
		cancelled:  make(map[int64]struct{}),
		writerDone: make(chan struct{}),
		routerDone: make(chan struct{}),
	}
	c.pending = pending.New(opts.PendingCapacity, c.evicted)

	go c.writeLoop(w)
	go c.routeLoop(r)
	return c
}

// Submit sends one job and returns its handle without waiting for the
// worker. cb may be nil.
func (c *Client) Submit(workType protocol.WorkType, args protocol.Args, cb Callback) (*Handle, error) {
	c.mu.Lock()
	id, err := c.enqueueLocked(workType, args)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	h := newHandle(c, id, workType, cb)
	c.waiters[id] = h
	c.mu.Unlock()

	c.hub.Publish(events.JobSubmitted, map[string]any{"job_id": id, "work_type": workType})
	go h.wait()
	return h, nil
}

// SubmitDetached sends one job without a handle. Its result is parked until
// Claim or Attach takes it.
func (c *Client) SubmitDetached(workType protocol.WorkType, args protocol.Args) (int64, error) {
	c.mu.Lock()
	id, err := c.enqueueLocked(workType, args)
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	c.detached[id] = struct{}{}
	c.mu.Unlock()

	c.hub.Publish(events.JobSubmitted, map[string]any{"job_id": id, "work_type": workType, "detached": true})
	return id, nil
}

// Attach returns a handle for a detached job. If its result is already
// parked the handle completes immediately.
func (c *Client) Attach(id int64, cb Callback) (*Handle, error) {
	h := newHandle(c, id, "", cb)

	c.mu.Lock()
	if _, ok := c.detached[id]; !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownJob, id)
	}
	res, found := c.pending.Claim(id)
	if !found && c.closed {
		c.mu.Unlock()
		return nil, c.unavailableErr()
	}
	delete(c.detached, id)
	if !found {
		c.waiters[id] = h
	}
	c.mu.Unlock()

	if found {
		h.deliver(res)
	}
	go h.wait()
	return h, nil
}

// Claim takes a parked result for a detached job without blocking.
func (c *Client) Claim(id int64) (protocol.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.pending.Claim(id)
	if ok {
		delete(c.detached, id)
	}
	return res, ok
}

// JobState describes what the client knows about a job id.
type JobState string

const (
	JobUnknown JobState = "unknown"
	JobWaiting JobState = "waiting" // a handle is waiting
	JobRunning JobState = "running" // detached, result not back yet
	JobReady   JobState = "ready"   // detached, result parked
)

// State reports the state of id.
func (c *Client) State(id int64) JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.waiters[id]; ok {
		return JobWaiting
	}
	if _, ok := c.detached[id]; ok {
		if c.pending.Contains(id) {
			return JobReady
		}
		return JobRunning
	}
	return JobUnknown
}

// Control sends a fire-and-forget control request.
func (c *Client) Control(tag protocol.Control, args protocol.Args) error {
	if tag == protocol.ControlEndWorkProcess {
		return fmt.Errorf("use Controller.Shutdown to send %s", tag)
	}
	line, err := protocol.MarshalRequest(protocol.NewControlRequest(tag, args))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acceptingLocked(); err != nil {
		return err
	}
	c.out.push(outItem{line: line})
	return nil
}

// Outstanding returns the number of handles still waiting.
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// Parked returns the number of results in the pending buffer.
func (c *Client) Parked() int {
	return c.pending.Len()
}

// ParkedIDs returns the ids of parked results, oldest first.
func (c *Client) ParkedIDs() []int64 {
	return c.pending.IDs()
}

// Done is closed when the result stream has ended.
func (c *Client) Done() <-chan struct{} { return c.routerDone }

// stop sends END_WORK_PROCESS, refuses further submits, and lets the writer
// close the worker's stdin once everything queued has been written.
func (c *Client) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	c.stopping = true
	if line, err := protocol.MarshalRequest(protocol.NewControlRequest(protocol.ControlEndWorkProcess, nil)); err == nil {
		c.out.push(outItem{line: line})
	}
	c.out.close()
}

// cancelAll cancels every waiting handle.
func (c *Client) cancelAll() int {
	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.waiters))
	for _, h := range c.waiters {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	return len(handles)
}

// discardParked empties the pending buffer and forgets detached jobs.
func (c *Client) discardParked() []protocol.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = make(map[int64]struct{})
	return c.pending.Drain()
}

func (c *Client) enqueueLocked(workType protocol.WorkType, args protocol.Args) (int64, error) {
	if err := c.acceptingLocked(); err != nil {
		return 0, err
	}
	id := c.nextID + 1
	line, err := protocol.MarshalRequest(protocol.NewJobRequest(id, workType, args))
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", workType, err)
	}
	c.nextID = id
	c.out.push(outItem{jobID: id, line: line})
	return id, nil
}

func (c *Client) acceptingLocked() error {
	if c.closed {
		return c.unavailableErr()
	}
	if c.stopping {
		return ErrNotRunning
	}
	return nil
}

func (c *Client) unavailableErr() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, c.closeErr)
	}
	return ErrUnavailable
}

// forget unregisters a cancelled handle. If the result has not been routed
// yet, its id is remembered so the router drops it on arrival.
func (c *Client) forget(h *Handle) {
	c.mu.Lock()
	routed := true
	if cur, ok := c.waiters[h.id]; ok && cur == h {
		delete(c.waiters, h.id)
		if !c.closed {
			c.cancelled[h.id] = struct{}{}
		}
		routed = false
	}
	c.mu.Unlock()

	if !routed {
		c.logger.Debug("job cancelled before result", "job_id", h.id)
	}
	c.hub.Publish(events.JobCancelled, map[string]any{"job_id": h.id})
}

func (c *Client) completed(h *Handle, res protocol.Result) {
	c.hub.Publish(events.JobCompleted, map[string]any{
		"job_id":     h.id,
		"work_type":  h.workType,
		"status":     res.Status,
		"error":      res.Error,
		"error_kind": res.ErrorKind,
	})
}

// evicted runs inside pending.Park, which route only calls with c.mu held.
func (c *Client) evicted(res protocol.Result) {
	delete(c.detached, res.JobID)
	c.logger.Warn("pending buffer full, dropped oldest result", "job_id", res.JobID)
	c.hub.Publish(events.JobEvicted, map[string]any{"job_id": res.JobID})
}

// route hands res to its owner, drops it if cancelled, or parks it.
func (c *Client) route(res protocol.Result) {
	c.mu.Lock()
	h, waiting := c.waiters[res.JobID]
	if waiting {
		delete(c.waiters, res.JobID)
	}
	_, dropped := c.cancelled[res.JobID]
	if dropped {
		delete(c.cancelled, res.JobID)
	}
	if !waiting && !dropped {
		if _, ok := c.detached[res.JobID]; !ok {
			c.logger.Warn("result for unknown job", "job_id", res.JobID)
		}
		c.pending.Park(res)
	}
	c.mu.Unlock()

	switch {
	case waiting:
		h.deliver(res)
	case dropped:
		c.logger.Debug("dropped result of cancelled job", "job_id", res.JobID)
	default:
		c.hub.Publish(events.JobParked, map[string]any{"job_id": res.JobID, "status": res.Status})
	}
}

func (c *Client) writeLoop(w io.WriteCloser) {
	defer close(c.writerDone)
	var writeErr error
	for range c.out.wake {
		items, closed := c.out.take()
		for _, it := range items {
			if writeErr == nil {
				_, writeErr = w.Write(it.line)
				if writeErr != nil {
					c.logger.Error("failed to write request", "job_id", it.jobID, "error", writeErr)
				}
			}
			if writeErr != nil && it.jobID > 0 {
				c.route(protocol.NewFailure(it.jobID, protocol.ErrorUnavailable,
					fmt.Sprintf("%v: write request: %v", ErrUnavailable, writeErr)))
			}
		}
		if closed {
			if err := w.Close(); err != nil {
				c.logger.Debug("close request stream", "error", err)
			}
			return
		}
	}
}

func (c *Client) routeLoop(r io.Reader) {
	defer close(c.routerDone)
	dec := protocol.NewDecoder(r)
	for {
		res, err := dec.DecodeResult()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			} else {
				c.logger.Error("result stream broken", "error", err)
				// Keep the worker's stdout drained so it can still exit.
				go func() { _, _ = io.Copy(io.Discard, r) }()
			}
			c.closeStream(err)
			return
		}
		c.route(res)
	}
}

// closeStream marks the client closed. Outside of shutdown every waiting
// handle is failed, since no result can arrive any more.
func (c *Client) closeStream(err error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = err
	stopping := c.stopping
	var orphans []*Handle
	if !stopping {
		for id, h := range c.waiters {
			orphans = append(orphans, h)
			delete(c.waiters, id)
		}
	}
	c.cancelled = make(map[int64]struct{})
	c.mu.Unlock()

	if stopping {
		c.logger.Info("result stream closed")
		return
	}

	c.logger.Error("worker result stream ended unexpectedly", "error", err, "waiting", len(orphans))
	msg := ErrUnavailable.Error()
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	for _, h := range orphans {
		h.deliver(protocol.NewFailure(h.id, protocol.ErrorUnavailable, msg))
	}
}
