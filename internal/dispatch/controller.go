package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

const (
	// DefaultShutdownTimeout bounds how long Shutdown waits for the worker to
	// finish queued jobs before terminating it.
	DefaultShutdownTimeout = 30 * time.Second

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// State is the controller's lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Controller.
type Options struct {
	// Engine is sent as the START_ENGINE arguments.
	Engine          protocol.Args
	PendingCapacity int
	ShutdownTimeout time.Duration
	Hub             *events.Hub
	Logger          *slog.Logger
}

// Controller starts the worker once and tears it down once.
type Controller struct {
	launcher Launcher
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	proc    Process
	client  *Client
	session string
	stopped chan struct{}
}

// NewController creates a controller in StateNotStarted.
func NewController(l Launcher, opts Options) *Controller {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("dispatch")
	}
	return &Controller{
		launcher: l,
		opts:     opts,
		logger:   logger,
		stopped:  make(chan struct{}),
	}
}

// Start launches the worker and sends START_ENGINE. It may succeed only once.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateNotStarted {
		return fmt.Errorf("%w (state %s)", ErrAlreadyStarted, c.state)
	}

	proc, err := c.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("launch worker: %w", err)
	}

	client := NewClient(proc.Stdin(), proc.Stdout(), ClientOptions{
		PendingCapacity: c.opts.PendingCapacity,
		Hub:             c.opts.Hub,
		Logger:          c.logger,
	})

	session := uuid.NewString()
	args := protocol.Args{}
	maps.Copy(args, c.opts.Engine)
	args["session"] = session
	if err := client.Control(protocol.ControlStartEngine, args); err != nil {
		client.stop()
		proc.Terminate(terminationGracePeriod)
		return fmt.Errorf("start engine: %w", err)
	}

	c.proc = proc
	c.client = client
	c.session = session
	c.state = StateRunning

	c.logger.Info("dispatcher running", "session", session)
	c.opts.Hub.Publish(events.EngineStarted, map[string]any{"session": session})
	return nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the engine session id, empty before Start.
func (c *Controller) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Client returns the running client.
func (c *Controller) Client() (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return nil, fmt.Errorf("%w (state %s)", ErrNotRunning, c.state)
	}
	return c.client, nil
}

// Submit is Client().Submit.
func (c *Controller) Submit(workType protocol.WorkType, args protocol.Args, cb Callback) (*Handle, error) {
	client, err := c.Client()
	if err != nil {
		return nil, err
	}
	return client.Submit(workType, args, cb)
}

// Run submits a job and waits for its result. If ctx ends first the handle is
// cancelled and ctx's error returned.
func (c *Controller) Run(ctx context.Context, workType protocol.WorkType, args protocol.Args) (protocol.Result, error) {
	h, err := c.Submit(workType, args, nil)
	if err != nil {
		return protocol.Result{}, err
	}
	res, err := h.Wait(ctx)
	if err != nil {
		h.Cancel()
		return protocol.Result{}, err
	}
	return res, nil
}

// SubmitDetached is Client().SubmitDetached.
func (c *Controller) SubmitDetached(workType protocol.WorkType, args protocol.Args) (int64, error) {
	client, err := c.Client()
	if err != nil {
		return 0, err
	}
	return client.SubmitDetached(workType, args)
}

// Claim takes a parked result. It reports false when the dispatcher is not
// running.
func (c *Controller) Claim(id int64) (protocol.Result, bool) {
	client, err := c.Client()
	if err != nil {
		return protocol.Result{}, false
	}
	return client.Claim(id)
}

// JobState reports what the running client knows about id.
func (c *Controller) JobState(id int64) JobState {
	client, err := c.Client()
	if err != nil {
		return JobUnknown
	}
	return client.State(id)
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	State       string `json:"state"`
	Session     string `json:"session"`
	Outstanding int    `json:"outstanding"`
	Parked      int    `json:"parked"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	s := Stats{State: c.state.String(), Session: c.session}
	client := c.client
	c.mu.Unlock()
	if client != nil {
		s.Outstanding = client.Outstanding()
		s.Parked = client.Parked()
	}
	return s
}

// Shutdown sends END_WORK_PROCESS, waits for the worker to exit, and cancels
// every handle still waiting. Jobs queued before the call are still computed
// if the worker finishes them within the shutdown timeout and ctx. Calling
// Shutdown again waits for the first call to finish.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateNotStarted:
		c.mu.Unlock()
		return ErrNotRunning
	case StateShuttingDown, StateStopped:
		c.mu.Unlock()
		select {
		case <-c.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.state = StateShuttingDown
	proc, client := c.proc, c.client
	c.mu.Unlock()

	c.logger.Info("dispatcher shutting down", "outstanding", client.Outstanding())
	client.stop()

	timer := time.NewTimer(c.opts.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-proc.Exited():
	case <-timer.C:
		c.logger.Warn("worker exceeded shutdown timeout", "timeout", c.opts.ShutdownTimeout)
		proc.Terminate(terminationGracePeriod)
	case <-ctx.Done():
		c.logger.Warn("shutdown interrupted, terminating worker", "error", ctx.Err())
		proc.Terminate(terminationGracePeriod)
	}

	// Let the router deliver whatever the worker wrote before exiting.
	select {
	case <-client.Done():
	case <-time.After(terminationGracePeriod):
		c.logger.Warn("result stream did not close after worker exit")
	}

	cancelled := client.cancelAll()
	if unclaimed := client.discardParked(); len(unclaimed) > 0 {
		c.logger.Warn("discarding unclaimed results", "count", len(unclaimed))
	}

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	close(c.stopped)

	var exitErr error
	select {
	case <-proc.Exited():
		exitErr = proc.Err()
	default:
	}

	c.logger.Info("dispatcher stopped", "cancelled", cancelled, "exit_error", exitErr)
	c.opts.Hub.Publish(events.EngineStopped, map[string]any{
		"session":   c.Session(),
		"cancelled": cancelled,
	})
	if exitErr != nil {
		return fmt.Errorf("worker exit: %w", exitErr)
	}
	return nil
}
