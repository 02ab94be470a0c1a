// Package dispatch is the caller side of hapiq: it owns the worker process,
// submits work requests to it, and routes results back to the handles that
// asked for them.
//
// A Controller starts one worker (a child process running `hapiq worker`, or
// an in-process loop over pipes) and exposes a Client. The Client writes
// requests through an unbounded outbox so Submit never blocks on the worker,
// and a single router goroutine reads results and demultiplexes them:
//
//   - a handle is waiting for the job id → the result goes to that handle
//   - the id was cancelled → the result is dropped
//   - otherwise (detached submits) → the result is parked in the pending
//     buffer until Claim or Attach takes it
//
// Lifecycle:
//
//	NotStarted → Running → ShuttingDown → Stopped
//
// Shutdown sends END_WORK_PROCESS, closes the worker's stdin, waits for the
// worker to exit (SIGTERM → grace → SIGKILL past the shutdown timeout for
// child processes), then cancels every handle still waiting.
//
// If the worker dies while running, waiting handles receive an "unavailable"
// failure and later submits return ErrUnavailable.
package dispatch
