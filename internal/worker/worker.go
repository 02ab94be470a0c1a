// Package worker runs the computation side of hapiq: a single serial loop that
// reads requests, runs the registered handler, and writes correlated results.
//
// The loop is transport agnostic. `hapiq worker` runs it over its own
// stdin/stdout; tests and the in-process launcher run it over io.Pipe.
//
// Guarantees:
//   - One handler at a time, in request order
//   - Exactly one result per job request
//   - Handler errors, panics and unmarshalable values become failure results
//   - END_WORK_PROCESS stops the loop; nothing after it is read
//   - START_ENGINE runs the start hook and writes no result
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/protocol"
	"github.com/mattjoyce/hapiq/internal/registry"
)

// StartFunc handles START_ENGINE.
type StartFunc func(ctx context.Context, args protocol.Args) error

// Worker executes requests against a sealed registry.
type Worker struct {
	registry *registry.Registry
	onStart  StartFunc
	logger   *slog.Logger
}

// New creates a Worker. The registry must already be sealed so that every
// work type has a handler before the first request is read.
func New(reg *registry.Registry, onStart StartFunc) (*Worker, error) {
	if reg == nil {
		return nil, errors.New("registry is nil")
	}
	if !reg.Sealed() {
		return nil, registry.ErrNotSealed
	}
	return &Worker{
		registry: reg,
		onStart:  onStart,
		logger:   log.WithComponent("worker"),
	}, nil
}

// Serve consumes requests from in and writes results to out until
// END_WORK_PROCESS, end of input, or a fatal stream error. A clean stop
// returns nil.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	w.logger.Info("work loop started")
	defer w.logger.Info("work loop stopped")

	dec := protocol.NewDecoder(in)
	enc := protocol.NewEncoder(out)

	for {
		req, err := dec.DecodeRequest()
		if errors.Is(err, io.EOF) {
			w.logger.Info("request stream closed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode request: %w", err)
		}

		if req.Kind == protocol.KindControl {
			if req.Control == protocol.ControlEndWorkProcess {
				w.logger.Info("received END_WORK_PROCESS")
				return nil
			}
			w.control(ctx, req)
			continue
		}

		res := w.execute(ctx, req)
		if err := enc.EncodeResult(res); err != nil {
			return fmt.Errorf("write result for job %d: %w", req.JobID, err)
		}
	}
}

func (w *Worker) control(ctx context.Context, req *protocol.Request) {
	switch req.Control {
	case protocol.ControlStartEngine:
		if w.onStart == nil {
			w.logger.Info("engine start requested (no hook)")
			return
		}
		if err := w.onStart(ctx, req.Args); err != nil {
			w.logger.Error("engine start failed", "error", err)
			return
		}
		w.logger.Info("engine started")
	default:
		w.logger.Warn("ignoring unknown control request", "control", req.Control)
	}
}

// execute runs one job and always returns a fully built result.
func (w *Worker) execute(ctx context.Context, req *protocol.Request) protocol.Result {
	jobLogger := log.WithJob(req.JobID).With("work_type", req.WorkType)

	h, err := w.registry.Lookup(req.WorkType)
	if err != nil {
		jobLogger.Warn("unregistered work type")
		return protocol.NewFailure(req.JobID, protocol.ErrorUnregistered, err.Error())
	}

	start := time.Now()
	value, panicked, err := invoke(ctx, h, req.Args, jobLogger)
	elapsed := time.Since(start)

	if panicked {
		jobLogger.Error("handler panicked", "error", err, "duration_ms", elapsed.Milliseconds())
		return protocol.NewFailure(req.JobID, protocol.ErrorPanic, err.Error())
	}
	if err != nil {
		jobLogger.Warn("handler failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return protocol.NewFailure(req.JobID, protocol.ErrorHandler, err.Error())
	}

	raw, err := json.Marshal(value)
	if err != nil {
		jobLogger.Error("handler value cannot be encoded", "error", err)
		return protocol.NewFailure(req.JobID, protocol.ErrorEncode, fmt.Sprintf("encode value: %v", err))
	}

	jobLogger.Debug("job completed", "duration_ms", elapsed.Milliseconds())
	return protocol.NewOK(req.JobID, raw)
}

func invoke(ctx context.Context, h registry.Handler, args protocol.Args, logger *slog.Logger) (value any, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("handler stack", "stack", string(debug.Stack()))
			value = nil
			panicked = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if args == nil {
		args = protocol.Args{}
	}
	value, err = h(ctx, args)
	return value, false, err
}
