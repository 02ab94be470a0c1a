package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/hapiq/internal/config"
	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/handlers"
	"github.com/mattjoyce/hapiq/internal/lock"
	"github.com/mattjoyce/hapiq/internal/log"
	"github.com/mattjoyce/hapiq/internal/registry"
	"github.com/mattjoyce/hapiq/internal/worker"
)

// stack is a started controller plus everything that has to be released
// after it stops.
type stack struct {
	ctrl    *dispatch.Controller
	hub     *events.Hub
	lock    *lock.PIDLock
	engine  *handlers.Engine
	timeout time.Duration
	logger  *slog.Logger
}

// newEngineWorker builds a worker whose registry is bound to a fresh engine.
func newEngineWorker() (*worker.Worker, *handlers.Engine, error) {
	engine := handlers.NewEngine(nil)
	reg := registry.New()
	if err := engine.Register(reg); err != nil {
		return nil, nil, fmt.Errorf("register handlers: %w", err)
	}
	if err := reg.Seal(); err != nil {
		return nil, nil, fmt.Errorf("seal registry: %w", err)
	}
	w, err := worker.New(reg, engine.Start)
	if err != nil {
		return nil, nil, err
	}
	return w, engine, nil
}

// newLauncher picks the worker launch mode from cfg. The returned engine is
// non-nil only in in-process mode.
func newLauncher(cfg *config.Config, logger *slog.Logger) (dispatch.Launcher, *handlers.Engine, error) {
	switch cfg.Engine.Mode {
	case config.ModeInProcess:
		w, engine, err := newEngineWorker()
		if err != nil {
			return nil, nil, err
		}
		return &dispatch.InProcessLauncher{Worker: w}, engine, nil
	case config.ModeProcess, "":
		path := cfg.Engine.WorkerPath
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, nil, fmt.Errorf("locate worker binary: %w", err)
			}
			path = exe
		}
		return &dispatch.ExecLauncher{
			Path: path,
			Args: []string{
				"worker",
				"--log-level", cfg.Service.LogLevel,
				"--log-format", cfg.Service.LogFormat,
			},
			Stderr: os.Stderr,
			Logger: logger,
		}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine mode %q", cfg.Engine.Mode)
	}
}

// startStack locks the data directory and starts a controller for cfg.
func startStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	pidLock, err := lock.AcquireDataDir(cfg.Engine.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Debug("acquired data directory lock", "path", pidLock.Path())

	launcher, engine, err := newLauncher(cfg, logger)
	if err != nil {
		_ = pidLock.Release()
		return nil, err
	}

	hub := events.NewHub(cfg.Dispatch.EventBuffer)
	ctrl := dispatch.NewController(launcher, dispatch.Options{
		Engine:          cfg.EngineArgs(),
		PendingCapacity: cfg.Dispatch.PendingCapacity,
		ShutdownTimeout: cfg.Dispatch.ShutdownTimeout,
		Hub:             hub,
		Logger:          logger.With("component", "dispatch"),
	})
	if err := ctrl.Start(ctx); err != nil {
		if engine != nil {
			_ = engine.Close()
		}
		_ = pidLock.Release()
		return nil, err
	}

	return &stack{
		ctrl:    ctrl,
		hub:     hub,
		lock:    pidLock,
		engine:  engine,
		timeout: cfg.Dispatch.ShutdownTimeout,
		logger:  logger,
	}, nil
}

// close shuts the controller down and releases the lock.
func (s *stack) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout+5*time.Second)
	defer cancel()

	err := s.ctrl.Shutdown(ctx)
	if err != nil {
		s.logger.Warn("dispatcher shutdown reported an error", "error", err)
	}
	if s.engine != nil {
		_ = s.engine.Close()
	}
	_ = s.lock.Release()
	return err
}

// workerDone returns a channel closed when the result stream ends.
func (s *stack) workerDone() <-chan struct{} {
	client, err := s.ctrl.Client()
	if err != nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return client.Done()
}

// setupLogging routes process logs to w according to cfg.
func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, w)
	return log.WithComponent("main")
}
