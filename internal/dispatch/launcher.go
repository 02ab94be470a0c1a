package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/hapiq/internal/worker"
)

// Process is a running worker as seen by the controller.
type Process interface {
	// Stdin carries requests to the worker.
	Stdin() io.WriteCloser
	// Stdout carries results from the worker. It reaches EOF after the worker
	// exits.
	Stdout() io.Reader
	// Exited is closed once the worker has exited.
	Exited() <-chan struct{}
	// Err returns the exit error after Exited is closed.
	Err() error
	// Terminate stops the worker, giving it grace to exit on its own first.
	Terminate(grace time.Duration)
}

// Launcher starts a worker.
type Launcher interface {
	Launch(ctx context.Context) (Process, error)
}

// ExecLauncher runs the worker as a child process speaking the protocol on
// its stdin/stdout. Stderr is passed through so the worker's logs reach the
// same place as ours.
type ExecLauncher struct {
	Path   string
	Args   []string
	Env    []string
	Stderr io.Writer
	Logger *slog.Logger
}

// Launch starts the child process.
func (l *ExecLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Path == "" {
		return nil, errors.New("worker path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Not CommandContext: the controller owns termination.
	cmd := exec.Command(l.Path, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	// Stdout goes through io.Pipe rather than StdoutPipe so that Wait only
	// returns after every byte has been handed to the reader.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("worker process started", "path", l.Path, "pid", cmd.Process.Pid)

	p := &execProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		p.err = cmd.Wait()
		_ = pw.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}
	err    error
	logger *slog.Logger
}

func (p *execProcess) Stdin() io.WriteCloser   { return p.stdin }
func (p *execProcess) Stdout() io.Reader       { return p.stdout }
func (p *execProcess) Exited() <-chan struct{} { return p.done }
func (p *execProcess) Err() error              { return p.err }

// Terminate sends SIGTERM, waits up to grace, then SIGKILL.
func (p *execProcess) Terminate(grace time.Duration) {
	select {
	case <-p.done:
		return
	default:
	}

	p.logger.Warn("worker did not exit, sending SIGTERM", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		p.logger.Error("failed to send SIGTERM", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		p.logger.Info("worker exited after SIGTERM")
	case <-timer.C:
		p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-p.done
	}
}

// InProcessLauncher runs the worker loop on a goroutine over io.Pipe. The
// process boundary is simulated by the same line protocol, so the controller
// behaves identically.
type InProcessLauncher struct {
	Worker *worker.Worker
}

// Launch starts the loop.
func (l *InProcessLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Worker == nil {
		return nil, errors.New("in-process launcher has no worker")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	wctx, cancel := context.WithCancel(context.Background())

	p := &pipeProcess{
		stdin:  inW,
		stdout: outR,
		inR:    inR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		p.err = l.Worker.Serve(wctx, inR, outW)
		// Anything written after the loop stopped fails instead of blocking.
		_ = inR.CloseWithError(io.ErrClosedPipe)
		_ = outW.Close()
		cancel()
		close(p.done)
	}()
	return p, nil
}

type pipeProcess struct {
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	inR    *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

func (p *pipeProcess) Stdin() io.WriteCloser   { return p.stdin }
func (p *pipeProcess) Stdout() io.Reader       { return p.stdout }
func (p *pipeProcess) Exited() <-chan struct{} { return p.done }
func (p *pipeProcess) Err() error              { return p.err }

// Terminate cancels running handlers and breaks the request pipe. A handler
// that ignores its context is waited out for grace; after that the loop is
// abandoned.
func (p *pipeProcess) Terminate(grace time.Duration) {
	p.once.Do(func() {
		p.cancel()
		_ = p.inR.CloseWithError(errors.New("worker terminated"))
	})
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
	}
}
