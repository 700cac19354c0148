package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/wislap/neko-runtime/internal/health"
)

// ProcessSpec describes one supervised process: how to start it and, unless
// ReadyAddr is empty, where to poll for readiness before the next process in
// the launch order is allowed to start.
type ProcessSpec struct {
	// Name is a short label used in log lines ("Memory Process", "Agent
	// Process", ...).
	Name string

	// Command builds the command to run. Called once per Start.
	Command func(ctx context.Context) *exec.Cmd

	// ReadyAddr, if set, is polled via [health.WaitReady] before Launcher
	// considers this process started and moves on to the next spec in the
	// launch order.
	ReadyAddr string

	// ReadyTimeout bounds how long Launcher waits on ReadyAddr. Zero means
	// no bound (wait until ctx is cancelled).
	ReadyTimeout time.Duration
}

// Launcher starts a fixed ordered set of subprocesses, gating each start on
// the previous process's readiness, then supervises them: if any exits
// unexpectedly, Wait returns. There is no auto-restart — a crashed process
// takes the whole supervised group down, and it is the operator's job to
// restart the launcher.
type Launcher struct {
	specs []ProcessSpec

	mu      sync.Mutex
	running []*runningProcess
}

type runningProcess struct {
	spec *ProcessSpec
	cmd  *exec.Cmd
	done chan error
}

// NewLauncher creates a launcher over specs, started and supervised in the
// given order.
func NewLauncher(specs []ProcessSpec) *Launcher {
	return &Launcher{specs: specs}
}

// Start launches every process in order, waiting for each one's readiness
// endpoint before starting the next. If any process fails to start or never
// becomes ready, Start terminates everything already launched and returns
// the error.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.specs {
		spec := l.specs[i]
		cmd := spec.Command(ctx)
		if err := cmd.Start(); err != nil {
			l.shutdownLocked()
			return fmt.Errorf("coordination: start %s: %w", spec.Name, err)
		}
		slog.Info("coordination: process started", "process", spec.Name, "pid", cmd.Process.Pid)

		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		l.running = append(l.running, &runningProcess{spec: &l.specs[i], cmd: cmd, done: done})

		if spec.ReadyAddr != "" {
			waitCtx := ctx
			var cancel context.CancelFunc
			if spec.ReadyTimeout > 0 {
				waitCtx, cancel = context.WithTimeout(ctx, spec.ReadyTimeout)
			}
			err := health.WaitReady(waitCtx, spec.ReadyAddr)
			if cancel != nil {
				cancel()
			}
			if err != nil {
				l.shutdownLocked()
				return fmt.Errorf("coordination: %s never became ready: %w", spec.Name, err)
			}
			slog.Info("coordination: process ready", "process", spec.Name)
		}
	}
	return nil
}

// Wait blocks until the first supervised process exits, then returns which
// one and why. It does not itself shut down the remaining processes —
// callers should follow a returned error with Shutdown.
func (l *Launcher) Wait() (name string, err error) {
	l.mu.Lock()
	running := append([]*runningProcess(nil), l.running...)
	l.mu.Unlock()

	cases := make(chan struct {
		name string
		err  error
	}, len(running))
	for _, rp := range running {
		rp := rp
		go func() {
			cases <- struct {
				name string
				err  error
			}{rp.spec.Name, <-rp.done}
		}()
	}
	first := <-cases
	return first.name, first.err
}

// Shutdown terminates every running process: os.Interrupt (SIGINT on POSIX)
// via cmd.Process.Signal, then a hard kill for anything still alive after
// [workerTerminateGrace].
func (l *Launcher) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdownLocked()
}

func (l *Launcher) shutdownLocked() {
	for _, rp := range l.running {
		if rp.cmd.Process == nil {
			continue
		}
		// os.Interrupt is SIGINT on POSIX; Signal is unimplemented on
		// Windows and returns an error there, in which case we fall straight
		// through to the Kill() in the deadline loop below.
		_ = rp.cmd.Process.Signal(os.Interrupt)
	}

	deadline := time.After(workerTerminateGrace)
	remaining := make(map[*runningProcess]bool, len(l.running))
	for _, rp := range l.running {
		remaining[rp] = true
	}
	for len(remaining) > 0 {
		select {
		case <-deadline:
			for rp := range remaining {
				if rp.cmd.Process != nil {
					_ = rp.cmd.Process.Kill()
				}
			}
			return
		default:
		}
		for rp := range remaining {
			select {
			case <-rp.done:
				slog.Info("coordination: process exited", "process", rp.spec.Name)
				delete(remaining, rp)
			default:
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
}
