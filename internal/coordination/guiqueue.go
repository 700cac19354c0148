// Package coordination implements the Cross-Process Coordination concerns
// that don't belong to any single subsystem: process supervision, the
// GUI-auto exclusivity scheduler, hot-reload orchestration for character
// configuration, and the per-character sync-connector that relays frames to
// the Monitor process.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wislap/neko-runtime/internal/dispatch"
	"github.com/wislap/neko-runtime/internal/observe"
)

// ErrGUIQueueFull is returned by Enqueue when the bounded queue has no
// capacity left. The spec leaves the GUI-auto queue's bound as an open
// question; this implementation picks a finite default over an unbounded
// queue — see the Open Question decision.
var ErrGUIQueueFull = errors.New("coordination: gui-auto queue full")

// defaultQueueCapacity is used when [config.GUIAutoConfig.QueueCapacity] is
// zero.
const defaultQueueCapacity = 64

// schedulerPollInterval matches the spec's exclusivity-scheduler pseudocode.
const schedulerPollInterval = 50 * time.Millisecond

// workerTerminateGrace bounds how long a process supervised by [Launcher]
// gets to exit after being asked to terminate before it is killed outright.
const workerTerminateGrace = 3 * time.Second

// GUIResult is a GUI-automation worker's terminal outcome, posted onto the
// shared result queue from the worker-spawning goroutine.
type GUIResult struct {
	Task    dispatch.GUITask
	Success bool
	Output  string
	Err     error
}

// GUIQueue is the single-consumer exclusivity scheduler described in the
// coordination spec: at most one GUI-automation worker subprocess runs at a
// time, guaranteed by a lone consumer goroutine rather than a cross-process
// lock on the GUI toolkit. It implements [dispatch.GUIEnqueuer].
type GUIQueue struct {
	workerCommand string
	metrics       *observe.Metrics

	queue   chan dispatch.GUITask
	results chan GUIResult

	mu     sync.Mutex
	active bool

	registry *dispatch.TaskRegistry
}

var _ dispatch.GUIEnqueuer = (*GUIQueue)(nil)

// NewGUIQueue creates a queue that spawns workerCommand (one argument: the
// task instruction) for each dequeued task, bounded to capacity pending
// entries. A capacity of 0 uses [defaultQueueCapacity]. workerCommand is
// ordinarily the path to the cmd/guiworker binary, which drives a headless
// Playwright browser session per instruction; any executable following the
// same one-argument-in, JSON-line-on-stdout convention works too.
func NewGUIQueue(workerCommand string, capacity int, registry *dispatch.TaskRegistry, metrics *observe.Metrics) *GUIQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &GUIQueue{
		workerCommand: workerCommand,
		metrics:       metrics,
		queue:         make(chan dispatch.GUITask, capacity),
		results:       make(chan GUIResult, capacity),
		registry:      registry,
	}
}

// Enqueue accepts task into the bounded queue, or returns [ErrGUIQueueFull]
// if it is at capacity.
func (q *GUIQueue) Enqueue(task dispatch.GUITask) error {
	select {
	case q.queue <- task:
		q.metrics.GUITasksQueued.Add(context.Background(), 1)
		q.metrics.GUIQueueDepth.Add(context.Background(), 1)
		return nil
	default:
		q.metrics.GUITasksRejected.Add(context.Background(), 1)
		return fmt.Errorf("%w", ErrGUIQueueFull)
	}
}

// Run drives the scheduler loop and the result poller until ctx is
// cancelled. It blocks; callers should run it in its own goroutine.
func (q *GUIQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.schedulerLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		q.resultPoller(ctx)
	}()
	wg.Wait()
}

// schedulerLoop implements the spec's pseudocode verbatim: poll every 50ms,
// skip while a task is active or the queue is empty, otherwise dequeue one
// entry and spawn its worker.
func (q *GUIQueue) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(schedulerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			active := q.active
			q.mu.Unlock()
			if active {
				continue
			}
			select {
			case task := <-q.queue:
				q.metrics.GUIQueueDepth.Add(ctx, -1)
				q.mu.Lock()
				q.active = true
				q.mu.Unlock()
				go q.runWorker(ctx, task)
			default:
			}
		}
	}
}

// runWorker spawns the GUI-automation worker subprocess for task and posts
// its terminal result onto the results channel. The worker receives the
// task instruction as its sole argument.
func (q *GUIQueue) runWorker(ctx context.Context, task dispatch.GUITask) {
	start := time.Now()
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(workCtx, q.workerCommand, task.Instruction)
	output, err := cmd.CombinedOutput()

	q.metrics.GUITaskDuration.Record(ctx, time.Since(start).Seconds())
	q.results <- GUIResult{Task: task, Success: err == nil, Output: string(output), Err: err}
}

// resultPoller drains the result queue, marks the corresponding Task
// Registry Entry terminal, and clears the active flag — freeing the
// scheduler loop to dequeue the next task.
func (q *GUIQueue) resultPoller(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case res := <-q.results:
			status := dispatch.StatusCompleted
			if !res.Success {
				status = dispatch.StatusFailed
			}
			result := &dispatch.TaskResult{
				TaskID:          res.Task.ID,
				ExecutionMethod: dispatch.BackendGUI,
				Success:         res.Success,
				Result:          res.Output,
			}
			if res.Err != nil {
				result.Result = res.Err.Error()
			}
			if q.registry != nil {
				if err := q.registry.Transition(res.Task.ID, status, result); err != nil {
					slog.Warn("coordination: gui task registry transition failed", "task", res.Task.ID, "error", err)
				}
			}
			q.mu.Lock()
			q.active = false
			q.mu.Unlock()
		}
	}
}

// newTaskID is a small helper kept for callers that enqueue GUI tasks
// outside the dispatcher (e.g. manual admin-triggered automation).
func newTaskID() string { return uuid.NewString() }
