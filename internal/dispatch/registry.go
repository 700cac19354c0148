package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wislap/neko-runtime/internal/observe"
)

// statusRank enforces monotonic status transitions: a registry entry may
// only move to a status with a rank greater than its current one.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusRunning:   1,
	StatusCompleted: 2,
	StatusFailed:    2,
}

// TaskRegistry tracks every dispatched task for every character, enforcing
// monotonic state transitions so a consumer that observes a terminal status
// never later observes a non-terminal one.
type TaskRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	metrics *observe.Metrics
}

// NewTaskRegistry returns an empty, ready-to-use registry. metrics may be
// nil, in which case [observe.DefaultMetrics] is used.
func NewTaskRegistry(metrics *observe.Metrics) *TaskRegistry {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &TaskRegistry{entries: make(map[string]*Entry), metrics: metrics}
}

// Create adds a new Pending entry for character/backend and returns its id.
func (r *TaskRegistry) Create(character string, backend Backend) *Entry {
	now := time.Now()
	e := &Entry{
		ID:        uuid.NewString(),
		Character: character,
		Backend:   backend,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.entries[e.ID] = e
	r.mu.Unlock()
	r.metrics.TaskRegistrySize.Add(context.Background(), 1)
	return e
}

// Transition moves entry id to status, rejecting any move to a status whose
// rank is not greater than the current one. Passing a TaskResult at a terminal transition records
// it on the entry. Moving into a terminal status for the first time
// decrements the TaskRegistrySize gauge.
func (r *TaskRegistry) Transition(id string, status Status, result *TaskResult) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("dispatch: unknown task %q", id)
	}
	if statusRank[status] <= statusRank[e.Status] {
		r.mu.Unlock()
		return fmt.Errorf("dispatch: task %q cannot move from %s back to %s", id, e.Status, status)
	}
	wasTerminal := e.Status == StatusCompleted || e.Status == StatusFailed
	e.Status = status
	e.UpdatedAt = time.Now()
	if result != nil {
		e.Result = result
	}
	nowTerminal := status == StatusCompleted || status == StatusFailed
	r.mu.Unlock()

	if nowTerminal && !wasTerminal {
		r.metrics.TaskRegistrySize.Add(context.Background(), -1)
	}
	return nil
}

// Get returns the entry for id.
func (r *TaskRegistry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Pending returns every non-terminal entry for character, used by the
// deduplication check to compare a new task against what's already in
// flight.
func (r *TaskRegistry) Pending(character string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.Character != character {
			continue
		}
		if e.Status == StatusCompleted || e.Status == StatusFailed {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Size returns the number of non-terminal entries, used for the
// TaskRegistrySize gauge.
func (r *TaskRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.Status != StatusCompleted && e.Status != StatusFailed {
			n++
		}
	}
	return n
}
