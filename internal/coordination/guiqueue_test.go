package coordination

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/wislap/neko-runtime/internal/dispatch"
	"github.com/wislap/neko-runtime/internal/observe"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func TestGUIQueue_EnqueueRejectsWhenFull(t *testing.T) {
	q := NewGUIQueue("/bin/true", 1, dispatch.NewTaskRegistry(testMetrics(t)), testMetrics(t))
	require.NoError(t, q.Enqueue(dispatch.GUITask{ID: "a"}))
	require.ErrorIs(t, q.Enqueue(dispatch.GUITask{ID: "b"}), ErrGUIQueueFull)
}

func TestGUIQueue_RunCompletesQueuedTasks(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true(1) not available")
	}

	m := testMetrics(t)
	registry := dispatch.NewTaskRegistry(m)
	// "true" ignores its argument, so it stands in for a GUI-automation
	// worker that always succeeds without needing a real GUI toolkit.
	q := NewGUIQueue("true", 4, registry, m)
	entry1 := registry.Create("lanlan", dispatch.BackendGUI)
	entry2 := registry.Create("lanlan", dispatch.BackendGUI)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go q.Run(ctx)

	require.NoError(t, q.Enqueue(dispatch.GUITask{ID: entry1.ID, Character: "lanlan", Instruction: "noop"}))
	require.NoError(t, q.Enqueue(dispatch.GUITask{ID: entry2.ID, Character: "lanlan", Instruction: "noop"}))

	deadline := time.After(1500 * time.Millisecond)
	for {
		e1, ok1 := registry.Get(entry1.ID)
		e2, ok2 := registry.Get(entry2.ID)
		if ok1 && ok2 && e1.Status != dispatch.StatusPending && e1.Status != dispatch.StatusRunning &&
			e2.Status != dispatch.StatusPending && e2.Status != dispatch.StatusRunning {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("tasks did not reach a terminal status in time: %+v %+v", e1, e2)
		case <-time.After(20 * time.Millisecond):
		}
	}
}
