package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seaward-sec/opswatch/internal/testutil"
	"github.com/seaward-sec/opswatch/pkg/types"
)

type mockSweepStore struct {
	mu        sync.Mutex
	stale     []types.TaskExecution
	finalized map[string]types.ExecutionStatus
	failIDs   map[string]bool
}

func newMockSweepStore(stale ...types.TaskExecution) *mockSweepStore {
	return &mockSweepStore{
		stale:     stale,
		finalized: make(map[string]types.ExecutionStatus),
		failIDs:   make(map[string]bool),
	}
}

func (m *mockSweepStore) ListStaleExecutions(ctx context.Context, olderThan time.Duration) ([]types.TaskExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale, nil
}

func (m *mockSweepStore) FinalizeExecution(ctx context.Context, id string, status types.ExecutionStatus, result map[string]any, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failIDs[id] {
		return fmt.Errorf("execution %s not in a finalizable state", id)
	}
	m.finalized[id] = status
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.StatusEvent
}

func (p *recordingPublisher) Publish(ev types.StatusEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func staleExec(id string) types.TaskExecution {
	started := time.Now().Add(-2 * time.Hour)
	return types.TaskExecution{
		ID:        id,
		TaskID:    "task-1",
		Status:    types.ExecutionRunning,
		QueuedAt:  started.Add(-time.Minute),
		StartedAt: &started,
	}
}

func TestSweepFailsStaleExecutions(t *testing.T) {
	store := newMockSweepStore(staleExec("e1"), staleExec("e2"))
	pub := &recordingPublisher{}
	w := NewSweepWorker(store, pub, SweepConfig{}, testutil.NewTestLogger())

	w.runOnce(context.Background())

	if len(store.finalized) != 2 {
		t.Fatalf("finalized %d executions, want 2", len(store.finalized))
	}
	for id, status := range store.finalized {
		if status != types.ExecutionFailed {
			t.Errorf("execution %s finalized as %s", id, status)
		}
	}
	if len(pub.events) != 2 {
		t.Errorf("published %d events, want 2", len(pub.events))
	}
	for _, ev := range pub.events {
		if ev.Status != types.ExecutionFailed || ev.Message == "" {
			t.Errorf("published event = %+v", ev)
		}
	}
}

func TestSweepSkipsLateFinalize(t *testing.T) {
	// A run that reached a terminal state between the list and the sweep
	// is left alone.
	store := newMockSweepStore(staleExec("e1"), staleExec("e2"))
	store.failIDs["e1"] = true
	w := NewSweepWorker(store, nil, SweepConfig{}, testutil.NewTestLogger())

	w.runOnce(context.Background())

	if _, swept := store.finalized["e1"]; swept {
		t.Error("raced execution was swept anyway")
	}
	if _, swept := store.finalized["e2"]; !swept {
		t.Error("healthy sweep target skipped")
	}
}

func TestSweepLifecycle(t *testing.T) {
	store := newMockSweepStore(staleExec("e1"))
	w := NewSweepWorker(store, nil, SweepConfig{Interval: 10 * time.Millisecond, StaleAfter: time.Hour}, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		n := len(store.finalized)
		store.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	if len(store.finalized) != 1 {
		t.Errorf("finalized = %v", store.finalized)
	}
}
