package broadcast

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seaward-sec/opswatch/internal/testutil"
	"github.com/seaward-sec/opswatch/pkg/types"
)

func event(execID string) types.StatusEvent {
	return types.StatusEvent{
		TaskID:      "t1",
		ExecutionID: execID,
		Status:      types.ExecutionRunning,
		At:          time.Now(),
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub(testutil.NewTestLogger(), 4)
	defer h.Close()

	a := h.Subscribe()
	b := h.Subscribe()
	if h.SubscriberCount() != 2 {
		t.Fatalf("SubscriberCount() = %d", h.SubscriberCount())
	}

	h.Publish(event("e1"))

	for _, sub := range []*Subscriber{a, b} {
		select {
		case ev := <-sub.Events():
			if ev.ExecutionID != "e1" {
				t.Errorf("subscriber %s got %q", sub.ID(), ev.ExecutionID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", sub.ID())
		}
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	h := NewHub(testutil.NewTestLogger(), 2)
	defer h.Close()

	slow := h.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.Publish(event("e"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}

	if got := slow.Dropped.Load(); got != 8 {
		t.Errorf("dropped = %d, want 8", got)
	}
	if got := len(slow.Events()); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(testutil.NewTestLogger(), 0)
	defer h.Close()

	s := h.Subscribe()
	h.Unsubscribe(s.ID())

	if _, open := <-s.Events(); open {
		t.Error("channel still open after unsubscribe")
	}
	if h.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d", h.SubscriberCount())
	}

	// Unknown id is a no-op.
	h.Unsubscribe("missing")
}

func TestCloseIsTerminal(t *testing.T) {
	h := NewHub(testutil.NewTestLogger(), 0)
	s := h.Subscribe()
	h.Close()
	h.Close() // idempotent

	if _, open := <-s.Events(); open {
		t.Error("subscriber channel open after hub close")
	}

	// Publishing and subscribing after close are safe no-ops.
	h.Publish(event("late"))
	late := h.Subscribe()
	if _, open := <-late.Events(); open {
		t.Error("post-close subscriber got a live channel")
	}
}

func TestPublishUnsubscribeInterleaving(t *testing.T) {
	h := NewHub(testutil.NewTestLogger(), 1)
	defer h.Close()

	// Publishers and unsubscribers racing on the same subscribers must
	// never send on a closed channel.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		s := h.Subscribe()
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				h.Publish(event(fmt.Sprintf("e%d-%d", n, j)))
			}
		}(i)
		go func(id string) {
			defer wg.Done()
			h.Unsubscribe(id)
		}(s.ID())
	}
	wg.Wait()

	if got := h.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d after all unsubscribes", got)
	}
}
