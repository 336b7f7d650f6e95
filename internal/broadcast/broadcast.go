// Package broadcast fans execution status changes out to live observers.
//
// The hub is a live tap, not a log: delivery is best-effort and
// fire-and-forget. Each subscriber has a dedicated buffered channel and
// publishers use a non-blocking send, so a slow or disconnected observer
// never applies back-pressure to the publishing execution. Dropped events
// are counted but not redelivered; observers needing full history re-fetch
// authoritative state from the store.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/seaward-sec/opswatch/pkg/types"
)

// defaultBufSize is the per-subscriber channel depth.
const defaultBufSize = 64

// Subscriber is one registered observer. Valid until Unsubscribe.
type Subscriber struct {
	id      string
	events  chan types.StatusEvent
	Dropped atomic.Int64

	// mu orders sends against the channel close so a publish racing an
	// unsubscribe can never send on a closed channel.
	mu     sync.Mutex
	closed bool
}

// send delivers without blocking; events for a full or closed subscriber
// are dropped.
func (s *Subscriber) send(ev types.StatusEvent) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return false
	default:
		return true
	}
}

// shut closes the event channel once. Reports whether this call closed it.
func (s *Subscriber) shut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.events)
	return true
}

// ID returns the subscriber's unique identifier.
func (s *Subscriber) ID() string { return s.id }

// Events returns the receive-only event channel. It is closed when the
// subscriber is removed or the hub shuts down.
func (s *Subscriber) Events() <-chan types.StatusEvent { return s.events }

// Hub distributes status events to all current subscribers. Safe for
// concurrent use.
type Hub struct {
	subs    sync.Map // map[string]*Subscriber
	subCnt  atomic.Int64
	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewHub creates a hub. bufSize <= 0 selects the default of 64.
func NewHub(logger *slog.Logger, bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return &Hub{
		bufSize: bufSize,
		logger:  logger.With("component", "broadcast"),
	}
}

// Subscribe registers a new observer. The caller must call Unsubscribe
// when done. On a closed hub the returned subscriber's channel is already
// closed.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		id:     uuid.New().String(),
		events: make(chan types.StatusEvent, h.bufSize),
	}
	if h.closed.Load() {
		s.shut()
		return s
	}
	h.subs.Store(s.id, s)
	h.subCnt.Add(1)
	return s
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// a no-op.
func (h *Hub) Unsubscribe(id string) {
	if v, loaded := h.subs.LoadAndDelete(id); loaded {
		if v.(*Subscriber).shut() {
			h.subCnt.Add(-1)
		}
	}
}

// SubscriberCount returns the number of current subscribers.
func (h *Hub) SubscriberCount() int {
	return int(h.subCnt.Load())
}

// Publish delivers an event to every subscriber with a non-blocking send.
// A full subscriber buffer drops the event and increments that
// subscriber's counter.
func (h *Hub) Publish(ev types.StatusEvent) {
	if h.closed.Load() {
		return
	}
	h.subs.Range(func(_, v any) bool {
		s := v.(*Subscriber)
		if s.send(ev) {
			if s.Dropped.Add(1) == 1 {
				h.logger.Warn("subscriber buffer full, dropping events", "subscriber", s.id)
			}
		}
		return true
	})
}

// Close shuts the hub down and closes all subscriber channels. Publish and
// Subscribe become no-ops.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.subs.Range(func(key, v any) bool {
			h.subs.Delete(key)
			if v.(*Subscriber).shut() {
				h.subCnt.Add(-1)
			}
			return true
		})
	})
}
