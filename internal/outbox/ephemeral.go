package outbox

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"corebank.io/platform/internal/pkg/logger"
)

// Subscription receives ephemeral messages.
type Subscription[P Event] struct {
	ch     chan EphemeralMessage[P]
	hub    *hub[P]
	closed sync.Once
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription[P]) C() <-chan EphemeralMessage[P] { return s.ch }

// Next waits for the next message.
func (s *Subscription[P]) Next(ctx context.Context) (EphemeralMessage[P], bool) {
	select {
	case msg, ok := <-s.ch:
		return msg, ok
	case <-ctx.Done():
		return EphemeralMessage[P]{}, false
	}
}

// Close unsubscribes.
func (s *Subscription[P]) Close() {
	s.closed.Do(func() { s.hub.unsubscribe(s) })
}

// hub fans ephemeral messages out to local subscribers and, when a relay is
// attached, to other processes.
type hub[P Event] struct {
	mu      sync.RWMutex
	subs    map[*Subscription[P]]struct{}
	buffer  int
	forward func(ctx context.Context, msg EphemeralMessage[P]) error
}

func newHub[P Event](buffer int) *hub[P] {
	return &hub[P]{subs: make(map[*Subscription[P]]struct{}), buffer: buffer}
}

func (h *hub[P]) subscribe() *Subscription[P] {
	s := &Subscription[P]{ch: make(chan EphemeralMessage[P], h.buffer), hub: h}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub[P]) unsubscribe(s *Subscription[P]) {
	h.mu.Lock()
	delete(h.subs, s)
	close(s.ch)
	h.mu.Unlock()
}

func (h *hub[P]) setForwarder(fn func(ctx context.Context, msg EphemeralMessage[P]) error) {
	h.mu.Lock()
	h.forward = fn
	h.mu.Unlock()
}

func (h *hub[P]) publish(ctx context.Context, msg EphemeralMessage[P]) error {
	h.deliver(msg)

	h.mu.RLock()
	forward := h.forward
	h.mu.RUnlock()
	if forward == nil {
		return nil
	}
	return forward(ctx, msg)
}

// deliver never blocks: a subscriber whose queue is full misses the message.
func (h *hub[P]) deliver(msg EphemeralMessage[P]) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.ch <- msg:
		default:
			logger.Warn("Ephemeral subscriber queue full, message dropped",
				zap.String("event_type", msg.Payload.EventType()),
			)
		}
	}
}
