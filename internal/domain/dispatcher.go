package domain

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"corebank.io/platform/internal/dbop"
	"corebank.io/platform/internal/outbox"
	"corebank.io/platform/internal/pkg/logger"
)

// EventHandler applies one event inside op. Handlers see every message at
// least once and must be idempotent.
type EventHandler func(ctx context.Context, op dbop.Op, msg outbox.PersistedMessage[Event]) error

// EventDispatcher routes persisted outbox messages to the handlers
// registered for their event type.
type EventDispatcher struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex
}

// NewEventDispatcher creates a new EventDispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

// Register registers a handler for a specific event type.
func (d *EventDispatcher) Register(eventType string, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = append(d.handlers[eventType], handler)
}

// Dispatch runs the handlers of msg in registration order and stops at the
// first error, so the caller's op rolls back and the message is redelivered.
// Messages of unknown or unhandled types are skipped.
func (d *EventDispatcher) Dispatch(ctx context.Context, op dbop.Op, msg outbox.PersistedMessage[Event]) error {
	if !msg.Known() {
		logger.Debug("Skipping outbox message of unknown type",
			zap.Int64("sequence", msg.Sequence),
			zap.String("event_type", msg.EventType),
		)
		return nil
	}

	d.mu.RLock()
	handlers := d.handlers[msg.EventType]
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(ctx, op, msg); err != nil {
			logger.Error("Event handler failed",
				zap.String("event_type", msg.EventType),
				zap.Int64("sequence", msg.Sequence),
				zap.Error(err),
			)
			return fmt.Errorf("handler for %s failed: %w", msg.EventType, err)
		}
	}
	return nil
}
