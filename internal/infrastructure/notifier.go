package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"corebank.io/platform/internal/pkg/backoff"
	"corebank.io/platform/internal/pkg/logger"
)

const (
	notifierMinBackoff = 100 * time.Millisecond
	notifierMaxBackoff = 5 * time.Second
)

// Notifier holds one pooled connection in LISTEN mode and invokes the
// callback registered for each channel when a notification arrives.
//
// Notifications only wake pollers early. A lost notification costs at most
// one poll interval, so reconnect gaps are tolerated.
type Notifier struct {
	pool     *pgxpool.Pool
	handlers map[string]func()
	log      *zap.Logger
}

// NewNotifier creates a notifier on pool.
func NewNotifier(pool *pgxpool.Pool) *Notifier {
	return &Notifier{
		pool:     pool,
		handlers: make(map[string]func()),
		log:      logger.Named("notifier"),
	}
}

// Handle registers fn for channel. Must be called before Run.
func (n *Notifier) Handle(channel string, fn func()) {
	n.handlers[channel] = fn
}

// Run listens until ctx is done, reconnecting with backoff on failure.
func (n *Notifier) Run(ctx context.Context) error {
	failures := 0
	for {
		err := n.listen(ctx, func() { failures = 0 })
		if ctx.Err() != nil {
			return nil
		}
		failures++
		wait := min(backoff.Exponential(notifierMinBackoff, failures-1), notifierMaxBackoff)
		n.log.Warn("Listen connection lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", wait),
		)
		// Anything may have been missed while disconnected.
		n.wakeAll()

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (n *Notifier) listen(ctx context.Context, connected func()) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	// A connection left in LISTEN mode must not go back to the pool.
	defer func() {
		_ = conn.Conn().Close(context.Background())
		conn.Release()
	}()

	for channel := range n.handlers {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}
	connected()
	n.log.Debug("Listening for notifications", zap.Int("channels", len(n.handlers)))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if fn, ok := n.handlers[notification.Channel]; ok {
			fn()
		}
	}
}

func (n *Notifier) wakeAll() {
	for _, fn := range n.handlers {
		fn()
	}
}
