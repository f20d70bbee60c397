package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"corebank.io/platform/internal/pkg/logger"
)

// RedisRelay carries ephemeral messages between processes over Redis
// Pub/Sub. Messages published locally are forwarded to the channel; messages
// from other processes are delivered to local subscribers.
type RedisRelay[P Event] struct {
	client  redis.UniversalClient
	channel string
	origin  string
	outbox  *Outbox[P]
}

type relayEnvelope struct {
	Origin      string          `json:"origin"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewRedisRelay attaches a relay to o. Call Run to receive remote messages.
func NewRedisRelay[P Event](client redis.UniversalClient, channel string, o *Outbox[P]) *RedisRelay[P] {
	r := &RedisRelay[P]{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		outbox:  o,
	}
	o.hub.setForwarder(r.forward)
	return r
}

func (r *RedisRelay[P]) forward(ctx context.Context, msg EphemeralMessage[P]) error {
	tag, body, err := r.outbox.codec.Encode(msg.Payload)
	if err != nil {
		return fmt.Errorf("relay encode: %w", err)
	}
	data, err := json.Marshal(relayEnvelope{
		Origin:      r.origin,
		EventType:   tag,
		Payload:     body,
		PublishedAt: msg.PublishedAt,
	})
	if err != nil {
		return fmt.Errorf("relay marshal: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and delivers remote messages until ctx ends.
// ready, when non-nil, is closed once the subscription is confirmed.
func (r *RedisRelay[P]) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	logger.Info("Ephemeral relay subscribed", zap.String("channel", r.channel))

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.receive(m.Payload)
		}
	}
}

func (r *RedisRelay[P]) receive(data string) {
	var env relayEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		logger.Warn("Relay dropped malformed message", zap.Error(err))
		return
	}
	if env.Origin == r.origin {
		return
	}
	payload, err := r.outbox.codec.Decode(env.EventType, env.Payload)
	if err != nil {
		logger.Debug("Relay dropped undecodable message",
			zap.String("event_type", env.EventType),
			zap.Error(err),
		)
		return
	}
	r.outbox.hub.deliver(EphemeralMessage[P]{Payload: payload, PublishedAt: env.PublishedAt})
}
