package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kirinyoku/tix-reserve/internal/domain"
	"github.com/redis/go-redis/v9"
)

// EventsPubSub fans reservation lifecycle events out to every instance.
type EventsPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewEventsPubSub(rdb *redis.Client) *EventsPubSub {
	return &EventsPubSub{
		rdb:     rdb,
		channel: ChannelReservationLifecycle(),
	}
}

func (p *EventsPubSub) Publish(ctx context.Context, ev domain.LifecycleEvent) error {
	const op = "redis.EventsPubSub.Publish"

	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		return fmt.Errorf("%s:%w", op, err)
	}

	return nil
}

func (p *EventsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, ev domain.LifecycleEvent)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.LifecycleEvent
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil && ev.Kind != "" {
				handler(ctx, ev)
			}
		}
	}
}
