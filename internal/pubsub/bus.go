// Package pubsub carries plain string messages over Redis publish/subscribe channels.
package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Bus publishes and subscribes through one Redis client.
type Bus struct {
	client *redis.Client
}

// New wraps a Redis client.
func New(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish sends message on channel.
func (b *Bus) Publish(ctx context.Context, channel, message string) error {
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers every message on channel to handle until ctx is cancelled. The
// subscription is confirmed before Subscribe returns, so a message published afterwards
// is never missed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle func(ctx context.Context, message string)) (func() error, error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handle(ctx, msg.Payload)
			}
		}
	}()
	return func() error {
		err := sub.Close()
		<-done
		return err
	}, nil
}
