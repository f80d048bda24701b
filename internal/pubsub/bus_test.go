package pubsub

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := New(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 2)
	closeSub, err := bus.Subscribe(ctx, "enrichment:control", func(_ context.Context, msg string) {
		got <- msg
	})
	require.NoError(t, err)
	defer closeSub()

	require.NoError(t, bus.Publish(ctx, "enrichment:control", "pause"))
	require.NoError(t, bus.Publish(ctx, "enrichment:control", "resume"))

	for _, want := range []string{"pause", "resume"} {
		select {
		case msg := <-got:
			require.Equal(t, want, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
