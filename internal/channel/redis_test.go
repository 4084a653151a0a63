package channel

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
)

func TestRedisTransport_RetainedReplayAndFanout(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	prefix := "test:" + uuid.NewString() + ":"

	newCh := func() *Channel {
		ch := New(NewRedisTransport(client, prefix), Options{Heartbeat: -1, Logger: zap.NewNop()})
		t.Cleanup(func() { _ = ch.Close() })
		return ch
	}

	early := newCh()
	require.NoError(t, early.Connect(ctx))
	ad := advert.New("svc.queue", map[string]any{"port": 5672})
	require.NoError(t, early.Publish(ctx, ad))

	late := newCh()
	got := make(chan advert.Advertisement, 4)
	_, err := late.Subscribe(func(a advert.Advertisement) { got <- a })
	require.NoError(t, err)
	require.NoError(t, late.Connect(ctx))

	select {
	case a := <-got:
		require.Equal(t, ad.ID, a.ID)
		port, _ := a.IntAt("port")
		require.Equal(t, 5672, port)
	case <-time.After(3 * time.Second):
		t.Fatal("retained advertisement not replayed")
	}

	ad.Ready = true
	require.NoError(t, early.Publish(ctx, ad))
	select {
	case a := <-got:
		require.True(t, a.Ready)
	case <-time.After(3 * time.Second):
		t.Fatal("live advertisement not delivered")
	}
}
