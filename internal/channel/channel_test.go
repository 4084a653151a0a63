package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
)

// recorder junta los anuncios entregados a un handler.
type recorder struct {
	mu  sync.Mutex
	ads []advert.Advertisement
}

func (r *recorder) handle(ad advert.Advertisement) {
	r.mu.Lock()
	r.ads = append(r.ads, ad)
	r.mu.Unlock()
}

func (r *recorder) all() []advert.Advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]advert.Advertisement(nil), r.ads...)
}

func newTestChannel(t *testing.T, hub *Hub, mutate ...func(*Options)) *Channel {
	t.Helper()
	opts := Options{
		Heartbeat:      -1,
		ConnectBackOff: backoff.NewConstantBackOff(time.Millisecond),
		Logger:         zap.NewNop(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	ch := New(NewMemoryTransport(hub), opts)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestPublish_BufferedUntilConnected(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	b := newTestChannel(t, hub)

	rec := &recorder{}
	_, err := b.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	ad := advert.New("service.queue", map[string]any{"config": map[string]any{"host": "mq"}})
	require.NoError(t, a.Publish(ctx, ad), "publish before connect must not fail")
	require.False(t, a.IsConnected())
	require.Empty(t, rec.all())

	require.NoError(t, a.Connect(ctx))
	select {
	case <-a.Connected():
	default:
		t.Fatal("Connected() must be closed after Connect")
	}

	got := rec.all()
	require.Len(t, got, 1)
	require.Equal(t, ad.ID, got[0].ID)
	require.Equal(t, "mq", got[0].StringAt("config", "host"))
}

func TestDeliver_DropsMalformedAndKeepsGoing(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	b := newTestChannel(t, hub)
	rec := &recorder{}
	_, err := b.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	raw := NewMemoryTransport(hub)
	require.NoError(t, raw.Publish(ctx, DefaultTopic, []byte("{not json")))
	require.NoError(t, raw.Publish(ctx, DefaultTopic, []byte(`{"ready":true}`)))
	require.NoError(t, raw.Publish(ctx, DefaultTopic, []byte(`{"type":"svc.ok"}`)))

	got := rec.all()
	require.Len(t, got, 1)
	require.Equal(t, "svc.ok", got[0].Kind)
}

func TestDeliver_SkipsOwnEcho(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	rec := &recorder{}
	_, err := a.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))

	require.NoError(t, a.Publish(ctx, advert.New("service.web", nil)))
	require.Empty(t, rec.all())
}

func TestDeliver_DuplicatesArePassedThrough(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	b := newTestChannel(t, hub)
	rec := &recorder{}
	_, err := b.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, a.Connect(ctx))

	ad := advert.New("service.web", nil)
	require.NoError(t, a.Publish(ctx, ad))
	ad.Ready = true
	require.NoError(t, a.Publish(ctx, ad))

	got := rec.all()
	require.Len(t, got, 2)
	require.False(t, got[0].Ready)
	require.True(t, got[1].Ready)
}

func TestConnect_ReplaysRetainedForLateJoiner(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	require.NoError(t, a.Connect(ctx))
	ad := advert.New("service.data.redis", map[string]any{"config": map[string]any{"port": 6379}})
	require.NoError(t, a.Publish(ctx, ad))

	late := newTestChannel(t, hub)
	rec := &recorder{}
	_, err := late.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, late.Connect(ctx))

	got := rec.all()
	require.Len(t, got, 1)
	require.Equal(t, ad.ID, got[0].ID)
}

func TestSubscribe_AfterConnectReplaysRetained(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Publish(ctx, advert.New("svc.a", nil)))

	b := newTestChannel(t, hub)
	require.NoError(t, b.Connect(ctx))
	rec := &recorder{}
	_, err := b.Subscribe(rec.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRetained_ExpiresWithTTL(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	hub := NewHub(mock)
	a := newTestChannel(t, hub, func(o *Options) { o.RetainTTL = time.Minute })
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Publish(ctx, advert.New("svc.a", nil)))

	mock.Add(2 * time.Minute)

	late := newTestChannel(t, hub)
	rec := &recorder{}
	_, err := late.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, late.Connect(ctx))
	require.Empty(t, rec.all())
}

func TestConnect_RetriesUntilTransportRecovers(t *testing.T) {
	hub := NewHub(nil)
	hub.SetDown(true)
	a := newTestChannel(t, hub)

	errc := make(chan error, 1)
	go func() { errc <- a.Connect(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.False(t, a.IsConnected())
	hub.SetDown(false)

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after the hub recovered")
	}
	require.True(t, a.IsConnected())
}

func TestConnect_GivesUpWhenContextCancelled(t *testing.T) {
	hub := NewHub(nil)
	hub.SetDown(true)
	a := newTestChannel(t, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, a.Connect(ctx))
	require.False(t, a.IsConnected())

	// se puede volver a intentar
	hub.SetDown(false)
	require.NoError(t, a.Connect(context.Background()))
}

func TestPublish_TransportErrorIsTyped(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	require.NoError(t, a.Connect(ctx))

	hub.SetDown(true)
	err := a.Publish(ctx, advert.New("svc.a", nil))
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	require.ErrorIs(t, err, ErrHubDown)
}

func TestHeartbeat_RepublishesLatest(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	hub := NewHub(mock)
	a := newTestChannel(t, hub, func(o *Options) {
		o.Heartbeat = 10 * time.Second
		o.Clock = mock
	})

	b := newTestChannel(t, hub)
	rec := &recorder{}
	_, err := b.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Publish(ctx, advert.New("svc.a", nil)))
	require.Len(t, rec.all(), 1)

	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return len(rec.all()) >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscription_Cancel(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	b := newTestChannel(t, hub)
	rec := &recorder{}
	sub, err := b.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, a.Connect(ctx))

	sub.Cancel()
	sub.Cancel()
	require.NoError(t, a.Publish(ctx, advert.New("svc.a", nil)))
	require.Empty(t, rec.all())
}

func TestDeliver_RecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	b := newTestChannel(t, hub)

	_, err := b.Subscribe(func(advert.Advertisement) { panic("boom") })
	require.NoError(t, err)
	rec := &recorder{}
	_, err = b.Subscribe(rec.handle)
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))
	require.NoError(t, a.Connect(ctx))

	require.NotPanics(t, func() {
		require.NoError(t, a.Publish(ctx, advert.New("svc.a", nil)))
	})
	require.Len(t, rec.all(), 1)
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(nil)
	a := newTestChannel(t, hub)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.ErrorIs(t, a.Publish(ctx, advert.New("svc.a", nil)), ErrClosed)
	_, err := a.Subscribe(func(advert.Advertisement) {})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, a.Connect(ctx), ErrClosed)
}

func TestPublish_RejectsInvalid(t *testing.T) {
	a := newTestChannel(t, NewHub(nil))
	require.ErrorIs(t, a.Publish(context.Background(), advert.Advertisement{}), advert.ErrMalformedRecord)
}
