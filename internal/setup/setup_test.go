package setup

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/broker"
	"github.com/dropDatabas3/discover/internal/discover"
)

type fixture struct {
	barrier  *discover.Barrier
	mandates *discover.Mandates
}

func newFixture(t *testing.T, names ...string) fixture {
	t.Helper()
	b := discover.NewBarrier(nil, zap.NewNop())
	m := discover.NewMandates(b, discover.DuplicateMerge, 0, zap.NewNop())
	for _, n := range names {
		require.NoError(t, m.Declare(n))
	}
	b.Arm()
	return fixture{barrier: b, mandates: m}
}

func queueAd() advert.Advertisement {
	return advert.New("service.queue", map[string]any{
		"config": map[string]any{"host": "127.0.0.1", "port": 6379},
	})
}

func TestBroker_DeclaresExchangesThenFulfills(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, DefaultBrokerMandate)
	mem := broker.NewMemory(zap.NewNop())

	var created atomic.Int32
	s := New(ctx, fx.mandates, Options{
		NewBroker: StaticBroker(mem),
		OnCreate:  func(broker.Delivery) { created.Add(1) },
		Logger:    zap.NewNop(),
	})
	t.Cleanup(func() { _ = s.Close() })

	s.Broker()(queueAd())
	require.Eventually(t, func() bool { return fx.barrier.State() == discover.Ready }, time.Second, time.Millisecond)

	require.NotNil(t, s.Register())
	require.Equal(t, broker.Durable, s.Register().Kind())
	require.Equal(t, broker.Volatile, s.Create().Kind())

	id, err := s.Register().Publish(ctx, map[string]string{"email": "a@x"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.Create().Publish(ctx, map[string]string{"item": "x"})
	require.NoError(t, err)
	require.Equal(t, int32(1), created.Load())
}

func TestBroker_SecondAdvertisementIgnored(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, DefaultBrokerMandate)
	var calls atomic.Int32
	mem := broker.NewMemory(zap.NewNop())
	s := New(ctx, fx.mandates, Options{
		NewBroker: func(context.Context, advert.Advertisement) (broker.Broker, error) {
			calls.Add(1)
			return mem, nil
		},
		Logger: zap.NewNop(),
	})
	t.Cleanup(func() { _ = s.Close() })

	cb := s.Broker()
	cb(queueAd())
	require.Eventually(t, func() bool { return s.Register() != nil }, time.Second, time.Millisecond)
	cb(queueAd())
	require.NoError(t, s.Close())
	require.Equal(t, int32(1), calls.Load())
}

func TestBroker_FactoryFailureAllowsRetry(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, DefaultBrokerMandate)
	mem := broker.NewMemory(zap.NewNop())
	var fail atomic.Bool
	fail.Store(true)
	s := New(ctx, fx.mandates, Options{
		NewBroker: func(context.Context, advert.Advertisement) (broker.Broker, error) {
			if fail.Load() {
				return nil, errors.New("queue unreachable")
			}
			return mem, nil
		},
		Logger: zap.NewNop(),
	})
	t.Cleanup(func() { _ = s.Close() })

	cb := s.Broker()
	cb(queueAd())
	s.wg.Wait()
	require.Equal(t, discover.Pending, fx.barrier.State())

	fail.Store(false)
	cb(queueAd())
	require.Eventually(t, func() bool { return fx.barrier.State() == discover.Ready }, time.Second, time.Millisecond)
}

func TestBroker_KindMismatchLeavesMandatePending(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, DefaultBrokerMandate)
	mem := broker.NewMemory(zap.NewNop())
	_, err := mem.Declare(ctx, broker.ExchangeServiceRegister, broker.Volatile)
	require.NoError(t, err)

	s := New(ctx, fx.mandates, Options{NewBroker: StaticBroker(mem), Logger: zap.NewNop()})
	s.Broker()(queueAd())
	s.wg.Wait()
	require.Equal(t, discover.Pending, fx.barrier.State())
	require.Nil(t, s.Register())
}

// flakyBroker falla la primera declaración de service-register.
type flakyBroker struct {
	broker.Broker
	failed atomic.Bool
}

func (f *flakyBroker) Declare(ctx context.Context, name string, kind broker.Kind) (broker.Exchange, error) {
	if name == broker.ExchangeServiceRegister && f.failed.CompareAndSwap(false, true) {
		return nil, errors.New("register declare refused")
	}
	return f.Broker.Declare(ctx, name, kind)
}

func TestBroker_StaticBrokerSurvivesFailedSetup(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, DefaultBrokerMandate)
	mem := broker.NewMemory(zap.NewNop())
	t.Cleanup(func() { _ = mem.Close() })
	flaky := &flakyBroker{Broker: mem}

	s := New(ctx, fx.mandates, Options{NewBroker: StaticBroker(flaky), Logger: zap.NewNop()})
	cb := s.Broker()
	cb(queueAd())
	s.wg.Wait()
	require.Equal(t, discover.Pending, fx.barrier.State())
	require.Nil(t, s.Register())

	_, err := mem.Declare(ctx, "other", broker.Volatile)
	require.NoError(t, err)

	cb(queueAd())
	require.Eventually(t, func() bool { return fx.barrier.State() == discover.Ready }, time.Second, time.Millisecond)
	require.NotNil(t, s.Register())

	require.NoError(t, s.Close())
	_, err = mem.Declare(ctx, "after-close", broker.Volatile)
	require.NoError(t, err)
}

func TestBroker_UndeclaredMandate(t *testing.T) {
	fx := newFixture(t)
	called := false
	s := New(context.Background(), fx.mandates, Options{
		NewBroker: func(context.Context, advert.Advertisement) (broker.Broker, error) {
			called = true
			return nil, nil
		},
		Logger: zap.NewNop(),
	})
	s.Broker()(queueAd())
	s.wg.Wait()
	require.False(t, called)
}

func TestRedisConfigFrom(t *testing.T) {
	cfg, err := RedisConfigFrom(advert.New("service.data.redis", map[string]any{
		"config": map[string]any{"host": "db", "port": float64(6380), "auth": "s3cret", "db": 2},
	}))
	require.NoError(t, err)
	require.Equal(t, "db:6380", cfg.Addr())
	require.Equal(t, "s3cret", cfg.Auth)
	require.Equal(t, 2, cfg.DB)

	_, err = RedisConfigFrom(advert.New("service.data.redis", map[string]any{"config": map[string]any{"host": "db"}}))
	require.ErrorIs(t, err, ErrMissingConfig)
	_, err = RedisConfigFrom(advert.New("service.data.redis", nil))
	require.ErrorIs(t, err, ErrMissingConfig)
}

func TestRedis_UnreachableLeavesMandatePending(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fx := newFixture(t, DefaultRedisMandate)
	s := New(ctx, fx.mandates, Options{Logger: zap.NewNop()})

	s.Redis()(advert.New("service.data.redis", map[string]any{
		"config": map[string]any{"host": "127.0.0.1", "port": 1},
	}))
	s.wg.Wait()
	require.Equal(t, discover.Pending, fx.barrier.State())
	require.Nil(t, s.RedisClient())
	require.NoError(t, s.Close())
}

func TestRedis_FulfillsOnPong(t *testing.T) {
	host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT")
	if host == "" || port == "" {
		t.Skip("REDIS_HOST/REDIS_PORT not set")
	}
	fx := newFixture(t, DefaultRedisMandate)
	s := New(context.Background(), fx.mandates, Options{Logger: zap.NewNop()})
	t.Cleanup(func() { _ = s.Close() })

	s.Redis()(advert.New("service.data.redis", map[string]any{
		"config": map[string]any{"host": host, "port": port},
	}))
	require.Eventually(t, func() bool { return fx.barrier.State() == discover.Ready }, 3*time.Second, 10*time.Millisecond)
	require.NotNil(t, s.RedisClient())
}
