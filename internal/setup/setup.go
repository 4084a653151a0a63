// Package setup arma los colaboradores que un servicio descubre por
// broadcast: cliente redis y exchanges del broker. Cada función retorna el
// callback que se pasa a Coordinator.Service; al terminar cumple el mandate
// correspondiente.
package setup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/broker"
	"github.com/dropDatabas3/discover/internal/latch"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

const (
	DefaultRedisMandate  = "redis"
	DefaultBrokerMandate = "configure.broker"
)

var ErrMissingConfig = errors.New("setup: advertisement has no usable config")

// Fulfiller es la parte del coordinador que necesita setup.
// *discover.Coordinator y *discover.Mandates lo implementan.
type Fulfiller interface {
	Fulfill(name string) (func(), error)
	FulfillAfter(name string, n int) (func(), error)
}

// BrokerFactory construye el broker a partir del anuncio del servicio de cola.
type BrokerFactory func(ctx context.Context, ad advert.Advertisement) (broker.Broker, error)

// Options configura Setup.
type Options struct {
	RedisMandate  string
	BrokerMandate string

	// NewBroker: default RedisBroker("").
	NewBroker BrokerFactory

	// OnCreate recibe las entregas del exchange service-create.
	OnCreate broker.Handler

	Logger *zap.Logger
}

// Setup guarda los colaboradores configurados. Cada colaborador se configura
// una sola vez: anuncios posteriores del mismo kind se ignoran.
type Setup struct {
	ctx  context.Context
	f    Fulfiller
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	redis     *redis.Client
	redisBusy bool
	brk       broker.Broker
	brkBusy   bool
	create    broker.Exchange
	register  broker.Exchange
	cancels   []func() error
	wg        sync.WaitGroup
}

// New crea el Setup. ctx acota las conexiones en background.
func New(ctx context.Context, f Fulfiller, opts Options) *Setup {
	if opts.RedisMandate == "" {
		opts.RedisMandate = DefaultRedisMandate
	}
	if opts.BrokerMandate == "" {
		opts.BrokerMandate = DefaultBrokerMandate
	}
	if opts.NewBroker == nil {
		opts.NewBroker = RedisBroker("")
	}
	return &Setup{ctx: ctx, f: f, opts: opts, log: logger.OrNamed(opts.Logger, "setup")}
}

// RedisConfig es el bloque "config" de un anuncio de redis.
type RedisConfig struct {
	Host string
	Port int
	Auth string
	DB   int
}

func (c RedisConfig) Addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

// RedisConfigFrom lee config.host/config.port/config.auth/config.db del anuncio.
func RedisConfigFrom(ad advert.Advertisement) (RedisConfig, error) {
	cfg := RedisConfig{
		Host: ad.StringAt("config", "host"),
		Auth: ad.StringAt("config", "auth"),
	}
	port, ok := ad.IntAt("config", "port")
	if cfg.Host == "" || !ok || port <= 0 {
		return RedisConfig{}, fmt.Errorf("%w: %s needs config.host and config.port", ErrMissingConfig, ad.Kind)
	}
	cfg.Port = port
	cfg.DB, _ = ad.IntAt("config", "db")
	return cfg, nil
}

// DialRedis crea el cliente y verifica la conexión (incluye AUTH).
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: cfg.Addr(), Password: cfg.Auth, DB: cfg.DB})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("setup: redis %s: %w", cfg.Addr(), err)
	}
	return c, nil
}

// RedisBroker construye un broker sobre el redis que anuncia el servicio de cola.
func RedisBroker(prefix string) BrokerFactory {
	return func(ctx context.Context, ad advert.Advertisement) (broker.Broker, error) {
		cfg, err := RedisConfigFrom(ad)
		if err != nil {
			return nil, err
		}
		c, err := DialRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &ownedBroker{Broker: broker.NewRedis(c, broker.RedisOptions{Prefix: prefix}), client: c}, nil
	}
}

// ownedBroker cierra también el cliente que creó la factory.
type ownedBroker struct {
	broker.Broker
	client *redis.Client
}

func (b *ownedBroker) Close() error {
	return multierr.Append(b.Broker.Close(), b.client.Close())
}

// StaticBroker usa siempre el mismo broker (modo memoria, tests). El broker
// sigue siendo del caller: Setup nunca lo cierra, ni al fallar ni en Close.
func StaticBroker(b broker.Broker) BrokerFactory {
	return func(context.Context, advert.Advertisement) (broker.Broker, error) { return sharedBroker{b}, nil }
}

type sharedBroker struct {
	broker.Broker
}

func (sharedBroker) Close() error { return nil }

// Redis retorna el callback para el servicio de datos redis. Conecta en
// background y cumple el mandate al recibir el PONG.
func (s *Setup) Redis() func(advert.Advertisement) {
	return func(ad advert.Advertisement) {
		s.mu.Lock()
		if s.redis != nil || s.redisBusy {
			s.mu.Unlock()
			return
		}
		s.redisBusy = true
		s.mu.Unlock()

		cfg, err := RedisConfigFrom(ad)
		if err != nil {
			s.log.Error("redis advertisement unusable", logger.PeerID(ad.ID), logger.Err(err))
			s.release(&s.redisBusy)
			return
		}
		done, err := s.f.Fulfill(s.opts.RedisMandate)
		if err != nil {
			s.log.Error("redis mandate not declared", logger.Mandate(s.opts.RedisMandate), logger.Err(err))
			s.release(&s.redisBusy)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c, err := DialRedis(s.ctx, cfg)
			if err != nil {
				s.log.Error("redis connect failed", logger.PeerID(ad.ID), logger.Err(err))
				s.release(&s.redisBusy)
				return
			}
			s.mu.Lock()
			s.redis = c
			s.redisBusy = false
			s.mu.Unlock()
			s.log.Info("redis configured", logger.String("addr", cfg.Addr()))
			done()
		}()
	}
}

// Broker retorna el callback para el servicio de cola. Declara service-create
// (volátil) y se suscribe a él, declara service-register (durable), y cumple
// el mandate cuando ambos exchanges quedaron listos.
func (s *Setup) Broker() func(advert.Advertisement) {
	return func(ad advert.Advertisement) {
		s.mu.Lock()
		if s.brk != nil || s.brkBusy {
			s.mu.Unlock()
			return
		}
		s.brkBusy = true
		s.mu.Unlock()

		done, err := s.f.FulfillAfter(s.opts.BrokerMandate, 2)
		if err != nil {
			s.log.Error("broker mandate not declared", logger.Mandate(s.opts.BrokerMandate), logger.Err(err))
			s.release(&s.brkBusy)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.configureBroker(ad, done); err != nil {
				s.log.Error("broker setup failed", logger.PeerID(ad.ID), logger.Err(err))
				s.release(&s.brkBusy)
			}
		}()
	}
}

func (s *Setup) configureBroker(ad advert.Advertisement, done func()) error {
	b, err := s.opts.NewBroker(s.ctx, ad)
	if err != nil {
		return err
	}

	// service-create cuenta como listo cuando está declarado y suscripto.
	next, _ := latch.After(2, done)

	create, err := b.Declare(s.ctx, broker.ExchangeServiceCreate, broker.Volatile)
	if err != nil {
		return multierr.Append(err, b.Close())
	}
	next()

	var cancel func() error
	if s.opts.OnCreate != nil {
		cancel, err = create.Subscribe(s.ctx, s.opts.OnCreate)
		if err != nil {
			return multierr.Append(err, b.Close())
		}
	}
	next()

	register, err := b.Declare(s.ctx, broker.ExchangeServiceRegister, broker.Durable)
	if err != nil {
		if cancel != nil {
			err = multierr.Append(err, cancel())
		}
		return multierr.Append(err, b.Close())
	}

	s.mu.Lock()
	s.brk = b
	s.brkBusy = false
	s.create = create
	s.register = register
	if cancel != nil {
		s.cancels = append(s.cancels, cancel)
	}
	s.mu.Unlock()

	s.log.Info("broker configured", logger.PeerID(ad.ID))
	done()
	return nil
}

func (s *Setup) release(flag *bool) {
	s.mu.Lock()
	*flag = false
	s.mu.Unlock()
}

// RedisClient retorna el cliente configurado, o nil.
func (s *Setup) RedisClient() *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redis
}

// Register retorna el exchange durable service-register, o nil.
func (s *Setup) Register() broker.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.register
}

// Create retorna el exchange volátil service-create, o nil.
func (s *Setup) Create() broker.Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.create
}

// Close espera las conexiones en curso y libera todo lo configurado.
func (s *Setup) Close() error {
	s.wg.Wait()
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	b, c := s.brk, s.redis
	s.brk, s.redis = nil, nil
	s.mu.Unlock()

	var err error
	for _, cancel := range cancels {
		err = multierr.Append(err, cancel())
	}
	if b != nil {
		err = multierr.Append(err, b.Close())
	}
	if c != nil {
		err = multierr.Append(err, c.Close())
	}
	return err
}
