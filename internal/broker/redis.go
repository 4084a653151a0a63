package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/observability/logger"
)

const (
	envelopeField   = "envelope"
	defaultMaxLen   = 10000
	defaultReadWait = time.Second
)

// RedisOptions configura el broker sobre redis.
type RedisOptions struct {
	// Prefix se antepone a toda key/canal. Ej: "discover:".
	Prefix string
	// MaxLen acota (aprox.) cada stream durable. 0 usa 10000; negativo sin límite.
	MaxLen int64
	// ReadBlock es el BLOCK de XREAD. 0 usa 1s.
	ReadBlock time.Duration
	Logger    *zap.Logger
}

// Redis implementa Broker:
//   - volátil: PUBLISH/SUBSCRIBE en <prefix>x:<name>
//   - durable: stream <prefix>x:<name> (XADD confirma con el id de entrada, XREAD consume)
//   - declaraciones: hash <prefix>exchanges (name -> kind)
type Redis struct {
	client *redis.Client
	opts   RedisOptions
	log    *zap.Logger

	mu        sync.Mutex
	closed    bool
	exchanges map[string]*redisExchange
	cancels   map[uint64]func() error
	nextSub   uint64
	wg        sync.WaitGroup
}

// NewRedis crea el broker. El cliente pertenece al composition root.
func NewRedis(client *redis.Client, opts RedisOptions) *Redis {
	if opts.MaxLen == 0 {
		opts.MaxLen = defaultMaxLen
	}
	if opts.ReadBlock <= 0 {
		opts.ReadBlock = defaultReadWait
	}
	return &Redis{
		client:    client,
		opts:      opts,
		log:       logger.OrNamed(opts.Logger, "broker"),
		exchanges: make(map[string]*redisExchange),
		cancels:   make(map[uint64]func() error),
	}
}

func (r *Redis) registryKey() string { return r.opts.Prefix + "exchanges" }

func (r *Redis) Declare(ctx context.Context, name string, kind Kind) (Exchange, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	// HSETNX: el primero que declara fija el kind.
	if _, err := r.client.HSetNX(ctx, r.registryKey(), name, string(kind)).Result(); err != nil {
		return nil, fmt.Errorf("broker: declare %s: %w", name, err)
	}
	existing, err := r.client.HGet(ctx, r.registryKey(), name).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: declare %s: %w", name, err)
	}
	if Kind(existing) != kind {
		return nil, fmt.Errorf("%w: %s is %s", ErrKindMismatch, name, existing)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.exchanges[name]
	if !ok {
		ex = &redisExchange{broker: r, name: name, kind: kind}
		r.exchanges[name] = ex
	}
	r.log.Debug("exchange declared", logger.String("exchange", name), logger.String("kind", string(kind)))
	return ex, nil
}

func (r *Redis) Exchange(name string) (Exchange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDeclared, name)
	}
	return ex, nil
}

// Close corta todas las suscripciones activas. No cierra el cliente.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancels := r.cancels
	r.cancels = make(map[uint64]func() error)
	r.mu.Unlock()

	var err error
	for _, c := range cancels {
		err = multierr.Append(err, c())
	}
	r.wg.Wait()
	return err
}

// track registra cancel para Close. Retorna false si el broker ya cerró.
func (r *Redis) track(cancel func() error) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	id := r.nextSub
	r.nextSub++
	r.cancels[id] = cancel
	r.wg.Add(1)
	return id, true
}

func (r *Redis) untrack(id uint64) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

type redisExchange struct {
	broker *Redis
	name   string
	kind   Kind
}

func (e *redisExchange) Name() string { return e.name }
func (e *redisExchange) Kind() Kind   { return e.kind }

func (e *redisExchange) key() string { return e.broker.opts.Prefix + "x:" + e.name }

func (e *redisExchange) Publish(ctx context.Context, body any) (id string, err error) {
	defer func() { observePublish(e.name, err) }()
	env, err := NewEnvelope(body, modeFor(e.kind))
	if err != nil {
		return "", err
	}
	payload, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	c := e.broker.client

	if e.kind == Volatile {
		if err := c.Publish(ctx, e.key(), payload).Err(); err != nil {
			return "", fmt.Errorf("broker: publish %s: %w", e.name, err)
		}
		return "", nil
	}

	args := &redis.XAddArgs{
		Stream: e.key(),
		Values: map[string]any{envelopeField: payload},
	}
	if e.broker.opts.MaxLen > 0 {
		args.MaxLen = e.broker.opts.MaxLen
		args.Approx = true
	}
	id, err = c.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("broker: publish %s: %w", e.name, err)
	}
	return id, nil
}

func (e *redisExchange) Subscribe(ctx context.Context, h Handler) (func() error, error) {
	if e.kind == Volatile {
		return e.subscribePubSub(ctx, h)
	}
	return e.subscribeStream(ctx, h)
}

func (e *redisExchange) subscribePubSub(ctx context.Context, h Handler) (func() error, error) {
	ps := e.broker.client.Subscribe(ctx, e.key())
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("broker: subscribe %s: %w", e.name, err)
	}

	var once sync.Once
	var closeErr error
	cancel := func() error {
		once.Do(func() { closeErr = ps.Close() })
		return closeErr
	}
	id, ok := e.broker.track(cancel)
	if !ok {
		_ = ps.Close()
		return nil, ErrClosed
	}

	msgs := ps.Channel()
	go func() {
		defer e.broker.wg.Done()
		for msg := range msgs {
			env, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				e.broker.log.Warn("dropping malformed delivery", logger.String("exchange", e.name), logger.Err(err))
				continue
			}
			e.deliver(h, Delivery{Exchange: e.name, Envelope: env})
		}
	}()

	return func() error {
		e.broker.untrack(id)
		return cancel()
	}, nil
}

func (e *redisExchange) subscribeStream(ctx context.Context, h Handler) (func() error, error) {
	// Verifica conectividad antes de reportar éxito, igual que el SUBSCRIBE.
	if err := e.broker.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: subscribe %s: %w", e.name, err)
	}

	readCtx, stop := context.WithCancel(context.Background())
	cancel := func() error { stop(); return nil }
	id, ok := e.broker.track(cancel)
	if !ok {
		stop()
		return nil, ErrClosed
	}

	go func() {
		defer e.broker.wg.Done()
		e.readStream(readCtx, h)
	}()

	return func() error {
		e.broker.untrack(id)
		return cancel()
	}, nil
}

// readStream consume el stream desde el principio hasta que ctx se cancela.
func (e *redisExchange) readStream(ctx context.Context, h Handler) {
	last := "0"
	for ctx.Err() == nil {
		res, err := e.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{e.key(), last},
			Count:   100,
			Block:   e.broker.opts.ReadBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			e.broker.log.Warn("stream read failed", logger.String("exchange", e.name), logger.Err(err))
			select {
			case <-ctx.Done():
			case <-time.After(e.broker.opts.ReadBlock):
			}
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				last = msg.ID
				raw, _ := msg.Values[envelopeField].(string)
				env, err := decodeEnvelope([]byte(raw))
				if err != nil {
					e.broker.log.Warn("dropping malformed delivery",
						logger.String("exchange", e.name), logger.String("id", msg.ID), logger.Err(err))
					continue
				}
				e.deliver(h, Delivery{Exchange: e.name, ID: msg.ID, Envelope: env})
			}
		}
	}
}

func (e *redisExchange) deliver(h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			e.broker.log.Error("delivery handler panicked",
				logger.String("exchange", e.name), logger.Any("panic", r))
		}
	}()
	h(d)
}
