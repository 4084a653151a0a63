package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
)

// RedisTransport implementa Transport sobre redis:
//   - fanout: PUBLISH/SUBSCRIBE (sin persistencia, cada suscriptor recibe todo)
//   - retenidos: SET <prefix><topic>:ad:<key> con TTL + SCAN/MGET
type RedisTransport struct {
	client *redis.Client
	prefix string

	mu      sync.Mutex
	pubsubs map[*redis.PubSub]struct{}
}

// NewRedisTransport crea el transporte. El cliente lo maneja el composition root.
func NewRedisTransport(client *redis.Client, prefix string) *RedisTransport {
	return &RedisTransport{
		client:  client,
		prefix:  prefix,
		pubsubs: make(map[*redis.PubSub]struct{}),
	}
}

func (r *RedisTransport) channel(topic string) string {
	return r.prefix + topic
}

func (r *RedisTransport) retainKey(topic, key string) string {
	return r.prefix + topic + ":ad:" + key
}

func (r *RedisTransport) Dial(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, r.channel(topic), payload).Err()
}

func (r *RedisTransport) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func() error, error) {
	ps := r.client.Subscribe(ctx, r.channel(topic))
	// Esperar la confirmación del SUBSCRIBE antes de reportar éxito.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	r.mu.Lock()
	r.pubsubs[ps] = struct{}{}
	r.mu.Unlock()

	msgs := ps.Channel()
	go func() {
		for msg := range msgs {
			deliver([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			r.mu.Lock()
			delete(r.pubsubs, ps)
			r.mu.Unlock()
			err = ps.Close()
		})
		return err
	}, nil
}

func (r *RedisTransport) Retain(ctx context.Context, topic, key string, payload []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.retainKey(topic, key), payload, ttl).Err()
}

func (r *RedisTransport) Retained(ctx context.Context, topic string) ([][]byte, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.retainKey(topic, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		// Keys que vencieron entre SCAN y MGET vuelven nil.
		if s, ok := v.(string); ok {
			out = append(out, []byte(s))
		}
	}
	return out, nil
}

func (r *RedisTransport) Close() error {
	r.mu.Lock()
	pss := r.pubsubs
	r.pubsubs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	var err error
	for ps := range pss {
		err = multierr.Append(err, ps.Close())
	}
	return err
}
