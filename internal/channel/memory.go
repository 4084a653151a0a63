package channel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrHubDown simula un broker caído en el Hub en memoria.
var ErrHubDown = errors.New("channel: memory hub is down")

// Hub es un broker de fanout en proceso. Varios MemoryTransport conectados al
// mismo Hub se ven entre sí, igual que procesos conectados al mismo redis.
//
// La entrega es sincrónica: Publish retorna después de invocar a todos los
// suscriptores del topic.
type Hub struct {
	mu       sync.Mutex
	clock    clock.Clock
	down     bool
	next     uint64
	subs     map[string]map[uint64]func([]byte)
	retained map[string]map[string]retainedEntry
}

type retainedEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewHub crea un Hub vacío. Un clock nil usa el reloj real.
func NewHub(c clock.Clock) *Hub {
	if c == nil {
		c = clock.New()
	}
	return &Hub{
		clock:    c,
		subs:     make(map[string]map[uint64]func([]byte)),
		retained: make(map[string]map[string]retainedEntry),
	}
}

// SetDown simula una caída (true) o recuperación (false) del broker.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	h.mu.Unlock()
}

func (h *Hub) isDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.down
}

func (h *Hub) publish(topic string, payload []byte) error {
	h.mu.Lock()
	if h.down {
		h.mu.Unlock()
		return ErrHubDown
	}
	ids := make([]uint64, 0, len(h.subs[topic]))
	for id := range h.subs[topic] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func([]byte), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.subs[topic][id])
	}
	h.mu.Unlock()

	for _, fn := range fns {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		fn(cp)
	}
	return nil
}

func (h *Hub) subscribe(topic string, fn func([]byte)) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[uint64]func([]byte))
	}
	h.subs[topic][h.next] = fn
	return h.next
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[topic], id)
}

func (h *Hub) retain(topic, key string, payload []byte, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return ErrHubDown
	}
	if h.retained[topic] == nil {
		h.retained[topic] = make(map[string]retainedEntry)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	h.retained[topic][key] = retainedEntry{payload: cp, expiresAt: h.clock.Now().Add(ttl)}
	return nil
}

func (h *Hub) retainedFor(topic string) ([][]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, ErrHubDown
	}
	now := h.clock.Now()
	keys := make([]string, 0, len(h.retained[topic]))
	for k, e := range h.retained[topic] {
		if now.After(e.expiresAt) {
			delete(h.retained[topic], k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, h.retained[topic][k].payload)
	}
	return out, nil
}

// MemoryTransport implementa Transport sobre un Hub.
// Útil para tests y para varios coordinadores dentro del mismo proceso.
type MemoryTransport struct {
	hub *Hub

	mu     sync.Mutex
	closed bool
	subs   map[uint64]string
}

// NewMemoryTransport crea un transporte conectado al hub.
func NewMemoryTransport(hub *Hub) *MemoryTransport {
	return &MemoryTransport{hub: hub, subs: make(map[uint64]string)}
}

func (m *MemoryTransport) Dial(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.isClosed() {
		return ErrClosed
	}
	if m.hub.isDown() {
		return ErrHubDown
	}
	return nil
}

func (m *MemoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.hub.publish(topic, payload)
}

func (m *MemoryTransport) Subscribe(ctx context.Context, topic string, deliver func([]byte)) (func() error, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	id := m.hub.subscribe(topic, deliver)
	m.mu.Lock()
	m.subs[id] = topic
	m.mu.Unlock()

	var once sync.Once
	return func() error {
		once.Do(func() {
			m.hub.unsubscribe(topic, id)
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
		return nil
	}, nil
}

func (m *MemoryTransport) Retain(ctx context.Context, topic, key string, payload []byte, ttl time.Duration) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.hub.retain(topic, key, payload, ttl)
}

func (m *MemoryTransport) Retained(ctx context.Context, topic string) ([][]byte, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.hub.retainedFor(topic)
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()

	for id, topic := range subs {
		m.hub.unsubscribe(topic, id)
	}
	return nil
}

func (m *MemoryTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
