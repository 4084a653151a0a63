package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/observability/logger"
)

// Memory es un Broker en proceso. Las entregas son síncronas; lo usan los
// tests y el modo transport=memory.
type Memory struct {
	log *zap.Logger

	mu        sync.Mutex
	closed    bool
	exchanges map[string]*memExchange
}

// NewMemory crea un broker vacío.
func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		log:       logger.OrNamed(log, "broker"),
		exchanges: make(map[string]*memExchange),
	}
}

func (m *Memory) Declare(ctx context.Context, name string, kind Kind) (Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if ex, ok := m.exchanges[name]; ok {
		if ex.kind != kind {
			return nil, fmt.Errorf("%w: %s is %s", ErrKindMismatch, name, ex.kind)
		}
		return ex, nil
	}
	ex := &memExchange{broker: m, name: name, kind: kind, subs: make(map[uint64]Handler)}
	m.exchanges[name] = ex
	m.log.Debug("exchange declared", logger.String("exchange", name), logger.String("kind", string(kind)))
	return ex, nil
}

func (m *Memory) Exchange(name string) (Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDeclared, name)
	}
	return ex, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type memExchange struct {
	broker *Memory
	name   string
	kind   Kind

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]Handler
	log    []Delivery // sólo durables
	seq    uint64
}

func (e *memExchange) Name() string { return e.name }
func (e *memExchange) Kind() Kind   { return e.kind }

func (e *memExchange) Publish(ctx context.Context, body any) (id string, err error) {
	defer func() { observePublish(e.name, err) }()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.broker.isClosed() {
		return "", ErrClosed
	}
	env, err := NewEnvelope(body, modeFor(e.kind))
	if err != nil {
		return "", err
	}
	d := Delivery{Exchange: e.name, Envelope: env}

	e.mu.Lock()
	if e.kind == Durable {
		e.seq++
		d.ID = fmt.Sprintf("%d-0", e.seq)
		e.log = append(e.log, d)
	}
	handlers := make([]Handler, 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		e.deliver(h, d)
	}
	return d.ID, nil
}

func (e *memExchange) Subscribe(ctx context.Context, h Handler) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.broker.isClosed() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	backlog := append([]Delivery(nil), e.log...)
	e.subs[id] = h
	e.mu.Unlock()

	for _, d := range backlog {
		e.deliver(h, d)
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
		return nil
	}, nil
}

func (e *memExchange) deliver(h Handler, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			e.broker.log.Error("delivery handler panicked",
				logger.String("exchange", e.name), logger.Any("panic", r))
		}
	}()
	h(d)
}
