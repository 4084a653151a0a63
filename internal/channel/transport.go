package channel

import (
	"context"
	"fmt"
	"time"
)

// Transport es el medio de broadcast sobre el que viaja el Channel.
// Trabaja con payloads crudos; el Channel se encarga del codec.
type Transport interface {
	// Dial establece la conexión. Puede fallar; el Channel reintenta con backoff.
	Dial(ctx context.Context) error

	// Publish envía el payload a todos los suscriptores del topic (fanout).
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registra deliver para cada mensaje del topic. Retorna una
	// función que cancela la suscripción.
	Subscribe(ctx context.Context, topic string, deliver func([]byte)) (cancel func() error, err error)

	// Retain guarda el último payload de key en el topic con un TTL, para que
	// suscriptores tardíos puedan recuperarlo.
	Retain(ctx context.Context, topic, key string, payload []byte, ttl time.Duration) error

	// Retained retorna los payloads retenidos (no vencidos) del topic.
	Retained(ctx context.Context, topic string) ([][]byte, error)

	// Close libera los recursos propios del transporte. Los clientes inyectados
	// (ej: *redis.Client) pertenecen al composition root y no se cierran acá.
	Close() error
}

// TransportError envuelve una falla de conexión/broker. Es recuperable:
// se loguea y se reintenta.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("channel: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
