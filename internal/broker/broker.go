// Package broker modela los exchanges fanout que los servicios usan una vez
// descubiertos: uno volátil (service-create) y uno durable con confirmación
// de publicación (service-register). Los mensajes viajan en un Envelope JSON.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dropDatabas3/discover/internal/metrics"
)

const (
	// ExchangeServiceCreate: stream de entrada, volátil.
	ExchangeServiceCreate = "service-create"
	// ExchangeServiceRegister: registraciones salientes, durable + confirm.
	ExchangeServiceRegister = "service-register"

	ContentTypeJSON = "application/json"
	EncodingUTF8    = "utf-8"
)

var (
	ErrKindMismatch    = errors.New("broker: exchange already declared with another kind")
	ErrNotDeclared     = errors.New("broker: exchange not declared")
	ErrClosed          = errors.New("broker: closed")
	ErrInvalidEnvelope = errors.New("broker: invalid envelope")
)

// Kind es el tipo de exchange.
type Kind string

const (
	Volatile Kind = "volatile"
	Durable  Kind = "durable"
)

// ParseKind acepta "volatile"/"durable" (también "fanout" como volatile).
func ParseKind(s string) (Kind, error) {
	switch s {
	case "volatile", "fanout", "":
		return Volatile, nil
	case "durable":
		return Durable, nil
	}
	return "", fmt.Errorf("broker: unknown exchange kind %q", s)
}

// DeliveryMode sigue la convención AMQP: 1 transient, 2 persistent.
type DeliveryMode uint8

const (
	Transient  DeliveryMode = 1
	Persistent DeliveryMode = 2
)

// Envelope es lo que viaja por el broker.
type Envelope struct {
	ContentType     string          `json:"contentType"`
	ContentEncoding string          `json:"contentEncoding"`
	DeliveryMode    DeliveryMode    `json:"deliveryMode"`
	Body            json.RawMessage `json:"body"`
}

// NewEnvelope serializa v como body JSON.
func NewEnvelope(v any, mode DeliveryMode) (Envelope, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("broker: marshal body: %w", err)
	}
	return Envelope{
		ContentType:     ContentTypeJSON,
		ContentEncoding: EncodingUTF8,
		DeliveryMode:    mode,
		Body:            body,
	}, nil
}

// Decode deserializa el body en v.
func (e Envelope) Decode(v any) error {
	if e.ContentType != ContentTypeJSON {
		return fmt.Errorf("%w: content type %q", ErrInvalidEnvelope, e.ContentType)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

func encodeEnvelope(e Envelope) ([]byte, error) { return json.Marshal(e) }

func decodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(e.Body) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty body", ErrInvalidEnvelope)
	}
	return e, nil
}

// Delivery es un mensaje entregado a un suscriptor.
type Delivery struct {
	Exchange string
	// ID: id de entrada en exchanges durables; vacío en volátiles.
	ID       string
	Envelope Envelope
}

// Handler procesa una entrega. Corre en la goroutine del suscriptor.
type Handler func(Delivery)

// Exchange es un exchange fanout declarado.
type Exchange interface {
	Name() string
	Kind() Kind
	// Publish entrega body a todos los suscriptores. En exchanges durables el
	// retorno es la confirmación (id de entrada); en volátiles es "".
	Publish(ctx context.Context, body any) (string, error)
	// Subscribe registra h. Un exchange durable re-entrega todo lo persistido
	// antes de seguir con lo nuevo; uno volátil sólo lo nuevo.
	Subscribe(ctx context.Context, h Handler) (cancel func() error, err error)
}

// Broker declara exchanges.
type Broker interface {
	// Declare crea el exchange si no existe. Re-declarar con el mismo kind es
	// idempotente; con otro kind retorna ErrKindMismatch.
	Declare(ctx context.Context, name string, kind Kind) (Exchange, error)
	Exchange(name string) (Exchange, error)
	Close() error
}

func modeFor(k Kind) DeliveryMode {
	if k == Durable {
		return Persistent
	}
	return Transient
}

func observePublish(exchange string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.BrokerPublished.WithLabelValues(exchange, result).Inc()
}
