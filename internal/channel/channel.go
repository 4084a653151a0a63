// Package channel implementa el Advertisement Channel: publica el anuncio de
// este proceso a todos los peers y entrega los anuncios de los peers a los
// suscriptores locales.
//
// Políticas:
//   - Publish antes de conectar no falla: el último anuncio queda en buffer y se
//     envía cuando abre la barrera de conexión (Connected()).
//   - Los duplicados por peer (re-anuncios) se entregan; filtrarlos es problema
//     de quien consume.
//   - Los ecos del propio anuncio (mismo ID) no se entregan.
//   - Un payload malformado se descarta y se loguea; el loop nunca muere.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/metrics"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

// DefaultTopic es el topic de anuncios si no se configura otro.
const DefaultTopic = "discover.advertise"

// ErrClosed se retorna al operar sobre un Channel (o transporte) cerrado.
var ErrClosed = errors.New("channel: closed")

// Handler recibe cada anuncio de peer entregado. Recibe una copia propia.
type Handler func(advert.Advertisement)

// Options configura el Channel. Los ceros toman defaults.
type Options struct {
	Topic string

	// RetainTTL es el TTL del anuncio retenido. Default 30s. Negativo lo desactiva.
	RetainTTL time.Duration

	// Heartbeat es cada cuánto se re-publica el propio anuncio. Default 10s.
	// Negativo lo desactiva.
	Heartbeat time.Duration

	// PublishTimeout acota cada publish del heartbeat. Default 5s.
	PublishTimeout time.Duration

	// ConnectBackOff controla los reintentos de Dial. Default: exponencial.
	ConnectBackOff backoff.BackOff

	// MaxConnectElapsed corta los reintentos de Dial. 0 reintenta sin límite
	// hasta que se cancele el ctx.
	MaxConnectElapsed time.Duration

	Clock  clock.Clock
	Logger *zap.Logger
}

func (o *Options) withDefaults() {
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.RetainTTL == 0 {
		o.RetainTTL = 30 * time.Second
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	o.Logger = logger.OrNamed(o.Logger, "channel")
}

// Channel es el Advertisement Channel.
type Channel struct {
	t    Transport
	opts Options
	log  *zap.Logger

	connected chan struct{}

	// ctx vive hasta Close; es el contexto de la suscripción al transporte.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	state       connState
	self        *advert.Advertisement
	subs        map[uint64]Handler
	nextSub     uint64
	unsubscribe func() error
}

type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

// New crea un Channel sobre el transporte dado. No conecta: ver Connect.
func New(t Transport, opts Options) *Channel {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		t:         t,
		opts:      opts,
		log:       opts.Logger.With(logger.Topic(opts.Topic)),
		connected: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[uint64]Handler),
	}
}

// Topic retorna el topic de anuncios.
func (c *Channel) Topic() string { return c.opts.Topic }

// Connected se cierra cuando el transporte quedó conectado y suscripto.
func (c *Channel) Connected() <-chan struct{} { return c.connected }

// IsConnected reporta si la barrera de conexión ya abrió.
func (c *Channel) IsConnected() bool {
	select {
	case <-c.connected:
		return true
	default:
		return false
	}
}

// Connect conecta el transporte reintentando con backoff, se suscribe al topic,
// reproduce los anuncios retenidos, envía el anuncio en buffer y arranca el
// heartbeat. Bloquea hasta conectar, agotar reintentos o cancelar ctx.
// Llamarlo con el Channel ya conectado no hace nada.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateConnected, stateConnecting:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = stateConnecting
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		c.setState(stateIdle)
		return err
	}

	unsubscribe, err := c.t.Subscribe(c.ctx, c.opts.Topic, c.deliver)
	if err != nil {
		c.setState(stateIdle)
		return &TransportError{Op: "subscribe", Err: err}
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		_ = unsubscribe()
		return ErrClosed
	}
	c.unsubscribe = unsubscribe
	c.state = stateConnected
	self := c.self
	if c.opts.Heartbeat > 0 {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	close(c.connected)
	c.log.Info("transport connected")

	c.replayRetained(ctx, nil)

	if self != nil {
		if err := c.publishNow(ctx, *self); err != nil {
			// El heartbeat lo reintenta.
			c.log.Warn("flush of buffered advertisement failed", logger.Err(err))
		}
	}

	if c.opts.Heartbeat > 0 {
		go c.heartbeat()
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	b := c.opts.ConnectBackOff
	if b == nil {
		b = backoff.NewExponentialBackOff()
	}
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		metrics.ConnectAttempts.Inc()
		if err := c.t.Dial(ctx); err != nil {
			return struct{}{}, &TransportError{Op: "dial", Err: err}
		}
		return struct{}{}, nil
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("transport dial failed, retrying",
				logger.Err(err),
				logger.Attempt(attempt),
				logger.Duration(next),
			)
		}),
	}
	// backoff aplica 15m si no se pasa nada; 0 lo desactiva.
	opts = append(opts, backoff.WithMaxElapsedTime(c.opts.MaxConnectElapsed))
	_, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		c.log.Error("transport dial gave up", logger.Err(err), logger.Attempt(attempt))
		return err
	}
	return nil
}

func (c *Channel) setState(s connState) {
	c.mu.Lock()
	if c.state != stateClosed {
		c.state = s
	}
	c.mu.Unlock()
}

// Publish guarda ad como el anuncio actual de este proceso y lo difunde.
// Antes de conectar solo lo deja en buffer (último gana) y retorna nil.
// Los errores de transporte se retornan como *TransportError; el heartbeat
// reintenta igual.
func (c *Channel) Publish(ctx context.Context, ad advert.Advertisement) error {
	if err := ad.Validate(); err != nil {
		return err
	}
	cp := ad.Clone()

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.self = &cp
	connected := c.state == stateConnected
	c.mu.Unlock()

	if !connected {
		c.log.Debug("advertisement buffered until connected", logger.Kind(ad.Kind))
		return nil
	}
	return c.publishNow(ctx, cp)
}

func (c *Channel) publishNow(ctx context.Context, ad advert.Advertisement) error {
	payload, err := advert.Encode(ad)
	if err != nil {
		return err
	}
	if err := c.t.Publish(ctx, c.opts.Topic, payload); err != nil {
		metrics.PublishFailures.Inc()
		return &TransportError{Op: "publish", Err: err}
	}
	if c.opts.RetainTTL > 0 && ad.ID != "" {
		if err := c.t.Retain(ctx, c.opts.Topic, ad.ID, payload, c.opts.RetainTTL); err != nil {
			metrics.PublishFailures.Inc()
			return &TransportError{Op: "retain", Err: err}
		}
	}
	c.log.Debug("advertisement published", logger.Kind(ad.Kind), logger.Ready(ad.Ready))
	return nil
}

// Subscribe registra h para cada anuncio de peer. Si el Channel ya está
// conectado, h recibe además los anuncios retenidos.
func (c *Channel) Subscribe(h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("channel: nil handler")
	}
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextSub++
	id := c.nextSub
	c.subs[id] = h
	connected := c.state == stateConnected
	if connected {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	sub := &Subscription{ch: c, id: id}
	if connected {
		go func() {
			defer c.wg.Done()
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.PublishTimeout)
			defer cancel()
			c.replayRetained(ctx, &id)
		}()
	}
	return sub, nil
}

// Subscription es el handle cancelable de Subscribe.
type Subscription struct {
	ch   *Channel
	id   uint64
	once sync.Once
}

// Cancel deja de entregar anuncios al handler. Idempotente.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.ch.mu.Lock()
		delete(s.ch.subs, s.id)
		s.ch.mu.Unlock()
	})
}

func (c *Channel) replayRetained(ctx context.Context, only *uint64) {
	if c.opts.RetainTTL <= 0 {
		return
	}
	payloads, err := c.t.Retained(ctx, c.opts.Topic)
	if err != nil {
		c.log.Warn("retained advertisements unavailable", logger.Err(&TransportError{Op: "retained", Err: err}))
		return
	}
	for _, p := range payloads {
		c.dispatch(p, only)
	}
}

// deliver es el callback del transporte.
func (c *Channel) deliver(payload []byte) {
	c.dispatch(payload, nil)
}

func (c *Channel) dispatch(payload []byte, only *uint64) {
	ad, err := advert.Decode(payload)
	if err != nil {
		metrics.AdvertisementsDropped.WithLabelValues("malformed").Inc()
		c.log.Warn("dropping malformed advertisement", logger.Err(err), logger.Int("bytes", len(payload)))
		return
	}

	c.mu.Lock()
	if c.self != nil && ad.ID != "" && ad.ID == c.self.ID {
		c.mu.Unlock()
		return
	}
	var handlers []Handler
	if only != nil {
		if h, ok := c.subs[*only]; ok {
			handlers = append(handlers, h)
		}
	} else {
		for id := uint64(1); id <= c.nextSub; id++ {
			if h, ok := c.subs[id]; ok {
				handlers = append(handlers, h)
			}
		}
	}
	c.mu.Unlock()

	metrics.AdvertisementsReceived.WithLabelValues(ad.Kind).Inc()
	for _, h := range handlers {
		c.invoke(h, ad.Clone())
	}
}

func (c *Channel) invoke(h Handler, ad advert.Advertisement) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.AdvertisementsDropped.WithLabelValues("panic").Inc()
			c.log.Error("panic recovered in advertisement handler",
				logger.Kind(ad.Kind),
				logger.PeerID(ad.ID),
				logger.Any("panic", rec),
			)
		}
	}()
	h(ad)
}

func (c *Channel) heartbeat() {
	defer c.wg.Done()
	ticker := c.opts.Clock.Ticker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			self := c.self
			c.mu.Unlock()
			if self == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.PublishTimeout)
			if err := c.publishNow(ctx, *self); err != nil {
				c.log.Warn("heartbeat publish failed", logger.Err(err))
			}
			cancel()
		}
	}
}

// Close cancela la suscripción al transporte, frena el heartbeat y cierra el
// transporte. Idempotente.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.subs = make(map[uint64]Handler)
	c.mu.Unlock()

	c.cancel()
	var err error
	if unsubscribe != nil {
		err = multierr.Append(err, unsubscribe())
	}
	c.wg.Wait()
	return multierr.Append(err, c.t.Close())
}
