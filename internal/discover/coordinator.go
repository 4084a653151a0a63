// Package discover implementa el coordinador de readiness: mandates con
// nombre, intereses en servicios de peers descubiertos por broadcast, y una
// barrera que dispara "ready" exactamente una vez cuando todo se cumplió.
//
// Uso típico (composition root):
//
//	co := discover.New(ch, discover.Options{})
//	_ = co.Advertise(ctx, advert.New("service.web", nil))
//	_ = co.Mandate("configure.broker")
//	_ = co.Service("service.queue", func(ad advert.Advertisement) {
//		done, _ := co.FulfillAfter("configure.broker", 2)
//		setupExchanges(ad, done)
//	})
//	co.Ready(func() { startHTTP() })
//	_ = co.Start(ctx)
package discover

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/channel"
	"github.com/dropDatabas3/discover/internal/observability/logger"
	"github.com/dropDatabas3/discover/internal/peers"
)

// AdvertisementChannel es lo que el coordinador necesita del canal de anuncios.
// *channel.Channel lo implementa.
type AdvertisementChannel interface {
	Connect(ctx context.Context) error
	Connected() <-chan struct{}
	Publish(ctx context.Context, ad advert.Advertisement) error
	Subscribe(h channel.Handler) (*channel.Subscription, error)
	Close() error
}

// Options configura el coordinador. Los ceros toman defaults.
type Options struct {
	// Duplicates decide qué hacer al re-declarar un mandate. Default: merge.
	Duplicates DuplicatePolicy

	// DefaultDeadline aplica a todo requirement sin WithDeadline. 0 = sin deadline.
	DefaultDeadline time.Duration

	// StallReportInterval: cada cuánto se loguean los requirements pendientes
	// mientras la barrera sigue Pending. Default 30s; negativo lo desactiva.
	StallReportInterval time.Duration

	// SkipReadyAnnouncement evita que el coordinador re-publique su anuncio
	// con ready=true al pasar a Ready.
	SkipReadyAnnouncement bool

	// ReconnectInterval es la pausa entre rondas de Connect fallidas.
	// Default 1s.
	ReconnectInterval time.Duration

	// Peers recibe todos los anuncios observados. Opcional.
	Peers *peers.Directory

	Clock  clock.Clock
	Logger *zap.Logger
}

// Coordinator es la fachada que usa la aplicación: advertise, mandate,
// fulfill, service, ready.
type Coordinator struct {
	ch   AdvertisementChannel
	opts Options
	log  *zap.Logger

	barrier  *Barrier
	mandates *Mandates
	resolver *Resolver

	mu      sync.Mutex
	self    *advert.Advertisement
	started bool
	closed  bool
	sub     *channel.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New crea el coordinador. El canal lo crea (y le inyecta el transporte) el
// composition root; el coordinador lo cierra en Close.
func New(ch AdvertisementChannel, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.StallReportInterval == 0 {
		opts.StallReportInterval = 30 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Second
	}
	log := logger.OrNamed(opts.Logger, "discover")

	barrier := NewBarrier(opts.Clock, log.Named("barrier"))
	c := &Coordinator{
		ch:       ch,
		opts:     opts,
		log:      log,
		barrier:  barrier,
		mandates: NewMandates(barrier, opts.Duplicates, opts.DefaultDeadline, log.Named("mandates")),
		resolver: NewResolver(barrier, opts.DefaultDeadline, log.Named("resolver")),
	}
	// Primer callback registrado: corre antes que los de la aplicación.
	barrier.OnReady(c.onReady)
	barrier.OnFail(func(err error) {
		c.log.Error("readiness failed", logger.Err(err))
	})
	return c
}

// Advertise publica (o actualiza) la autodescripción de este proceso.
// Si ad no trae ID se conserva el del anuncio anterior (o se genera uno).
// Una vez Ready (y con el anuncio de ready activo) el anuncio sale siempre
// con ready=true.
// Antes de conectar, el anuncio queda en buffer en el canal.
func (c *Coordinator) Advertise(ctx context.Context, ad advert.Advertisement) error {
	if err := ad.Validate(); err != nil {
		return err
	}
	if !c.opts.SkipReadyAnnouncement && c.barrier.State() == Ready {
		ad.Ready = true
	}
	c.mu.Lock()
	if ad.ID == "" {
		if c.self != nil {
			ad.ID = c.self.ID
		} else {
			ad.ID = uuid.NewString()
		}
	}
	cp := ad.Clone()
	c.self = &cp
	c.mu.Unlock()

	if err := c.ch.Publish(ctx, cp); err != nil {
		c.log.Warn("advertise failed; heartbeat will retry", logger.Kind(ad.Kind), logger.Err(err))
		return err
	}
	return nil
}

// Self retorna una copia del anuncio actual.
func (c *Coordinator) Self() (advert.Advertisement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.self == nil {
		return advert.Advertisement{}, false
	}
	return c.self.Clone(), true
}

// Mandate declara un prerequisito.
func (c *Coordinator) Mandate(name string, opts ...RequirementOption) error {
	return c.mandates.Declare(name, opts...)
}

// Fulfill retorna el handle que cumple el mandate name.
// ErrNotDeclared es un error de programación: se loguea fuerte y se retorna.
func (c *Coordinator) Fulfill(name string) (func(), error) {
	done, err := c.mandates.Fulfill(name)
	if err != nil {
		c.log.Error("fulfill of undeclared mandate", logger.Mandate(name), logger.Err(err))
		return nil, err
	}
	return done, nil
}

// MustFulfill es Fulfill que entra en pánico ante un mandate no declarado.
func (c *Coordinator) MustFulfill(name string) func() {
	done, err := c.Fulfill(name)
	if err != nil {
		panic(err)
	}
	return done
}

// FulfillAfter retorna un handle que cumple el mandate en su n-ésima invocación.
func (c *Coordinator) FulfillAfter(name string, n int) (func(), error) {
	done, err := c.mandates.FulfillAfter(name, n)
	if err != nil {
		c.log.Error("fulfill of undeclared mandate", logger.Mandate(name), logger.Err(err))
		return nil, err
	}
	return done, nil
}

// Service declara interés en peers de kind; onDiscovered recibe cada anuncio
// que matchea (ver MatchFirstOnly, RequireReady).
func (c *Coordinator) Service(kind string, onDiscovered func(advert.Advertisement), opts ...RequirementOption) error {
	return c.resolver.Want(kind, onDiscovered, opts...)
}

// Ready registra cb para la transición a Ready (inmediato si ya ocurrió).
func (c *Coordinator) Ready(cb func()) { c.barrier.OnReady(cb) }

// Failed registra cb para la transición a Failed (inmediato si ya ocurrió).
func (c *Coordinator) Failed(cb func(error)) { c.barrier.OnFail(cb) }

// State retorna el estado de la barrera.
func (c *Coordinator) State() State { return c.barrier.State() }

// Err retorna el motivo de Failed, o nil.
func (c *Coordinator) Err() error { return c.barrier.Err() }

// Outstanding retorna los requirements pendientes.
func (c *Coordinator) Outstanding() []string { return c.barrier.Outstanding() }

// Peers retorna el directorio de peers (puede ser nil).
func (c *Coordinator) Peers() *peers.Directory { return c.opts.Peers }

// Start se suscribe al canal, arma la barrera y conecta el transporte en
// background (con reintentos). ctx acota la vida de ese trabajo en background;
// Close también lo corta. Llamarlo dos veces es error.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return channel.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("discover: already started")
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	sub, err := c.ch.Subscribe(c.handle)
	if err != nil {
		cancel()
		return fmt.Errorf("discover: subscribe: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()

	c.log.Info("coordinator started", logger.Outstanding(c.barrier.Outstanding()))
	c.barrier.Arm()

	c.wg.Add(1)
	go c.connect(runCtx)

	if c.opts.StallReportInterval > 0 {
		c.wg.Add(1)
		go c.reportStalls(runCtx)
	}
	return nil
}

// connect insiste con el canal hasta conectar o hasta que ctx termine. Una
// ronda de Connect que se rinde (MaxConnectElapsed) se vuelve a lanzar tras
// ReconnectInterval.
func (c *Coordinator) connect(ctx context.Context) {
	defer c.wg.Done()
	for {
		err := c.ch.Connect(ctx)
		if err == nil {
			return
		}
		if ctx.Err() != nil || errors.Is(err, channel.ErrClosed) {
			c.log.Info("advertisement channel connect stopped", logger.Err(err))
			return
		}
		c.log.Error("advertisement channel not connected, retrying",
			logger.Err(err),
			logger.Duration(c.opts.ReconnectInterval),
		)
		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Coordinator) handle(ad advert.Advertisement) {
	if c.opts.Peers != nil {
		c.opts.Peers.Observe(ad)
	}
	c.resolver.Handle(ad)
}

func (c *Coordinator) onReady() {
	c.log.Info("coordinator ready")
	if c.opts.SkipReadyAnnouncement {
		return
	}
	c.mu.Lock()
	if c.self == nil {
		c.mu.Unlock()
		return
	}
	// El anuncio propio se muta in place y se re-publica.
	c.self.Ready = true
	cp := c.self.Clone()
	c.mu.Unlock()

	if err := c.ch.Publish(context.Background(), cp); err != nil {
		c.log.Warn("ready announcement failed; heartbeat will retry", logger.Err(err))
	}
}

// reportStalls loguea periódicamente qué falta mientras la barrera siga Pending.
func (c *Coordinator) reportStalls(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.opts.Clock.Ticker(c.opts.StallReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.barrier.State() != Pending {
				return
			}
			c.log.Warn("still waiting for requirements",
				logger.Outstanding(c.barrier.Outstanding()),
				logger.Any("mandates", c.mandates.Outstanding()),
				logger.Any("services", c.resolver.Outstanding()),
			)
		}
	}
}

// Close corta el trabajo en background, cancela la suscripción y cierra el canal.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	sub := c.sub
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Cancel()
	}
	err := c.ch.Close()
	c.wg.Wait()
	return err
}
