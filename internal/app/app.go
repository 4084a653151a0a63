// Package app es el composition root del daemon: a partir de la config arma
// transporte, canal, coordinador, setups y la API de operación.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/broker"
	"github.com/dropDatabas3/discover/internal/channel"
	"github.com/dropDatabas3/discover/internal/config"
	"github.com/dropDatabas3/discover/internal/discover"
	ctrl "github.com/dropDatabas3/discover/internal/http/controllers/ops"
	"github.com/dropDatabas3/discover/internal/http/router"
	"github.com/dropDatabas3/discover/internal/http/server"
	"github.com/dropDatabas3/discover/internal/metrics"
	"github.com/dropDatabas3/discover/internal/observability/logger"
	"github.com/dropDatabas3/discover/internal/peers"
	"github.com/dropDatabas3/discover/internal/setup"
)

// Deps son dependencias opcionales; los ceros se construyen desde la config.
type Deps struct {
	// Hub para transport.kind=memory. nil crea uno propio.
	Hub *channel.Hub
	// Redis para transport.kind=redis. nil crea uno desde cfg.Transport.Redis.
	Redis *redis.Client
	// Broker para transport.kind=memory. nil crea uno en memoria.
	Broker broker.Broker
	// Registry para métricas. nil usa el default de prometheus.
	Registry *prometheus.Registry
	// Listener para la API de operación. nil escucha en cfg.Server.Addr.
	Listener net.Listener
	Logger   *zap.Logger
}

// App es el daemon armado.
type App struct {
	cfg   *config.Config
	log   *zap.Logger
	deps  Deps
	co    *discover.Coordinator
	setup *setup.Setup
	peers *peers.Directory
	http  *http.Server

	ownRedis  *redis.Client
	ownBroker broker.Broker
}

// Build arma el daemon. No conecta nada todavía: eso pasa en Run.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (*App, error) {
	log := logger.OrNamed(deps.Logger, "app")

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if deps.Registry != nil {
		reg, gatherer = deps.Registry, deps.Registry
	}
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a := &App{cfg: cfg, log: log, deps: deps}

	transport, newBroker, err := a.buildTransport()
	if err != nil {
		return nil, err
	}
	ch := channel.New(transport, channel.Options{
		Topic:             cfg.Transport.Topic,
		RetainTTL:         cfg.Transport.RetainTTL,
		Heartbeat:         cfg.Transport.Heartbeat,
		PublishTimeout:    cfg.Transport.PublishTimeout,
		MaxConnectElapsed: cfg.Transport.ConnectMaxElapsed,
		Logger:            log.Named("channel"),
	})

	policy, ok := discover.ParseDuplicatePolicy(cfg.Discover.DuplicatePolicy)
	if !ok {
		return nil, fmt.Errorf("discover: unknown duplicate policy %q", cfg.Discover.DuplicatePolicy)
	}
	a.peers = peers.New(cfg.Discover.PeerTTL)
	a.co = discover.New(ch, discover.Options{
		Duplicates:            policy,
		DefaultDeadline:       cfg.Discover.DefaultDeadline,
		StallReportInterval:   cfg.Discover.StallReportInterval,
		SkipReadyAnnouncement: !cfg.AnnouncesReady(),
		Peers:                 a.peers,
		Logger:                log.Named("discover"),
	})

	a.setup = setup.New(ctx, a.co, setup.Options{
		NewBroker: newBroker,
		OnCreate: func(d broker.Delivery) {
			log.Debug("service-create delivery", logger.String("exchange", d.Exchange), logger.Int("bytes", len(d.Envelope.Body)))
		},
		Logger: log.Named("setup"),
	})

	if err := a.declare(); err != nil {
		_ = a.co.Close()
		return nil, err
	}

	c := ctrl.NewController(a.co, a.peers, a.setup.Register)
	a.http = server.New(cfg.Server.Addr, router.New(router.Deps{
		Controller: c,
		Gatherer:   gatherer,
		Logger:     log.Named("http"),
	}))
	return a, nil
}

func (a *App) buildTransport() (channel.Transport, setup.BrokerFactory, error) {
	switch a.cfg.Transport.Kind {
	case "memory":
		hub := a.deps.Hub
		if hub == nil {
			hub = channel.NewHub(nil)
		}
		b := a.deps.Broker
		if b == nil {
			b = broker.NewMemory(a.log.Named("broker"))
			a.ownBroker = b
		}
		return channel.NewMemoryTransport(hub), setup.StaticBroker(b), nil
	case "redis":
		client := a.deps.Redis
		if client == nil {
			rc := a.cfg.Transport.Redis
			client = redis.NewClient(&redis.Options{Addr: rc.Addr, DB: rc.DB, Password: rc.Password})
			a.ownRedis = client
		}
		return channel.NewRedisTransport(client, a.cfg.Transport.Redis.Prefix), setup.RedisBroker(a.cfg.Broker.Prefix), nil
	}
	return nil, nil, fmt.Errorf("transport: unknown kind %q", a.cfg.Transport.Kind)
}

// declare registra mandates, intereses y el anuncio propio desde la config.
func (a *App) declare() error {
	cfg := a.cfg
	for _, m := range cfg.Mandates {
		if err := a.co.Mandate(m.Name, deadlineOpts(m.Deadline)...); err != nil {
			return fmt.Errorf("mandate %q: %w", m.Name, err)
		}
	}

	for _, s := range cfg.Services {
		opts := deadlineOpts(s.Deadline)
		if s.Match == "first" {
			opts = append(opts, discover.MatchFirstOnly())
		}
		if s.RequireReady {
			opts = append(opts, discover.RequireReady())
		}

		var cb func(advert.Advertisement)
		switch s.Setup {
		case config.SetupRedis:
			if err := a.co.Mandate(setup.DefaultRedisMandate, deadlineOpts(s.Deadline)...); err != nil {
				return err
			}
			cb = a.setup.Redis()
		case config.SetupBroker:
			if err := a.co.Mandate(setup.DefaultBrokerMandate, deadlineOpts(s.Deadline)...); err != nil {
				return err
			}
			cb = a.setup.Broker()
		default:
			kind := s.Type
			cb = func(ad advert.Advertisement) {
				a.log.Info("service discovered", logger.Kind(kind), logger.PeerID(ad.ID), logger.Ready(ad.Ready))
			}
		}
		if err := a.co.Service(s.Type, cb, opts...); err != nil {
			return fmt.Errorf("service %q: %w", s.Type, err)
		}
	}

	self := advert.New(cfg.Self.Type, cfg.Self.Attributes)
	// Antes de conectar sólo queda en buffer; no puede fallar por transporte.
	if err := a.co.Advertise(context.Background(), self); err != nil && !errors.Is(err, channel.ErrClosed) {
		return fmt.Errorf("advertise: %w", err)
	}
	return nil
}

func deadlineOpts(d time.Duration) []discover.RequirementOption {
	if d == 0 {
		return nil
	}
	return []discover.RequirementOption{discover.WithDeadline(d)}
}

// Coordinator expone el coordinador (tests, cmds).
func (a *App) Coordinator() *discover.Coordinator { return a.co }

// Peers expone el directorio de peers.
func (a *App) Peers() *peers.Directory { return a.peers }

// Setup expone los colaboradores configurados.
func (a *App) Setup() *setup.Setup { return a.setup }

// Run arranca el coordinador y la API de operación y bloquea hasta que ctx
// se cancela o algo falla. Al salir libera todo.
func (a *App) Run(ctx context.Context) (err error) {
	defer func() { err = multierr.Append(err, a.close()) }()

	a.co.Ready(func() {
		a.log.Info("all requirements met", logger.Count(a.peers.Len()))
	})
	a.co.Failed(func(err error) {
		a.log.Error("readiness failed; /readyz stays 503", logger.Err(err))
	})

	if err := a.co.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, a.http, a.deps.Listener, a.log.Named("http"))
	})
	return g.Wait()
}

func (a *App) close() error {
	err := a.co.Close()
	err = multierr.Append(err, a.setup.Close())
	if a.ownBroker != nil {
		err = multierr.Append(err, a.ownBroker.Close())
	}
	if a.ownRedis != nil {
		err = multierr.Append(err, a.ownRedis.Close())
	}
	return err
}
