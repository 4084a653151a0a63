// Package router arma las rutas HTTP de operación sobre chi.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	ctrl "github.com/dropDatabas3/discover/internal/http/controllers/ops"
	httperrors "github.com/dropDatabas3/discover/internal/http/errors"
	mw "github.com/dropDatabas3/discover/internal/http/middlewares"
)

// Deps contiene las dependencias del router.
type Deps struct {
	Controller *ctrl.Controller
	// Gatherer para /metrics. nil usa el default de prometheus.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// New registra:
//
//	GET  /healthz          liveness
//	GET  /readyz           200 ready / 503 pending|failed
//	GET  /metrics          prometheus
//	GET  /v1/self          anuncio propio
//	GET  /v1/peers         directorio de peers
//	GET  /v1/peers/{kind}  peers de un kind
//	POST /v1/register      publica en service-register
func New(deps Deps) http.Handler {
	c := deps.Controller
	g := deps.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(mw.WithRecover(), mw.WithRequestID())
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httperrors.WriteError(w, httperrors.ErrMethodNotAllowed)
	})

	// Probes y métricas sin logging (muy frecuentes).
	r.Get("/healthz", c.Healthz)
	r.Get("/readyz", c.Readyz)
	r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.WithLogging(deps.Logger), mw.WithMetrics())
		r.Get("/self", c.Self)
		r.Get("/peers", c.Peers)
		r.Get("/peers/{kind}", c.Peers)
		r.Post("/register", c.Register)
	})
	return r
}
