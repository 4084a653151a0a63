package middlewares

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/discover/internal/metrics"
)

// WithMetrics instrumenta requests (contador, latencia, inflight). La ruta
// se etiqueta con el patrón de chi para no explotar cardinalidad.
func WithMetrics() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method := strings.ToUpper(r.Method)
			start := time.Now()
			metrics.HTTPInflight.Inc()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				metrics.HTTPInflight.Dec()
				route := "unmatched"
				if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
					route = rc.RoutePattern()
				}
				metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
				metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
