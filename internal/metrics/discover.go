package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del coordinador de discovery. Viven en un paquete aparte para evitar
// ciclos entre channel, discover y http.

var (
	OutstandingRequirements = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discover_outstanding_requirements",
		Help: "Requirements (mandates + services) pendientes en la barrera",
	})

	BarrierState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "discover_barrier_state",
		Help: "Estado de la barrera: 0=pending 1=ready 2=failed",
	})

	ReadyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "discover_ready_latency_seconds",
		Help:    "Tiempo desde Start hasta la transición a ready",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	AdvertisementsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discover_advertisements_received_total",
		Help: "Anuncios de peers entregados a los suscriptores",
	}, []string{"kind"})

	AdvertisementsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discover_advertisements_dropped_total",
		Help: "Anuncios descartados por motivo (malformed, panic)",
	}, []string{"reason"})

	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discover_publish_failures_total",
		Help: "Publicaciones fallidas contra el transporte",
	})

	ConnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discover_transport_connect_attempts_total",
		Help: "Intentos de conexión al transporte (incluye retries)",
	})

	DeadlinesExceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "discover_requirement_deadlines_exceeded_total",
		Help: "Requirements que vencieron su deadline",
	})

	BrokerPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "discover_broker_published_total",
		Help: "Mensajes publicados en exchanges del broker por resultado",
	}, []string{"exchange", "result"}) // result: ok|error

	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Número total de requests procesadas",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Latencia de los requests HTTP",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_inflight_requests",
		Help: "Requests en vuelo",
	})
)

// Barrier states para BarrierState.
const (
	StatePending = 0
	StateReady   = 1
	StateFailed  = 2
)

// Register registra las métricas en el registry dado (o el default si es nil).
// Registrar dos veces no es error.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		OutstandingRequirements,
		BarrierState,
		ReadyLatency,
		AdvertisementsReceived,
		AdvertisementsDropped,
		PublishFailures,
		ConnectAttempts,
		DeadlinesExceeded,
		BrokerPublished,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInflight,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
