// Package ops contiene el controller de la API de operación: readiness,
// directorio de peers, anuncio propio y registraciones.
package ops

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/broker"
	"github.com/dropDatabas3/discover/internal/discover"
	dto "github.com/dropDatabas3/discover/internal/http/dto/ops"
	httperrors "github.com/dropDatabas3/discover/internal/http/errors"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

const maxRegisterBody = 64 << 10

// Readiness es lo que el controller consulta del coordinador.
type Readiness interface {
	State() discover.State
	Outstanding() []string
	Err() error
	Self() (advert.Advertisement, bool)
}

// PeerLister es el directorio de peers.
type PeerLister interface {
	List() []advert.Advertisement
	ByKind(kind string) []advert.Advertisement
}

// Controller maneja las rutas de operación.
type Controller struct {
	readiness Readiness
	peers     PeerLister
	register  func() broker.Exchange
}

// NewController crea el controller. peers y register pueden ser nil.
func NewController(r Readiness, peers PeerLister, register func() broker.Exchange) *Controller {
	return &Controller{readiness: r, peers: peers, register: register}
}

// Healthz maneja GET /healthz (liveness: el proceso responde).
func (c *Controller) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz maneja GET /readyz: 200 si la barrera está Ready, 503 si no.
func (c *Controller) Readyz(w http.ResponseWriter, r *http.Request) {
	st := c.readiness.State()
	resp := dto.ReadyResponse{Status: st.String(), Outstanding: c.readiness.Outstanding()}
	if resp.Outstanding == nil {
		resp.Outstanding = []string{}
	}
	if err := c.readiness.Err(); err != nil {
		resp.Error = err.Error()
	}

	status := http.StatusOK
	if st != discover.Ready {
		status = http.StatusServiceUnavailable
	}
	logger.From(r.Context()).Debug("readiness checked",
		logger.Layer("controller"),
		logger.String("status", resp.Status),
		logger.Count(len(resp.Outstanding)),
	)
	writeJSON(w, status, resp)
}

// Self maneja GET /v1/self.
func (c *Controller) Self(w http.ResponseWriter, _ *http.Request) {
	ad, ok := c.readiness.Self()
	if !ok {
		httperrors.WriteError(w, httperrors.ErrNotFound.WithDetail("no advertisement published yet"))
		return
	}
	writeJSON(w, http.StatusOK, ad)
}

// Peers maneja GET /v1/peers y GET /v1/peers/{kind}.
func (c *Controller) Peers(w http.ResponseWriter, r *http.Request) {
	if c.peers == nil {
		httperrors.WriteError(w, httperrors.ErrNotFound.WithDetail("peer directory disabled"))
		return
	}
	var ads []advert.Advertisement
	if kind := chi.URLParam(r, "kind"); kind != "" {
		ads = c.peers.ByKind(kind)
	} else {
		ads = c.peers.List()
	}

	resp := dto.PeersResponse{Peers: make([]map[string]any, 0, len(ads)), Count: len(ads)}
	for _, ad := range ads {
		resp.Peers = append(resp.Peers, flatten(ad))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Register maneja POST /v1/register: publica el body JSON en el exchange
// durable service-register y devuelve la confirmación.
func (c *Controller) Register(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context()).With(logger.Layer("controller"), logger.Op("ops.Register"))

	var ex broker.Exchange
	if c.register != nil {
		ex = c.register()
	}
	if ex == nil {
		httperrors.WriteError(w, httperrors.ErrServiceUnavailable.WithDetail("broker not configured"))
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		httperrors.WriteError(w, httperrors.ErrBadRequest.WithDetail("content type must be application/json"))
		return
	}

	var body json.RawMessage
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRegisterBody))
	if err := dec.Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.As(err, &tooLarge):
			httperrors.WriteError(w, httperrors.ErrBodyTooLarge)
		case stderrors.Is(err, io.ErrUnexpectedEOF) || stderrors.Is(err, io.EOF):
			httperrors.WriteError(w, httperrors.ErrInvalidJSON)
		default:
			httperrors.WriteError(w, httperrors.ErrInvalidJSON.WithDetail(err.Error()))
		}
		return
	}

	id, err := ex.Publish(r.Context(), body)
	if err != nil {
		log.Error("registration publish failed", logger.Err(err))
		httperrors.WriteError(w, httperrors.ErrBadGateway.WithCause(err))
		return
	}
	log.Info("registration queued", logger.String("entry_id", id))
	writeJSON(w, http.StatusAccepted, dto.RegisterResponse{Status: "queued", ID: id})
}

// flatten devuelve la forma wire del anuncio.
func flatten(ad advert.Advertisement) map[string]any {
	raw, err := advert.Encode(ad)
	if err != nil {
		return map[string]any{advert.KeyType: ad.Kind, advert.KeyID: ad.ID, advert.KeyReady: ad.Ready}
	}
	var m map[string]any
	_ = json.Unmarshal(raw, &m)
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
