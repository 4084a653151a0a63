package discover

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
	"github.com/dropDatabas3/discover/internal/metrics"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

const servicePrefix = "service:"

// Resolver cruza los anuncios de peers contra los intereses declarados.
//
// Cada interés cuenta como un requirement ("al menos un peer de este kind
// visto"): el primer anuncio que matchea lo satisface; los siguientes solo
// invocan el callback (según MatchPolicy).
type Resolver struct {
	barrier         *Barrier
	defaultDeadline time.Duration
	log             *zap.Logger

	mu        sync.Mutex
	next      uint64
	interests []*interest
}

type interest struct {
	reqID        string
	kind         string
	callback     func(advert.Advertisement)
	match        MatchPolicy
	requireReady bool
	seen         bool
}

// NewResolver crea un resolver que notifica a barrier.
func NewResolver(barrier *Barrier, defaultDeadline time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{
		barrier:         barrier,
		defaultDeadline: defaultDeadline,
		log:             logger.OrNamed(log, "resolver"),
	}
}

// Want declara interés en peers de kind. Varios intereses pueden compartir
// kind; cada uno es independiente y suma su propio requirement.
func (r *Resolver) Want(kind string, callback func(advert.Advertisement), opts ...RequirementOption) error {
	if kind == "" {
		return ErrEmptyName
	}
	if callback == nil {
		callback = func(advert.Advertisement) {}
	}
	o := resolveOptions(r.defaultDeadline, opts)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	in := &interest{
		reqID:        fmt.Sprintf("%s%s#%d", servicePrefix, kind, r.next),
		kind:         kind,
		callback:     callback,
		match:        o.match,
		requireReady: o.requireReady,
	}
	if err := r.barrier.Add(in.reqID, o.deadline); err != nil {
		return fmt.Errorf("want service %q: %w", kind, err)
	}
	r.interests = append(r.interests, in)
	r.log.Debug("service interest declared", logger.Kind(kind), logger.Requirement(in.reqID))
	return nil
}

type match struct {
	in    *interest
	first bool
}

// Handle procesa un anuncio de peer. Un kind sin intereses no tiene efecto.
// Para cada interés que matchea: primero corre el callback y después, si es el
// primer match de ese interés, se descuenta su requirement.
func (r *Resolver) Handle(ad advert.Advertisement) {
	r.mu.Lock()
	var matches []match
	for _, in := range r.interests {
		if in.kind != ad.Kind {
			continue
		}
		if in.requireReady && !ad.Ready {
			continue
		}
		first := !in.seen
		if !first && in.match == MatchFirst {
			continue
		}
		in.seen = true
		matches = append(matches, match{in: in, first: first})
	}
	r.mu.Unlock()

	for _, m := range matches {
		r.invoke(m.in, ad.Clone())
		if m.first {
			r.log.Info("service discovered",
				logger.Kind(ad.Kind),
				logger.PeerID(ad.ID),
				logger.Requirement(m.in.reqID),
			)
			r.barrier.Done(m.in.reqID)
		}
	}
}

func (r *Resolver) invoke(in *interest, ad advert.Advertisement) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.AdvertisementsDropped.WithLabelValues("panic").Inc()
			r.log.Error("panic recovered in service callback",
				logger.Kind(in.kind),
				logger.PeerID(ad.ID),
				logger.Any("panic", rec),
			)
		}
	}()
	in.callback(ad)
}

// Outstanding retorna los kinds con intereses todavía no vistos, ordenados y sin repetir.
func (r *Resolver) Outstanding() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]struct{})
	for _, in := range r.interests {
		if !in.seen {
			set[in.kind] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
