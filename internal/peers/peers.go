// Package peers mantiene el último anuncio visto de cada peer, con expiración.
// Un peer que deja de re-anunciarse (heartbeat) desaparece del directorio.
package peers

import (
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dropDatabas3/discover/internal/advert"
)

// Directory es el directorio de peers conocidos.
type Directory struct {
	c *gocache.Cache
}

// New crea un directorio donde cada entrada vive ttl desde su último anuncio.
func New(ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Directory{c: gocache.New(ttl, ttl)}
}

func key(ad advert.Advertisement) string {
	if ad.ID != "" {
		return ad.ID
	}
	// Peers sin id: uno por kind
	return "kind:" + ad.Kind
}

// Observe registra (o refresca) el anuncio del peer.
func (d *Directory) Observe(ad advert.Advertisement) {
	d.c.Set(key(ad), ad.Clone(), gocache.DefaultExpiration)
}

// Forget elimina un peer.
func (d *Directory) Forget(id string) {
	d.c.Delete(id)
}

// Get retorna el último anuncio del peer id.
func (d *Directory) Get(id string) (advert.Advertisement, bool) {
	v, ok := d.c.Get(id)
	if !ok {
		return advert.Advertisement{}, false
	}
	ad, ok := v.(advert.Advertisement)
	if !ok {
		return advert.Advertisement{}, false
	}
	return ad.Clone(), true
}

// List retorna todos los peers vigentes ordenados por kind e id.
func (d *Directory) List() []advert.Advertisement {
	items := d.c.Items()
	out := make([]advert.Advertisement, 0, len(items))
	for _, it := range items {
		if ad, ok := it.Object.(advert.Advertisement); ok {
			out = append(out, ad.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ByKind retorna los peers vigentes de un kind.
func (d *Directory) ByKind(kind string) []advert.Advertisement {
	var out []advert.Advertisement
	for _, ad := range d.List() {
		if ad.Kind == kind {
			out = append(out, ad)
		}
	}
	return out
}

// Len retorna la cantidad de peers vigentes.
func (d *Directory) Len() int {
	return len(d.c.Items())
}
