package discover

import "time"

// DuplicatePolicy decide qué pasa al declarar dos veces el mismo mandate.
type DuplicatePolicy int

const (
	// DuplicateMerge trata la re-declaración como no-op idempotente.
	DuplicateMerge DuplicatePolicy = iota
	// DuplicateError retorna ErrDuplicateDeclaration.
	DuplicateError
)

// ParseDuplicatePolicy interpreta "merge" | "error". Vacío es merge.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, bool) {
	switch s {
	case "", "merge":
		return DuplicateMerge, true
	case "error":
		return DuplicateError, true
	}
	return DuplicateMerge, false
}

// MatchPolicy decide cuántas veces se invoca el callback de un interés.
type MatchPolicy int

const (
	// MatchEvery invoca el callback con cada anuncio que matchea (los peers
	// pueden actualizar su config y re-anunciar).
	MatchEvery MatchPolicy = iota
	// MatchFirst invoca el callback solo con el primer anuncio que matchea.
	MatchFirst
)

type requirementOptions struct {
	deadline     time.Duration
	match        MatchPolicy
	requireReady bool
}

// RequirementOption configura un mandate o un interés de servicio.
type RequirementOption func(*requirementOptions)

// WithDeadline hace fallar la barrera si el requirement sigue pendiente después de d.
// 0 usa el default del coordinador; negativo desactiva el deadline.
func WithDeadline(d time.Duration) RequirementOption {
	return func(o *requirementOptions) { o.deadline = d }
}

// MatchFirstOnly invoca el callback del interés solo para el primer anuncio.
// No aplica a mandates.
func MatchFirstOnly() RequirementOption {
	return func(o *requirementOptions) { o.match = MatchFirst }
}

// RequireReady hace que el interés solo matchee anuncios con ready=true.
// No aplica a mandates.
func RequireReady() RequirementOption {
	return func(o *requirementOptions) { o.requireReady = true }
}

func resolveOptions(defaultDeadline time.Duration, opts []RequirementOption) requirementOptions {
	var o requirementOptions
	for _, opt := range opts {
		opt(&o)
	}
	switch {
	case o.deadline == 0:
		o.deadline = defaultDeadline
	case o.deadline < 0:
		o.deadline = 0
	}
	return o
}
