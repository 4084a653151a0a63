package discover

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotDeclared: se pidió Fulfill de un mandate que nunca se declaró.
	// Es un error de programación; se retorna sincrónicamente y no se recupera.
	ErrNotDeclared = errors.New("discover: mandate not declared")

	// ErrDuplicateDeclaration: el mandate ya estaba declarado y la política es DuplicateError.
	ErrDuplicateDeclaration = errors.New("discover: duplicate declaration")

	// ErrSealed: la barrera ya llegó a un estado terminal (ready o failed) y no
	// acepta requirements nuevos.
	ErrSealed = errors.New("discover: barrier already settled")

	// ErrEmptyName: nombre de mandate o kind de servicio vacío.
	ErrEmptyName = errors.New("discover: empty name")

	// ErrDeadlineExceeded: un requirement no se cumplió a tiempo.
	ErrDeadlineExceeded = errors.New("discover: requirement deadline exceeded")
)

// DeadlineError detalla qué requirement venció y qué quedaba pendiente.
type DeadlineError struct {
	Requirement string
	After       time.Duration
	Outstanding []string
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("discover: requirement %q not satisfied after %s (outstanding: %v)", e.Requirement, e.After, e.Outstanding)
}

func (e *DeadlineError) Is(target error) bool { return target == ErrDeadlineExceeded }

// IsNotDeclared verifica si err es ErrNotDeclared.
func IsNotDeclared(err error) bool {
	return errors.Is(err, ErrNotDeclared)
}
