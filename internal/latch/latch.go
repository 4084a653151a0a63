// Package latch implementa un countdown latch: una acción que solo corre
// después de haber sido disparada N veces.
//
// Es el mecanismo detrás de "esperar N pasos asíncronos antes de seguir"
// (ej: exchange listo + queue lista ⇒ mandate cumplido).
package latch

import (
	"errors"
	"sync"
)

// ErrInvalidCount se retorna cuando n < 1.
var ErrInvalidCount = errors.New("latch: count must be >= 1")

// Latch ejecuta su acción exactamente una vez, en el N-ésimo Trigger.
type Latch struct {
	mu        sync.Mutex
	remaining int
	action    func()
}

// New crea un latch que dispara action después de n triggers.
func New(n int, action func()) (*Latch, error) {
	if n < 1 {
		return nil, ErrInvalidCount
	}
	if action == nil {
		action = func() {}
	}
	return &Latch{remaining: n, action: action}, nil
}

// After es el atajo funcional de New: retorna directamente la función trigger,
// lista para pasarse como callback a cualquier API.
func After(n int, action func()) (func(), error) {
	l, err := New(n, action)
	if err != nil {
		return nil, err
	}
	return l.Trigger, nil
}

// Trigger decrementa el contador. En la transición 1→0 ejecuta la acción,
// sincrónicamente y fuera del lock (la acción puede volver a llamar Trigger).
// Llamadas posteriores no tienen efecto.
func (l *Latch) Trigger() {
	l.mu.Lock()
	if l.remaining == 0 {
		l.mu.Unlock()
		return
	}
	l.remaining--
	if l.remaining > 0 {
		l.mu.Unlock()
		return
	}
	action := l.action
	l.action = nil
	l.mu.Unlock()

	action()
}

// Remaining retorna cuántos triggers faltan.
func (l *Latch) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Fired indica si la acción ya corrió.
func (l *Latch) Fired() bool {
	return l.Remaining() == 0
}
