package discover

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/metrics"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

// State es el estado de la Readiness Barrier.
type State int

const (
	// Pending: quedan requirements o la barrera todavía no fue armada.
	Pending State = iota
	// Ready: terminal; todos los requirements se cumplieron.
	Ready
	// Failed: terminal; algún requirement venció su deadline.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Barrier agrega los requirements pendientes (mandates sin cumplir + servicios
// todavía no vistos) y dispara la transición a Ready exactamente una vez.
//
// Los callbacks corren siempre fuera del lock, así que pueden volver a entrar
// a la barrera (ej: el último Done llega desde adentro de otro callback).
type Barrier struct {
	clock clock.Clock
	log   *zap.Logger

	mu          sync.Mutex
	armed       bool
	armedAt     time.Time
	state       State
	err         error
	outstanding map[string]*clock.Timer
	onReady     []func()
	onFail      []func(error)
}

// NewBarrier crea una barrera Pending y desarmada.
func NewBarrier(c clock.Clock, log *zap.Logger) *Barrier {
	if c == nil {
		c = clock.New()
	}
	return &Barrier{
		clock:       c,
		log:         logger.OrNamed(log, "barrier"),
		outstanding: make(map[string]*clock.Timer),
	}
}

// Add registra un requirement pendiente. Con deadline > 0, si el requirement
// sigue pendiente al vencer, la barrera pasa a Failed.
func (b *Barrier) Add(id string, deadline time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Pending {
		return ErrSealed
	}
	if _, ok := b.outstanding[id]; ok {
		return ErrDuplicateDeclaration
	}
	var timer *clock.Timer
	if deadline > 0 {
		timer = b.clock.AfterFunc(deadline, func() { b.expire(id, deadline) })
	}
	b.outstanding[id] = timer
	metrics.OutstandingRequirements.Set(float64(len(b.outstanding)))
	return nil
}

// Done marca el requirement como cumplido. Retorna false si no estaba
// pendiente (desconocido, ya cumplido o barrera terminal).
func (b *Barrier) Done(id string) bool {
	b.mu.Lock()
	if b.state != Pending {
		b.mu.Unlock()
		return false
	}
	timer, ok := b.outstanding[id]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if timer != nil {
		timer.Stop()
	}
	delete(b.outstanding, id)
	metrics.OutstandingRequirements.Set(float64(len(b.outstanding)))
	left := len(b.outstanding)

	var fire []func()
	if b.armed && left == 0 {
		fire = b.settleReadyLocked()
	}
	b.mu.Unlock()

	b.log.Debug("requirement satisfied", logger.Requirement(id), logger.Int("left", left))
	runAll(fire)
	return true
}

// Arm habilita la transición. Antes de Arm la barrera no dispara aunque no
// queden requirements, así las declaraciones de arranque no compiten con
// cumplimientos tempranos. Armar una barrera vacía la pasa a Ready.
func (b *Barrier) Arm() {
	b.mu.Lock()
	if b.armed {
		b.mu.Unlock()
		return
	}
	b.armed = true
	b.armedAt = b.clock.Now()
	var fire []func()
	if b.state == Pending && len(b.outstanding) == 0 {
		fire = b.settleReadyLocked()
	}
	b.mu.Unlock()

	runAll(fire)
}

// settleReadyLocked pasa a Ready y retorna los callbacks a invocar. Requiere b.mu.
func (b *Barrier) settleReadyLocked() []func() {
	b.state = Ready
	fire := b.onReady
	b.onReady = nil
	b.onFail = nil
	metrics.BarrierState.Set(metrics.StateReady)
	metrics.ReadyLatency.Observe(b.clock.Since(b.armedAt).Seconds())
	return fire
}

func (b *Barrier) expire(id string, after time.Duration) {
	b.mu.Lock()
	if b.state != Pending {
		b.mu.Unlock()
		return
	}
	if _, ok := b.outstanding[id]; !ok {
		b.mu.Unlock()
		return
	}
	derr := &DeadlineError{Requirement: id, After: after, Outstanding: b.sortedLocked()}
	b.state = Failed
	b.err = derr
	for _, t := range b.outstanding {
		if t != nil {
			t.Stop()
		}
	}
	fire := b.onFail
	b.onFail = nil
	b.onReady = nil
	b.mu.Unlock()

	metrics.BarrierState.Set(metrics.StateFailed)
	metrics.DeadlinesExceeded.Inc()
	b.log.Error("requirement deadline exceeded",
		logger.Requirement(id),
		logger.Duration(after),
		logger.Outstanding(derr.Outstanding),
	)
	for _, cb := range fire {
		cb(derr)
	}
}

// OnReady registra cb para la transición a Ready. Los callbacks corren una
// sola vez, en orden de registro. Si la barrera ya está Ready, cb corre ahora.
// Si la barrera falló, cb no corre nunca.
func (b *Barrier) OnReady(cb func()) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	switch b.state {
	case Ready:
		b.mu.Unlock()
		cb()
		return
	case Failed:
		b.mu.Unlock()
		return
	}
	b.onReady = append(b.onReady, cb)
	b.mu.Unlock()
}

// OnFail registra cb para la transición a Failed, con las mismas reglas que OnReady.
func (b *Barrier) OnFail(cb func(error)) {
	if cb == nil {
		return
	}
	b.mu.Lock()
	switch b.state {
	case Failed:
		err := b.err
		b.mu.Unlock()
		cb(err)
		return
	case Ready:
		b.mu.Unlock()
		return
	}
	b.onFail = append(b.onFail, cb)
	b.mu.Unlock()
}

// State retorna el estado actual.
func (b *Barrier) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Err retorna el error de la transición a Failed (nil si no falló).
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Len retorna la cantidad de requirements pendientes.
func (b *Barrier) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outstanding)
}

// Outstanding retorna los ids pendientes, ordenados.
func (b *Barrier) Outstanding() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedLocked()
}

func (b *Barrier) sortedLocked() []string {
	out := make([]string, 0, len(b.outstanding))
	for id := range b.outstanding {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
