package discover

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/latch"
	"github.com/dropDatabas3/discover/internal/observability/logger"
)

const mandatePrefix = "mandate:"

// Mandates es el registro de prerequisitos con nombre.
// Cada mandate pasa de pendiente a cumplido una sola vez y nunca vuelve.
type Mandates struct {
	barrier         *Barrier
	policy          DuplicatePolicy
	defaultDeadline time.Duration
	log             *zap.Logger

	mu       sync.Mutex
	declared map[string]*mandate
}

type mandate struct {
	name      string
	fulfilled bool
}

// NewMandates crea un registro que notifica a barrier.
func NewMandates(barrier *Barrier, policy DuplicatePolicy, defaultDeadline time.Duration, log *zap.Logger) *Mandates {
	return &Mandates{
		barrier:         barrier,
		policy:          policy,
		defaultDeadline: defaultDeadline,
		log:             logger.OrNamed(log, "mandates"),
		declared:        make(map[string]*mandate),
	}
}

// Declare registra un mandate pendiente.
// Re-declarar depende de la política: DuplicateMerge es no-op (incluso si ya
// se cumplió), DuplicateError retorna ErrDuplicateDeclaration.
func (m *Mandates) Declare(name string, opts ...RequirementOption) error {
	if name == "" {
		return ErrEmptyName
	}
	o := resolveOptions(m.defaultDeadline, opts)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.declared[name]; ok {
		if m.policy == DuplicateError {
			return fmt.Errorf("%w: mandate %q", ErrDuplicateDeclaration, name)
		}
		m.log.Debug("mandate re-declared, merging", logger.Mandate(name))
		return nil
	}
	if err := m.barrier.Add(mandatePrefix+name, o.deadline); err != nil {
		return fmt.Errorf("declare mandate %q: %w", name, err)
	}
	m.declared[name] = &mandate{name: name}
	m.log.Debug("mandate declared", logger.Mandate(name))
	return nil
}

// Fulfill retorna el handle que cumple el mandate. Invocarlo más de una vez
// (o invocar otro handle del mismo mandate) no tiene efecto.
// Un nombre no declarado falla ya mismo con ErrNotDeclared.
func (m *Mandates) Fulfill(name string) (func(), error) {
	m.mu.Lock()
	md, ok := m.declared[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotDeclared, name)
	}
	return func() { m.complete(md) }, nil
}

// FulfillAfter retorna un handle que cumple el mandate recién en su n-ésima
// invocación (ej: n pasos de setup asíncronos).
func (m *Mandates) FulfillAfter(name string, n int) (func(), error) {
	done, err := m.Fulfill(name)
	if err != nil {
		return nil, err
	}
	return latch.After(n, done)
}

func (m *Mandates) complete(md *mandate) {
	m.mu.Lock()
	if md.fulfilled {
		m.mu.Unlock()
		return
	}
	md.fulfilled = true
	m.mu.Unlock()

	m.log.Info("mandate fulfilled", logger.Mandate(md.name))
	m.barrier.Done(mandatePrefix + md.name)
}

// IsFulfilled reporta si el mandate ya se cumplió.
func (m *Mandates) IsFulfilled(name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.declared[name]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNotDeclared, name)
	}
	return md.fulfilled, nil
}

// Outstanding retorna los mandates sin cumplir, ordenados.
func (m *Mandates) Outstanding() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, md := range m.declared {
		if !md.fulfilled {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
