package discover

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dropDatabas3/discover/internal/advert"
)

func newTestResolver() (*Resolver, *Barrier) {
	b := newTestBarrier(nil)
	return NewResolver(b, 0, zap.NewNop()), b
}

func TestResolver_UnmatchedKindHasNoEffect(t *testing.T) {
	r, b := newTestResolver()
	calls := 0
	require.NoError(t, r.Want("svc.queue", func(advert.Advertisement) { calls++ }))
	b.Arm()

	r.Handle(advert.Advertisement{ID: "p", Kind: "svc.other"})
	require.Equal(t, 0, calls)
	require.Equal(t, 1, b.Len())
	require.Equal(t, []string{"svc.queue"}, r.Outstanding())
}

func TestResolver_FirstMatchDecrementsOnce(t *testing.T) {
	r, b := newTestResolver()
	var seen []string
	require.NoError(t, r.Want("svc.queue", func(ad advert.Advertisement) { seen = append(seen, ad.ID) }))
	require.NoError(t, b.Add("mandate:other", 0))
	b.Arm()
	require.Equal(t, 2, b.Len())

	r.Handle(advert.Advertisement{ID: "p1", Kind: "svc.queue"})
	require.Equal(t, 1, b.Len())

	r.Handle(advert.Advertisement{ID: "p1", Kind: "svc.queue", Ready: true})
	require.Equal(t, 1, b.Len(), "second advertisement must not decrement")
	require.Equal(t, []string{"p1", "p1"}, seen)
	require.Empty(t, r.Outstanding())
}

func TestResolver_MatchFirstOnly(t *testing.T) {
	r, b := newTestResolver()
	calls := 0
	require.NoError(t, r.Want("svc.queue", func(advert.Advertisement) { calls++ }, MatchFirstOnly()))
	b.Arm()

	r.Handle(advert.Advertisement{ID: "p1", Kind: "svc.queue"})
	r.Handle(advert.Advertisement{ID: "p2", Kind: "svc.queue"})
	require.Equal(t, 1, calls)
	require.Equal(t, Ready, b.State())
}

func TestResolver_IndependentInterestsSameKind(t *testing.T) {
	r, b := newTestResolver()
	a, c := 0, 0
	require.NoError(t, r.Want("svc.queue", func(advert.Advertisement) { a++ }))
	require.NoError(t, r.Want("svc.queue", func(advert.Advertisement) { c++ }))
	b.Arm()
	require.Equal(t, 2, b.Len())

	r.Handle(advert.Advertisement{ID: "p1", Kind: "svc.queue"})
	require.Equal(t, 1, a)
	require.Equal(t, 1, c)
	require.Equal(t, Ready, b.State())
}

func TestResolver_RequireReady(t *testing.T) {
	r, b := newTestResolver()
	calls := 0
	require.NoError(t, r.Want("service.web", func(advert.Advertisement) { calls++ }, RequireReady()))
	b.Arm()

	r.Handle(advert.Advertisement{ID: "w", Kind: "service.web", Ready: false})
	require.Equal(t, 0, calls)
	require.Equal(t, Pending, b.State())

	r.Handle(advert.Advertisement{ID: "w", Kind: "service.web", Ready: true})
	require.Equal(t, 1, calls)
	require.Equal(t, Ready, b.State())
}

func TestResolver_CallbackRunsBeforeDecrement(t *testing.T) {
	r, b := newTestResolver()
	var stateInCallback State
	require.NoError(t, r.Want("svc.queue", func(advert.Advertisement) { stateInCallback = b.State() }))
	b.Arm()

	r.Handle(advert.Advertisement{ID: "p1", Kind: "svc.queue"})
	require.Equal(t, Pending, stateInCallback)
	require.Equal(t, Ready, b.State())
}

func TestResolver_CallbackFulfillsMandateReentrantly(t *testing.T) {
	b := newTestBarrier(nil)
	m := NewMandates(b, DuplicateMerge, 0, zap.NewNop())
	r := NewResolver(b, 0, zap.NewNop())

	require.NoError(t, m.Declare("configure.rabbit"))
	fired := 0
	require.NoError(t, r.Want("service.queue", func(advert.Advertisement) {
		done, err := m.Fulfill("configure.rabbit")
		require.NoError(t, err)
		done()
	}))
	b.Arm()
	b.OnReady(func() { fired++ })

	r.Handle(advert.Advertisement{ID: "mq", Kind: "service.queue"})
	require.Equal(t, 1, fired)
	r.Handle(advert.Advertisement{ID: "mq", Kind: "service.queue"})
	require.Equal(t, 1, fired)
}

func TestResolver_PanickingCallbackStillCounts(t *testing.T) {
	r, b := newTestResolver()
	require.NoError(t, r.Want("svc.queue", func(advert.Advertisement) { panic("bad config") }))
	b.Arm()

	require.NotPanics(t, func() { r.Handle(advert.Advertisement{ID: "p1", Kind: "svc.queue"}) })
	require.Equal(t, Ready, b.State())
}

func TestResolver_CallbackGetsPrivateCopy(t *testing.T) {
	r, b := newTestResolver()
	require.NoError(t, r.Want("svc", func(ad advert.Advertisement) { ad.Attributes["x"] = "mutated" }))
	b.Arm()

	ad := advert.Advertisement{ID: "p", Kind: "svc", Attributes: map[string]any{"x": "orig"}}
	r.Handle(ad)
	require.Equal(t, "orig", ad.Attributes["x"])
}

func TestResolver_WantErrors(t *testing.T) {
	r, b := newTestResolver()
	require.ErrorIs(t, r.Want("", nil), ErrEmptyName)
	b.Arm()
	require.ErrorIs(t, r.Want("late", nil), ErrSealed)
}
