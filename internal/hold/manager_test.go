package hold

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/catalog"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/reservation"
	"apotekpos/backend/internal/stock"
	"apotekpos/backend/internal/store/memory"
)

type fixture struct {
	holds        *Manager
	reservations *reservation.Manager
	ledger       *stock.Ledger
	deps         cart.Deps
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{UnitID: "M1", Name: "Paracetamol 500mg", Price: decimal.NewFromInt(10), Active: true}, 20)
	repo.PutProduct(domain.Product{UnitID: "M2", Name: "OBH Syrup", Price: decimal.NewFromInt(25), Active: true}, 20)

	ledger := stock.NewLedger(repo, nil)
	reservations := reservation.NewManager(ledger, nil)
	return fixture{
		holds:        NewManager(repo, reservations, nil),
		reservations: reservations,
		ledger:       ledger,
		deps: cart.Deps{
			Reservations: reservations,
			Catalog:      catalog.NewDirectory(repo, nil, 0, nil),
			Stock:        ledger,
			TaxRate:      decimal.Zero,
		},
	}
}

func (f fixture) session(id string) *cart.Session {
	return cart.NewSession(id, "T1", "kasir", "shift-1", f.deps)
}

func (f fixture) reserved(t *testing.T, unitID string) int {
	t.Helper()
	u, err := f.ledger.Unit(context.Background(), unitID)
	require.NoError(t, err)
	return u.ReservedQty
}

func TestHoldAndResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1 := f.session("sess-1")

	require.NoError(t, s1.AddItem(ctx, "M1", 3))
	require.NoError(t, s1.AddItem(ctx, "M2", 1))
	s1.SetGlobalDiscount(decimal.NewFromInt(5))

	held, err := f.holds.Hold(ctx, s1, "  customer went to ATM ")
	require.NoError(t, err)
	assert.Equal(t, "customer went to ATM", held.Note)
	assert.True(t, s1.Snapshot().IsEmpty())
	assert.Empty(t, f.reservations.Holdings("sess-1"))
	assert.Equal(t, map[string]int{"M1": 3, "M2": 1}, f.reservations.Holdings(held.TicketID))
	assert.Equal(t, 3, f.reserved(t, "M1"))

	list, err := f.holds.List(ctx, "T1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	s2 := f.session("sess-2")
	_, err = f.holds.Resume(ctx, held.TicketID, s2)
	require.NoError(t, err)

	snap := s2.Snapshot()
	require.Len(t, snap.Lines, 2)
	assert.True(t, snap.GlobalDiscountPercent.Equal(decimal.NewFromInt(5)))
	assert.Equal(t, map[string]int{"M1": 3, "M2": 1}, f.reservations.Holdings("sess-2"))
	assert.Equal(t, 3, f.reserved(t, "M1"))
	assert.Equal(t, 1, f.reserved(t, "M2"))

	_, err = f.holds.Resume(ctx, held.TicketID, f.session("sess-3"))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHoldEmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.holds.Hold(context.Background(), f.session("sess-1"), "")
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestResumeIntoBusySession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s1 := f.session("sess-1")
	require.NoError(t, s1.AddItem(ctx, "M1", 1))
	held, err := f.holds.Hold(ctx, s1, "")
	require.NoError(t, err)

	require.NoError(t, s1.AddItem(ctx, "M2", 1))
	_, err = f.holds.Resume(ctx, held.TicketID, s1)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	list, err := f.holds.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConcurrentResumeHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-0")
	require.NoError(t, s.AddItem(ctx, "M1", 2))
	held, err := f.holds.Hold(ctx, s, "")
	require.NoError(t, err)

	var wins, notFound atomic.Int32
	var g errgroup.Group
	for i := range 10 {
		g.Go(func() error {
			_, err := f.holds.Resume(ctx, held.TicketID, f.session("sess-r"+string(rune('a'+i))))
			switch {
			case err == nil:
				wins.Add(1)
			case assert.ErrorIs(t, err, domain.ErrNotFound):
				notFound.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(9), notFound.Load())
	assert.Equal(t, 2, f.reserved(t, "M1"))
}

func TestDeleteReleasesStock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1")
	require.NoError(t, s.AddItem(ctx, "M1", 5))
	held, err := f.holds.Hold(ctx, s, "")
	require.NoError(t, err)

	require.NoError(t, f.holds.Delete(ctx, held.TicketID))
	assert.Equal(t, 0, f.reserved(t, "M1"))
	assert.Empty(t, f.reservations.Owners())

	require.ErrorIs(t, f.holds.Delete(ctx, held.TicketID), domain.ErrNotFound)
}

func TestResumeStaleTicketKeepsIt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1")
	require.NoError(t, s.AddItem(ctx, "M1", 2))
	held, err := f.holds.Hold(ctx, s, "")
	require.NoError(t, err)

	// The ticket's books drift from the snapshot, e.g. a partial release.
	require.NoError(t, f.reservations.DecreaseOrRemove(ctx, held.TicketID, "M1", 1))

	s2 := f.session("sess-2")
	_, err = f.holds.Resume(ctx, held.TicketID, s2)
	require.ErrorIs(t, err, domain.ErrStaleHold)
	assert.True(t, s2.Snapshot().IsEmpty())

	list, err := f.holds.List(ctx, "T1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, held.TicketID, list[0].TicketID)
}

type stuckRelease struct {
	*reservation.Manager
}

func (stuckRelease) ReleaseAll(context.Context, string) error {
	return errors.New("stock store unavailable")
}

func TestDeleteKeepsTicketWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1")
	require.NoError(t, s.AddItem(ctx, "M2", 3))
	held, err := f.holds.Hold(ctx, s, "")
	require.NoError(t, err)

	stuck := NewManager(f.holds.store, stuckRelease{f.reservations}, nil)
	require.Error(t, stuck.Delete(ctx, held.TicketID))

	kept, err := f.holds.Get(ctx, held.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 3, kept.Reservations["M2"])
	assert.Equal(t, 3, f.reserved(t, "M2"))

	require.NoError(t, f.holds.Delete(ctx, held.TicketID))
	assert.Equal(t, 0, f.reserved(t, "M2"))
	_, err = f.holds.Get(ctx, held.TicketID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
