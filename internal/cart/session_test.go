package cart

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apotekpos/backend/internal/catalog"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/reservation"
	"apotekpos/backend/internal/stock"
	"apotekpos/backend/internal/store/memory"
)

type fixture struct {
	session *Session
	ledger  *stock.Ledger
	manager *reservation.Manager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	repo.PutProduct(domain.Product{UnitID: "M1", Name: "Paracetamol 500mg", Price: decimal.RequireFromString("10.00"), Active: true}, 100)
	repo.PutProduct(domain.Product{UnitID: "M2", Name: "Amoxicillin 500mg", Price: decimal.RequireFromString("20.00"), PrescriptionRequired: true, Active: true}, 3)

	ledger := stock.NewLedger(repo, nil)
	manager := reservation.NewManager(ledger, nil)
	s := NewSession("sess-1", "T1", "kasir", "shift-1", Deps{
		Reservations: manager,
		Catalog:      catalog.NewDirectory(repo, nil, 0, nil),
		Stock:        ledger,
		TaxRate:      decimal.RequireFromString("0.14"),
	})
	return fixture{session: s, ledger: ledger, manager: manager}
}

func (f fixture) unit(t *testing.T, unitID string) domain.StockUnit {
	t.Helper()
	u, err := f.ledger.Unit(context.Background(), unitID)
	require.NoError(t, err)
	return *u
}

func TestAddItemReservesAndTotals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 5))

	u := f.unit(t, "M1")
	assert.Equal(t, 5, u.ReservedQty)
	assert.Equal(t, 95, u.Available())

	totals := f.session.Totals()
	assert.Equal(t, "50", totals.Subtotal.String())
	assert.Equal(t, "7", totals.TaxAmount.String())
	assert.Equal(t, "57", totals.Total.String())
	assert.True(t, totals.DiscountAmount.IsZero())
}

func TestAddItemMergesLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 2))
	require.NoError(t, f.session.AddItem(ctx, "M1", 3))

	snap := f.session.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 5, snap.Lines[0].Qty)
	assert.Equal(t, 5, f.manager.Reserved("sess-1", "M1"))
}

func TestSetQuantityInsufficientKeepsLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M2", 1))

	err := f.session.SetQuantity(ctx, "M2", 5)
	var insufficient *domain.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.ErrorIs(t, err, domain.ErrInsufficientStock)

	snap := f.session.Snapshot()
	require.Len(t, snap.Lines, 1)
	assert.Equal(t, 1, snap.Lines[0].Qty)
	assert.Equal(t, 1, f.unit(t, "M2").ReservedQty)

	max, err := f.session.MaxQuantity(ctx, "M2")
	require.NoError(t, err)
	assert.Equal(t, 3, max)
	require.NoError(t, f.session.SetQuantity(ctx, "M2", max))
}

func TestFirstAddInsufficientLeavesCartEmpty(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.ErrorIs(t, f.session.AddItem(ctx, "M2", 5), domain.ErrInsufficientStock)
	assert.True(t, f.session.Snapshot().IsEmpty())
	assert.Equal(t, 0, f.unit(t, "M2").ReservedQty)
}

func TestSetQuantityDownAndZero(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 5))
	require.NoError(t, f.session.SetQuantity(ctx, "M1", 2))
	assert.Equal(t, 2, f.unit(t, "M1").ReservedQty)

	require.NoError(t, f.session.SetQuantity(ctx, "M1", 0))
	assert.True(t, f.session.Snapshot().IsEmpty())
	assert.Equal(t, 0, f.unit(t, "M1").ReservedQty)

	require.ErrorIs(t, f.session.SetQuantity(ctx, "M1", 1), domain.ErrNotFound)
}

func TestClearReleasesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 4))
	require.NoError(t, f.session.AddItem(ctx, "M2", 2))
	f.session.SetPrescription("RX-1")

	require.NoError(t, f.session.Clear(ctx))

	snap := f.session.Snapshot()
	assert.True(t, snap.IsEmpty())
	assert.Empty(t, snap.PrescriptionRef)
	assert.Equal(t, 0, f.unit(t, "M1").ReservedQty)
	assert.Equal(t, 0, f.unit(t, "M2").ReservedQty)
	assert.Empty(t, f.manager.Holdings("sess-1"))
}

func TestDiscountsAreClampedAndApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 10))
	require.NoError(t, f.session.SetLineDiscount("M1", decimal.NewFromInt(10)))
	f.session.SetGlobalDiscount(decimal.NewFromInt(150))

	snap := f.session.Snapshot()
	assert.True(t, snap.GlobalDiscountPercent.Equal(decimal.NewFromInt(100)))

	f.session.SetGlobalDiscount(decimal.NewFromInt(50))
	totals := f.session.Totals()
	assert.Equal(t, "90", totals.Subtotal.String())
	assert.Equal(t, "45", totals.DiscountAmount.String())
	assert.Equal(t, "6.3", totals.TaxAmount.String())
	assert.Equal(t, "51.3", totals.Total.String())
}

func TestPriceOverrideLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 2))
	require.NoError(t, f.session.SetPriceOverride("M1", decimal.RequireFromString("8.00"), "kasir"))

	line := f.session.Snapshot().Lines[0]
	require.NotNil(t, line.Override)
	assert.Equal(t, domain.OverridePending, line.Override.Status)
	assert.True(t, line.Override.OriginalPrice.Equal(decimal.RequireFromString("10.00")))

	require.NoError(t, f.session.ApproveOverride("M1", "admin"))
	line = f.session.Snapshot().Lines[0]
	assert.Equal(t, domain.OverrideApproved, line.Override.Status)
	assert.Equal(t, "16", f.session.Totals().Subtotal.String())

	require.ErrorIs(t, f.session.ApproveOverride("M2", "admin"), domain.ErrNotFound)
	require.ErrorIs(t, f.session.SetPriceOverride("M1", decimal.NewFromInt(-1), "kasir"), domain.ErrInvalidInput)
}

func TestClearOverrideRestoresCatalogPrice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.session.AddItem(ctx, "M1", 2))
	require.NoError(t, f.session.SetPriceOverride("M1", decimal.RequireFromString("8.00"), "kasir"))
	assert.Equal(t, "16", f.session.Totals().Subtotal.String())

	require.NoError(t, f.session.ClearOverride("M1"))
	line := f.session.Snapshot().Lines[0]
	assert.Nil(t, line.Override)
	assert.Equal(t, "20", f.session.Totals().Subtotal.String())

	require.ErrorIs(t, f.session.ClearOverride("M1"), domain.ErrNotFound)
	require.ErrorIs(t, f.session.ClearOverride("M2"), domain.ErrNotFound)
}

func TestComputeTotalsRoundsOnce(t *testing.T) {
	c := domain.Cart{
		Lines: []domain.CartLine{
			{UnitID: "A", Qty: 3, UnitPrice: decimal.RequireFromString("0.335"), DiscountPercent: decimal.Zero},
		},
		GlobalDiscountPercent: decimal.Zero,
	}
	totals := ComputeTotals(c, decimal.Zero)
	assert.Equal(t, "1.01", totals.Subtotal.String())
	assert.Equal(t, "1.01", totals.Total.String())
}
