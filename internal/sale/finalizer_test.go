package sale

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/catalog"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/payment"
	"apotekpos/backend/internal/reservation"
	"apotekpos/backend/internal/shift"
	"apotekpos/backend/internal/stock"
	"apotekpos/backend/internal/store/memory"
)

var testNow = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type fixture struct {
	repo      *memory.Store
	ledger    *stock.Ledger
	shifts    *shift.Ledger
	finalizer *Finalizer
	cartDeps  cart.Deps
	shiftID   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	repo := memory.New()
	repo.PutProduct(domain.Product{UnitID: "M1", Name: "Paracetamol 500mg", Price: decimal.RequireFromString("10.00"), Active: true}, 100)
	repo.PutProduct(domain.Product{UnitID: "RX1", Name: "Amoxicillin 500mg", Price: decimal.RequireFromString("18.00"), PrescriptionRequired: true, Active: true}, 10)

	clock := func() time.Time { return testNow }
	ledger := stock.NewLedger(repo, nil)
	reservations := reservation.NewManager(ledger, nil)
	payments := payment.NewReconciler(
		[]string{domain.PaymentCash, domain.PaymentCard},
		[]string{domain.PaymentCash},
	)
	shifts := shift.NewLedger(repo, payments.IsCash, time.UTC, nil, shift.WithClock(clock))
	sh, err := shifts.Open(ctx, "kasir", "T1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	return fixture{
		repo:   repo,
		ledger: ledger,
		shifts: shifts,
		finalizer: NewFinalizer(Deps{
			Reservations: reservations,
			Stock:        ledger,
			Shifts:       shifts,
			Payments:     payments,
			Sales:        repo,
			Now:          clock,
		}, nil),
		cartDeps: cart.Deps{
			Reservations: reservations,
			Catalog:      catalog.NewDirectory(repo, nil, 0, nil),
			Stock:        ledger,
			TaxRate:      decimal.RequireFromString("0.14"),
		},
		shiftID: sh.ID,
	}
}

func (f fixture) session(id string, shiftID string) *cart.Session {
	return cart.NewSession(id, "T1", "kasir", shiftID, f.cartDeps)
}

func (f fixture) unit(t *testing.T, unitID string) domain.StockUnit {
	t.Helper()
	u, err := f.ledger.Unit(context.Background(), unitID)
	require.NoError(t, err)
	return *u
}

func cash(amount string) []domain.PaymentEntry {
	return []domain.PaymentEntry{{Method: domain.PaymentCash, Amount: decimal.RequireFromString(amount)}}
}

func TestFinalizeBasicSale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1", f.shiftID)

	require.NoError(t, s.AddItem(ctx, "M1", 5))
	assert.Equal(t, 95, f.unit(t, "M1").Available())

	sale, err := f.finalizer.Finalize(ctx, s, cash("60.00"))
	require.NoError(t, err)

	assert.Equal(t, "INV-20260504-000001", sale.InvoiceNumber)
	assert.Equal(t, "50.00", sale.Subtotal.StringFixed(2))
	assert.Equal(t, "7.00", sale.TaxAmount.StringFixed(2))
	assert.Equal(t, "57.00", sale.TotalAmount.StringFixed(2))
	assert.Equal(t, "3.00", sale.Change.StringFixed(2))
	assert.Equal(t, "57.00", sale.ByMethod[domain.PaymentCash].StringFixed(2))
	assert.Equal(t, domain.SaleStatusCompleted, sale.Status)
	require.Len(t, sale.Lines, 1)
	assert.NotEmpty(t, sale.Lines[0].LineID)

	u := f.unit(t, "M1")
	assert.Equal(t, 95, u.Available())
	assert.Equal(t, 95, u.PhysicalQty)
	assert.Equal(t, 0, u.ReservedQty)
	assert.True(t, s.Snapshot().IsEmpty())

	sh, err := f.shifts.Get(ctx, f.shiftID)
	require.NoError(t, err)
	assert.Equal(t, 1, sh.SaleCount)
	assert.Equal(t, "57.00", sh.ByMethod[domain.PaymentCash].StringFixed(2))
}

func TestFinalizeRequiresPrescription(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1", f.shiftID)
	require.NoError(t, s.AddItem(ctx, "RX1", 1))

	_, err := f.finalizer.Finalize(ctx, s, cash("50"))
	require.ErrorIs(t, err, domain.ErrPrescriptionRequired)
	assert.Equal(t, 1, f.unit(t, "RX1").ReservedQty)

	s.SetPrescription("RX/2026/0042")
	sale, err := f.finalizer.Finalize(ctx, s, cash("50"))
	require.NoError(t, err)
	assert.Equal(t, "RX/2026/0042", sale.PrescriptionRef)
}

func TestFinalizeWithoutOpenShift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.shifts.Close(ctx, f.shiftID, decimal.NewFromInt(1000))
	require.NoError(t, err)

	s := f.session("sess-1", f.shiftID)
	require.NoError(t, s.AddItem(ctx, "M1", 1))
	_, err = f.finalizer.Finalize(ctx, s, cash("20"))
	require.ErrorIs(t, err, domain.ErrNotOpen)
}

func TestRejectedCheckoutHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1", f.shiftID)
	require.NoError(t, s.AddItem(ctx, "M1", 5))

	_, err := f.finalizer.Finalize(ctx, s, cash("50.00"))
	var insufficient *domain.PaymentInsufficientError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, "7.00", insufficient.Remainder.StringFixed(2))

	u := f.unit(t, "M1")
	assert.Equal(t, 100, u.PhysicalQty)
	assert.Equal(t, 5, u.ReservedQty)
	assert.Len(t, s.Snapshot().Lines, 1)

	sales, err := f.repo.ListSalesByShift(ctx, f.shiftID)
	require.NoError(t, err)
	assert.Empty(t, sales)

	sale, err := f.finalizer.Finalize(ctx, s, cash("57.00"))
	require.NoError(t, err)
	assert.Equal(t, "INV-20260504-000001", sale.InvoiceNumber)
}

func TestFinalizeBlocksPendingOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1", f.shiftID)
	require.NoError(t, s.AddItem(ctx, "M1", 1))
	require.NoError(t, s.SetPriceOverride("M1", decimal.NewFromInt(5), "kasir"))

	_, err := f.finalizer.Finalize(ctx, s, cash("10"))
	require.ErrorIs(t, err, domain.ErrOverridePending)

	require.NoError(t, s.ApproveOverride("M1", "admin"))
	sale, err := f.finalizer.Finalize(ctx, s, cash("10"))
	require.NoError(t, err)
	assert.True(t, sale.Lines[0].PriceOverridden)
	assert.Equal(t, "5.70", sale.TotalAmount.StringFixed(2))
}

func TestFinalizeEmptyCart(t *testing.T) {
	f := newFixture(t)
	_, err := f.finalizer.Finalize(context.Background(), f.session("sess-1", f.shiftID), cash("1"))
	require.ErrorIs(t, err, domain.ErrEmptyCart)
}

func TestInvoiceNumbersIncrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var invoices []string
	for i := range 3 {
		s := f.session("sess-"+string(rune('a'+i)), f.shiftID)
		require.NoError(t, s.AddItem(ctx, "M1", 1))
		sale, err := f.finalizer.Finalize(ctx, s, cash("20"))
		require.NoError(t, err)
		invoices = append(invoices, sale.InvoiceNumber)
	}
	assert.Equal(t, []string{
		"INV-20260504-000001",
		"INV-20260504-000002",
		"INV-20260504-000003",
	}, invoices)
}

func TestVoidRestoresStockAndShift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1", f.shiftID)
	require.NoError(t, s.AddItem(ctx, "M1", 5))
	sale, err := f.finalizer.Finalize(ctx, s, cash("57"))
	require.NoError(t, err)

	_, err = f.finalizer.Void(ctx, sale.ID, " ")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	voided, err := f.finalizer.Void(ctx, sale.ID, "wrong customer")
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusVoided, voided.Status)
	require.NotNil(t, voided.VoidedAt)
	assert.Equal(t, 100, f.unit(t, "M1").PhysicalQty)

	sh, err := f.shifts.Get(ctx, f.shiftID)
	require.NoError(t, err)
	assert.Equal(t, 0, sh.SaleCount)
	assert.True(t, sh.Revenue.IsZero())

	_, err = f.finalizer.Void(ctx, sale.ID, "again")
	require.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestFormatInvoice(t *testing.T) {
	assert.Equal(t, "INV-20260101-000042", FormatInvoice("20260101", 42))
	assert.Equal(t, "INV-20260101-1234567", FormatInvoice("20260101", 1234567))
}

func TestVoidAfterShiftClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.session("sess-1", f.shiftID)
	require.NoError(t, s.AddItem(ctx, "M1", 1))
	sale, err := f.finalizer.Finalize(ctx, s, cash("20"))
	require.NoError(t, err)

	_, err = f.shifts.Close(ctx, f.shiftID, decimal.RequireFromString("1011.40"))
	require.NoError(t, err)

	_, err = f.finalizer.Void(ctx, sale.ID, "late void")
	require.ErrorIs(t, err, domain.ErrNotOpen)

	got, err := f.repo.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCompleted, got.Status)
}
