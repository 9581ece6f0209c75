package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"apotekpos/backend/internal/domain"
)

type fixture struct {
	store  *Store
	unitID string
	stamp  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	url := os.Getenv("APOTEK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("APOTEK_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()

	s, err := New(ctx, url, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	stamp := fmt.Sprintf("%d", time.Now().UnixNano())
	f := &fixture{store: s, unitID: "IT-" + stamp, stamp: stamp}

	_, err = s.pool.Exec(ctx, `INSERT INTO products (unit_id, name, price) VALUES ($1, $2, $3)`,
		f.unitID, "Integration Tablet "+stamp, decimal.RequireFromString("12500"))
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `INSERT INTO stock_units (unit_id, physical_qty) VALUES ($1, 10)`, f.unitID)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx := context.Background()
		for _, q := range []string{
			`DELETE FROM refund_lines WHERE sale_id IN (SELECT id FROM sales WHERE shift_id IN (SELECT id FROM shifts WHERE cashier_id = $1))`,
			`DELETE FROM refunds WHERE sale_id IN (SELECT id FROM sales WHERE shift_id IN (SELECT id FROM shifts WHERE cashier_id = $1))`,
			`DELETE FROM sale_lines WHERE sale_id IN (SELECT id FROM sales WHERE shift_id IN (SELECT id FROM shifts WHERE cashier_id = $1))`,
			`DELETE FROM sales WHERE shift_id IN (SELECT id FROM shifts WHERE cashier_id = $1)`,
			`DELETE FROM shift_method_totals WHERE shift_id IN (SELECT id FROM shifts WHERE cashier_id = $1)`,
			`DELETE FROM shifts WHERE cashier_id = $1`,
			`DELETE FROM held_transactions WHERE cashier_id = $1`,
			`DELETE FROM invoice_sequences WHERE day = $1`,
		} {
			_, _ = s.pool.Exec(ctx, q, f.cashier())
		}
		_, _ = s.pool.Exec(ctx, `DELETE FROM stock_units WHERE unit_id = $1`, f.unitID)
		_, _ = s.pool.Exec(ctx, `DELETE FROM products WHERE unit_id = $1`, f.unitID)
	})
	return f
}

func (f *fixture) cashier() string { return "it-cashier-" + f.stamp }

func TestStockLedgerIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unit, err := f.store.ReserveStock(ctx, f.unitID, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, unit.ReservedQty)
	assert.Equal(t, 3, unit.Available())

	_, err = f.store.ReserveStock(ctx, f.unitID, 4)
	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Available)

	unit, err = f.store.ConsumeStock(ctx, f.unitID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, unit.PhysicalQty)
	assert.Equal(t, 2, unit.ReservedQty)

	_, err = f.store.ReleaseStock(ctx, f.unitID, 3)
	require.ErrorIs(t, err, domain.ErrOverRelease)

	unit, err = f.store.ReleaseStock(ctx, f.unitID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, unit.ReservedQty)

	_, err = f.store.ReserveStock(ctx, "IT-missing-"+f.stamp, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHeldTransactionPopIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	held, err := f.store.CreateHeldTransaction(ctx, domain.HeldTransaction{
		TicketID:   "hold-" + f.stamp,
		TerminalID: "T-" + f.stamp,
		CashierID:  f.cashier(),
		Note:       "customer went to the car",
		Cart: domain.Cart{Lines: []domain.CartLine{{
			UnitID:          f.unitID,
			Name:            "Integration Tablet",
			Qty:             2,
			UnitPrice:       decimal.RequireFromString("12500"),
			DiscountPercent: decimal.Zero,
		}}},
		Reservations: map[string]int{f.unitID: 2},
		HeldAt:       time.Now().UTC(),
	})
	require.NoError(t, err)

	got, err := f.store.GetHeldTransaction(ctx, held.TicketID)
	require.NoError(t, err)
	assert.Equal(t, f.cashier(), got.CashierID)

	list, err := f.store.ListHeldTransactions(ctx, "T-"+f.stamp, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	popped, err := f.store.PopHeldTransaction(ctx, held.TicketID)
	require.NoError(t, err)
	assert.Equal(t, 2, popped.Reservations[f.unitID])

	_, err = f.store.PopHeldTransaction(ctx, held.TicketID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvoiceSequenceIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.store.NextInvoiceSequence(ctx, f.cashier())
	require.NoError(t, err)
	second, err := f.store.NextInvoiceSequence(ctx, f.cashier())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)

	_, err = f.store.NextInvoiceSequence(ctx, "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestShiftSaleRefundIntegration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	shift, err := f.store.CreateShift(ctx, domain.Shift{
		CashierID:   f.cashier(),
		TerminalID:  "T-" + f.stamp,
		OpeningCash: decimal.NewFromInt(100000),
	})
	require.NoError(t, err)
	_, err = f.store.CreateShift(ctx, domain.Shift{CashierID: f.cashier(), TerminalID: "T2"})
	require.ErrorIs(t, err, domain.ErrAlreadyOpen)

	price := decimal.RequireFromString("12500")
	sale, err := f.store.CreateSale(ctx, domain.Sale{
		ID:            "sale-" + f.stamp,
		InvoiceNumber: "INV-IT-" + f.stamp,
		SessionID:     "sess-" + f.stamp,
		TerminalID:    "T-" + f.stamp,
		CashierID:     f.cashier(),
		ShiftID:       shift.ID,
		Lines: []domain.SaleLine{
			{LineID: "L1", UnitID: f.unitID, Name: "Integration Tablet", Qty: 1, UnitPrice: price, DiscountPercent: decimal.Zero, LineSubtotal: price},
			{LineID: "L2", UnitID: f.unitID, Name: "Integration Tablet", Qty: 1, UnitPrice: price, DiscountPercent: decimal.Zero, LineSubtotal: price},
		},
		Subtotal:       decimal.NewFromInt(25000),
		DiscountAmount: decimal.Zero,
		TaxRate:        decimal.Zero,
		TaxAmount:      decimal.Zero,
		TotalAmount:    decimal.NewFromInt(25000),
		Payments:       []domain.PaymentEntry{{Method: "cash", Amount: decimal.NewFromInt(30000)}},
		Change:         decimal.NewFromInt(5000),
		ByMethod:       map[string]decimal.Decimal{"cash": decimal.NewFromInt(25000)},
		Status:         domain.SaleStatusCompleted,
		CreatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)

	shift, err = f.store.ApplyShiftDelta(ctx, shift.ID, domain.ShiftDelta{
		SaleCount: 1,
		Revenue:   sale.TotalAmount,
		ByMethod:  sale.ByMethod,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, shift.SaleCount)
	assert.Equal(t, "25000.00", shift.ByMethod["cash"].StringFixed(2))

	loaded, err := f.store.GetSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Lines, 2)
	assert.Equal(t, "L1", loaded.Lines[0].LineID)
	assert.Equal(t, "5000.00", loaded.Change.StringFixed(2))

	refunded, err := f.store.CreateRefund(ctx, domain.Refund{
		ID:        "refund-" + f.stamp,
		SaleID:    sale.ID,
		LineIDs:   []string{"L2"},
		Amount:    price,
		Reason:    "wrong strength",
		Restock:   true,
		CreatedBy: "pharmacist",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusPartiallyRefunded, refunded.Status)
	assert.Equal(t, []string{"L2"}, refunded.RefundedLineIDs)

	_, err = f.store.CreateRefund(ctx, domain.Refund{
		ID:      "refund-again-" + f.stamp,
		SaleID:  sale.ID,
		LineIDs: []string{"L2"},
		Amount:  price,
	})
	require.ErrorIs(t, err, domain.ErrInvalidSelection)

	refunds, err := f.store.ListRefunds(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, []string{"L2"}, refunds[0].LineIDs)

	_, err = f.store.VoidSale(ctx, sale.ID, "test", time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrInvalidState)

	closed, err := f.store.CloseShift(ctx, shift.ID, time.Now().UTC(), func(sh domain.Shift) domain.ClosingSummary {
		return domain.ClosingSummary{ShiftID: sh.ID, CashierID: sh.CashierID, SaleCount: sh.SaleCount}
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	require.NotNil(t, closed.Summary)
	assert.Equal(t, 1, closed.Summary.SaleCount)

	sales, err := f.store.ListSalesByShift(ctx, shift.ID)
	require.NoError(t, err)
	require.Len(t, sales, 1)
}
