package shift

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store/memory"
)

func isCash(method string) bool { return method == domain.PaymentCash }

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	return NewLedger(memory.New(), isCash, time.UTC, nil, opts...)
}

func cashSale(shiftID string, amount string) domain.Sale {
	total := decimal.RequireFromString(amount)
	return domain.Sale{
		InvoiceNumber: "INV-TEST",
		ShiftID:       shiftID,
		TotalAmount:   total,
		ByMethod:      map[string]decimal.Decimal{domain.PaymentCash: total},
	}
}

func TestCloseReconcilesCash(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	sh, err := l.Open(ctx, "kasir", "T1", decimal.NewFromInt(1000))
	require.NoError(t, err)

	for _, amount := range []string{"100", "75.50", "74.50"} {
		require.NoError(t, l.RecordSale(ctx, cashSale(sh.ID, amount)))
	}
	require.NoError(t, l.RecordSale(ctx, domain.Sale{
		ShiftID:     sh.ID,
		TotalAmount: decimal.NewFromInt(40),
		ByMethod:    map[string]decimal.Decimal{domain.PaymentCard: decimal.NewFromInt(40)},
	}))

	summary, err := l.Close(ctx, sh.ID, decimal.NewFromInt(1260))
	require.NoError(t, err)
	assert.Equal(t, "1250.00", summary.ExpectedCash.StringFixed(2))
	assert.Equal(t, "10.00", summary.Difference.StringFixed(2))
	assert.Equal(t, "290.00", summary.Revenue.StringFixed(2))
	assert.Equal(t, 4, summary.SaleCount)

	closed, err := l.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ShiftStatusClosed, closed.Status)
	require.NotNil(t, closed.Summary)
	assert.True(t, closed.Summary.Difference.Equal(decimal.NewFromInt(10)))
}

func TestOnlyOneOpenShiftPerCashier(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.Open(ctx, "kasir", "T1", decimal.Zero)
	require.NoError(t, err)
	_, err = l.Open(ctx, "kasir", "T2", decimal.Zero)
	require.ErrorIs(t, err, domain.ErrAlreadyOpen)

	_, err = l.Open(ctx, "apoteker", "T2", decimal.Zero)
	require.NoError(t, err)
}

func TestClosedShiftRejectsChanges(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	sh, err := l.Open(ctx, "kasir", "T1", decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = l.Close(ctx, sh.ID, decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = l.Close(ctx, sh.ID, decimal.NewFromInt(100))
	require.ErrorIs(t, err, domain.ErrNotOpen)
	require.ErrorIs(t, l.RecordSale(ctx, cashSale(sh.ID, "10")), domain.ErrNotOpen)

	_, err = l.Active(ctx, "kasir")
	require.ErrorIs(t, err, domain.ErrNotOpen)

	_, err = l.Open(ctx, "kasir", "T1", decimal.Zero)
	require.NoError(t, err)
}

func TestEnsureOpenToday(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 22, 0, 0, 0, time.UTC)
	l := newTestLedger(t, WithClock(func() time.Time { return now }))

	sh, err := l.Open(ctx, "kasir", "T1", decimal.Zero)
	require.NoError(t, err)

	_, err = l.EnsureOpenToday(ctx, sh.ID)
	require.NoError(t, err)

	now = now.Add(3 * time.Hour)
	_, err = l.EnsureOpenToday(ctx, sh.ID)
	require.ErrorIs(t, err, domain.ErrNotOpen)

	_, err = l.EnsureOpenToday(ctx, "shift-missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentSalesAccumulate(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	sh, err := l.Open(ctx, "kasir", "T1", decimal.Zero)
	require.NoError(t, err)

	var g errgroup.Group
	for range 100 {
		g.Go(func() error {
			return l.RecordSale(ctx, cashSale(sh.ID, "1.25"))
		})
	}
	require.NoError(t, g.Wait())

	got, err := l.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.SaleCount)
	assert.Equal(t, "125.00", got.Revenue.StringFixed(2))
}

func TestRevertSale(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	sh, err := l.Open(ctx, "kasir", "T1", decimal.Zero)
	require.NoError(t, err)
	sale := cashSale(sh.ID, "57")
	require.NoError(t, l.RecordSale(ctx, sale))
	require.NoError(t, l.RevertSale(ctx, sale))

	got, err := l.Get(ctx, sh.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.SaleCount)
	assert.True(t, got.Revenue.IsZero())
	assert.True(t, got.ByMethod[domain.PaymentCash].IsZero())
}
