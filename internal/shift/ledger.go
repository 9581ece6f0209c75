// Package shift tracks cashier shifts and the per-method takings recorded
// against them.
package shift

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Ledger struct {
	store    store.ShiftStore
	isCash   func(method string) bool
	location *time.Location
	now      func() time.Time
	lg       *zap.Logger
}

type Option func(*Ledger)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger builds a shift ledger. isCash decides which payment buckets count
// towards the drawer; loc defines what "today" means for a shift.
func NewLedger(s store.ShiftStore, isCash func(method string) bool, loc *time.Location, lg *zap.Logger, opts ...Option) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	l := &Ledger{
		store:    s,
		isCash:   isCash,
		location: loc,
		now:      time.Now,
		lg:       lg.Named("shift"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Open(ctx context.Context, cashierID string, terminalID string, openingCash decimal.Decimal) (*domain.Shift, error) {
	if strings.TrimSpace(cashierID) == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "cashier id required")
	}
	if openingCash.IsNegative() {
		return nil, errors.Wrap(domain.ErrInvalidInput, "opening cash must not be negative")
	}

	opened, err := l.store.CreateShift(ctx, domain.Shift{
		ID:          xid.New("shift"),
		CashierID:   cashierID,
		TerminalID:  terminalID,
		OpeningCash: openingCash,
		Revenue:     decimal.Zero,
		ByMethod:    map[string]decimal.Decimal{},
		OpenedAt:    l.now().UTC(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open shift for %s", cashierID)
	}
	l.lg.Info("Shift opened",
		zap.String("shift_id", opened.ID),
		zap.String("cashier_id", cashierID),
		zap.String("opening_cash", openingCash.StringFixed(2)),
	)
	return opened, nil
}

func (l *Ledger) Get(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return l.store.GetShift(ctx, shiftID)
}

// Active returns the cashier's open shift, or ErrNotOpen.
func (l *Ledger) Active(ctx context.Context, cashierID string) (*domain.Shift, error) {
	sh, err := l.store.GetOpenShiftByCashier(ctx, cashierID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, errors.Wrapf(domain.ErrNotOpen, "no open shift for %s", cashierID)
	}
	return sh, err
}

// EnsureOpenToday fails unless the shift is open and was opened on the
// current calendar day.
func (l *Ledger) EnsureOpenToday(ctx context.Context, shiftID string) (*domain.Shift, error) {
	sh, err := l.store.GetShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if sh.Status != domain.ShiftStatusOpen {
		return nil, errors.Wrapf(domain.ErrNotOpen, "shift %s", shiftID)
	}
	if day(sh.OpenedAt.In(l.location)) != day(l.now().In(l.location)) {
		return nil, errors.Wrapf(domain.ErrNotOpen, "shift %s was opened on %s", shiftID, sh.OpenedAt.In(l.location).Format(time.DateOnly))
	}
	return sh, nil
}

// RecordSale adds a finalized sale to its shift's running totals.
func (l *Ledger) RecordSale(ctx context.Context, sale domain.Sale) error {
	_, err := l.store.ApplyShiftDelta(ctx, sale.ShiftID, domain.ShiftDelta{
		SaleCount: 1,
		Revenue:   sale.TotalAmount,
		ByMethod:  sale.ByMethod,
	})
	if err != nil {
		return errors.Wrapf(err, "record sale %s", sale.InvoiceNumber)
	}
	return nil
}

// RevertSale takes a sale back out of its shift's totals.
func (l *Ledger) RevertSale(ctx context.Context, sale domain.Sale) error {
	byMethod := make(map[string]decimal.Decimal, len(sale.ByMethod))
	for method, amount := range sale.ByMethod {
		byMethod[method] = amount.Neg()
	}
	_, err := l.store.ApplyShiftDelta(ctx, sale.ShiftID, domain.ShiftDelta{
		SaleCount: -1,
		Revenue:   sale.TotalAmount.Neg(),
		ByMethod:  byMethod,
	})
	if err != nil {
		return errors.Wrapf(err, "revert sale %s", sale.InvoiceNumber)
	}
	return nil
}

// Close seals the shift. The summary is computed from the totals as they
// stand at the moment of closing and never changes afterwards.
func (l *Ledger) Close(ctx context.Context, shiftID string, actualCash decimal.Decimal) (*domain.ClosingSummary, error) {
	if actualCash.IsNegative() {
		return nil, errors.Wrap(domain.ErrInvalidInput, "actual cash must not be negative")
	}

	closed, err := l.store.CloseShift(ctx, shiftID, l.now().UTC(), func(sh domain.Shift) domain.ClosingSummary {
		cashSales := decimal.Zero
		for method, amount := range sh.ByMethod {
			if l.isCash(method) {
				cashSales = cashSales.Add(amount)
			}
		}
		expected := sh.OpeningCash.Add(cashSales)
		byMethod := make(map[string]decimal.Decimal, len(sh.ByMethod))
		for method, amount := range sh.ByMethod {
			byMethod[method] = amount
		}
		return domain.ClosingSummary{
			ShiftID:      sh.ID,
			CashierID:    sh.CashierID,
			OpeningCash:  sh.OpeningCash,
			CashSales:    cashSales,
			ExpectedCash: expected,
			ActualCash:   actualCash,
			Difference:   actualCash.Sub(expected),
			SaleCount:    sh.SaleCount,
			Revenue:      sh.Revenue,
			ByMethod:     byMethod,
			ClosedAt:     *sh.ClosedAt,
		}
	})
	if err != nil {
		return nil, errors.Wrapf(err, "close shift %s", shiftID)
	}

	summary := *closed.Summary
	l.lg.Info("Shift closed",
		zap.String("shift_id", shiftID),
		zap.String("expected_cash", summary.ExpectedCash.StringFixed(2)),
		zap.String("actual_cash", summary.ActualCash.StringFixed(2)),
		zap.String("difference", summary.Difference.StringFixed(2)),
	)
	return &summary, nil
}

func day(t time.Time) string {
	return t.Format(time.DateOnly)
}
