// Package sale turns a paid cart into an immutable, numbered sale.
package sale

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/payment"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Reservations interface {
	Consume(ctx context.Context, owner string, unitID string, qty int) error
	RevertConsume(ctx context.Context, owner string, unitID string, qty int) error
	Holdings(owner string) map[string]int
}

type Stock interface {
	Restore(ctx context.Context, unitID string, qty int) error
}

type Shifts interface {
	Get(ctx context.Context, shiftID string) (*domain.Shift, error)
	EnsureOpenToday(ctx context.Context, shiftID string) (*domain.Shift, error)
	RecordSale(ctx context.Context, sale domain.Sale) error
	RevertSale(ctx context.Context, sale domain.Sale) error
}

type Deps struct {
	Reservations Reservations
	Stock        Stock
	Shifts       Shifts
	Payments     *payment.Reconciler
	// Sales also numbers invoices. The counter lives next to the sales it
	// numbers, so a restart or a lost cache can never reissue a number.
	Sales    store.SaleStore
	Location     *time.Location
	Now          func() time.Time
}

type Finalizer struct {
	deps Deps
	lg   *zap.Logger
}

func NewFinalizer(deps Deps, lg *zap.Logger) *Finalizer {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Finalizer{deps: deps, lg: lg.Named("sale")}
}

// FormatInvoice renders INV-YYYYMMDD-NNNNNN.
func FormatInvoice(day string, seq int64) string {
	return fmt.Sprintf("INV-%s-%06d", day, seq)
}

type consumed struct {
	unitID string
	qty    int
}

// Finalize checks every precondition before it touches stock, so a rejected
// checkout has no side effects and burns no invoice number. Once stock is
// consumed any later failure is compensated before returning.
func (f *Finalizer) Finalize(ctx context.Context, session *cart.Session, payments []domain.PaymentEntry) (*domain.Sale, error) {
	var sale *domain.Sale
	err := session.Exclusive(func(c *domain.Cart) error {
		if c.IsEmpty() {
			return domain.ErrEmptyCart
		}
		for _, line := range c.Lines {
			if line.Override != nil && line.Override.Status != domain.OverrideApproved {
				return errors.Wrapf(domain.ErrOverridePending, "line %s", line.UnitID)
			}
		}
		if needsPrescription(*c) && strings.TrimSpace(c.PrescriptionRef) == "" {
			return domain.ErrPrescriptionRequired
		}
		if _, err := f.deps.Shifts.EnsureOpenToday(ctx, session.ShiftID()); err != nil {
			return err
		}

		if !linesMatch(*c, f.deps.Reservations.Holdings(session.ID())) {
			return errors.Wrapf(domain.ErrLedgerInvariant, "session %s cart differs from its reservations", session.ID())
		}

		totals := cart.ComputeTotals(*c, session.TaxRate())
		paid, err := f.deps.Payments.Validate(totals.Total, payments)
		if err != nil {
			return err
		}

		draft := f.freeze(session, *c, totals, payments, paid)

		done := make([]consumed, 0, len(c.Lines))
		for _, line := range c.Lines {
			if err := f.deps.Reservations.Consume(ctx, session.ID(), line.UnitID, line.Qty); err != nil {
				f.lg.Error("Consume reserved stock",
					zap.String("session_id", session.ID()),
					zap.String("unit_id", line.UnitID),
					zap.Int("qty", line.Qty),
					zap.Error(err),
				)
				f.revertConsumed(ctx, session.ID(), done)
				return errors.Wrapf(domain.ErrLedgerInvariant, "consume %s: %v", line.UnitID, err)
			}
			done = append(done, consumed{unitID: line.UnitID, qty: line.Qty})
		}

		now := f.deps.Now()
		day := now.In(f.deps.Location).Format("20060102")
		seq, err := f.deps.Sales.NextInvoiceSequence(ctx, day)
		if err != nil {
			f.revertConsumed(ctx, session.ID(), done)
			return errors.Wrap(err, "allocate invoice number")
		}
		draft.InvoiceNumber = FormatInvoice(day, seq)
		draft.CreatedAt = now.UTC()

		if err := f.deps.Shifts.RecordSale(ctx, draft); err != nil {
			f.revertConsumed(ctx, session.ID(), done)
			return err
		}
		saved, err := f.deps.Sales.CreateSale(ctx, draft)
		if err != nil {
			if rerr := f.deps.Shifts.RevertSale(ctx, draft); rerr != nil {
				f.lg.Error("Revert shift totals", zap.String("invoice", draft.InvoiceNumber), zap.Error(rerr))
			}
			f.revertConsumed(ctx, session.ID(), done)
			return errors.Wrap(err, "save sale")
		}

		*c = domain.Cart{}
		sale = saved
		return nil
	})
	if err != nil {
		return nil, err
	}

	f.lg.Info("Sale finalized",
		zap.String("invoice", sale.InvoiceNumber),
		zap.String("shift_id", sale.ShiftID),
		zap.String("total", sale.TotalAmount.StringFixed(2)),
		zap.String("change", sale.Change.StringFixed(2)),
	)
	return sale, nil
}

func (f *Finalizer) freeze(session *cart.Session, c domain.Cart, totals domain.Totals, payments []domain.PaymentEntry, paid payment.Result) domain.Sale {
	lines := make([]domain.SaleLine, len(c.Lines))
	for i, line := range c.Lines {
		lines[i] = domain.SaleLine{
			LineID:          xid.New("line"),
			UnitID:          line.UnitID,
			Name:            line.Name,
			Qty:             line.Qty,
			UnitPrice:       line.EffectivePrice(),
			DiscountPercent: line.DiscountPercent,
			LineSubtotal:    cart.LineSubtotal(line).Round(2),
			PriceOverridden: line.Override != nil,
		}
	}

	entries := make([]domain.PaymentEntry, len(payments))
	for i, p := range payments {
		entries[i] = domain.PaymentEntry{
			Method:    strings.ToLower(strings.TrimSpace(p.Method)),
			Amount:    p.Amount.Round(2),
			Reference: strings.TrimSpace(p.Reference),
		}
	}

	var customer *domain.CustomerRef
	if c.Customer != nil {
		ref := *c.Customer
		customer = &ref
	}

	return domain.Sale{
		ID:              xid.New("sale"),
		SessionID:       session.ID(),
		TerminalID:      session.TerminalID(),
		CashierID:       session.CashierID(),
		ShiftID:         session.ShiftID(),
		Lines:           lines,
		Subtotal:        totals.Subtotal,
		DiscountAmount:  totals.DiscountAmount,
		TaxRate:         session.TaxRate(),
		TaxAmount:       totals.TaxAmount,
		TotalAmount:     totals.Total,
		Payments:        entries,
		Change:          paid.Change.Round(2),
		ByMethod:        paid.ByMethod,
		Customer:        customer,
		PrescriptionRef: strings.TrimSpace(c.PrescriptionRef),
		Status:          domain.SaleStatusCompleted,
	}
}

func (f *Finalizer) revertConsumed(ctx context.Context, owner string, done []consumed) {
	for _, item := range done {
		if err := f.deps.Reservations.RevertConsume(ctx, owner, item.unitID, item.qty); err != nil {
			f.lg.Error("Revert consumed stock",
				zap.String("owner", owner),
				zap.String("unit_id", item.unitID),
				zap.Int("qty", item.qty),
				zap.Error(err),
			)
		}
	}
}

// Void cancels a completed sale: takings leave the shift and the goods go back on the shelf.
func (f *Finalizer) Void(ctx context.Context, saleID string, reason string) (*domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "void reason required")
	}

	existing, err := f.deps.Sales.GetSale(ctx, saleID)
	if err != nil {
		return nil, errors.Wrapf(err, "sale %s", saleID)
	}
	sh, err := f.deps.Shifts.Get(ctx, existing.ShiftID)
	if err != nil {
		return nil, errors.Wrapf(err, "shift of sale %s", saleID)
	}
	if sh.Status != domain.ShiftStatusOpen {
		return nil, errors.Wrapf(domain.ErrNotOpen, "sale %s belongs to closed shift %s", saleID, sh.ID)
	}

	voided, err := f.deps.Sales.VoidSale(ctx, saleID, reason, f.deps.Now().UTC())
	if err != nil {
		return nil, errors.Wrapf(err, "void sale %s", saleID)
	}

	if err := f.deps.Shifts.RevertSale(ctx, *voided); err != nil {
		f.lg.Error("Void not reflected in shift totals", zap.String("invoice", voided.InvoiceNumber), zap.Error(err))
	}
	for _, line := range voided.Lines {
		if err := f.deps.Stock.Restore(ctx, line.UnitID, line.Qty); err != nil {
			f.lg.Error("Restore stock for voided sale",
				zap.String("invoice", voided.InvoiceNumber),
				zap.String("unit_id", line.UnitID),
				zap.Error(err),
			)
		}
	}

	f.lg.Info("Sale voided", zap.String("invoice", voided.InvoiceNumber), zap.String("reason", reason))
	return voided, nil
}

func linesMatch(c domain.Cart, holdings map[string]int) bool {
	if len(holdings) != len(c.Lines) {
		return false
	}
	for _, line := range c.Lines {
		if holdings[line.UnitID] != line.Qty {
			return false
		}
	}
	return true
}

func needsPrescription(c domain.Cart) bool {
	for _, line := range c.Lines {
		if line.PrescriptionRequired {
			return true
		}
	}
	return false
}
