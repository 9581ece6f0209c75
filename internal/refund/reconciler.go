// Package refund returns selected lines of a finalized sale.
package refund

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

type Stock interface {
	Restore(ctx context.Context, unitID string, qty int) error
}

type Reconciler struct {
	sales   store.SaleStore
	refunds store.RefundStore
	stock   Stock
	now     func() time.Time
	lg      *zap.Logger
}

func NewReconciler(sales store.SaleStore, refunds store.RefundStore, stock Stock, lg *zap.Logger) *Reconciler {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Reconciler{
		sales:   sales,
		refunds: refunds,
		stock:   stock,
		now:     time.Now,
		lg:      lg.Named("refund"),
	}
}

// Create refunds lineIDs of saleID. The amount is the sum of the frozen line
// subtotals. The store marks the lines refunded atomically, so of two
// refunds racing for the same line only one is accepted.
func (r *Reconciler) Create(ctx context.Context, saleID string, lineIDs []string, reason string, restock bool, createdBy string) (*domain.Refund, *domain.Sale, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, nil, errors.Wrap(domain.ErrInvalidInput, "refund reason required")
	}
	if len(lineIDs) == 0 {
		return nil, nil, errors.Wrap(domain.ErrInvalidSelection, "no lines selected")
	}

	sale, err := r.sales.GetSale(ctx, saleID)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "sale %s", saleID)
	}
	if sale.Status == domain.SaleStatusRefunded || sale.Status == domain.SaleStatusVoided {
		return nil, nil, errors.Wrapf(domain.ErrInvalidSelection, "sale %s is %s", saleID, sale.Status)
	}

	seen := make(map[string]struct{}, len(lineIDs))
	selected := make([]domain.SaleLine, 0, len(lineIDs))
	amount := decimal.Zero
	for _, id := range lineIDs {
		if _, dup := seen[id]; dup {
			return nil, nil, errors.Wrapf(domain.ErrInvalidSelection, "line %s selected twice", id)
		}
		seen[id] = struct{}{}

		line, ok := sale.Line(id)
		if !ok {
			return nil, nil, errors.Wrapf(domain.ErrInvalidSelection, "line %s is not part of sale %s", id, saleID)
		}
		if sale.IsLineRefunded(id) {
			return nil, nil, errors.Wrapf(domain.ErrInvalidSelection, "line %s already refunded", id)
		}
		selected = append(selected, line)
		amount = amount.Add(line.LineSubtotal)
	}

	refund := domain.Refund{
		ID:        xid.New("refund"),
		SaleID:    saleID,
		LineIDs:   lineIDs,
		Amount:    amount,
		Reason:    reason,
		Restock:   restock,
		CreatedBy: createdBy,
		CreatedAt: r.now().UTC(),
	}
	updated, err := r.refunds.CreateRefund(ctx, refund)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "refund sale %s", saleID)
	}

	if restock {
		for _, line := range selected {
			if err := r.stock.Restore(ctx, line.UnitID, line.Qty); err != nil {
				r.lg.Error("Restock refunded line",
					zap.String("refund_id", refund.ID),
					zap.String("unit_id", line.UnitID),
					zap.Int("qty", line.Qty),
					zap.Error(err),
				)
			}
		}
	}

	r.lg.Info("Refund created",
		zap.String("refund_id", refund.ID),
		zap.String("invoice", updated.InvoiceNumber),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("status", updated.Status),
	)
	return &refund, updated, nil
}

func (r *Reconciler) List(ctx context.Context, saleID string) ([]domain.Refund, error) {
	if _, err := r.sales.GetSale(ctx, saleID); err != nil {
		return nil, errors.Wrapf(err, "sale %s", saleID)
	}
	return r.refunds.ListRefunds(ctx, saleID)
}
