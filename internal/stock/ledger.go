// Package stock owns the physical and reserved quantities of every stock unit.
//
// All quantity changes go through Ledger so that the invariant
// 0 <= reserved <= physical holds for each unit after every operation.
// Mutations of one unit are serialized by the backing store; different
// units proceed in parallel.
package stock

import (
	"context"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

type Ledger struct {
	store store.StockStore
	lg    *zap.Logger
}

func NewLedger(s store.StockStore, lg *zap.Logger) *Ledger {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Ledger{store: s, lg: lg.Named("stock")}
}

// Reserve moves qty from available to reserved. It fails with an
// *domain.InsufficientStockError when available < qty and leaves the unit unchanged.
func (l *Ledger) Reserve(ctx context.Context, unitID string, qty int) error {
	return l.apply(ctx, "reserve", unitID, qty, l.store.ReserveStock)
}

// Release returns qty from reserved to available.
func (l *Ledger) Release(ctx context.Context, unitID string, qty int) error {
	return l.apply(ctx, "release", unitID, qty, l.store.ReleaseStock)
}

// Consume removes qty from both physical and reserved at sale finalization.
func (l *Ledger) Consume(ctx context.Context, unitID string, qty int) error {
	return l.apply(ctx, "consume", unitID, qty, l.store.ConsumeStock)
}

// RevertConsume undoes a Consume whose sale could not be completed.
func (l *Ledger) RevertConsume(ctx context.Context, unitID string, qty int) error {
	return l.apply(ctx, "revert_consume", unitID, qty, l.store.RevertConsumedStock)
}

// Restore adds qty back to physical, for restocking returns and voids.
func (l *Ledger) Restore(ctx context.Context, unitID string, qty int) error {
	return l.apply(ctx, "restore", unitID, qty, l.store.RestoreStock)
}

// Receive books incoming stock.
func (l *Ledger) Receive(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	if qty <= 0 {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "receive %d of %s", qty, unitID)
	}
	unit, err := l.store.RestoreStock(ctx, unitID, qty)
	if err != nil {
		return nil, errors.Wrapf(err, "receive %s", unitID)
	}
	l.lg.Info("Stock received", zap.String("unit_id", unitID), zap.Int("qty", qty), zap.Int("physical", unit.PhysicalQty))
	return unit, nil
}

func (l *Ledger) Unit(ctx context.Context, unitID string) (*domain.StockUnit, error) {
	unit, err := l.store.GetStockUnit(ctx, unitID)
	if err != nil {
		return nil, errors.Wrapf(err, "get stock unit %s", unitID)
	}
	return unit, nil
}

func (l *Ledger) List(ctx context.Context) ([]domain.StockUnit, error) {
	units, err := l.store.ListStockUnits(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stock units")
	}
	return units, nil
}

// ResetReservations sets each unit's reserved quantity to the given totals.
// It is only safe while no reservation owner is active, i.e. during startup.
func (l *Ledger) ResetReservations(ctx context.Context, reserved map[string]int) error {
	if err := l.store.ResetReservedStock(ctx, reserved); err != nil {
		return errors.Wrap(err, "reset reserved stock")
	}
	return nil
}

type stockOp func(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error)

func (l *Ledger) apply(ctx context.Context, op string, unitID string, qty int, fn stockOp) error {
	if qty <= 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "%s %d of %s", op, qty, unitID)
	}

	unit, err := fn(ctx, unitID, qty)
	if err != nil {
		return errors.Wrapf(err, "%s %s", op, unitID)
	}
	if unit.ReservedQty < 0 || unit.ReservedQty > unit.PhysicalQty {
		l.lg.Error("Stock invariant violated",
			zap.String("op", op),
			zap.String("unit_id", unitID),
			zap.Int("physical", unit.PhysicalQty),
			zap.Int("reserved", unit.ReservedQty),
		)
		return errors.Wrapf(domain.ErrLedgerInvariant, "%s %s", op, unitID)
	}
	l.lg.Debug("Stock updated",
		zap.String("op", op),
		zap.String("unit_id", unitID),
		zap.Int("qty", qty),
		zap.Int("physical", unit.PhysicalQty),
		zap.Int("reserved", unit.ReservedQty),
	)
	return nil
}
