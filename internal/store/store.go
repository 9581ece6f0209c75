package store

import (
	"context"
	"time"

	"apotekpos/backend/internal/domain"
)

// StockStore applies quantity changes to a single stock unit atomically.
// Implementations return domain.ErrNotFound for unknown units.
type StockStore interface {
	GetStockUnit(ctx context.Context, unitID string) (*domain.StockUnit, error)
	ListStockUnits(ctx context.Context) ([]domain.StockUnit, error)
	ReserveStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error)
	ReleaseStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error)
	ConsumeStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error)
	RevertConsumedStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error)
	RestoreStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error)
	// ResetReservedStock sets every unit's reserved quantity to the given value (zero when absent).
	ResetReservedStock(ctx context.Context, reserved map[string]int) error
}

type ProductStore interface {
	GetProduct(ctx context.Context, unitID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	FindCustomer(ctx context.Context, query string) (*domain.Customer, error)
}

type HoldStore interface {
	CreateHeldTransaction(ctx context.Context, held domain.HeldTransaction) (*domain.HeldTransaction, error)
	GetHeldTransaction(ctx context.Context, ticketID string) (*domain.HeldTransaction, error)
	ListHeldTransactions(ctx context.Context, terminalID string, limit int) ([]domain.HeldTransaction, error)
	// PopHeldTransaction removes and returns the ticket; exactly one concurrent caller wins.
	PopHeldTransaction(ctx context.Context, ticketID string) (*domain.HeldTransaction, error)
}

type SaleStore interface {
	NextInvoiceSequence(ctx context.Context, day string) (int64, error)
	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSalesByShift(ctx context.Context, shiftID string) ([]domain.Sale, error)
	VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error)
}

type RefundStore interface {
	// CreateRefund records the refund and marks its lines refunded on the sale in one step.
	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Sale, error)
	ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error)
}

type ShiftStore interface {
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	GetOpenShiftByCashier(ctx context.Context, cashierID string) (*domain.Shift, error)
	ApplyShiftDelta(ctx context.Context, shiftID string, delta domain.ShiftDelta) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, closedAt time.Time, summarize func(domain.Shift) domain.ClosingSummary) (*domain.Shift, error)
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	StockStore
	ProductStore
	HoldStore
	SaleStore
	RefundStore
	ShiftStore
	AuditStore
	UserStore
}

// RefundStatus derives a sale's status from the lines refunded so far.
func RefundStatus(sale domain.Sale) string {
	if len(sale.RefundedLineIDs) == 0 {
		return sale.Status
	}
	for _, line := range sale.Lines {
		if !sale.IsLineRefunded(line.LineID) {
			return domain.SaleStatusPartiallyRefunded
		}
	}
	return domain.SaleStatusRefunded
}
