package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"apotekpos/backend/internal/domain"
)

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	a, err := actor(ctx)
	if err != nil {
		return domain.Shift{}, err
	}
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.Shift{}, errors.Wrap(domain.ErrInvalidInput, "terminal id required")
	}

	opened, err := s.shifts.Open(ctx, a.Username, req.TerminalID, req.OpeningCash)
	if err != nil {
		return domain.Shift{}, err
	}
	s.logAudit(ctx, "shift_open", "shift", opened.ID, fmt.Sprintf("terminal=%s,opening_cash=%s", req.TerminalID, req.OpeningCash.StringFixed(2)))
	return *opened, nil
}

func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.ClosingSummary, error) {
	if _, err := s.ownShift(ctx, shiftID); err != nil {
		return domain.ClosingSummary{}, err
	}

	summary, err := s.shifts.Close(ctx, shiftID, req.ActualCash)
	if err != nil {
		return domain.ClosingSummary{}, err
	}
	s.logAudit(ctx, "shift_close", "shift", shiftID, fmt.Sprintf("expected=%s,actual=%s,difference=%s",
		summary.ExpectedCash.StringFixed(2), summary.ActualCash.StringFixed(2), summary.Difference.StringFixed(2)))
	return *summary, nil
}

func (s *Service) GetShift(ctx context.Context, shiftID string) (domain.Shift, error) {
	sh, err := s.ownShift(ctx, shiftID)
	if err != nil {
		return domain.Shift{}, err
	}
	return *sh, nil
}

func (s *Service) ActiveShift(ctx context.Context) (domain.Shift, error) {
	a, err := actor(ctx)
	if err != nil {
		return domain.Shift{}, err
	}
	sh, err := s.shifts.Active(ctx, a.Username)
	if err != nil {
		return domain.Shift{}, err
	}
	return *sh, nil
}

func (s *Service) ownShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	a, err := actor(ctx)
	if err != nil {
		return nil, err
	}
	sh, err := s.shifts.Get(ctx, shiftID)
	if err != nil {
		return nil, errors.Wrapf(err, "shift %s", shiftID)
	}
	if sh.CashierID != a.Username && a.Role != domain.RoleAdmin {
		return nil, errors.Wrapf(domain.ErrForbidden, "shift %s belongs to another cashier", shiftID)
	}
	return sh, nil
}

// Checkout finalizes the session's cart into a sale. The session stays open
// with an empty cart for the next customer.
func (s *Service) Checkout(ctx context.Context, sessionID string, req domain.CheckoutRequest) (domain.Sale, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.Sale{}, err
	}

	sale, err := s.finalizer.Finalize(ctx, session, req.Payments)
	if err != nil {
		return domain.Sale{}, err
	}

	for method, amount := range sale.ByMethod {
		s.metrics.revenue.Add(ctx, amount.InexactFloat64(), metric.WithAttributes(attribute.String("method", method)))
	}
	s.metrics.salesFinalized.Add(ctx, 1, metric.WithAttributes(attribute.String("terminal_id", sale.TerminalID)))
	s.logAudit(ctx, "sale_finalize", "sale", sale.ID, fmt.Sprintf("invoice=%s,total=%s,lines=%d",
		sale.InvoiceNumber, sale.TotalAmount.StringFixed(2), len(sale.Lines)))
	return *sale, nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if _, err := actor(ctx); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, errors.Wrapf(err, "sale %s", saleID)
	}
	return *sale, nil
}

func (s *Service) ListShiftSales(ctx context.Context, shiftID string) ([]domain.Sale, error) {
	if _, err := s.ownShift(ctx, shiftID); err != nil {
		return nil, err
	}
	return s.repo.ListSalesByShift(ctx, shiftID)
}

// VoidSale cancels a completed sale. The HTTP layer checks the manager PIN first.
func (s *Service) VoidSale(ctx context.Context, saleID string, req domain.VoidRequest) (domain.Sale, error) {
	if _, err := actor(ctx); err != nil {
		return domain.Sale{}, err
	}
	voided, err := s.finalizer.Void(ctx, saleID, req.Reason)
	if err != nil {
		return domain.Sale{}, err
	}
	s.logAudit(ctx, "sale_void", "sale", saleID, fmt.Sprintf("invoice=%s,reason=%s", voided.InvoiceNumber, voided.VoidReason))
	return *voided, nil
}

func (s *Service) Refund(ctx context.Context, saleID string, req domain.RefundRequest) (domain.RefundResponse, error) {
	if err := requireRole(ctx, domain.RolePharmacist, domain.RoleAdmin); err != nil {
		return domain.RefundResponse{}, err
	}
	a, _ := ActorFromContext(ctx)

	created, sale, err := s.refunds.Create(ctx, saleID, req.LineIDs, req.Reason, req.Restock, a.Username)
	if err != nil {
		return domain.RefundResponse{}, err
	}
	s.metrics.refundsCreated.Add(ctx, 1, metric.WithAttributes(attribute.Bool("restock", req.Restock)))
	s.logAudit(ctx, "sale_refund", "sale", saleID, fmt.Sprintf("refund=%s,lines=%d,amount=%s,restock=%t",
		created.ID, len(created.LineIDs), created.Amount.StringFixed(2), created.Restock))
	return domain.RefundResponse{Refund: *created, Sale: *sale}, nil
}

func (s *Service) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	if _, err := actor(ctx); err != nil {
		return nil, err
	}
	return s.refunds.List(ctx, saleID)
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetStock(ctx context.Context, unitID string) (domain.StockUnit, error) {
	unit, err := s.stock.Unit(ctx, strings.TrimSpace(unitID))
	if err != nil {
		return domain.StockUnit{}, err
	}
	return *unit, nil
}

func (s *Service) ReceiveStock(ctx context.Context, unitID string, req domain.ReceiveStockRequest) (domain.StockUnit, error) {
	if err := requireRole(ctx, domain.RolePharmacist, domain.RoleAdmin); err != nil {
		return domain.StockUnit{}, err
	}
	unit, err := s.stock.Receive(ctx, strings.TrimSpace(unitID), req.Qty)
	if err != nil {
		return domain.StockUnit{}, err
	}
	s.logAudit(ctx, "stock_receive", "stock_unit", unit.UnitID, fmt.Sprintf("qty=%d,physical=%d", req.Qty, unit.PhysicalQty))
	return *unit, nil
}
