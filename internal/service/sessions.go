package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/xid"
)

// OpenSession starts a register session for the calling cashier on their open shift.
func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionView, error) {
	a, err := actor(ctx)
	if err != nil {
		return domain.SessionView{}, err
	}
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" {
		return domain.SessionView{}, errors.Wrap(domain.ErrInvalidInput, "terminal id required")
	}

	sh, err := s.shifts.Active(ctx, a.Username)
	if err != nil {
		return domain.SessionView{}, err
	}

	session := cart.NewSession(xid.New("sess"), req.TerminalID, a.Username, sh.ID, cart.Deps{
		Reservations: s.reservations,
		Catalog:      s.catalog,
		Stock:        s.stock,
		TaxRate:      s.taxRate,
	})

	s.mu.Lock()
	s.sessions[session.ID()] = session
	s.mu.Unlock()

	s.lg.Info("Session opened",
		zap.String("session_id", session.ID()),
		zap.String("terminal_id", req.TerminalID),
		zap.String("cashier_id", a.Username),
	)
	return view(session), nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.SessionView, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	return view(session), nil
}

// CloseSession releases whatever the session still reserves and forgets it.
func (s *Service) CloseSession(ctx context.Context, sessionID string) error {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := session.Clear(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Service) AddItem(ctx context.Context, sessionID string, req domain.AddItemRequest) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		unitID := strings.TrimSpace(req.UnitID)
		err := session.AddItem(ctx, unitID, req.Qty)
		s.observeStockError(ctx, unitID, err)
		return err
	})
}

func (s *Service) SetQuantity(ctx context.Context, sessionID string, unitID string, req domain.SetQuantityRequest) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		err := session.SetQuantity(ctx, unitID, req.Qty)
		s.observeStockError(ctx, unitID, err)
		return err
	})
}

func (s *Service) RemoveItem(ctx context.Context, sessionID string, unitID string) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		return session.RemoveItem(ctx, unitID)
	})
}

func (s *Service) SetLineDiscount(ctx context.Context, sessionID string, unitID string, req domain.DiscountRequest) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		return session.SetLineDiscount(unitID, req.Percent)
	})
}

func (s *Service) SetGlobalDiscount(ctx context.Context, sessionID string, req domain.DiscountRequest) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		session.SetGlobalDiscount(req.Percent)
		return nil
	})
}

// RequestPriceOverride sets a line price that stays pending until a manager approves it.
func (s *Service) RequestPriceOverride(ctx context.Context, sessionID string, unitID string, req domain.PriceOverrideRequest) (domain.SessionView, error) {
	a, err := actor(ctx)
	if err != nil {
		return domain.SessionView{}, err
	}
	out, err := s.mutate(ctx, sessionID, func(session *cart.Session) error {
		return session.SetPriceOverride(unitID, req.Price, a.Username)
	})
	if err != nil {
		return domain.SessionView{}, err
	}
	s.logAudit(ctx, "price_override_request", "session", sessionID, fmt.Sprintf("unit=%s,price=%s", unitID, req.Price.StringFixed(2)))
	return out, nil
}

// ApprovePriceOverride records the approval. The caller has already checked the manager PIN.
func (s *Service) ApprovePriceOverride(ctx context.Context, sessionID string, unitID string) (domain.SessionView, error) {
	a, err := actor(ctx)
	if err != nil {
		return domain.SessionView{}, err
	}
	out, err := s.mutate(ctx, sessionID, func(session *cart.Session) error {
		return session.ApproveOverride(unitID, a.Username)
	})
	if err != nil {
		return domain.SessionView{}, err
	}
	s.logAudit(ctx, "price_override_approve", "session", sessionID, "unit="+unitID)
	return out, nil
}

// ClearPriceOverride drops a line's override so the catalog price applies again.
func (s *Service) ClearPriceOverride(ctx context.Context, sessionID string, unitID string) (domain.SessionView, error) {
	out, err := s.mutate(ctx, sessionID, func(session *cart.Session) error {
		return session.ClearOverride(unitID)
	})
	if err != nil {
		return domain.SessionView{}, err
	}
	s.logAudit(ctx, "price_override_clear", "session", sessionID, "unit="+unitID)
	return out, nil
}

// ItemAvailability reports the quantity in the cart and the most the line can be raised to.
func (s *Service) ItemAvailability(ctx context.Context, sessionID string, unitID string) (domain.ItemAvailability, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.ItemAvailability{}, err
	}
	maxQty, err := session.MaxQuantity(ctx, unitID)
	if err != nil {
		return domain.ItemAvailability{}, err
	}
	out := domain.ItemAvailability{UnitID: unitID, MaxQuantity: maxQty}
	c := session.Snapshot()
	if i, ok := c.Line(unitID); ok {
		out.Qty = c.Lines[i].Qty
	}
	return out, nil
}

func (s *Service) SetCustomer(ctx context.Context, sessionID string, req domain.CustomerRequest) (domain.SessionView, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return s.mutate(ctx, sessionID, func(session *cart.Session) error {
			session.SetCustomer(nil)
			return nil
		})
	}

	// Resolve before taking the session lock.
	ref, err := s.catalog.ResolveCustomer(ctx, query)
	if err != nil {
		return domain.SessionView{}, err
	}
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		session.SetCustomer(ref)
		return nil
	})
}

func (s *Service) SetPrescription(ctx context.Context, sessionID string, req domain.PrescriptionRequest) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		session.SetPrescription(strings.TrimSpace(req.Reference))
		return nil
	})
}

func (s *Service) ClearCart(ctx context.Context, sessionID string) (domain.SessionView, error) {
	return s.mutate(ctx, sessionID, func(session *cart.Session) error {
		return session.Clear(ctx)
	})
}

func (s *Service) HoldCart(ctx context.Context, sessionID string, req domain.HoldRequest) (domain.HeldTransaction, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.HeldTransaction{}, err
	}
	held, err := s.holds.Hold(ctx, session, req.Note)
	if err != nil {
		return domain.HeldTransaction{}, err
	}
	s.metrics.heldTransactions.Add(ctx, 1)
	s.logAudit(ctx, "cart_hold", "held_transaction", held.TicketID, fmt.Sprintf("session=%s,lines=%d", sessionID, len(held.Cart.Lines)))
	return *held, nil
}

func (s *Service) ResumeHeldCart(ctx context.Context, sessionID string, ticketID string) (domain.SessionView, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := s.ownTicket(ctx, ticketID); err != nil {
		return domain.SessionView{}, err
	}
	if _, err := s.holds.Resume(ctx, ticketID, session); err != nil {
		return domain.SessionView{}, err
	}
	s.metrics.heldTransactions.Add(ctx, -1)
	s.logAudit(ctx, "cart_resume", "held_transaction", ticketID, "session="+sessionID)
	return view(session), nil
}

func (s *Service) ListHeldCarts(ctx context.Context, terminalID string, limit int) (domain.HeldListResponse, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	items, err := s.holds.List(ctx, strings.TrimSpace(terminalID), limit)
	if err != nil {
		return domain.HeldListResponse{}, err
	}
	return domain.HeldListResponse{Items: items}, nil
}

func (s *Service) DiscardHeldCart(ctx context.Context, ticketID string) error {
	if err := s.ownTicket(ctx, ticketID); err != nil {
		return err
	}
	if err := s.holds.Delete(ctx, ticketID); err != nil {
		return err
	}
	s.metrics.heldTransactions.Add(ctx, -1)
	s.logAudit(ctx, "cart_discard", "held_transaction", ticketID, "")
	return nil
}

// ownTicket lets only the cashier who parked a ticket, or an admin, touch it.
func (s *Service) ownTicket(ctx context.Context, ticketID string) error {
	a, err := actor(ctx)
	if err != nil {
		return err
	}
	held, err := s.holds.Get(ctx, ticketID)
	if err != nil {
		return err
	}
	if held.CashierID != a.Username && a.Role != domain.RoleAdmin {
		return errors.Wrapf(domain.ErrForbidden, "held transaction %s belongs to another cashier", ticketID)
	}
	return nil
}

// session looks up a register session. Only its cashier and admins may use it.
func (s *Service) session(ctx context.Context, sessionID string) (*cart.Session, error) {
	a, err := actor(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(domain.ErrNotFound, "session %s", sessionID)
	}
	if session.CashierID() != a.Username && a.Role != domain.RoleAdmin {
		return nil, errors.Wrapf(domain.ErrForbidden, "session %s belongs to another cashier", sessionID)
	}
	return session, nil
}

func (s *Service) mutate(ctx context.Context, sessionID string, fn func(session *cart.Session) error) (domain.SessionView, error) {
	session, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := fn(session); err != nil {
		return domain.SessionView{}, err
	}
	return view(session), nil
}

func view(session *cart.Session) domain.SessionView {
	c := session.Snapshot()
	if c.Lines == nil {
		c.Lines = []domain.CartLine{}
	}
	return domain.SessionView{
		ID:         session.ID(),
		TerminalID: session.TerminalID(),
		CashierID:  session.CashierID(),
		ShiftID:    session.ShiftID(),
		Cart:       c,
		Totals:     cart.ComputeTotals(c, session.TaxRate()),
	}
}
