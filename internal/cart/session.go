// Package cart holds the live cart of one register session.
//
// Every quantity change reserves (or releases) stock before the cart line is
// touched, so a line quantity always equals the session's reservation for
// that unit.
package cart

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/catalog"
	"apotekpos/backend/internal/domain"
)

type Reservations interface {
	AddOrIncrease(ctx context.Context, owner string, unitID string, delta int) error
	DecreaseOrRemove(ctx context.Context, owner string, unitID string, delta int) error
	ReleaseAll(ctx context.Context, owner string) error
	Reserved(owner string, unitID string) int
}

type StockReader interface {
	Unit(ctx context.Context, unitID string) (*domain.StockUnit, error)
}

type Deps struct {
	Reservations Reservations
	Catalog      catalog.Catalog
	Stock        StockReader
	TaxRate      decimal.Decimal
}

// Session is a register session: one terminal, one cashier, one live cart.
type Session struct {
	id         string
	terminalID string
	cashierID  string
	shiftID    string
	openedAt   time.Time
	deps       Deps

	mu   sync.Mutex
	cart domain.Cart
}

func NewSession(id string, terminalID string, cashierID string, shiftID string, deps Deps) *Session {
	return &Session{
		id:         id,
		terminalID: terminalID,
		cashierID:  cashierID,
		shiftID:    shiftID,
		openedAt:   time.Now().UTC(),
		deps:       deps,
	}
}

func (s *Session) ID() string         { return s.id }
func (s *Session) TerminalID() string { return s.terminalID }
func (s *Session) CashierID() string  { return s.cashierID }
func (s *Session) ShiftID() string    { return s.shiftID }
func (s *Session) TaxRate() decimal.Decimal {
	return s.deps.TaxRate
}

// Exclusive runs fn with the session locked and the live cart exposed.
// Holding and finalizing use it to act on the cart and its reservations as one step.
func (s *Session) Exclusive(fn func(cart *domain.Cart) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&s.cart)
}

func (s *Session) Snapshot() domain.Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cart.Clone()
}

func (s *Session) Totals() domain.Totals {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeTotals(s.cart, s.deps.TaxRate)
}

// AddItem reserves qty more of unitID and adds it to the cart, merging into an existing line.
func (s *Session) AddItem(ctx context.Context, unitID string, qty int) error {
	if qty <= 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "quantity %d", qty)
	}
	product, err := s.deps.Catalog.Product(ctx, unitID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deps.Reservations.AddOrIncrease(ctx, s.id, unitID, qty); err != nil {
		return err
	}
	if i, ok := s.cart.Line(unitID); ok {
		s.cart.Lines[i].Qty += qty
		return nil
	}
	s.cart.Lines = append(s.cart.Lines, domain.CartLine{
		UnitID:               unitID,
		Name:                 product.Name,
		Qty:                  qty,
		UnitPrice:            product.Price,
		DiscountPercent:      decimal.Zero,
		PrescriptionRequired: product.PrescriptionRequired,
	})
	return nil
}

// SetQuantity changes a line to newQty; zero removes the line. When stock
// cannot cover the increase the line keeps its previous quantity.
func (s *Session) SetQuantity(ctx context.Context, unitID string, newQty int) error {
	if newQty < 0 {
		return errors.Wrapf(domain.ErrInvalidInput, "quantity %d", newQty)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cart.Line(unitID)
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "cart line %s", unitID)
	}
	if newQty == 0 {
		return s.removeLocked(ctx, i)
	}

	current := s.cart.Lines[i].Qty
	switch {
	case newQty > current:
		if err := s.deps.Reservations.AddOrIncrease(ctx, s.id, unitID, newQty-current); err != nil {
			return err
		}
	case newQty < current:
		if err := s.deps.Reservations.DecreaseOrRemove(ctx, s.id, unitID, current-newQty); err != nil {
			return err
		}
	}
	s.cart.Lines[i].Qty = newQty
	return nil
}

// MaxQuantity is the largest quantity SetQuantity can currently accept for unitID.
func (s *Session) MaxQuantity(ctx context.Context, unitID string) (int, error) {
	unit, err := s.deps.Stock.Unit(ctx, unitID)
	if err != nil {
		return 0, err
	}
	return unit.Available() + s.deps.Reservations.Reserved(s.id, unitID), nil
}

func (s *Session) RemoveItem(ctx context.Context, unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cart.Line(unitID)
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "cart line %s", unitID)
	}
	return s.removeLocked(ctx, i)
}

func (s *Session) removeLocked(ctx context.Context, i int) error {
	line := s.cart.Lines[i]
	if err := s.deps.Reservations.DecreaseOrRemove(ctx, s.id, line.UnitID, line.Qty); err != nil {
		return err
	}
	s.cart.Lines = append(s.cart.Lines[:i], s.cart.Lines[i+1:]...)
	return nil
}

// SetLineDiscount sets a line discount, clamped to 0..100 percent.
func (s *Session) SetLineDiscount(unitID string, percent decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cart.Line(unitID)
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "cart line %s", unitID)
	}
	s.cart.Lines[i].DiscountPercent = clampPercent(percent)
	return nil
}

// SetGlobalDiscount sets the cart-wide discount, clamped to 0..100 percent.
func (s *Session) SetGlobalDiscount(percent decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart.GlobalDiscountPercent = clampPercent(percent)
}

// SetPriceOverride replaces a line's price pending manager approval.
// A pending override blocks finalization.
func (s *Session) SetPriceOverride(unitID string, price decimal.Decimal, requestedBy string) error {
	if price.IsNegative() {
		return errors.Wrap(domain.ErrInvalidInput, "override price must not be negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cart.Line(unitID)
	if !ok {
		return errors.Wrapf(domain.ErrNotFound, "cart line %s", unitID)
	}
	s.cart.Lines[i].Override = &domain.PriceOverride{
		Price:         price,
		OriginalPrice: s.cart.Lines[i].UnitPrice,
		RequestedBy:   requestedBy,
		Status:        domain.OverridePending,
	}
	return nil
}

func (s *Session) ApproveOverride(unitID string, approvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cart.Line(unitID)
	if !ok || s.cart.Lines[i].Override == nil {
		return errors.Wrapf(domain.ErrNotFound, "price override for %s", unitID)
	}
	s.cart.Lines[i].Override.Status = domain.OverrideApproved
	s.cart.Lines[i].Override.ApprovedBy = approvedBy
	return nil
}

// ClearOverride withdraws a line's override, pending or approved, and the
// line goes back to its catalog price.
func (s *Session) ClearOverride(unitID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.cart.Line(unitID)
	if !ok || s.cart.Lines[i].Override == nil {
		return errors.Wrapf(domain.ErrNotFound, "price override for %s", unitID)
	}
	s.cart.Lines[i].Override = nil
	return nil
}

func (s *Session) SetCustomer(customer *domain.CustomerRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart.Customer = customer
}

func (s *Session) SetPrescription(reference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart.PrescriptionRef = reference
}

// Clear releases every reservation of the session and empties the cart.
func (s *Session) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deps.Reservations.ReleaseAll(ctx, s.id); err != nil {
		return err
	}
	s.cart = domain.Cart{}
	return nil
}

func clampPercent(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(hundred) {
		return hundred
	}
	return p
}
