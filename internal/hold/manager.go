// Package hold parks a cart under a ticket and brings it back later.
// Parking moves the session's reservations to the ticket, so held goods stay
// reserved while the register serves other customers.
package hold

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type Reservations interface {
	TransferOwnership(from string, to string) (map[string]int, error)
	Holdings(owner string) map[string]int
	ReleaseAll(ctx context.Context, owner string) error
}

type Manager struct {
	store        store.HoldStore
	reservations Reservations
	lg           *zap.Logger
}

func NewManager(s store.HoldStore, reservations Reservations, lg *zap.Logger) *Manager {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Manager{store: s, reservations: reservations, lg: lg.Named("hold")}
}

// Hold snapshots the session's cart under a new ticket and leaves the session empty.
func (m *Manager) Hold(ctx context.Context, session *cart.Session, note string) (*domain.HeldTransaction, error) {
	var held *domain.HeldTransaction
	err := session.Exclusive(func(c *domain.Cart) error {
		if c.IsEmpty() {
			return domain.ErrEmptyCart
		}

		ticketID := xid.New("hold")
		moved, err := m.reservations.TransferOwnership(session.ID(), ticketID)
		if err != nil {
			return err
		}

		saved, err := m.store.CreateHeldTransaction(ctx, domain.HeldTransaction{
			TicketID:     ticketID,
			TerminalID:   session.TerminalID(),
			CashierID:    session.CashierID(),
			Note:         strings.TrimSpace(note),
			Cart:         c.Clone(),
			Reservations: moved,
			HeldAt:       time.Now().UTC(),
		})
		if err != nil {
			if _, rerr := m.reservations.TransferOwnership(ticketID, session.ID()); rerr != nil {
				m.lg.Error("Return reservations after failed hold", zap.String("ticket_id", ticketID), zap.Error(rerr))
			}
			return errors.Wrap(err, "save held transaction")
		}

		*c = domain.Cart{}
		held = saved
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.lg.Info("Transaction held",
		zap.String("ticket_id", held.TicketID),
		zap.String("session_id", session.ID()),
		zap.Int("lines", len(held.Cart.Lines)),
	)
	return held, nil
}

// Resume restores a held cart into session. The ticket is removed atomically,
// so of two racing resumes exactly one succeeds and the other gets ErrNotFound.
func (m *Manager) Resume(ctx context.Context, ticketID string, session *cart.Session) (*domain.HeldTransaction, error) {
	var held *domain.HeldTransaction
	err := session.Exclusive(func(c *domain.Cart) error {
		if !c.IsEmpty() {
			return errors.Wrap(domain.ErrInvalidState, "session cart must be empty to resume")
		}

		popped, err := m.store.PopHeldTransaction(ctx, ticketID)
		if err != nil {
			return errors.Wrapf(err, "held transaction %s", ticketID)
		}

		if !matches(popped, m.reservations.Holdings(ticketID)) {
			if _, perr := m.store.CreateHeldTransaction(ctx, *popped); perr != nil {
				m.lg.Error("Re-insert stale held transaction", zap.String("ticket_id", ticketID), zap.Error(perr))
			}
			return errors.Wrapf(domain.ErrStaleHold, "held transaction %s", ticketID)
		}

		if _, err := m.reservations.TransferOwnership(ticketID, session.ID()); err != nil {
			return err
		}
		*c = popped.Cart.Clone()
		held = popped
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.lg.Info("Transaction resumed", zap.String("ticket_id", ticketID), zap.String("session_id", session.ID()))
	return held, nil
}

// Delete discards a held ticket and frees its stock. When the stock cannot
// be freed the ticket is put back, so its reservations stay reachable.
func (m *Manager) Delete(ctx context.Context, ticketID string) error {
	popped, err := m.store.PopHeldTransaction(ctx, ticketID)
	if err != nil {
		return errors.Wrapf(err, "held transaction %s", ticketID)
	}
	if err := m.reservations.ReleaseAll(ctx, ticketID); err != nil {
		if _, perr := m.store.CreateHeldTransaction(ctx, *popped); perr != nil {
			m.lg.Error("Re-insert held transaction after failed release", zap.String("ticket_id", ticketID), zap.Error(perr))
		}
		return errors.Wrapf(err, "release held transaction %s", ticketID)
	}
	m.lg.Info("Held transaction deleted", zap.String("ticket_id", ticketID))
	return nil
}

func (m *Manager) Get(ctx context.Context, ticketID string) (*domain.HeldTransaction, error) {
	held, err := m.store.GetHeldTransaction(ctx, ticketID)
	if err != nil {
		return nil, errors.Wrapf(err, "held transaction %s", ticketID)
	}
	return held, nil
}

func (m *Manager) List(ctx context.Context, terminalID string, limit int) ([]domain.HeldTransaction, error) {
	return m.store.ListHeldTransactions(ctx, terminalID, limit)
}

// matches reports whether the ticket's books still hold what the snapshot says,
// and the snapshot's cart lines agree with it.
func matches(held *domain.HeldTransaction, holdings map[string]int) bool {
	if len(holdings) == 0 || !maps.Equal(held.Reservations, holdings) {
		return false
	}
	if len(held.Cart.Lines) != len(holdings) {
		return false
	}
	for _, line := range held.Cart.Lines {
		if holdings[line.UnitID] != line.Qty {
			return false
		}
	}
	return true
}
