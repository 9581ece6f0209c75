// Package reservation tracks which owner (register session or held ticket)
// holds how much of each stock unit.
//
// There is exactly one reservation per (owner, unit). Every change to it is
// applied to the stock ledger first and recorded in the owner's book only
// after the ledger accepted it, so a failed change leaves both untouched.
// Lock order is owner book, then stock unit.
package reservation

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"apotekpos/backend/internal/domain"
)

// Ledger is the subset of the stock ledger the manager drives.
type Ledger interface {
	Reserve(ctx context.Context, unitID string, qty int) error
	Release(ctx context.Context, unitID string, qty int) error
	Consume(ctx context.Context, unitID string, qty int) error
	RevertConsume(ctx context.Context, unitID string, qty int) error
}

type book struct {
	mu    sync.Mutex
	units map[string]int
	// retired is set once the book has been dropped from the manager;
	// callers that raced with the drop must look the owner up again.
	retired bool
}

type Manager struct {
	ledger Ledger
	lg     *zap.Logger

	mu    sync.Mutex
	books map[string]*book
}

func NewManager(ledger Ledger, lg *zap.Logger) *Manager {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Manager{
		ledger: ledger,
		lg:     lg.Named("reservation"),
		books:  make(map[string]*book),
	}
}

// lock returns the owner's book locked. With create unset it returns nil for unknown owners.
func (m *Manager) lock(owner string, create bool) *book {
	for {
		m.mu.Lock()
		b, ok := m.books[owner]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil
			}
			b = &book{units: make(map[string]int)}
			m.books[owner] = b
		}
		m.mu.Unlock()

		b.mu.Lock()
		if !b.retired {
			return b
		}
		b.mu.Unlock()
	}
}

// unlock releases the book, dropping it first when it no longer holds anything.
func (m *Manager) unlock(owner string, b *book) {
	if len(b.units) == 0 && !b.retired {
		b.retired = true
		m.mu.Lock()
		if m.books[owner] == b {
			delete(m.books, owner)
		}
		m.mu.Unlock()
	}
	b.mu.Unlock()
}

// AddOrIncrease reserves delta more units for owner. On failure the owner's
// existing reservation is unchanged.
func (m *Manager) AddOrIncrease(ctx context.Context, owner string, unitID string, delta int) error {
	if owner == "" || unitID == "" || delta <= 0 {
		return errors.Wrap(domain.ErrInvalidInput, "add reservation")
	}

	b := m.lock(owner, true)
	defer m.unlock(owner, b)

	if err := m.ledger.Reserve(ctx, unitID, delta); err != nil {
		return err
	}
	b.units[unitID] += delta
	return nil
}

// DecreaseOrRemove releases delta units; the reservation disappears when it reaches zero.
func (m *Manager) DecreaseOrRemove(ctx context.Context, owner string, unitID string, delta int) error {
	if owner == "" || unitID == "" || delta <= 0 {
		return errors.Wrap(domain.ErrInvalidInput, "decrease reservation")
	}

	b := m.lock(owner, false)
	if b == nil {
		return errors.Wrapf(domain.ErrNothingReserved, "%s has no reservations", owner)
	}
	defer m.unlock(owner, b)

	held := b.units[unitID]
	if held < delta {
		return errors.Wrapf(domain.ErrNothingReserved, "%s holds %d of %s, cannot release %d", owner, held, unitID, delta)
	}
	if err := m.ledger.Release(ctx, unitID, delta); err != nil {
		return err
	}
	if held == delta {
		delete(b.units, unitID)
	} else {
		b.units[unitID] = held - delta
	}
	return nil
}

// ReleaseAll drops every reservation of owner. Units that fail to release stay booked.
func (m *Manager) ReleaseAll(ctx context.Context, owner string) error {
	b := m.lock(owner, false)
	if b == nil {
		return nil
	}
	defer m.unlock(owner, b)

	var errs []error
	for _, unitID := range sortedUnits(b.units) {
		if err := m.ledger.Release(ctx, unitID, b.units[unitID]); err != nil {
			m.lg.Error("Release reservation",
				zap.String("owner", owner),
				zap.String("unit_id", unitID),
				zap.Int("qty", b.units[unitID]),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		delete(b.units, unitID)
	}
	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "release %d of %s reservations", len(errs), owner)
	}
	return nil
}

// Consume converts qty of the owner's reservation into a sale.
func (m *Manager) Consume(ctx context.Context, owner string, unitID string, qty int) error {
	b := m.lock(owner, false)
	if b == nil {
		return errors.Wrapf(domain.ErrNothingReserved, "%s has no reservations", owner)
	}
	defer m.unlock(owner, b)

	held := b.units[unitID]
	if qty <= 0 || held < qty {
		return errors.Wrapf(domain.ErrNothingReserved, "%s holds %d of %s, cannot consume %d", owner, held, unitID, qty)
	}
	if err := m.ledger.Consume(ctx, unitID, qty); err != nil {
		return err
	}
	if held == qty {
		delete(b.units, unitID)
	} else {
		b.units[unitID] = held - qty
	}
	return nil
}

// RevertConsume puts a consumed quantity back on stock and under the owner's reservation.
func (m *Manager) RevertConsume(ctx context.Context, owner string, unitID string, qty int) error {
	b := m.lock(owner, true)
	defer m.unlock(owner, b)

	if err := m.ledger.RevertConsume(ctx, unitID, qty); err != nil {
		return err
	}
	b.units[unitID] += qty
	return nil
}

// TransferOwnership moves every reservation of from to to without touching
// stock and returns what was moved.
func (m *Manager) TransferOwnership(from string, to string) (map[string]int, error) {
	if from == "" || to == "" || from == to {
		return nil, errors.Wrap(domain.ErrInvalidInput, "transfer reservations")
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	b1 := m.lock(first, true)
	b2 := m.lock(second, true)
	src, dst := b1, b2
	if first != from {
		src, dst = b2, b1
	}

	moved := maps.Clone(src.units)
	for unitID, qty := range src.units {
		dst.units[unitID] += qty
	}
	clear(src.units)

	m.unlock(second, b2)
	m.unlock(first, b1)
	return moved, nil
}

// Holdings returns a copy of the owner's reservations.
func (m *Manager) Holdings(owner string) map[string]int {
	b := m.lock(owner, false)
	if b == nil {
		return map[string]int{}
	}
	defer m.unlock(owner, b)
	return maps.Clone(b.units)
}

func (m *Manager) Reserved(owner string, unitID string) int {
	b := m.lock(owner, false)
	if b == nil {
		return 0
	}
	defer m.unlock(owner, b)
	return b.units[unitID]
}

// Adopt records holdings for owner without reserving stock, for rebuilding
// the books of held tickets after a restart.
func (m *Manager) Adopt(owner string, holdings map[string]int) {
	b := m.lock(owner, true)
	defer m.unlock(owner, b)
	for unitID, qty := range holdings {
		if qty > 0 {
			b.units[unitID] = qty
		}
	}
}

// Owners lists every owner that currently holds a reservation.
func (m *Manager) Owners() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	owners := make([]string, 0, len(m.books))
	for owner := range m.books {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	return owners
}

func sortedUnits(units map[string]int) []string {
	ids := make([]string, 0, len(units))
	for id := range units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
