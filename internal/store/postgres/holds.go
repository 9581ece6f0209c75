package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/xid"
)

const heldColumns = `ticket_id, terminal_id, cashier_id, note, cart, reservations, held_at`

func scanHeld(row pgx.Row) (domain.HeldTransaction, error) {
	var (
		held                 domain.HeldTransaction
		cartRaw, reservedRaw []byte
	)
	if err := row.Scan(&held.TicketID, &held.TerminalID, &held.CashierID, &held.Note, &cartRaw, &reservedRaw, &held.HeldAt); err != nil {
		return domain.HeldTransaction{}, err
	}
	if err := json.Unmarshal(cartRaw, &held.Cart); err != nil {
		return domain.HeldTransaction{}, errors.Wrapf(err, "decode cart of %s", held.TicketID)
	}
	if err := json.Unmarshal(reservedRaw, &held.Reservations); err != nil {
		return domain.HeldTransaction{}, errors.Wrapf(err, "decode reservations of %s", held.TicketID)
	}
	held.HeldAt = held.HeldAt.UTC()
	return held, nil
}

func (s *Store) CreateHeldTransaction(ctx context.Context, held domain.HeldTransaction) (*domain.HeldTransaction, error) {
	if held.TicketID == "" || held.TerminalID == "" || held.Cart.IsEmpty() {
		return nil, domain.ErrInvalidInput
	}
	if held.HeldAt.IsZero() {
		held.HeldAt = time.Now().UTC()
	}
	cartRaw, err := json.Marshal(held.Cart)
	if err != nil {
		return nil, errors.Wrap(err, "encode cart")
	}
	reservedRaw, err := json.Marshal(held.Reservations)
	if err != nil {
		return nil, errors.Wrap(err, "encode reservations")
	}

	saved, err := scanHeld(s.pool.QueryRow(ctx, `
		INSERT INTO held_transactions (`+heldColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (ticket_id) DO UPDATE SET
			terminal_id = EXCLUDED.terminal_id,
			cashier_id = EXCLUDED.cashier_id,
			note = EXCLUDED.note,
			cart = EXCLUDED.cart,
			reservations = EXCLUDED.reservations,
			held_at = EXCLUDED.held_at
		RETURNING `+heldColumns,
		held.TicketID, held.TerminalID, held.CashierID, held.Note, cartRaw, reservedRaw, held.HeldAt,
	))
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) GetHeldTransaction(ctx context.Context, ticketID string) (*domain.HeldTransaction, error) {
	held, err := scanHeld(s.pool.QueryRow(ctx, `SELECT `+heldColumns+` FROM held_transactions WHERE ticket_id = $1`, ticketID))
	if err != nil {
		return nil, notFound(err)
	}
	return &held, nil
}

func (s *Store) ListHeldTransactions(ctx context.Context, terminalID string, limit int) ([]domain.HeldTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+heldColumns+`
		FROM held_transactions
		WHERE $1 = '' OR terminal_id = $1
		ORDER BY held_at DESC, ticket_id DESC
		LIMIT $2
	`, terminalID, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.HeldTransaction, error) {
		return scanHeld(row)
	})
}

// PopHeldTransaction deletes and returns the ticket in one statement, so
// concurrent callers see exactly one winner.
func (s *Store) PopHeldTransaction(ctx context.Context, ticketID string) (*domain.HeldTransaction, error) {
	held, err := scanHeld(s.pool.QueryRow(ctx, `
		DELETE FROM held_transactions
		WHERE ticket_id = $1
		RETURNING `+heldColumns, ticketID))
	if err != nil {
		return nil, notFound(err)
	}
	return &held, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditLog, error) {
		var e domain.AuditLog
		err := row.Scan(&e.ID, &e.ActorUsername, &e.ActorRole, &e.Action, &e.EntityType, &e.EntityID, &e.Detail, &e.CreatedAt)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
}
