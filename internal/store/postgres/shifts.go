package postgres

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/xid"
)

const shiftColumns = `id, cashier_id, terminal_id, opening_cash, status, sale_count, revenue, opened_at, closed_at, summary`

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.CashierID) == "" {
		return nil, domain.ErrInvalidInput
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO shifts (id, cashier_id, terminal_id, opening_cash, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, shift.ID, shift.CashierID, shift.TerminalID, shift.OpeningCash, domain.ShiftStatusOpen, shift.OpenedAt)
	if isUniqueViolation(err) {
		return nil, domain.ErrAlreadyOpen
	}
	if err != nil {
		return nil, err
	}
	return loadShift(ctx, s.pool, `id = $1`, shift.ID)
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return loadShift(ctx, s.pool, `id = $1`, shiftID)
}

func (s *Store) GetOpenShiftByCashier(ctx context.Context, cashierID string) (*domain.Shift, error) {
	return loadShift(ctx, s.pool, `cashier_id = $1 AND status = 'open'`, cashierID)
}

// ApplyShiftDelta bumps the counters under the shift's row lock; the method
// buckets are upserted in the same transaction.
func (s *Store) ApplyShiftDelta(ctx context.Context, shiftID string, delta domain.ShiftDelta) (*domain.Shift, error) {
	var out *domain.Shift
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE shifts
			SET sale_count = sale_count + $2, revenue = revenue + $3
			WHERE id = $1 AND status = 'open'
		`, shiftID, delta.SaleCount, delta.Revenue)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := loadShift(ctx, tx, `id = $1`, shiftID); err != nil {
				return err
			}
			return domain.ErrNotOpen
		}

		for method, amount := range delta.ByMethod {
			if _, err := tx.Exec(ctx, `
				INSERT INTO shift_method_totals (shift_id, method, amount)
				VALUES ($1, $2, $3)
				ON CONFLICT (shift_id, method)
				DO UPDATE SET amount = shift_method_totals.amount + EXCLUDED.amount
			`, shiftID, method, amount); err != nil {
				return errors.Wrapf(err, "method %s", method)
			}
		}

		out, err = loadShift(ctx, tx, `id = $1`, shiftID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, closedAt time.Time, summarize func(domain.Shift) domain.ClosingSummary) (*domain.Shift, error) {
	var out *domain.Shift
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		shift, err := loadShift(ctx, tx, `id = $1 FOR UPDATE`, shiftID)
		if err != nil {
			return err
		}
		if shift.Status != domain.ShiftStatusOpen {
			return domain.ErrNotOpen
		}

		shift.Status = domain.ShiftStatusClosed
		shift.ClosedAt = &closedAt
		summary := summarize(*shift)
		shift.Summary = &summary

		raw, err := json.Marshal(summary)
		if err != nil {
			return errors.Wrap(err, "encode summary")
		}
		if _, err := tx.Exec(ctx, `
			UPDATE shifts SET status = $2, closed_at = $3, summary = $4 WHERE id = $1
		`, shiftID, domain.ShiftStatusClosed, closedAt, raw); err != nil {
			return err
		}
		out = shift
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadShift reads one shift matching cond, which binds the single argument as $1.
func loadShift(ctx context.Context, q querier, cond string, arg any) (*domain.Shift, error) {
	var (
		sh         domain.Shift
		summaryRaw []byte
	)
	err := q.QueryRow(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE `+cond, arg).Scan(
		&sh.ID, &sh.CashierID, &sh.TerminalID, &sh.OpeningCash, &sh.Status,
		&sh.SaleCount, &sh.Revenue, &sh.OpenedAt, &sh.ClosedAt, &summaryRaw,
	)
	if err != nil {
		return nil, notFound(err)
	}
	sh.OpenedAt = sh.OpenedAt.UTC()
	if sh.ClosedAt != nil {
		closed := sh.ClosedAt.UTC()
		sh.ClosedAt = &closed
	}
	if len(summaryRaw) > 0 {
		var summary domain.ClosingSummary
		if err := json.Unmarshal(summaryRaw, &summary); err != nil {
			return nil, errors.Wrapf(err, "decode summary of %s", sh.ID)
		}
		sh.Summary = &summary
	}

	rows, err := q.Query(ctx, `SELECT method, amount FROM shift_method_totals WHERE shift_id = $1`, sh.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sh.ByMethod = make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			method string
			amount decimal.Decimal
		)
		if err := rows.Scan(&method, &amount); err != nil {
			return nil, err
		}
		sh.ByMethod[method] = amount
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &sh, nil
}
