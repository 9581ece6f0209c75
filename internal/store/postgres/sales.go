package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

func (s *Store) NextInvoiceSequence(ctx context.Context, day string) (int64, error) {
	if day == "" {
		return 0, domain.ErrInvalidInput
	}
	var next int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO invoice_sequences (day, last_value)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = invoice_sequences.last_value + 1
		RETURNING last_value
	`, day).Scan(&next)
	return next, err
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.ID == "" || sale.InvoiceNumber == "" || len(sale.Lines) == 0 {
		return nil, domain.ErrInvalidInput
	}
	payments, err := json.Marshal(sale.Payments)
	if err != nil {
		return nil, errors.Wrap(err, "encode payments")
	}
	byMethod, err := json.Marshal(sale.ByMethod)
	if err != nil {
		return nil, errors.Wrap(err, "encode by_method")
	}
	var customer []byte
	if sale.Customer != nil {
		if customer, err = json.Marshal(sale.Customer); err != nil {
			return nil, errors.Wrap(err, "encode customer")
		}
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sales (
				id, invoice_number, session_id, terminal_id, cashier_id, shift_id,
				subtotal, discount_amount, tax_rate, tax_amount, total_amount, change_amount,
				payments, by_method, customer, prescription_ref, status, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		`,
			sale.ID, sale.InvoiceNumber, sale.SessionID, sale.TerminalID, sale.CashierID, sale.ShiftID,
			sale.Subtotal, sale.DiscountAmount, sale.TaxRate, sale.TaxAmount, sale.TotalAmount, sale.Change,
			payments, byMethod, customer, sale.PrescriptionRef, sale.Status, sale.CreatedAt,
		); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, line := range sale.Lines {
			batch.Queue(`
				INSERT INTO sale_lines (
					sale_id, line_id, position, unit_id, name, qty,
					unit_price, discount_percent, line_subtotal, price_overridden
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, sale.ID, line.LineID, i, line.UnitID, line.Name, line.Qty,
				line.UnitPrice, line.DiscountPercent, line.LineSubtotal, line.PriceOverridden)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if isUniqueViolation(err) {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "sale %s or invoice %s already exists", sale.ID, sale.InvoiceNumber)
	}
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return getSale(ctx, s.pool, saleID)
}

func (s *Store) ListSalesByShift(ctx context.Context, shiftID string) ([]domain.Sale, error) {
	return loadSales(ctx, s.pool, `shift_id = $1`, shiftID)
}

func (s *Store) VoidSale(ctx context.Context, saleID string, reason string, at time.Time) (*domain.Sale, error) {
	var out *domain.Sale
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sales
			SET status = $2, void_reason = $3, voided_at = $4
			WHERE id = $1 AND status = $5
		`, saleID, domain.SaleStatusVoided, reason, at, domain.SaleStatusCompleted)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := getSale(ctx, tx, saleID); err != nil {
				return err
			}
			return domain.ErrInvalidState
		}
		out, err = getSale(ctx, tx, saleID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRefund locks the sale row, records the refund lines and moves the
// sale status in one transaction. The refund_lines key rejects a line that
// is refunded twice.
func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.Sale, error) {
	if refund.ID == "" || len(refund.LineIDs) == 0 {
		return nil, domain.ErrInvalidInput
	}

	var out *domain.Sale
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM sales WHERE id = $1 FOR UPDATE`, refund.SaleID).Scan(&status)
		if err != nil {
			return notFound(err)
		}
		if status == domain.SaleStatusRefunded || status == domain.SaleStatusVoided {
			return domain.ErrInvalidSelection
		}

		var known int
		if err := tx.QueryRow(ctx, `
			SELECT count(*) FROM sale_lines WHERE sale_id = $1 AND line_id = ANY($2)
		`, refund.SaleID, refund.LineIDs).Scan(&known); err != nil {
			return err
		}
		if known != len(refund.LineIDs) {
			return domain.ErrInvalidSelection
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO refunds (id, sale_id, amount, reason, restock, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, refund.ID, refund.SaleID, refund.Amount, refund.Reason, refund.Restock, refund.CreatedBy, refund.CreatedAt); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for i, lineID := range refund.LineIDs {
			batch.Queue(`
				INSERT INTO refund_lines (sale_id, line_id, refund_id, position)
				VALUES ($1, $2, $3, $4)
			`, refund.SaleID, lineID, refund.ID, i)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return domain.ErrInvalidSelection
			}
			return err
		}

		sale, err := getSale(ctx, tx, refund.SaleID)
		if err != nil {
			return err
		}
		sale.Status = store.RefundStatus(*sale)
		if _, err := tx.Exec(ctx, `UPDATE sales SET status = $2 WHERE id = $1`, sale.ID, sale.Status); err != nil {
			return err
		}
		out = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListRefunds(ctx context.Context, saleID string) ([]domain.Refund, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.sale_id, r.amount, r.reason, r.restock, r.created_by, r.created_at,
			array_agg(rl.line_id ORDER BY rl.position)
		FROM refunds r
		JOIN refund_lines rl ON rl.refund_id = r.id
		WHERE r.sale_id = $1
		GROUP BY r.id
		ORDER BY r.created_at ASC, r.id ASC
	`, saleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Refund, error) {
		var r domain.Refund
		err := row.Scan(&r.ID, &r.SaleID, &r.Amount, &r.Reason, &r.Restock, &r.CreatedBy, &r.CreatedAt, &r.LineIDs)
		r.CreatedAt = r.CreatedAt.UTC()
		return r, err
	})
}

func getSale(ctx context.Context, q querier, saleID string) (*domain.Sale, error) {
	sales, err := loadSales(ctx, q, `id = $1`, saleID)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, domain.ErrNotFound
	}
	return &sales[0], nil
}

// loadSales reads the sales matching cond, which binds the single argument
// as $1, together with their lines and refunded line ids.
func loadSales(ctx context.Context, q querier, cond string, arg any) ([]domain.Sale, error) {
	rows, err := q.Query(ctx, `
		SELECT id, invoice_number, session_id, terminal_id, cashier_id, shift_id,
			subtotal, discount_amount, tax_rate, tax_amount, total_amount, change_amount,
			payments, by_method, customer, prescription_ref, status, created_at, voided_at, void_reason
		FROM sales
		WHERE `+cond+`
		ORDER BY invoice_number ASC
	`, arg)
	if err != nil {
		return nil, err
	}
	sales, err := pgx.CollectRows(rows, scanSale)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return sales, nil
	}

	index := make(map[string]int, len(sales))
	ids := make([]string, len(sales))
	for i, sale := range sales {
		index[sale.ID] = i
		ids[i] = sale.ID
	}

	lineRows, err := q.Query(ctx, `
		SELECT sale_id, line_id, unit_id, name, qty, unit_price, discount_percent, line_subtotal, price_overridden
		FROM sale_lines
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var (
			saleID string
			line   domain.SaleLine
		)
		if err := lineRows.Scan(&saleID, &line.LineID, &line.UnitID, &line.Name, &line.Qty,
			&line.UnitPrice, &line.DiscountPercent, &line.LineSubtotal, &line.PriceOverridden); err != nil {
			return nil, err
		}
		i := index[saleID]
		sales[i].Lines = append(sales[i].Lines, line)
	}
	if err := lineRows.Err(); err != nil {
		return nil, err
	}

	refundedRows, err := q.Query(ctx, `
		SELECT rl.sale_id, rl.line_id
		FROM refund_lines rl
		JOIN refunds r ON r.id = rl.refund_id
		WHERE rl.sale_id = ANY($1)
		ORDER BY r.created_at, r.id, rl.position
	`, ids)
	if err != nil {
		return nil, err
	}
	defer refundedRows.Close()
	for refundedRows.Next() {
		var saleID, lineID string
		if err := refundedRows.Scan(&saleID, &lineID); err != nil {
			return nil, err
		}
		i := index[saleID]
		sales[i].RefundedLineIDs = append(sales[i].RefundedLineIDs, lineID)
	}
	if err := refundedRows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func scanSale(row pgx.CollectableRow) (domain.Sale, error) {
	var (
		sale                             domain.Sale
		paymentsRaw, methodsRaw, custRaw []byte
	)
	if err := row.Scan(
		&sale.ID, &sale.InvoiceNumber, &sale.SessionID, &sale.TerminalID, &sale.CashierID, &sale.ShiftID,
		&sale.Subtotal, &sale.DiscountAmount, &sale.TaxRate, &sale.TaxAmount, &sale.TotalAmount, &sale.Change,
		&paymentsRaw, &methodsRaw, &custRaw, &sale.PrescriptionRef, &sale.Status, &sale.CreatedAt, &sale.VoidedAt, &sale.VoidReason,
	); err != nil {
		return domain.Sale{}, err
	}
	if err := json.Unmarshal(paymentsRaw, &sale.Payments); err != nil {
		return domain.Sale{}, errors.Wrapf(err, "decode payments of %s", sale.ID)
	}
	if err := json.Unmarshal(methodsRaw, &sale.ByMethod); err != nil {
		return domain.Sale{}, errors.Wrapf(err, "decode by_method of %s", sale.ID)
	}
	if len(custRaw) > 0 {
		if err := json.Unmarshal(custRaw, &sale.Customer); err != nil {
			return domain.Sale{}, errors.Wrapf(err, "decode customer of %s", sale.ID)
		}
	}
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, nil
}
