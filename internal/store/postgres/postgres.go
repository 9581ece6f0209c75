package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"apotekpos/backend/db"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

var _ store.Repository = (*Store)(nil)

// Store implements store.Repository on PostgreSQL. Stock changes are single
// conditional UPDATEs, so the quantity rules hold across replicas too.
type Store struct {
	pool *pgxpool.Pool
	lg   *zap.Logger
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func New(ctx context.Context, databaseURL string, lg *zap.Logger) (*Store, error) {
	if lg == nil {
		lg = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse database config")
	}
	cfg.MaxConns = 30
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping")
	}
	if _, err := pool.Exec(ctx, db.Schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "apply schema")
	}

	lg.Info("Postgres connected", zap.Int32("max_conns", cfg.MaxConns))
	return &Store{pool: pool, lg: lg.Named("postgres")}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) GetProduct(ctx context.Context, unitID string) (*domain.Product, error) {
	var p domain.Product
	err := s.pool.QueryRow(ctx, `
		SELECT unit_id, name, price, prescription_required, active
		FROM products
		WHERE unit_id = $1 AND active
	`, unitID).Scan(&p.UnitID, &p.Name, &p.Price, &p.PrescriptionRequired, &p.Active)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT unit_id, name, price, prescription_required, active
		FROM products
		WHERE active
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		var p domain.Product
		err := row.Scan(&p.UnitID, &p.Name, &p.Price, &p.PrescriptionRequired, &p.Active)
		return p, err
	})
}

// FindCustomer prefers an exact id, phone or member code match over a name match.
func (s *Store) FindCustomer(ctx context.Context, query string) (*domain.Customer, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, domain.ErrNotFound
	}

	var c domain.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(phone, ''), COALESCE(member_code, '')
		FROM customers
		WHERE lower(id) = $1 OR phone = $1 OR lower(member_code) = $1 OR strpos(lower(name), $1) > 0
		ORDER BY (lower(id) = $1 OR phone = $1 OR lower(member_code) = $1) DESC, id ASC
		LIMIT 1
	`, query).Scan(&c.ID, &c.Name, &c.Phone, &c.MemberCode)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

const stockColumns = `unit_id, physical_qty, reserved_qty, updated_at`

func scanStockUnit(row pgx.Row) (*domain.StockUnit, error) {
	var u domain.StockUnit
	if err := row.Scan(&u.UnitID, &u.PhysicalQty, &u.ReservedQty, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (s *Store) GetStockUnit(ctx context.Context, unitID string) (*domain.StockUnit, error) {
	unit, err := scanStockUnit(s.pool.QueryRow(ctx, `SELECT `+stockColumns+` FROM stock_units WHERE unit_id = $1`, unitID))
	if err != nil {
		return nil, notFound(err)
	}
	return unit, nil
}

func (s *Store) ListStockUnits(ctx context.Context) ([]domain.StockUnit, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+stockColumns+` FROM stock_units ORDER BY unit_id ASC`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StockUnit, error) {
		u, err := scanStockUnit(row)
		if err != nil {
			return domain.StockUnit{}, err
		}
		return *u, nil
	})
}

// updateStock runs a conditional UPDATE. When the guard rejects the row,
// rejected builds the error from the unit's current state.
func (s *Store) updateStock(ctx context.Context, unitID string, qty int, sql string, rejected func(domain.StockUnit) error) (*domain.StockUnit, error) {
	if qty < 0 {
		return nil, errors.Wrapf(domain.ErrInvalidInput, "negative quantity %d", qty)
	}
	unit, err := scanStockUnit(s.pool.QueryRow(ctx, sql, unitID, qty))
	if err == nil {
		return unit, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	current, err := s.GetStockUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	return nil, rejected(*current)
}

func (s *Store) ReserveStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.updateStock(ctx, unitID, qty, `
		UPDATE stock_units
		SET reserved_qty = reserved_qty + $2, updated_at = now()
		WHERE unit_id = $1 AND physical_qty - reserved_qty >= $2
		RETURNING `+stockColumns, func(u domain.StockUnit) error {
		return &domain.InsufficientStockError{UnitID: unitID, Requested: qty, Available: u.Available()}
	})
}

func (s *Store) ReleaseStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.updateStock(ctx, unitID, qty, `
		UPDATE stock_units
		SET reserved_qty = reserved_qty - $2, updated_at = now()
		WHERE unit_id = $1 AND reserved_qty >= $2
		RETURNING `+stockColumns, func(domain.StockUnit) error {
		return domain.ErrOverRelease
	})
}

func (s *Store) ConsumeStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.updateStock(ctx, unitID, qty, `
		UPDATE stock_units
		SET physical_qty = physical_qty - $2, reserved_qty = reserved_qty - $2, updated_at = now()
		WHERE unit_id = $1 AND reserved_qty >= $2
		RETURNING `+stockColumns, func(u domain.StockUnit) error {
		return &domain.InsufficientStockError{UnitID: unitID, Requested: qty, Available: u.ReservedQty}
	})
}

func (s *Store) RevertConsumedStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.updateStock(ctx, unitID, qty, `
		UPDATE stock_units
		SET physical_qty = physical_qty + $2, reserved_qty = reserved_qty + $2, updated_at = now()
		WHERE unit_id = $1
		RETURNING `+stockColumns, func(domain.StockUnit) error {
		return domain.ErrNotFound
	})
}

func (s *Store) RestoreStock(ctx context.Context, unitID string, qty int) (*domain.StockUnit, error) {
	return s.updateStock(ctx, unitID, qty, `
		UPDATE stock_units
		SET physical_qty = physical_qty + $2, updated_at = now()
		WHERE unit_id = $1
		RETURNING `+stockColumns, func(domain.StockUnit) error {
		return domain.ErrNotFound
	})
}

func (s *Store) ResetReservedStock(ctx context.Context, reserved map[string]int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE stock_units SET reserved_qty = 0, updated_at = now()`); err != nil {
			return err
		}
		for unitID, qty := range reserved {
			tag, err := tx.Exec(ctx, `
				UPDATE stock_units
				SET reserved_qty = LEAST($2, physical_qty)
				WHERE unit_id = $1
			`, unitID, qty)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errors.Wrapf(domain.ErrNotFound, "stock unit %s", unitID)
			}
		}
		return nil
	})
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return domain.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(domain.ErrInvalidInput, "username %s already exists", user.Username)
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserAccount, error) {
		var user domain.UserAccount
		err := row.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt)
		user.CreatedAt = user.CreatedAt.UTC()
		return user, err
	})
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return domain.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// limitOrAll maps a non-positive limit to SQL's LIMIT NULL.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
