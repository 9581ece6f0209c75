package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/cart"
	"apotekpos/backend/internal/catalog"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/hold"
	"apotekpos/backend/internal/payment"
	"apotekpos/backend/internal/refund"
	"apotekpos/backend/internal/reservation"
	"apotekpos/backend/internal/sale"
	"apotekpos/backend/internal/shift"
	"apotekpos/backend/internal/stock"
	"apotekpos/backend/internal/store"
	"apotekpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	TaxRate         decimal.Decimal
	Location        *time.Location
	PaymentMethods  []string
	CashMethods     []string
	CatalogCacheTTL time.Duration

	// ProductCache defaults to no caching.
	ProductCache cache.ProductCache
	Meter        metric.Meter
	Logger       *zap.Logger
	Clock        func() time.Time
}

type metrics struct {
	salesFinalized   metric.Int64Counter
	revenue          metric.Float64Counter
	stockRejections  metric.Int64Counter
	refundsCreated   metric.Int64Counter
	heldTransactions metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	if m.salesFinalized, err = meter.Int64Counter("apotek.sales.finalized",
		metric.WithDescription("Sales finalized"),
	); err != nil {
		return nil, err
	}
	if m.revenue, err = meter.Float64Counter("apotek.sales.revenue",
		metric.WithDescription("Revenue of finalized sales"),
	); err != nil {
		return nil, err
	}
	if m.stockRejections, err = meter.Int64Counter("apotek.reservations.rejected",
		metric.WithDescription("Reservations rejected for insufficient stock"),
	); err != nil {
		return nil, err
	}
	if m.refundsCreated, err = meter.Int64Counter("apotek.refunds.created",
		metric.WithDescription("Refunds created"),
	); err != nil {
		return nil, err
	}
	if m.heldTransactions, err = meter.Int64UpDownCounter("apotek.holds.active",
		metric.WithDescription("Held transactions waiting to be resumed"),
	); err != nil {
		return nil, err
	}
	return &m, nil
}

type Service struct {
	repo         store.Repository
	stock        *stock.Ledger
	reservations *reservation.Manager
	catalog      *catalog.Directory
	payments     *payment.Reconciler
	shifts       *shift.Ledger
	holds        *hold.Manager
	finalizer    *sale.Finalizer
	refunds      *refund.Reconciler

	taxRate  decimal.Decimal
	location *time.Location
	now      func() time.Time
	metrics  *metrics
	lg       *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*cart.Session
}

func New(repo store.Repository, opts Options) (*Service, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if len(opts.PaymentMethods) == 0 {
		opts.PaymentMethods = []string{domain.PaymentCash}
	}
	if len(opts.CashMethods) == 0 {
		opts.CashMethods = []string{domain.PaymentCash}
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("apotek")
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}

	m, err := newMetrics(opts.Meter)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}

	ledger := stock.NewLedger(repo, lg)
	reservations := reservation.NewManager(ledger, lg)
	payments := payment.NewReconciler(opts.PaymentMethods, opts.CashMethods)
	shifts := shift.NewLedger(repo, payments.IsCash, opts.Location, lg, shift.WithClock(opts.Clock))

	return &Service{
		repo:         repo,
		stock:        ledger,
		reservations: reservations,
		catalog:      catalog.NewDirectory(repo, opts.ProductCache, opts.CatalogCacheTTL, lg),
		payments:     payments,
		shifts:       shifts,
		holds:        hold.NewManager(repo, reservations, lg),
		finalizer: sale.NewFinalizer(sale.Deps{
			Reservations: reservations,
			Stock:        ledger,
			Shifts:       shifts,
			Payments:     payments,
			Sales:        repo,
			Location:     opts.Location,
			Now:          opts.Clock,
		}, lg),
		refunds:  refund.NewReconciler(repo, repo, ledger, lg),
		taxRate:  opts.TaxRate,
		location: opts.Location,
		now:      opts.Clock,
		metrics:  m,
		lg:       lg.Named("service"),
		sessions: make(map[string]*cart.Session),
	}, nil
}

// Recover rebuilds reservations after a restart. Register sessions live in
// memory only, so the only reservations that survive are those of held
// tickets: reserved quantities are reset to their sum and each ticket's
// books are restored.
func (s *Service) Recover(ctx context.Context) error {
	held, err := s.holds.List(ctx, "", 0)
	if err != nil {
		return errors.Wrap(err, "list held transactions")
	}

	totals := make(map[string]int)
	for _, h := range held {
		for unitID, qty := range h.Reservations {
			totals[unitID] += qty
		}
	}
	if err := s.stock.ResetReservations(ctx, totals); err != nil {
		return errors.Wrap(err, "reset reservations")
	}
	for _, h := range held {
		s.reservations.Adopt(h.TicketID, h.Reservations)
	}
	s.metrics.heldTransactions.Add(ctx, int64(len(held)))

	s.lg.Info("Reservations recovered",
		zap.Int("held_transactions", len(held)),
		zap.Int("units", len(totals)),
	)
	return nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now().UTC(),
	}); err != nil {
		s.lg.Warn("Write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}

	day := s.now().In(s.location)
	if date != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, date, s.location)
		if err != nil {
			return nil, errors.Wrapf(domain.ErrInvalidInput, "date %q", date)
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, s.location)
	return s.repo.ListAuditLogs(ctx, from.UTC(), from.AddDate(0, 0, 1).UTC(), limit)
}

func (s *Service) observeStockError(ctx context.Context, unitID string, err error) {
	if errors.Is(err, domain.ErrInsufficientStock) {
		s.metrics.stockRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("unit_id", unitID)))
	}
}

func actor(ctx context.Context) (domain.Actor, error) {
	a, ok := ActorFromContext(ctx)
	if !ok || a.Username == "" {
		return domain.Actor{}, errors.Wrap(domain.ErrForbidden, "authenticated user required")
	}
	return a, nil
}

func requireRole(ctx context.Context, roles ...string) error {
	a, err := actor(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if a.Role == role {
			return nil
		}
	}
	return errors.Wrapf(domain.ErrForbidden, "role %s not allowed", a.Role)
}
