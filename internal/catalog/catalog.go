// Package catalog answers price and prescription questions about stock
// units and resolves customers. Lookups are cached and concurrent misses
// for the same unit share one store query.
package catalog

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"apotekpos/backend/internal/cache"
	"apotekpos/backend/internal/domain"
	"apotekpos/backend/internal/store"
)

type Catalog interface {
	Product(ctx context.Context, unitID string) (*domain.Product, error)
	LookupPrice(ctx context.Context, unitID string) (decimal.Decimal, error)
	IsPrescriptionRequired(ctx context.Context, unitID string) (bool, error)
}

type CustomerDirectory interface {
	ResolveCustomer(ctx context.Context, query string) (*domain.CustomerRef, error)
}

var (
	_ Catalog           = (*Directory)(nil)
	_ CustomerDirectory = (*Directory)(nil)
)

type Directory struct {
	products store.ProductStore
	cache    cache.ProductCache
	ttl      time.Duration
	group    singleflight.Group
	lg       *zap.Logger
}

func NewDirectory(products store.ProductStore, productCache cache.ProductCache, ttl time.Duration, lg *zap.Logger) *Directory {
	if productCache == nil {
		productCache = cache.NoopProductCache{}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Directory{
		products: products,
		cache:    productCache,
		ttl:      ttl,
		lg:       lg.Named("catalog"),
	}
}

func (d *Directory) Product(ctx context.Context, unitID string) (*domain.Product, error) {
	if unitID == "" {
		return nil, errors.Wrap(domain.ErrInvalidInput, "unit id required")
	}

	cached, ok, err := d.cache.Get(ctx, unitID)
	if err != nil {
		d.lg.Warn("Product cache read failed", zap.String("unit_id", unitID), zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	v, err, _ := d.group.Do(unitID, func() (any, error) {
		product, err := d.products.GetProduct(ctx, unitID)
		if err != nil {
			return nil, err
		}
		if err := d.cache.Set(ctx, product, d.ttl); err != nil {
			d.lg.Warn("Product cache write failed", zap.String("unit_id", unitID), zap.Error(err))
		}
		return product, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "lookup product %s", unitID)
	}
	product := *v.(*domain.Product)
	return &product, nil
}

func (d *Directory) LookupPrice(ctx context.Context, unitID string) (decimal.Decimal, error) {
	product, err := d.Product(ctx, unitID)
	if err != nil {
		return decimal.Zero, err
	}
	return product.Price, nil
}

func (d *Directory) IsPrescriptionRequired(ctx context.Context, unitID string) (bool, error) {
	product, err := d.Product(ctx, unitID)
	if err != nil {
		return false, err
	}
	return product.PrescriptionRequired, nil
}

func (d *Directory) ResolveCustomer(ctx context.Context, query string) (*domain.CustomerRef, error) {
	customer, err := d.products.FindCustomer(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve customer %q", query)
	}
	return &domain.CustomerRef{ID: customer.ID, Name: customer.Name}, nil
}
