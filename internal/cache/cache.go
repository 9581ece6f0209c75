package cache

import (
	"context"
	"time"

	"apotekpos/backend/internal/domain"
)

type ProductCache interface {
	Get(ctx context.Context, unitID string) (*domain.Product, bool, error)
	Set(ctx context.Context, product *domain.Product, ttl time.Duration) error
}

type NoopProductCache struct{}

func (NoopProductCache) Get(_ context.Context, _ string) (*domain.Product, bool, error) {
	return nil, false, nil
}

func (NoopProductCache) Set(_ context.Context, _ *domain.Product, _ time.Duration) error {
	return nil
}
