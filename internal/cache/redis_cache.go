package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	redis "github.com/redis/go-redis/v9"

	"apotekpos/backend/internal/domain"
)

const productKeyPrefix = "apotek:product:"

// RedisCache caches catalog products as JSON values.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(addr string, password string, db int) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCache{client: client}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Get(ctx context.Context, unitID string) (*domain.Product, bool, error) {
	val, err := c.client.Get(ctx, productKeyPrefix+unitID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "redis get product")
	}

	var product domain.Product
	if err := json.Unmarshal(val, &product); err != nil {
		return nil, false, errors.Wrap(err, "decode cached product")
	}
	return &product, true, nil
}

func (c *RedisCache) Set(ctx context.Context, product *domain.Product, ttl time.Duration) error {
	if product == nil {
		return nil
	}
	payload, err := json.Marshal(product)
	if err != nil {
		return errors.Wrap(err, "encode product")
	}
	return c.client.Set(ctx, productKeyPrefix+product.UnitID, payload, ttl).Err()
}
