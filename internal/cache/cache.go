package cache

import (
	"context"
	"time"

	"promosim/internal/domain"
)

// PriceIndexCache fronts the price-index repository for simulation
// creation. Index samples change at most monthly, so even a short TTL
// removes nearly all lookups from the hot path.
type PriceIndexCache interface {
	Get(ctx context.Context, key string) (*domain.PriceIndexSample, bool, error)
	Set(ctx context.Context, key string, value *domain.PriceIndexSample, ttl time.Duration) error
}

type NoopPriceIndexCache struct{}

func (NoopPriceIndexCache) Get(_ context.Context, _ string) (*domain.PriceIndexSample, bool, error) {
	return nil, false, nil
}

func (NoopPriceIndexCache) Set(_ context.Context, _ string, _ *domain.PriceIndexSample, _ time.Duration) error {
	return nil
}
