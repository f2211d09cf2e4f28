package cache

import (
	"context"
	"time"

	"warnet/backend/internal/domain"
)

// PriceCache holds the currently active per-minute rate so session creation
// does not hit the durable store on every request.
type PriceCache interface {
	Get(ctx context.Context) (*domain.Price, bool, error)
	Set(ctx context.Context, value *domain.Price, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopPriceCache struct{}

func (NoopPriceCache) Get(_ context.Context) (*domain.Price, bool, error) {
	return nil, false, nil
}

func (NoopPriceCache) Set(_ context.Context, _ *domain.Price, _ time.Duration) error {
	return nil
}

func (NoopPriceCache) Invalidate(_ context.Context) error {
	return nil
}
