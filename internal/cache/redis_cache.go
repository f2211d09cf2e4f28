package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"warnet/backend/internal/domain"
)

const activePriceKey = "warnet:price:active"

type RedisPriceCache struct {
	client *redis.Client
}

func NewRedisPriceCache(addr string, password string, db int) *RedisPriceCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPriceCache{client: client}
}

func (c *RedisPriceCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPriceCache) Close() error {
	return c.client.Close()
}

func (c *RedisPriceCache) Get(ctx context.Context) (*domain.Price, bool, error) {
	val, err := c.client.Get(ctx, activePriceKey).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var price domain.Price
	if err := json.Unmarshal([]byte(val), &price); err != nil {
		return nil, false, err
	}
	return &price, true, nil
}

func (c *RedisPriceCache) Set(ctx context.Context, value *domain.Price, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, activePriceKey, payload, ttl).Err()
}

func (c *RedisPriceCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, activePriceKey).Err()
}
