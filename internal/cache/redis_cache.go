package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"promosim/internal/domain"
)

type RedisPriceIndexCache struct {
	client *redis.Client
}

func NewRedisPriceIndexCache(addr string, password string, db int) *RedisPriceIndexCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPriceIndexCache{client: client}
}

func (c *RedisPriceIndexCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPriceIndexCache) Close() error {
	return c.client.Close()
}

func (c *RedisPriceIndexCache) Get(ctx context.Context, key string) (*domain.PriceIndexSample, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var sample domain.PriceIndexSample
	if err := json.Unmarshal([]byte(val), &sample); err != nil {
		return nil, false, err
	}
	return &sample, true, nil
}

func (c *RedisPriceIndexCache) Set(ctx context.Context, key string, value *domain.PriceIndexSample, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}
