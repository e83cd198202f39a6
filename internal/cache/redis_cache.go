package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"medipos/backend/internal/domain"
)

const keyPrefix = "medipos:summary:"

// Redis caches summary reports in a redis instance with a fixed TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects and pings the instance; a dead redis fails fast here
// rather than on the first dashboard request.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (domain.SummaryReport, error) {
	raw, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return domain.SummaryReport{}, ErrCacheMiss
	}
	if err != nil {
		return domain.SummaryReport{}, fmt.Errorf("redis get: %w", err)
	}
	var report domain.SummaryReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return domain.SummaryReport{}, fmt.Errorf("decode cached summary: %w", err)
	}
	return report, nil
}

func (r *Redis) Set(ctx context.Context, key string, report domain.SummaryReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate drops every cached summary window.
func (r *Redis) Invalidate(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
