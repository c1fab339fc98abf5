// Package cache keeps ticker reference data in Redis so repeated lookups do
// not spend upstream quota.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"market-quality-pipeline/internal/config"
	"market-quality-pipeline/internal/fetcher"
)

const companyKeyPrefix = "mqpipe:company:"

// Redis implements fetcher.ReferenceCache.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedis connects to the configured Redis and verifies it with a ping.
func NewRedis(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis.addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	r := &Redis{
		client: client,
		logger: logger.With().Str("component", "redis_cache").Logger(),
	}
	r.logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis cache connected")
	return r, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, logger zerolog.Logger) *Redis {
	return &Redis{client: client, logger: logger.With().Str("component", "redis_cache").Logger()}
}

// GetCompany returns the cached record and whether it was present.
func (r *Redis) GetCompany(ctx context.Context, symbol string) (fetcher.CompanyInfo, bool, error) {
	raw, err := r.client.Get(ctx, companyKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fetcher.CompanyInfo{}, false, nil
	}
	if err != nil {
		return fetcher.CompanyInfo{}, false, fmt.Errorf("redis get company: %w", err)
	}

	var info fetcher.CompanyInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return fetcher.CompanyInfo{}, false, fmt.Errorf("decode cached company: %w", err)
	}
	r.logger.Debug().Str("symbol", symbol).Msg("company cache hit")
	return info, true, nil
}

// SetCompany stores the record under its symbol for ttl.
func (r *Redis) SetCompany(ctx context.Context, info fetcher.CompanyInfo, ttl time.Duration) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode company: %w", err)
	}
	if err := r.client.Set(ctx, companyKey(info.Symbol), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set company: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func companyKey(symbol string) string {
	return companyKeyPrefix + strings.ToUpper(strings.TrimSpace(symbol))
}

var _ fetcher.ReferenceCache = (*Redis)(nil)
