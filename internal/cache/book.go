package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"climate-exchange/internal/model"
)

// BookCache stores aggregated book snapshots in Redis under
// book:{market}:{outcome}. Snapshots are written whole; depth is applied by
// the reader.
type BookCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL, password string, ttl time.Duration, logger *slog.Logger) (*BookCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, ttl, logger), nil
}

func NewWithClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *BookCache {
	return &BookCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "book_cache"),
	}
}

func Key(marketID string, outcome model.Outcome) string {
	return fmt.Sprintf("book:%s:%s", marketID, outcome)
}

// Get returns the cached snapshot, or nil on a miss.
func (c *BookCache) Get(ctx context.Context, marketID string, outcome model.Outcome) (*model.BookSnapshot, error) {
	key := Key(marketID, outcome)
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			c.logger.Debug("book_cache_miss", "key", key)
			return nil, nil
		}
		return nil, fmt.Errorf("redis GET %s: %w", key, err)
	}
	var snap model.BookSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &snap, nil
}

func (c *BookCache) Set(ctx context.Context, snap model.BookSnapshot) error {
	key := Key(snap.MarketID, snap.Outcome)
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent stores snap only when no snapshot is cached for its book.
func (c *BookCache) SetIfAbsent(ctx context.Context, snap model.BookSnapshot) error {
	key := Key(snap.MarketID, snap.Outcome)
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.SetNX(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SETNX %s: %w", key, err)
	}
	return nil
}

// Invalidate drops both outcome books of a market.
func (c *BookCache) Invalidate(ctx context.Context, marketID string) error {
	keys := []string{Key(marketID, model.OutcomeYes), Key(marketID, model.OutcomeNo)}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL %v: %w", keys, err)
	}
	return nil
}

func (c *BookCache) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

func (c *BookCache) Close() error { return c.client.Close() }
