package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"greenhouse-ingestor/internal/reading"
)

// ErrNoLatest: v cache zatím žádné měření není (nebo vypršelo).
var ErrNoLatest = errors.New("žádné poslední měření")

const (
	latestKey     = "greenhouse:last"
	latestConnKey = "greenhouse:last:%s"
)

// Latest je poslední měření uložené ve Valkey ("hot" data pro dashboard).
type Latest struct {
	ConnID  string          `json:"conn_id"`
	At      time.Time       `json:"at"`
	Reading reading.Reading `json:"reading"`
}

// LatestCache drží poslední měření ve Valkey. Historie je v Postgres,
// cache jen přepisuje stále stejný klíč s expirací (mrtvá zařízení zmizí).
type LatestCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewLatestCache(rdb *redis.Client, ttl time.Duration) *LatestCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LatestCache{rdb: rdb, ttl: ttl}
}

// DialLatestCache připojí Valkey a ověří ho pingem.
func DialLatestCache(ctx context.Context, addr string, ttl time.Duration) (*LatestCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Valkey není dostupný: %w", err)
	}
	return NewLatestCache(rdb, ttl), nil
}

// Put přepíše globální poslední měření i poslední měření daného spojení.
func (c *LatestCache) Put(ctx context.Context, l Latest) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return err
	}

	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, latestKey, payload, c.ttl)
	if l.ConnID != "" {
		pipe.Set(ctx, fmt.Sprintf(latestConnKey, l.ConnID), payload, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chyba update Valkey: %w", err)
	}
	return nil
}

// Get vrátí poslední měření. Prázdné connID znamená napříč všemi zařízeními.
func (c *LatestCache) Get(ctx context.Context, connID string) (Latest, error) {
	key := latestKey
	if connID != "" {
		key = fmt.Sprintf(latestConnKey, connID)
	}

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Latest{}, ErrNoLatest
	}
	if err != nil {
		return Latest{}, fmt.Errorf("chyba čtení Valkey: %w", err)
	}

	var l Latest
	if err := json.Unmarshal(raw, &l); err != nil {
		return Latest{}, fmt.Errorf("poškozený záznam ve Valkey: %w", err)
	}
	return l, nil
}

func (c *LatestCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *LatestCache) Close() error {
	return c.rdb.Close()
}
