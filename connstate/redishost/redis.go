// Package redishost provides a Redis-backed connstate.Host so a fleet of
// processes can observe aggregate connection presence. Entries carry a TTL as
// a safety net against processes that die without reporting closes.
package redishost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webstreams/webstreams-go/connstate"
)

// Config configures the Redis host.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix prefixes every key. Default: "webstreams:conns:".
	KeyPrefix string

	// EntryTTL bounds how long a connection record survives without its
	// close being reported. Default: 24h.
	EntryTTL time.Duration
}

// Host implements connstate.Host on Redis: one key per connection plus a
// SCAN-based count.
type Host struct {
	client    *redis.Client
	keyPrefix string
	entryTTL  time.Duration
}

var _ connstate.Host = (*Host)(nil)

// New constructs the host.
func New(cfg Config) (*Host, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redishost: redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "webstreams:conns:"
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 24 * time.Hour
	}
	return &Host{client: cfg.Client, keyPrefix: cfg.KeyPrefix, entryTTL: cfg.EntryTTL}, nil
}

func (h *Host) key(id string) string { return h.keyPrefix + id }

func (h *Host) ConnectionOpened(ctx context.Context, c connstate.Connection) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redishost: marshal connection: %w", err)
	}
	if err := h.client.Set(ctx, h.key(c.ID), payload, h.entryTTL).Err(); err != nil {
		return fmt.Errorf("redishost: record open: %w", err)
	}
	return nil
}

func (h *Host) ConnectionClosed(ctx context.Context, c connstate.Connection) error {
	if err := h.client.Del(ctx, h.key(c.ID)).Err(); err != nil {
		return fmt.Errorf("redishost: record close: %w", err)
	}
	return nil
}

func (h *Host) ActiveCount(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		count  int64
	)
	for {
		keys, next, err := h.client.Scan(ctx, cursor, h.keyPrefix+"*", 512).Result()
		if err != nil {
			return 0, fmt.Errorf("redishost: scan: %w", err)
		}
		count += int64(len(keys))
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

func (h *Host) Close() error {
	return h.client.Close()
}
