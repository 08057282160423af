// Package cache keeps a short Redis-backed list of recent messages per
// conversation so the hot history path skips Mongo. Cache errors are never
// fatal; the store remains the source of truth.
package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recentSize = 100
	recentTTL  = 24 * time.Hour
)

type Recent struct {
	rdb    *redis.Client
	prefix string
	logger *zap.SugaredLogger
}

func NewRecent(rdb *redis.Client, prefix string, logger *zap.SugaredLogger) *Recent {
	return &Recent{rdb: rdb, prefix: prefix, logger: logger}
}

// DirectKey is order-independent: both participants read the same list.
func DirectKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "direct:" + strings.Join(pair, ":")
}

func GroupKey(groupID string) string { return "group:" + groupID }

func (r *Recent) key(convKey string) string {
	return fmt.Sprintf("%s:recent:%s", r.prefix, convKey)
}

// Push prepends a marshaled message and trims the list.
func (r *Recent) Push(ctx context.Context, convKey string, msgJSON []byte) {
	if r.rdb == nil {
		return
	}
	key := r.key(convKey)
	pipe := r.rdb.Pipeline()
	pipe.LPush(ctx, key, msgJSON)
	pipe.LTrim(ctx, key, 0, recentSize-1)
	pipe.Expire(ctx, key, recentTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Warnw("recent cache push failed", "key", convKey, "err", err)
	}
}

// Get returns up to limit recent frames, newest first, or nil on miss.
func (r *Recent) Get(ctx context.Context, convKey string, limit int64) [][]byte {
	if r.rdb == nil || limit <= 0 || limit > recentSize {
		return nil
	}
	vals, err := r.rdb.LRange(ctx, r.key(convKey), 0, limit-1).Result()
	if err != nil || int64(len(vals)) < limit {
		return nil
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out
}

// Invalidate drops the cached list; used after edits and deletes.
func (r *Recent) Invalidate(ctx context.Context, convKey string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, r.key(convKey)).Err(); err != nil {
		r.logger.Warnw("recent cache invalidate failed", "key", convKey, "err", err)
	}
}
