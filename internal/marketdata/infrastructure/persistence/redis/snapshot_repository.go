// Package redis 行情快照的 Redis 镜像
package redis

import (
	"context"
	"time"

	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/pkg/cache"
)

const snapshotKey = "marketdata:snapshot"

// SnapshotRedisRepository 以推送协议格式保存最近一次快照
type SnapshotRedisRepository struct {
	cache *cache.RedisCache
	key   string
	ttl   time.Duration
}

func NewSnapshotRedisRepository(c *cache.RedisCache) *SnapshotRedisRepository {
	return &SnapshotRedisRepository{
		cache: c,
		key:   snapshotKey,
		ttl:   24 * time.Hour,
	}
}

func (r *SnapshotRedisRepository) Save(ctx context.Context, snapshot *domain.PriceSnapshot) error {
	if snapshot == nil || snapshot.IsEmpty() {
		return nil
	}
	return r.cache.SetJSON(ctx, r.key, snapshot, r.ttl)
}

func (r *SnapshotRedisRepository) Load(ctx context.Context) (*domain.PriceSnapshot, error) {
	var s domain.PriceSnapshot
	found, err := r.cache.GetJSON(ctx, r.key, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}
