// Package application 行情缓存、定时拉取与快照监听器
package application

import (
	"sync/atomic"

	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
)

// PriceCache 保存最近一次成功拉取的快照，读写均不阻塞
type PriceCache struct {
	current atomic.Pointer[domain.PriceSnapshot]
}

// NewPriceCache 创建缓存，初始为空快照
func NewPriceCache(currency string) *PriceCache {
	c := &PriceCache{}
	c.current.Store(domain.EmptySnapshot(currency))
	return c
}

// Read 返回当前快照，永不为 nil
func (c *PriceCache) Read() *domain.PriceSnapshot {
	return c.current.Load()
}

// Replace 原子替换快照，nil 被忽略
func (c *PriceCache) Replace(s *domain.PriceSnapshot) {
	if s == nil {
		return
	}
	c.current.Store(s)
}
