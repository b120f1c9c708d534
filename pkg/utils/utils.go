// Package utils 提供雪花 ID、按 key 加锁与分页参数等通用工具
package utils

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// IDGenerator 雪花算法 ID 生成器
type IDGenerator struct {
	node *snowflake.Node
}

// NewIDGenerator nodeID 取值 0-1023，多实例部署时需各不相同
func NewIDGenerator(nodeID int64) (*IDGenerator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node %d: %w", nodeID, err)
	}
	return &IDGenerator{node: node}, nil
}

// Next 生成十进制字符串形式的 ID
func (g *IDGenerator) Next() string {
	return g.node.Generate().String()
}

// KeyedMutex 同一 key 串行，不同 key 互不影响。空闲的 key 会被回收
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

// Lock 加锁并返回解锁函数
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Pagination 基于 limit/offset 的分页参数
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ParsePagination 解析查询参数，非法值回退到默认值，limit 上限为 maxLimit
func ParsePagination(limitStr, offsetStr string, defaultLimit, maxLimit int) Pagination {
	p := Pagination{Limit: defaultLimit}
	if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
		p.Limit = l
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if o, err := strconv.Atoi(offsetStr); err == nil && o > 0 {
		p.Offset = o
	}
	return p
}
