package domain

import (
	"context"
	"time"
)

// PriceSource 外部行情源，一次批量拉取全部币种
type PriceSource interface {
	// Fetch 返回 symbol -> 价格，缺失的币种不出现在结果中
	Fetch(ctx context.Context, symbols []string) (map[string]float64, error)
}

// SnapshotRepository 快照镜像，用于重启后预热缓存
type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *PriceSnapshot) error
	// Load 没有镜像时返回 nil, nil
	Load(ctx context.Context) (*PriceSnapshot, error)
}

// EventPublisher 领域事件发布
type EventPublisher interface {
	SendMessage(ctx context.Context, topic string, key string, value any) error
}

// PricesUpdatedEventType 快照提交后发布的事件类型
const PricesUpdatedEventType = "marketdata.prices.updated"

// PricesUpdatedEvent 行情快照更新事件
type PricesUpdatedEvent struct {
	Currency  string            `json:"currency"`
	Prices    map[string]string `json:"prices"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewPricesUpdatedEvent 由快照生成事件
func NewPricesUpdatedEvent(s *PriceSnapshot) PricesUpdatedEvent {
	prices := make(map[string]string, len(s.prices))
	for sym, p := range s.prices {
		prices[sym] = p.String()
	}
	ts, _ := s.LastUpdate()
	return PricesUpdatedEvent{
		Currency:  s.currency,
		Prices:    prices,
		Timestamp: ts,
	}
}
