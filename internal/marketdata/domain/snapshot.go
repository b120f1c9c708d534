// Package domain 行情快照、价格源接口与行情事件
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// MessageTypePrices 推送给订阅者的快照消息类型
const MessageTypePrices = "prices"

// PriceSnapshot 某一时刻全部跟踪币种的价格，构造后不可变
type PriceSnapshot struct {
	currency   string
	prices     map[string]decimal.Decimal
	lastUpdate *time.Time
}

// NewPriceSnapshot 构造快照，复制入参 map
func NewPriceSnapshot(currency string, prices map[string]decimal.Decimal, at time.Time) *PriceSnapshot {
	t := at.UTC()
	return &PriceSnapshot{
		currency:   currency,
		prices:     maps.Clone(prices),
		lastUpdate: &t,
	}
}

// EmptySnapshot 首次成功拉取之前的空快照
func EmptySnapshot(currency string) *PriceSnapshot {
	return &PriceSnapshot{currency: currency, prices: map[string]decimal.Decimal{}}
}

// Currency 计价货币
func (s *PriceSnapshot) Currency() string { return s.currency }

// Price 查询单个币种价格
func (s *PriceSnapshot) Price(symbol string) (decimal.Decimal, bool) {
	p, ok := s.prices[symbol]
	return p, ok
}

// Prices 返回价格副本
func (s *PriceSnapshot) Prices() map[string]decimal.Decimal {
	return maps.Clone(s.prices)
}

// Symbols 按字母序返回币种
func (s *PriceSnapshot) Symbols() []string {
	return slices.Sorted(maps.Keys(s.prices))
}

// LastUpdate 最后成功更新时间，空快照返回 false
func (s *PriceSnapshot) LastUpdate() (time.Time, bool) {
	if s.lastUpdate == nil {
		return time.Time{}, false
	}
	return *s.lastUpdate, true
}

// IsEmpty 是否没有任何价格
func (s *PriceSnapshot) IsEmpty() bool {
	return len(s.prices) == 0
}

// IsStale 快照为空或距上次更新超过 maxAge
func (s *PriceSnapshot) IsStale(now time.Time, maxAge time.Duration) bool {
	if s.lastUpdate == nil {
		return true
	}
	return now.Sub(*s.lastUpdate) > maxAge
}

// WirePrices 输出 {symbol: {currency: price}} 结构
func (s *PriceSnapshot) WirePrices() map[string]map[string]json.Number {
	out := make(map[string]map[string]json.Number, len(s.prices))
	for sym, p := range s.prices {
		out[sym] = map[string]json.Number{s.currency: json.Number(p.String())}
	}
	return out
}

type snapshotWire struct {
	Type       string                            `json:"type"`
	Prices     map[string]map[string]json.Number `json:"prices"`
	LastUpdate *time.Time                        `json:"lastUpdate"`
}

// MarshalJSON 编码为推送协议格式
func (s *PriceSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotWire{
		Type:       MessageTypePrices,
		Prices:     s.WirePrices(),
		LastUpdate: s.lastUpdate,
	})
}

// UnmarshalJSON 从推送协议格式解码，每个币种只取第一个计价货币
func (s *PriceSnapshot) UnmarshalJSON(data []byte) error {
	var w snapshotWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type != "" && w.Type != MessageTypePrices {
		return fmt.Errorf("unexpected message type %q", w.Type)
	}
	if w.Prices == nil {
		return errors.New("snapshot has no prices field")
	}

	prices := make(map[string]decimal.Decimal, len(w.Prices))
	currency := ""
	for sym, quotes := range w.Prices {
		for cur, raw := range quotes {
			p, err := decimal.NewFromString(raw.String())
			if err != nil {
				return fmt.Errorf("invalid price for %s: %w", sym, err)
			}
			if !p.IsPositive() {
				return fmt.Errorf("non-positive price for %s", sym)
			}
			prices[sym] = p
			currency = cur
			break
		}
	}

	s.currency = currency
	s.prices = prices
	s.lastUpdate = nil
	if w.LastUpdate != nil {
		t := w.LastUpdate.UTC()
		s.lastUpdate = &t
	}
	return nil
}
