package provider

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
)

// CorrelatedSource 只拉取基准币种，其余币种按固定比例推导
type CorrelatedSource struct {
	inner  domain.PriceSource
	base   string
	ratios map[string]decimal.Decimal
}

// NewCorrelatedSource ratios 为 symbol -> 相对基准价格的倍数
func NewCorrelatedSource(inner domain.PriceSource, base string, ratios map[string]string) (*CorrelatedSource, error) {
	parsed := make(map[string]decimal.Decimal, len(ratios))
	for sym, raw := range ratios {
		r, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid ratio for %s: %w", sym, err)
		}
		if !r.IsPositive() {
			return nil, fmt.Errorf("ratio for %s must be positive", sym)
		}
		parsed[sym] = r
	}
	return &CorrelatedSource{inner: inner, base: base, ratios: parsed}, nil
}

// Fetch 没有比例配置的币种不出现在结果中
func (s *CorrelatedSource) Fetch(ctx context.Context, symbols []string) (map[string]float64, error) {
	raw, err := s.inner.Fetch(ctx, []string{s.base})
	if err != nil {
		return nil, err
	}
	basePrice, ok := raw[s.base]
	if !ok {
		return nil, fmt.Errorf("base symbol %s missing from upstream response", s.base)
	}
	if math.IsNaN(basePrice) || math.IsInf(basePrice, 0) || basePrice <= 0 {
		return nil, fmt.Errorf("invalid base price for %s: %v", s.base, basePrice)
	}

	base := decimal.NewFromFloat(basePrice)
	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if sym == s.base {
			out[sym] = basePrice
			continue
		}
		if r, ok := s.ratios[sym]; ok {
			out[sym] = base.Mul(r).InexactFloat64()
		}
	}
	return out, nil
}

// NewSource 按配置的策略组装行情源
func NewSource(strategy string, upstream domain.PriceSource, base string, ratios map[string]string) (domain.PriceSource, error) {
	switch strategy {
	case "", "passthrough":
		return upstream, nil
	case "correlated":
		return NewCorrelatedSource(upstream, base, ratios)
	default:
		return nil, fmt.Errorf("unknown price strategy %q", strategy)
	}
}
