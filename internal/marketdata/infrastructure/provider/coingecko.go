// Package provider 行情源实现：CoinGecko simple/price 接口与相关性推导
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"github.com/wyfcoding/papertrading/pkg/config"
)

// ErrUpstreamStatus 上游返回非 2xx
var ErrUpstreamStatus = errors.New("upstream returned non-success status")

// CoinGeckoSource 通过 CoinGecko 兼容接口批量拉取价格
type CoinGeckoSource struct {
	client    *resty.Client
	breaker   *gobreaker.CircuitBreaker
	currency  string
	pricePath string
}

// NewCoinGeckoSource 创建行情源，请求经过熔断器
func NewCoinGeckoSource(cfg config.MarketDataConfig) *CoinGeckoSource {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader(cfg.APIKeyHeader, cfg.APIKey)
	}

	failures := uint32(cfg.BreakerFailures)
	if failures == 0 {
		failures = 3
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "coingecko",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	})

	pricePath := cfg.PricePath
	if pricePath == "" {
		pricePath = `$["{id}"]["{currency}"]`
	}
	return &CoinGeckoSource{
		client:    client,
		breaker:   breaker,
		currency:  strings.ToLower(cfg.Currency),
		pricePath: pricePath,
	}
}

// Fetch 一次请求拉取全部币种，缺失的币种不出现在结果中
func (s *CoinGeckoSource) Fetch(ctx context.Context, symbols []string) (map[string]float64, error) {
	body, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"ids":           strings.Join(symbols, ","),
				"vs_currencies": s.currency,
			}).
			Get("/simple/price")
		if err != nil {
			return nil, err
		}
		if !resp.IsSuccess() {
			return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode())
		}
		return resp.Body(), nil
	})
	if err != nil {
		return nil, err
	}
	return s.extract(body.([]byte), symbols)
}

func (s *CoinGeckoSource) extract(body []byte, symbols []string) (map[string]float64, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("malformed price payload: %w", err)
	}

	out := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		path := strings.NewReplacer("{id}", sym, "{currency}", s.currency).Replace(s.pricePath)
		v, err := jsonpath.Get(path, doc)
		if err != nil {
			continue
		}
		if f, ok := toFloat(v); ok {
			out[sym] = f
		}
	}
	return out, nil
}

// State 熔断器当前状态
func (s *CoinGeckoSource) State() string {
	return s.breaker.State().String()
}

func toFloat(v interface{}) (float64, bool) {
	// 带过滤的路径会返回列表，取第一个
	if list, ok := v.([]interface{}); ok {
		if len(list) == 0 {
			return 0, false
		}
		v = list[0]
	}
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case json.Number:
		f, err = n.Float64()
	case float64:
		f = n
	case string:
		f, err = strconv.ParseFloat(n, 64)
	default:
		return 0, false
	}
	// "NaN"、"Inf" 之类的字符串能被解析，但不是价格
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
