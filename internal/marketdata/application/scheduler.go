package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/pkg/metrics"
)

// ErrNoValidPrices 上游返回的数据里没有任何可用价格
var ErrNoValidPrices = errors.New("upstream returned no valid prices")

// SnapshotListener 新快照提交后的回调
type SnapshotListener func(ctx context.Context, snapshot *domain.PriceSnapshot)

// SchedulerConfig 定时拉取配置
type SchedulerConfig struct {
	Symbols        []string
	Currency       string
	Interval       time.Duration
	RequestTimeout time.Duration
}

// PriceUpdateScheduler 定时从行情源拉取价格，成功后替换缓存并通知监听器。
// 拉取失败时保留旧快照。
type PriceUpdateScheduler struct {
	cfg       SchedulerConfig
	source    domain.PriceSource
	cache     *PriceCache
	listeners []SnapshotListener
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewPriceUpdateScheduler(
	cfg SchedulerConfig,
	source domain.PriceSource,
	cache *PriceCache,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PriceUpdateScheduler {
	return &PriceUpdateScheduler{
		cfg:     cfg,
		source:  source,
		cache:   cache,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// OnUpdate 注册监听器，需在 Run 之前调用，按注册顺序回调
func (s *PriceUpdateScheduler) OnUpdate(l SnapshotListener) {
	s.listeners = append(s.listeners, l)
}

// Run 立即拉取一次，然后按间隔拉取，直到 ctx 取消
func (s *PriceUpdateScheduler) Run(ctx context.Context) error {
	s.logger.Info("price update scheduler started", "interval", s.cfg.Interval, "symbols", len(s.cfg.Symbols))

	_ = s.Refresh(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("price update scheduler stopped")
			return nil
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}

// Refresh 执行一次拉取。失败只记录日志与指标，缓存保持不变
func (s *PriceUpdateScheduler) Refresh(ctx context.Context) error {
	start := time.Now()
	snapshot, err := s.fetch(ctx)
	s.metrics.PriceFetchDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.metrics.PriceFetchTotal.WithLabelValues("failure").Inc()
		last, ok := s.cache.Read().LastUpdate()
		args := []any{"error", err}
		if ok {
			args = append(args, "last_update", last)
		}
		s.logger.Warn("price fetch failed, keeping previous snapshot", args...)
		return err
	}

	s.cache.Replace(snapshot)
	s.metrics.PriceFetchTotal.WithLabelValues("success").Inc()
	if ts, ok := snapshot.LastUpdate(); ok {
		s.metrics.PriceSnapshotTime.Set(float64(ts.Unix()))
	}
	s.logger.Debug("price snapshot committed", "symbols", len(snapshot.Symbols()))

	for _, l := range s.listeners {
		l(ctx, snapshot)
	}
	return nil
}

func (s *PriceUpdateScheduler) fetch(ctx context.Context) (*domain.PriceSnapshot, error) {
	fetchCtx := ctx
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	raw, err := s.source.Fetch(fetchCtx, s.cfg.Symbols)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}

	// 缺失或非法的币种不进入新快照，不沿用旧价格
	prices := make(map[string]decimal.Decimal, len(s.cfg.Symbols))
	for _, sym := range s.cfg.Symbols {
		v, ok := raw[sym]
		if !ok {
			s.logger.Warn("upstream price missing", "symbol", sym)
			continue
		}
		if !isValidPrice(v) {
			s.logger.Warn("discarding invalid upstream price", "symbol", sym, "value", v)
			continue
		}
		prices[sym] = decimal.NewFromFloat(v)
	}
	if len(prices) == 0 {
		return nil, ErrNoValidPrices
	}
	return domain.NewPriceSnapshot(s.cfg.Currency, prices, s.now()), nil
}

func isValidPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
