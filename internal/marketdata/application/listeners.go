package application

import (
	"context"
	"log/slog"

	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
)

// SnapshotMirror 将快照写入镜像仓储，失败仅记录日志
func SnapshotMirror(repo domain.SnapshotRepository, logger *slog.Logger) SnapshotListener {
	return func(ctx context.Context, s *domain.PriceSnapshot) {
		if err := repo.Save(ctx, s); err != nil {
			logger.Warn("failed to mirror price snapshot", "error", err)
		}
	}
}

// PricesUpdatedPublisher 为每个快照发布 marketdata.prices.updated 事件
func PricesUpdatedPublisher(pub domain.EventPublisher, topic string, logger *slog.Logger) SnapshotListener {
	return func(ctx context.Context, s *domain.PriceSnapshot) {
		event := domain.NewPricesUpdatedEvent(s)
		if err := pub.SendMessage(ctx, topic, s.Currency(), event); err != nil {
			logger.Warn("failed to publish prices updated event", "topic", topic, "error", err)
		}
	}
}

// WarmStart 启动时用镜像中的快照预热缓存，返回是否命中
func WarmStart(ctx context.Context, repo domain.SnapshotRepository, cache *PriceCache, logger *slog.Logger) bool {
	s, err := repo.Load(ctx)
	if err != nil {
		logger.Warn("failed to load mirrored price snapshot", "error", err)
		return false
	}
	if s == nil || s.IsEmpty() {
		return false
	}
	cache.Replace(s)
	last, _ := s.LastUpdate()
	logger.Info("price cache warmed from mirror", "symbols", len(s.Symbols()), "last_update", last)
	return true
}
