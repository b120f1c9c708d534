// Package grpc 行情服务的 gRPC 健康检查
package grpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName 健康检查中的服务名
const ServiceName = "papertrading.marketdata"

// SnapshotReader 读取当前快照
type SnapshotReader interface {
	Read() *domain.PriceSnapshot
}

// HealthReporter 根据快照新鲜度设置服务状态：
// 快照年龄不超过 staleAfter 为 SERVING，否则 NOT_SERVING
type HealthReporter struct {
	server     *health.Server
	cache      SnapshotReader
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	serving bool
}

func NewHealthReporter(server *health.Server, cache SnapshotReader, staleAfter time.Duration, logger *slog.Logger) *HealthReporter {
	r := &HealthReporter{
		server:     server,
		cache:      cache,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
	}
	server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return r
}

// Update 重新计算状态，返回是否可服务
func (r *HealthReporter) Update() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	serving := !r.cache.Read().IsStale(r.now(), r.staleAfter)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus(ServiceName, status)
	if serving != r.serving {
		r.logger.Info("marketdata health changed", "status", status.String())
		r.serving = serving
	}
	return serving
}

// OnSnapshot 作为快照监听器使用
func (r *HealthReporter) OnSnapshot(ctx context.Context, _ *domain.PriceSnapshot) {
	r.Update()
}

// Run 定期检查，快照过期后及时切换状态
func (r *HealthReporter) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		r.Update()
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}
