package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/marketdata/application"
	marketdomain "github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/internal/marketdata/infrastructure/persistence/redis"
	"github.com/wyfcoding/papertrading/internal/marketdata/infrastructure/provider"
	healthserver "github.com/wyfcoding/papertrading/internal/marketdata/interfaces/grpc"
	pricehttp "github.com/wyfcoding/papertrading/internal/marketdata/interfaces/http"
	"github.com/wyfcoding/papertrading/internal/marketdata/interfaces/ws"
	tradeapp "github.com/wyfcoding/papertrading/internal/trading/application"
	"github.com/wyfcoding/papertrading/internal/trading/infrastructure/persistence/mysql"
	tradehttp "github.com/wyfcoding/papertrading/internal/trading/interfaces/http"
	"github.com/wyfcoding/papertrading/pkg/cache"
	"github.com/wyfcoding/papertrading/pkg/config"
	"github.com/wyfcoding/papertrading/pkg/db"
	"github.com/wyfcoding/papertrading/pkg/logger"
	"github.com/wyfcoding/papertrading/pkg/metrics"
	"github.com/wyfcoding/papertrading/pkg/middleware"
	"github.com/wyfcoding/papertrading/pkg/mq"
	"github.com/wyfcoding/papertrading/pkg/utils"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var configPath = flag.String("config", "configs/papertrade/config.toml", "config file path")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		slog.Error("papertrade exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// 2. 初始化日志
	log, err := logger.Init(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	log = log.With("service", cfg.ServiceName, "env", cfg.Environment)

	// 3. 初始化指标
	metricsImpl := metrics.New(cfg.ServiceName)

	// 4. 初始化基础设施
	database, err := db.Init(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close()

	if cfg.Database.AutoMigrate {
		if err := mysql.AutoMigrate(database.DB); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	var snapshotRepo marketdomain.SnapshotRepository
	if cfg.RedisEnabled() {
		redisCache, err := cache.New(cfg.Redis)
		if err != nil {
			// Redis 只用于快照镜像，不可用时降级运行
			log.Warn("redis unavailable, price snapshot mirror disabled", "error", err)
		} else {
			defer redisCache.Close()
			snapshotRepo = redis.NewSnapshotRedisRepository(redisCache)
		}
	}

	var producer mq.Producer = mq.NewLogProducer(log)
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := mq.NewProducer(cfg.Kafka)
		if err != nil {
			return err
		}
		producer = kp
	}
	defer producer.Close()

	ids, err := utils.NewIDGenerator(cfg.Trading.NodeID)
	if err != nil {
		return err
	}
	initialBalance, err := decimal.NewFromString(cfg.Trading.InitialBalance)
	if err != nil {
		return fmt.Errorf("invalid trading.initial_balance: %w", err)
	}

	// 5. 行情：缓存、行情源、推送
	priceCache := application.NewPriceCache(cfg.MarketData.Currency)
	upstream := provider.NewCoinGeckoSource(cfg.MarketData)
	source, err := provider.NewSource(cfg.MarketData.Strategy, upstream, cfg.MarketData.BaseSymbol, cfg.MarketData.Ratios)
	if err != nil {
		return err
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if snapshotRepo != nil {
		application.WarmStart(rootCtx, snapshotRepo, priceCache, log)
	}

	hub := ws.NewHub(priceCache, ws.HubConfig{
		SendBuffer: cfg.Feed.SendBuffer,
		WriteWait:  cfg.Feed.WriteWait,
	}, metricsImpl, log)

	healthSrv := health.NewServer()
	reporter := healthserver.NewHealthReporter(healthSrv, priceCache, cfg.MarketData.StaleAfter, log)

	scheduler := application.NewPriceUpdateScheduler(application.SchedulerConfig{
		Symbols:        cfg.MarketData.Symbols,
		Currency:       cfg.MarketData.Currency,
		Interval:       cfg.MarketData.Interval,
		RequestTimeout: cfg.MarketData.RequestTimeout,
	}, source, priceCache, metricsImpl, log)
	scheduler.OnUpdate(func(_ context.Context, s *marketdomain.PriceSnapshot) { hub.Publish(s) })
	scheduler.OnUpdate(reporter.OnSnapshot)
	if snapshotRepo != nil {
		scheduler.OnUpdate(application.SnapshotMirror(snapshotRepo, log))
	}
	scheduler.OnUpdate(application.PricesUpdatedPublisher(producer, cfg.Kafka.PriceTopic, log))

	// 6. 交易
	tradeRepo := mysql.NewPortfolioRepository(database.DB)
	commandSvc := tradeapp.NewTradeCommandService(tradeapp.TradeConfig{
		Symbols:        cfg.MarketData.Symbols,
		InitialBalance: initialBalance,
		MaxRetries:     cfg.Trading.MaxRetries,
		RetryDelay:     cfg.Trading.RetryDelay,
		TradeTopic:     cfg.Kafka.TradeTopic,
	}, tradeRepo, priceCache, producer, ids, metricsImpl, log)
	querySvc := tradeapp.NewPortfolioQueryService(tradeRepo, priceCache, initialBalance, cfg.Trading.Currency)

	// 7. 接口层
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.GRPCRecoveryInterceptor(),
		middleware.GRPCLoggingInterceptor(),
	))
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
		middleware.GinMetricsMiddleware(metricsImpl),
	)

	r.GET("/healthz", func(c *gin.Context) {
		snap := priceCache.Read()
		last, ok := snap.LastUpdate()
		resp := gin.H{"status": "ok", "subscribers": hub.Len(), "stale": snap.IsStale(time.Now(), cfg.MarketData.StaleAfter)}
		if ok {
			resp["lastUpdate"] = last
		}
		c.JSON(http.StatusOK, resp)
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(metricsImpl.Handler()))
	}

	ws.NewHandler(hub, ws.HandlerConfig{
		PongWait:       cfg.Feed.PongWait,
		MaxMessageSize: cfg.Feed.MaxMessageSize,
	}, log).RegisterRoutes(r)

	api := r.Group("/api")
	pricehttp.NewPricesHandler(priceCache, cfg.MarketData.StaleAfter).RegisterRoutes(api)

	authed := api.Group("",
		middleware.RateLimitMiddleware(middleware.NewIPRateLimiter(cfg.HTTP.RateLimitQPS, cfg.HTTP.RateLimitBurst)),
		middleware.JWTAuth(cfg.Auth.JWTSecret),
	)
	tradehttp.NewTradeHandler(commandSvc, querySvc, log).RegisterRoutes(authed)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	// 8. 启动
	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	g.Go(func() error {
		return reporter.Run(ctx, time.Minute)
	})

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		log.Info("gRPC server starting", "addr", addr)
		return grpcSrv.Serve(lis)
	})

	g.Go(func() error {
		log.Info("HTTP server starting", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 9. 优雅关闭
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down servers...")

		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown failed", "error", err)
		}
		grpcSrv.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("papertrade stopped")
	return nil
}
