package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	mdomain "github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/internal/trading/domain"
	"github.com/wyfcoding/papertrading/pkg/metrics"
	"github.com/wyfcoding/papertrading/pkg/utils"
)

// PriceReader 读取当前行情快照
type PriceReader interface {
	Read() *mdomain.PriceSnapshot
}

// TradeConfig 交易用例配置
type TradeConfig struct {
	Symbols        []string
	InitialBalance decimal.Decimal
	// MaxRetries 乐观锁冲突时的最大尝试次数
	MaxRetries int
	RetryDelay time.Duration
	TradeTopic string
}

// TradeCommandService 处理买卖命令。
// 同一用户的命令在进程内串行，跨实例依赖仓储的版本校验
type TradeCommandService struct {
	cfg       TradeConfig
	symbols   map[string]struct{}
	repo      domain.PortfolioRepository
	prices    PriceReader
	publisher domain.EventPublisher
	ids       *utils.IDGenerator
	locks     *utils.KeyedMutex
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewTradeCommandService(
	cfg TradeConfig,
	repo domain.PortfolioRepository,
	prices PriceReader,
	publisher domain.EventPublisher,
	ids *utils.IDGenerator,
	m *metrics.Metrics,
	logger *slog.Logger,
) *TradeCommandService {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	symbols := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = struct{}{}
	}
	return &TradeCommandService{
		cfg:       cfg,
		symbols:   symbols,
		repo:      repo,
		prices:    prices,
		publisher: publisher,
		ids:       ids,
		locks:     utils.NewKeyedMutex(),
		metrics:   m,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Buy 买入
func (s *TradeCommandService) Buy(ctx context.Context, cmd TradeCommand) (*TradeResult, error) {
	cmd.Side = domain.SideBuy
	return s.Execute(ctx, cmd)
}

// Sell 卖出
func (s *TradeCommandService) Sell(ctx context.Context, cmd TradeCommand) (*TradeResult, error) {
	cmd.Side = domain.SideSell
	return s.Execute(ctx, cmd)
}

// Execute 读取组合、记账并提交，冲突时按固定间隔重试
func (s *TradeCommandService) Execute(ctx context.Context, cmd TradeCommand) (*TradeResult, error) {
	exec, err := s.execute(ctx, cmd)
	if err != nil {
		outcome := "error"
		switch {
		case domain.IsRejection(err):
			outcome = "rejected"
		case errors.Is(err, domain.ErrConcurrentUpdate):
			outcome = "conflict"
			err = fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		s.metrics.TradesTotal.WithLabelValues(string(cmd.Side), outcome).Inc()
		s.logger.InfoContext(ctx, "trade not applied",
			"user_id", cmd.UserID, "symbol", cmd.Symbol, "side", cmd.Side, "outcome", outcome, "error", err)
		return nil, err
	}

	s.metrics.TradesTotal.WithLabelValues(string(cmd.Side), "accepted").Inc()
	s.logger.InfoContext(ctx, "trade executed",
		"user_id", cmd.UserID,
		"transaction_id", exec.Transaction.ID,
		"symbol", exec.Transaction.Symbol,
		"side", exec.Transaction.Side,
		"amount", exec.Transaction.Amount.String(),
		"price", exec.Transaction.Price.String(),
		"realized_pnl", exec.RealizedPnL.String(),
	)

	event := domain.NewTradeExecutedEvent(exec)
	if err := s.publisher.SendMessage(ctx, s.cfg.TradeTopic, cmd.UserID, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish trade executed event", "transaction_id", exec.Transaction.ID, "error", err)
	}

	tx := exec.Transaction
	return &TradeResult{
		Portfolio:   toPortfolioDTO(exec.Portfolio),
		Transaction: &tx,
		RealizedPnL: exec.RealizedPnL,
	}, nil
}

func (s *TradeCommandService) execute(ctx context.Context, cmd TradeCommand) (*domain.Execution, error) {
	if cmd.Side != domain.SideBuy && cmd.Side != domain.SideSell {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidSide, cmd.Side)
	}
	if _, ok := s.symbols[cmd.Symbol]; !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSymbol, cmd.Symbol)
	}
	price, err := s.resolvePrice(cmd)
	if err != nil {
		return nil, err
	}
	order := domain.Order{
		Symbol: cmd.Symbol,
		Side:   cmd.Side,
		Amount: cmd.Amount,
		Price:  price,
	}

	unlock := s.locks.Lock(cmd.UserID)
	defer unlock()

	op := func() (*domain.Execution, error) {
		p, err := s.repo.Get(ctx, cmd.UserID)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("load portfolio: %w", err))
		}
		if p == nil {
			p = domain.NewPortfolio(cmd.UserID, s.cfg.InitialBalance, s.now())
		}

		exec, err := domain.Execute(p, order, s.now())
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		exec.Transaction.ID = s.ids.Next()

		if err := s.repo.Commit(ctx, exec.Portfolio, &exec.Transaction); err != nil {
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				s.metrics.TradeConflictsTotal.Inc()
				s.logger.DebugContext(ctx, "portfolio version conflict, retrying", "user_id", cmd.UserID)
				return nil, err
			}
			return nil, backoff.Permanent(fmt.Errorf("commit portfolio: %w", err))
		}
		return exec, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(s.cfg.RetryDelay)),
		backoff.WithMaxTries(uint(s.cfg.MaxRetries)),
	)
}

// resolvePrice 指定价格必须为正；未指定时取缓存市价
func (s *TradeCommandService) resolvePrice(cmd TradeCommand) (decimal.Decimal, error) {
	if cmd.Price != nil {
		if !cmd.Price.IsPositive() {
			return decimal.Zero, domain.ErrInvalidPrice
		}
		return *cmd.Price, nil
	}
	p, ok := s.prices.Read().Price(cmd.Symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrPriceUnavailable, cmd.Symbol)
	}
	return p, nil
}
