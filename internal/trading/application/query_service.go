package application

import (
	"context"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/trading/domain"
	"github.com/wyfcoding/papertrading/pkg/utils"
)

// PortfolioQueryService 组合、成交记录、估值与排行榜查询
type PortfolioQueryService struct {
	repo           domain.PortfolioRepository
	prices         PriceReader
	initialBalance decimal.Decimal
	currency       string
	now            func() time.Time
}

func NewPortfolioQueryService(repo domain.PortfolioRepository, prices PriceReader, initialBalance decimal.Decimal, currency string) *PortfolioQueryService {
	return &PortfolioQueryService{
		repo:           repo,
		prices:         prices,
		initialBalance: initialBalance,
		currency:       strings.ToUpper(currency),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// GetPortfolio 用户尚未交易时返回初始组合（不落库）
func (s *PortfolioQueryService) GetPortfolio(ctx context.Context, userID string) (*PortfolioDTO, error) {
	p, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toPortfolioDTO(p), nil
}

// ListTransactions 成交记录，最新在前
func (s *PortfolioQueryService) ListTransactions(ctx context.Context, userID string, page utils.Pagination) ([]*domain.Transaction, error) {
	txs, err := s.repo.ListTransactions(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}
	return txs, nil
}

// Leaderboard 按累计已实现盈亏排名
func (s *PortfolioQueryService) Leaderboard(ctx context.Context, limit int) ([]*domain.LeaderboardEntry, error) {
	entries, err := s.repo.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*domain.LeaderboardEntry{}
	}
	return entries, nil
}

// Summary 按当前缓存价格估值；缺少价格的持仓按成本计
func (s *PortfolioQueryService) Summary(ctx context.Context, userID string) (*PortfolioSummary, error) {
	p, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	snap := s.prices.Read()

	summary := &PortfolioSummary{
		UserID:      p.UserID,
		Currency:    s.currency,
		Balance:     p.Balance,
		RealizedPnL: p.RealizedPnL,
		WinRate:     p.WinRate(),
		Holdings:    make([]HoldingValuation, 0, len(p.Holdings)),
	}
	if ts, ok := snap.LastUpdate(); ok {
		summary.PricesAsOf = &ts
	}

	for _, h := range p.Holdings {
		v := HoldingValuation{
			Symbol:       h.Symbol,
			Amount:       h.Amount,
			AveragePrice: h.AveragePrice,
			CostBasis:    h.Amount.Mul(h.AveragePrice),
			MarketPrice:  h.AveragePrice,
		}
		if mp, ok := snap.Price(h.Symbol); ok {
			v.MarketPrice = mp
			v.Priced = true
		}
		v.MarketValue = h.Amount.Mul(v.MarketPrice)
		v.UnrealizedPnL = domain.UnrealizedPnL(h, v.MarketPrice)
		v.ValueDisplay = s.display(v.MarketValue)

		summary.HoldingsValue = summary.HoldingsValue.Add(v.MarketValue)
		summary.UnrealizedPnL = summary.UnrealizedPnL.Add(v.UnrealizedPnL)
		summary.Holdings = append(summary.Holdings, v)
	}

	summary.TotalValue = p.Balance.Add(summary.HoldingsValue)
	summary.BalanceDisplay = s.display(p.Balance)
	summary.TotalValueDisplay = s.display(summary.TotalValue)
	summary.UnrealizedPnLDisplay = s.display(summary.UnrealizedPnL)
	return summary, nil
}

func (s *PortfolioQueryService) load(ctx context.Context, userID string) (*domain.Portfolio, error) {
	p, err := s.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = domain.NewPortfolio(userID, s.initialBalance, s.now())
	}
	return p, nil
}

// display 按币种的最小单位四舍五入后格式化，如 $1,234.56
func (s *PortfolioQueryService) display(amount decimal.Decimal) string {
	return FormatMoney(amount, s.currency)
}

// FormatMoney 使用 go-money 格式化金额，未知币种按两位小数处理
func FormatMoney(amount decimal.Decimal, code string) string {
	fraction := 2
	if c := money.GetCurrency(code); c != nil {
		fraction = c.Fraction
	}
	minor := amount.Shift(int32(fraction)).Round(0).IntPart()
	return money.New(minor, code).Display()
}
