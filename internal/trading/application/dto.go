// Package application 交易用例：下单记账、组合查询、估值与排行榜
package application

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/trading/domain"
)

// TradeCommand 下单命令。Price 为空时使用缓存中的市价
type TradeCommand struct {
	UserID string
	Symbol string
	Side   domain.Side
	Amount decimal.Decimal
	Price  *decimal.Decimal
}

// TradeResult 成交结果
type TradeResult struct {
	Portfolio   *PortfolioDTO       `json:"portfolio"`
	Transaction *domain.Transaction `json:"transaction"`
	RealizedPnL decimal.Decimal     `json:"realizedPnL"`
}

// PortfolioDTO 组合视图
type PortfolioDTO struct {
	UserID           string           `json:"userId"`
	Balance          decimal.Decimal  `json:"balance"`
	Holdings         []domain.Holding `json:"holdings"`
	TotalTrades      int64            `json:"totalTrades"`
	ProfitableTrades int64            `json:"profitableTrades"`
	WinRate          decimal.Decimal  `json:"winRate"`
	RealizedPnL      decimal.Decimal  `json:"realizedPnL"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

func toPortfolioDTO(p *domain.Portfolio) *PortfolioDTO {
	holdings := p.Holdings
	if holdings == nil {
		holdings = []domain.Holding{}
	}
	return &PortfolioDTO{
		UserID:           p.UserID,
		Balance:          p.Balance,
		Holdings:         holdings,
		TotalTrades:      p.TotalTrades,
		ProfitableTrades: p.ProfitableTrades,
		WinRate:          p.WinRate(),
		RealizedPnL:      p.RealizedPnL,
		UpdatedAt:        p.UpdatedAt,
	}
}

// HoldingValuation 单个持仓按市价估值
type HoldingValuation struct {
	Symbol        string          `json:"coinSymbol"`
	Amount        decimal.Decimal `json:"amount"`
	AveragePrice  decimal.Decimal `json:"averagePrice"`
	CostBasis     decimal.Decimal `json:"costBasis"`
	MarketPrice   decimal.Decimal `json:"marketPrice"`
	MarketValue   decimal.Decimal `json:"marketValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnL"`
	// Priced 缓存中没有该币种价格时为 false，此时按成本估值
	Priced       bool   `json:"priced"`
	ValueDisplay string `json:"valueDisplay"`
}

// PortfolioSummary 组合估值汇总
type PortfolioSummary struct {
	UserID        string             `json:"userId"`
	Currency      string             `json:"currency"`
	Balance       decimal.Decimal    `json:"balance"`
	HoldingsValue decimal.Decimal    `json:"holdingsValue"`
	TotalValue    decimal.Decimal    `json:"totalValue"`
	UnrealizedPnL decimal.Decimal    `json:"unrealizedPnL"`
	RealizedPnL   decimal.Decimal    `json:"realizedPnL"`
	WinRate       decimal.Decimal    `json:"winRate"`
	Holdings      []HoldingValuation `json:"holdings"`
	PricesAsOf    *time.Time         `json:"pricesAsOf"`

	BalanceDisplay       string `json:"balanceDisplay"`
	TotalValueDisplay    string `json:"totalValueDisplay"`
	UnrealizedPnLDisplay string `json:"unrealizedPnLDisplay"`
}
