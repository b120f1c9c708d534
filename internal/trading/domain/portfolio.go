// Package domain 模拟交易的领域模型：投资组合、持仓、成交记录与记账规则
package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide 解析方向，大小写不敏感
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, s)
	}
}

// Holding 单个币种的持仓
type Holding struct {
	Symbol string          `json:"coinSymbol"`
	Amount decimal.Decimal `json:"amount"`
	// AveragePrice 当前持有部分的加权平均成本，卖出时不变
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

// Portfolio 用户的投资组合，仅通过 Execute 修改
type Portfolio struct {
	UserID   string          `json:"userId"`
	Balance  decimal.Decimal `json:"balance"`
	Holdings []Holding       `json:"holdings"`

	TotalTrades      int64           `json:"totalTrades"`
	ProfitableTrades int64           `json:"profitableTrades"`
	RealizedPnL      decimal.Decimal `json:"realizedPnL"`

	// Version 乐观锁版本，0 表示尚未持久化
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPortfolio 首次交易时以初始资金创建
func NewPortfolio(userID string, initialBalance decimal.Decimal, now time.Time) *Portfolio {
	return &Portfolio{
		UserID:    userID,
		Balance:   initialBalance,
		Holdings:  []Holding{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Holding 查找持仓
func (p *Portfolio) Holding(symbol string) (Holding, bool) {
	i := p.holdingIndex(symbol)
	if i < 0 {
		return Holding{}, false
	}
	return p.Holdings[i], true
}

func (p *Portfolio) holdingIndex(symbol string) int {
	return slices.IndexFunc(p.Holdings, func(h Holding) bool { return h.Symbol == symbol })
}

// WinRate 盈利卖出笔数占总交易笔数的百分比
func (p *Portfolio) WinRate() decimal.Decimal {
	if p.TotalTrades == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(p.ProfitableTrades).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(p.TotalTrades)).
		Round(2)
}

// Clone 深拷贝
func (p *Portfolio) Clone() *Portfolio {
	cp := *p
	cp.Holdings = slices.Clone(p.Holdings)
	if cp.Holdings == nil {
		cp.Holdings = []Holding{}
	}
	return &cp
}

// Transaction 一笔已成交的交易，写入后不可变
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Symbol      string          `json:"coinSymbol"`
	Side        Side            `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
	RealizedPnL decimal.Decimal `json:"realizedPnL"`
	ExecutedAt  time.Time       `json:"timestamp"`
}
