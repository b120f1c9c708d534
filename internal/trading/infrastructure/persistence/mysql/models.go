// Package mysql 基于 GORM 的组合仓储，支持 mysql/postgres/sqlite
package mysql

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/papertrading/internal/trading/domain"
	"gorm.io/gorm"
)

// PortfolioModel 组合写模型
type PortfolioModel struct {
	gorm.Model
	UserID           string          `gorm:"column:user_id;type:varchar(64);uniqueIndex;not null;comment:用户ID"`
	Balance          decimal.Decimal `gorm:"column:balance;type:decimal(32,18);not null;comment:现金余额"`
	TotalTrades      int64           `gorm:"column:total_trades;not null;default:0;comment:总成交笔数"`
	ProfitableTrades int64           `gorm:"column:profitable_trades;not null;default:0;comment:盈利卖出笔数"`
	RealizedPnL      decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,18);not null;index;comment:累计已实现盈亏"`
	Version          int64           `gorm:"column:version;not null;default:0;comment:乐观锁版本"`
}

func (PortfolioModel) TableName() string { return "portfolios" }

// HoldingModel 持仓，每次提交整体替换，不使用软删除
type HoldingModel struct {
	ID           uint            `gorm:"primaryKey"`
	UserID       string          `gorm:"column:user_id;type:varchar(64);uniqueIndex:uk_holding_user_symbol,priority:1;not null;comment:用户ID"`
	Symbol       string          `gorm:"column:symbol;type:varchar(64);uniqueIndex:uk_holding_user_symbol,priority:2;not null;comment:币种"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null;comment:持有数量"`
	AveragePrice decimal.Decimal `gorm:"column:average_price;type:decimal(32,18);not null;comment:加权平均成本"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (HoldingModel) TableName() string { return "holdings" }

// TransactionModel 成交流水，只追加
type TransactionModel struct {
	gorm.Model
	TransactionID string          `gorm:"column:transaction_id;type:varchar(32);uniqueIndex;not null;comment:成交ID"`
	UserID        string          `gorm:"column:user_id;type:varchar(64);index:idx_tx_user_time,priority:1;not null;comment:用户ID"`
	Symbol        string          `gorm:"column:symbol;type:varchar(64);not null;comment:币种"`
	Side          string          `gorm:"column:side;type:varchar(8);not null;comment:方向"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null;comment:数量"`
	Price         decimal.Decimal `gorm:"column:price;type:decimal(32,18);not null;comment:成交价"`
	RealizedPnL   decimal.Decimal `gorm:"column:realized_pnl;type:decimal(32,18);not null;comment:已实现盈亏"`
	ExecutedAt    time.Time       `gorm:"column:executed_at;index:idx_tx_user_time,priority:2,sort:desc;not null;comment:成交时间"`
}

func (TransactionModel) TableName() string { return "transactions" }

func toPortfolio(m *PortfolioModel, holdings []HoldingModel) *domain.Portfolio {
	p := &domain.Portfolio{
		UserID:           m.UserID,
		Balance:          m.Balance,
		Holdings:         make([]domain.Holding, 0, len(holdings)),
		TotalTrades:      m.TotalTrades,
		ProfitableTrades: m.ProfitableTrades,
		RealizedPnL:      m.RealizedPnL,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	for _, h := range holdings {
		p.Holdings = append(p.Holdings, domain.Holding{
			Symbol:       h.Symbol,
			Amount:       h.Amount,
			AveragePrice: h.AveragePrice,
		})
	}
	return p
}

func toHoldingModels(p *domain.Portfolio) []HoldingModel {
	out := make([]HoldingModel, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		out = append(out, HoldingModel{
			UserID:       p.UserID,
			Symbol:       h.Symbol,
			Amount:       h.Amount,
			AveragePrice: h.AveragePrice,
		})
	}
	return out
}

func toTransactionModel(tx *domain.Transaction) *TransactionModel {
	return &TransactionModel{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Symbol:        tx.Symbol,
		Side:          string(tx.Side),
		Amount:        tx.Amount,
		Price:         tx.Price,
		RealizedPnL:   tx.RealizedPnL,
		ExecutedAt:    tx.ExecutedAt,
	}
}

func toTransaction(m *TransactionModel) *domain.Transaction {
	return &domain.Transaction{
		ID:          m.TransactionID,
		UserID:      m.UserID,
		Symbol:      m.Symbol,
		Side:        domain.Side(m.Side),
		Amount:      m.Amount,
		Price:       m.Price,
		Total:       m.Amount.Mul(m.Price),
		RealizedPnL: m.RealizedPnL,
		ExecutedAt:  m.ExecutedAt,
	}
}
