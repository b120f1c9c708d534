package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioRepository 组合与成交记录的持久化
type PortfolioRepository interface {
	// Get 用户没有组合时返回 nil, nil
	Get(ctx context.Context, userID string) (*Portfolio, error)
	// Commit 在一个事务中保存组合并追加成交记录。
	// p.Version 为读取时的版本，不一致返回 ErrConcurrentUpdate；成功后 p.Version 递增
	Commit(ctx context.Context, p *Portfolio, tx *Transaction) error
	// ListTransactions 按成交时间倒序
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*Transaction, error)
	// Leaderboard 按累计已实现盈亏倒序
	Leaderboard(ctx context.Context, limit int) ([]*LeaderboardEntry, error)
}

// LeaderboardEntry 排行榜条目
type LeaderboardEntry struct {
	Rank        int             `json:"rank"`
	UserID      string          `json:"userId"`
	RealizedPnL decimal.Decimal `json:"totalPnL"`
	TotalTrades int64           `json:"totalTrades"`
	WinRate     decimal.Decimal `json:"winRate"`
}

// EventPublisher 领域事件发布
type EventPublisher interface {
	SendMessage(ctx context.Context, topic string, key string, value any) error
}

// TradeExecutedEventType 成交事件类型
const TradeExecutedEventType = "trading.trade.executed"

// TradeExecutedEvent 成交事件，以用户 ID 作为消息 key
type TradeExecutedEvent struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Amount        string    `json:"amount"`
	Price         string    `json:"price"`
	RealizedPnL   string    `json:"realized_pnl"`
	Balance       string    `json:"balance"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewTradeExecutedEvent 由成交结果生成事件
func NewTradeExecutedEvent(e *Execution) TradeExecutedEvent {
	tx := e.Transaction
	return TradeExecutedEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Symbol:        tx.Symbol,
		Side:          string(tx.Side),
		Amount:        tx.Amount.String(),
		Price:         tx.Price.String(),
		RealizedPnL:   tx.RealizedPnL.String(),
		Balance:       e.Portfolio.Balance.String(),
		Timestamp:     tx.ExecutedAt,
	}
}
