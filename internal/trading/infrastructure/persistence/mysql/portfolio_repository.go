package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/papertrading/internal/trading/domain"
	"gorm.io/gorm"
)

// portfolioRepository 组合仓储实现
type portfolioRepository struct {
	db *gorm.DB
}

// NewPortfolioRepository 创建组合仓储
func NewPortfolioRepository(db *gorm.DB) domain.PortfolioRepository {
	return &portfolioRepository{db: db}
}

// AutoMigrate 创建或更新表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&PortfolioModel{}, &HoldingModel{}, &TransactionModel{})
}

func (r *portfolioRepository) Get(ctx context.Context, userID string) (*domain.Portfolio, error) {
	var model PortfolioModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var holdings []HoldingModel
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("symbol").Find(&holdings).Error; err != nil {
		return nil, err
	}
	return toPortfolio(&model, holdings), nil
}

// Commit 保存组合（带乐观锁）、整体替换持仓并追加成交记录
func (r *portfolioRepository) Commit(ctx context.Context, p *domain.Portfolio, tx *domain.Transaction) error {
	currentVersion := p.Version
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if currentVersion == 0 {
			model := &PortfolioModel{
				UserID:           p.UserID,
				Balance:          p.Balance,
				TotalTrades:      p.TotalTrades,
				ProfitableTrades: p.ProfitableTrades,
				RealizedPnL:      p.RealizedPnL,
				Version:          1,
			}
			if err := db.Create(model).Error; err != nil {
				// 另一个请求抢先创建了组合
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return domain.ErrConcurrentUpdate
				}
				return err
			}
		} else {
			result := db.Model(&PortfolioModel{}).
				Where("user_id = ? AND version = ?", p.UserID, currentVersion).
				Updates(map[string]any{
					"balance":           p.Balance,
					"total_trades":      p.TotalTrades,
					"profitable_trades": p.ProfitableTrades,
					"realized_pnl":      p.RealizedPnL,
					"version":           currentVersion + 1,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return domain.ErrConcurrentUpdate
			}
		}

		if err := db.Where("user_id = ?", p.UserID).Delete(&HoldingModel{}).Error; err != nil {
			return err
		}
		if holdings := toHoldingModels(p); len(holdings) > 0 {
			if err := db.Create(&holdings).Error; err != nil {
				return err
			}
		}

		if tx != nil {
			if err := db.Create(toTransactionModel(tx)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.Version = currentVersion + 1
	return nil
}

func (r *portfolioRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]*domain.Transaction, error) {
	var models []*TransactionModel
	query := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("executed_at DESC").
		Order("id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	txs := make([]*domain.Transaction, len(models))
	for i, m := range models {
		txs[i] = toTransaction(m)
	}
	return txs, nil
}

func (r *portfolioRepository) Leaderboard(ctx context.Context, limit int) ([]*domain.LeaderboardEntry, error) {
	var models []*PortfolioModel
	query := r.db.WithContext(ctx).
		Where("total_trades > 0").
		Order("realized_pnl DESC").
		Order("user_id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	entries := make([]*domain.LeaderboardEntry, len(models))
	for i, m := range models {
		p := toPortfolio(m, nil)
		entries[i] = &domain.LeaderboardEntry{
			Rank:        i + 1,
			UserID:      m.UserID,
			RealizedPnL: m.RealizedPnL,
			TotalTrades: m.TotalTrades,
			WinRate:     p.WinRate(),
		}
	}
	return entries, nil
}
