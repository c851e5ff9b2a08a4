package mysql

import (
	"context"
	"time"

	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type marketDataRepository struct {
	db *gorm.DB
}

// NewMarketDataRepository 创建历史行情仓储
func NewMarketDataRepository(db *gorm.DB) domain.MarketDataRepository {
	return &marketDataRepository{db: db}
}

func (r *marketDataRepository) FindBySymbolAndRange(ctx context.Context, symbol string, start, end time.Time) ([]*domain.MarketDataPoint, error) {
	var points []*domain.MarketDataPoint
	err := r.db.WithContext(ctx).
		Where("symbol = ? AND date >= ? AND date <= ?", symbol, start, end).
		Order("date ASC").
		Find(&points).Error
	return points, err
}

// BulkInsert (symbol, date) 冲突时忽略，重复灌数幂等
func (r *marketDataRepository) BulkInsert(ctx context.Context, points []*domain.MarketDataPoint) error {
	if len(points) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(points, 500).Error
}
