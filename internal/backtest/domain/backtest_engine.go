// Package domain 提供了策略回测系统的核心引擎。
// 基于历史行情数据（OHLCV）驱动策略逐日推进，产出绩效指标与成交记录。
package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// EngineConfig 一次回测运行的输入
type EngineConfig struct {
	Strategy       Strategy
	Bars           []Bar
	InitialCapital decimal.Decimal
}

// EngineResult 一次回测运行的产出
type EngineResult struct {
	TotalReturn  decimal.Decimal
	CAGR         decimal.Decimal
	Volatility   decimal.Decimal
	SharpeRatio  decimal.Decimal
	SortinoRatio decimal.Decimal
	MaxDrawdown  decimal.Decimal
	WinRate      decimal.Decimal
	FinalValue   decimal.Decimal
	TotalTrades  int
	Trades       []Trade
	EquityCurve  []decimal.Decimal
}

// BacktestEngine 回测引擎。纯计算，不持有共享状态。
type BacktestEngine struct{}

// NewBacktestEngine 创建回测引擎
func NewBacktestEngine() *BacktestEngine {
	return &BacktestEngine{}
}

// Run 执行回测：逐日驱动策略，跟踪净值曲线，计算全部指标
func (e *BacktestEngine) Run(config EngineConfig) (*EngineResult, error) {
	if config.Strategy == nil {
		return nil, errors.New("strategy is required")
	}
	if len(config.Bars) == 0 {
		return nil, errors.New("no market data available for the specified period")
	}
	if !config.InitialCapital.IsPositive() {
		return nil, errors.New("initial capital must be positive")
	}

	portfolio := NewPortfolio(config.InitialCapital)
	equityCurve := make([]decimal.Decimal, 0, len(config.Bars))

	for _, bar := range config.Bars {
		config.Strategy.OnTick(bar, portfolio)
		equityCurve = append(equityCurve, portfolio.Value(bar.Close))
	}

	config.Strategy.OnFinish(portfolio)

	lastBar := config.Bars[len(config.Bars)-1]
	finalValue := portfolio.Value(lastBar.Close)
	tradingDays := len(config.Bars)

	return &EngineResult{
		TotalReturn:  CalculateTotalReturn(config.InitialCapital, finalValue),
		CAGR:         CalculateCAGR(config.InitialCapital, finalValue, tradingDays),
		Volatility:   CalculateVolatility(equityCurve),
		SharpeRatio:  CalculateSharpeRatio(equityCurve),
		SortinoRatio: CalculateSortinoRatio(equityCurve),
		MaxDrawdown:  CalculateMaxDrawdown(equityCurve),
		WinRate:      CalculateWinRate(portfolio.Trades),
		FinalValue:   finalValue,
		TotalTrades:  len(portfolio.Trades),
		Trades:       portfolio.Trades,
		EquityCurve:  equityCurve,
	}, nil
}
