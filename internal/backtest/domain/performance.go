// Package domain 回测绩效指标计算
package domain

import (
	"math"

	"github.com/shopspring/decimal"
)

// tradingDaysPerYear 年化系数
const tradingDaysPerYear = 252

var hundred = decimal.NewFromInt(100)

// CalculateTotalReturn 总收益率（百分比）
func CalculateTotalReturn(initialCapital, finalValue decimal.Decimal) decimal.Decimal {
	if initialCapital.IsZero() {
		return decimal.Zero
	}
	return finalValue.Sub(initialCapital).DivRound(initialCapital, 4).Mul(hundred)
}

// CalculateCAGR 复合年化增长率（百分比），按 252 个交易日折算年数
func CalculateCAGR(initialCapital, finalValue decimal.Decimal, tradingDays int) decimal.Decimal {
	if !initialCapital.IsPositive() || tradingDays <= 0 {
		return decimal.Zero
	}
	if !finalValue.IsPositive() {
		return decimal.NewFromInt(-100)
	}

	years := float64(tradingDays) / tradingDaysPerYear
	if years < 0.01 {
		return decimal.Zero
	}

	ratio := finalValue.InexactFloat64() / initialCapital.InexactFloat64()
	cagr := (math.Pow(ratio, 1.0/years) - 1.0) * 100.0
	return decimal.NewFromFloat(cagr).Round(4)
}

// CalculateVolatility 年化波动率（百分比）
func CalculateVolatility(portfolioValues []decimal.Decimal) decimal.Decimal {
	returns := dailyReturns(portfolioValues)
	if len(returns) == 0 {
		return decimal.Zero
	}

	_, stdDev := meanAndStdDev(returns)
	return decimal.NewFromFloat(stdDev * math.Sqrt(tradingDaysPerYear) * 100.0).Round(4)
}

// CalculateSharpeRatio 夏普比率（无风险利率取 0，年化）
func CalculateSharpeRatio(portfolioValues []decimal.Decimal) decimal.Decimal {
	returns := dailyReturns(portfolioValues)
	if len(returns) == 0 {
		return decimal.Zero
	}

	mean, stdDev := meanAndStdDev(returns)
	if stdDev == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(mean / stdDev * math.Sqrt(tradingDaysPerYear)).Round(4)
}

// CalculateSortinoRatio 索提诺比率（仅下行波动，年化）。
// 无下行收益时返回 999.9999。
func CalculateSortinoRatio(portfolioValues []decimal.Decimal) decimal.Decimal {
	returns := dailyReturns(portfolioValues)
	if len(returns) == 0 {
		return decimal.Zero
	}

	mean, _ := meanAndStdDev(returns)

	var sumSquaredDownside float64
	downsideCount := 0
	for _, r := range returns {
		if r < 0 {
			sumSquaredDownside += r * r
			downsideCount++
		}
	}
	if downsideCount == 0 {
		return decimal.NewFromFloat(999.9999)
	}

	downsideDeviation := math.Sqrt(sumSquaredDownside / float64(downsideCount))
	if downsideDeviation == 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(mean / downsideDeviation * math.Sqrt(tradingDaysPerYear)).Round(4)
}

// CalculateMaxDrawdown 最大回撤，以负百分比表示
func CalculateMaxDrawdown(portfolioValues []decimal.Decimal) decimal.Decimal {
	if len(portfolioValues) == 0 {
		return decimal.Zero
	}

	maxDrawdown := decimal.Zero
	peak := portfolioValues[0]
	for _, value := range portfolioValues {
		if value.GreaterThan(peak) {
			peak = value
		}
		if peak.IsPositive() {
			drawdown := peak.Sub(value).DivRound(peak, 4).Mul(hundred)
			if drawdown.GreaterThan(maxDrawdown) {
				maxDrawdown = drawdown
			}
		}
	}
	return maxDrawdown.Neg()
}

// CalculateWinRate 胜率：按买卖配对的回合中盈利回合占比，[0, 1]
func CalculateWinRate(trades []Trade) decimal.Decimal {
	if len(trades) < 2 {
		return decimal.Zero
	}

	winning := 0
	roundTrips := 0
	for i := 0; i < len(trades)-1; i++ {
		if trades[i].Side != TradeSideBuy || trades[i+1].Side != TradeSideSell {
			continue
		}
		roundTrips++
		profit := trades[i+1].Price.Sub(trades[i].Price).Mul(decimal.NewFromInt(trades[i].Quantity))
		if profit.IsPositive() {
			winning++
		}
	}
	if roundTrips == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(winning)).DivRound(decimal.NewFromInt(int64(roundTrips)), 4)
}

// dailyReturns 逐日收益率序列（前值为正才计入）
func dailyReturns(portfolioValues []decimal.Decimal) []float64 {
	if len(portfolioValues) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(portfolioValues)-1)
	for i := 1; i < len(portfolioValues); i++ {
		prev := portfolioValues[i-1]
		if prev.IsPositive() {
			r := portfolioValues[i].Sub(prev).DivRound(prev, 6)
			returns = append(returns, r.InexactFloat64())
		}
	}
	return returns
}

func meanAndStdDev(returns []float64) (mean, stdDev float64) {
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean = sum / float64(len(returns))

	var sumSquaredDiff float64
	for _, r := range returns {
		d := r - mean
		sumSquaredDiff += d * d
	}
	stdDev = math.Sqrt(sumSquaredDiff / float64(len(returns)))
	return mean, stdDev
}
