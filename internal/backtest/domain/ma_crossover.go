package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MovingAverageCrossoverStrategy 双均线交叉策略：
// 短均线上穿长均线买入（金叉），下穿卖出（死叉）。
type MovingAverageCrossoverStrategy struct {
	shortPeriod int
	longPeriod  int

	shortWindow []decimal.Decimal
	longWindow  []decimal.Decimal

	prevShortMA decimal.NullDecimal
	prevLongMA  decimal.NullDecimal
}

// NewMovingAverageCrossoverStrategy 创建双均线策略，要求 short < long
func NewMovingAverageCrossoverStrategy(shortPeriod, longPeriod int) (*MovingAverageCrossoverStrategy, error) {
	if shortPeriod <= 0 || longPeriod <= 0 {
		return nil, errors.New("periods must be positive")
	}
	if shortPeriod >= longPeriod {
		return nil, errors.New("short period must be less than long period")
	}
	return &MovingAverageCrossoverStrategy{
		shortPeriod: shortPeriod,
		longPeriod:  longPeriod,
	}, nil
}

// OnTick 更新滑动窗口并检测交叉信号
func (s *MovingAverageCrossoverStrategy) OnTick(bar Bar, portfolio *Portfolio) {
	closePrice := bar.Close

	s.shortWindow = append(s.shortWindow, closePrice)
	s.longWindow = append(s.longWindow, closePrice)
	if len(s.shortWindow) > s.shortPeriod {
		s.shortWindow = s.shortWindow[1:]
	}
	if len(s.longWindow) > s.longPeriod {
		s.longWindow = s.longWindow[1:]
	}

	// 长窗口未满之前不产生信号
	if len(s.longWindow) < s.longPeriod {
		return
	}

	shortMA := meanOf(s.shortWindow)
	longMA := meanOf(s.longWindow)

	if s.prevShortMA.Valid && s.prevLongMA.Valid {
		wasBelow := s.prevShortMA.Decimal.LessThan(s.prevLongMA.Decimal)
		isAbove := shortMA.GreaterThan(longMA)
		wasAbove := s.prevShortMA.Decimal.GreaterThan(s.prevLongMA.Decimal)
		isBelow := shortMA.LessThan(longMA)

		switch {
		case wasBelow && isAbove:
			// 金叉：满仓买入
			sharesToBuy := portfolio.Cash.DivRound(closePrice, 0).IntPart()
			if decimal.NewFromInt(sharesToBuy).Mul(closePrice).GreaterThan(portfolio.Cash) {
				sharesToBuy--
			}
			if sharesToBuy > 0 {
				portfolio.Buy(bar, sharesToBuy)
			}
		case wasAbove && isBelow:
			// 死叉：清仓
			if portfolio.Shares > 0 {
				portfolio.Sell(bar, portfolio.Shares)
			}
		}
	}

	s.prevShortMA = decimal.NewNullDecimal(shortMA)
	s.prevLongMA = decimal.NewNullDecimal(longMA)
}

// OnFinish 回测结束，无动作
func (s *MovingAverageCrossoverStrategy) OnFinish(portfolio *Portfolio) {}

// Name 策略名含周期参数
func (s *MovingAverageCrossoverStrategy) Name() string {
	return fmt.Sprintf("MovingAverageCrossover(%d,%d)", s.shortPeriod, s.longPeriod)
}

func meanOf(window []decimal.Decimal) decimal.Decimal {
	sum := decimal.Zero
	for _, v := range window {
		sum = sum.Add(v)
	}
	return sum.DivRound(decimal.NewFromInt(int64(len(window))), 4)
}
