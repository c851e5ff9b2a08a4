package domain

import "github.com/shopspring/decimal"

// BuyAndHoldStrategy 首个数据点满仓买入并持有到结束
type BuyAndHoldStrategy struct {
	hasBought bool
}

// NewBuyAndHoldStrategy 创建买入持有策略
func NewBuyAndHoldStrategy() *BuyAndHoldStrategy {
	return &BuyAndHoldStrategy{}
}

// OnTick 尚未建仓且有现金时尽量买入
func (s *BuyAndHoldStrategy) OnTick(bar Bar, portfolio *Portfolio) {
	if s.hasBought || !portfolio.Cash.IsPositive() {
		return
	}
	sharesToBuy := portfolio.Cash.DivRound(bar.Close, 0).IntPart()
	// DivRound 四舍五入可能超出现金，回退一股
	if decimal.NewFromInt(sharesToBuy).Mul(bar.Close).GreaterThan(portfolio.Cash) {
		sharesToBuy--
	}
	if sharesToBuy > 0 {
		portfolio.Buy(bar, sharesToBuy)
		s.hasBought = true
	}
}

// OnFinish 持有到期末，无动作
func (s *BuyAndHoldStrategy) OnFinish(portfolio *Portfolio) {}

// Name 策略名
func (s *BuyAndHoldStrategy) Name() string {
	return "BuyAndHold"
}
