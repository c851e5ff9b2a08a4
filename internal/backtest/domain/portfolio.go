// Package domain 回测组合与成交记录
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeSide 成交方向
type TradeSide string

const (
	TradeSideBuy  TradeSide = "BUY"
	TradeSideSell TradeSide = "SELL"
)

// Trade 回测中的一笔成交
type Trade struct {
	Date       time.Time       `json:"date"`
	Symbol     string          `json:"symbol"`
	Side       TradeSide       `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
}

// TotalValue 成交金额（含手续费）
func (t Trade) TotalValue() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity)).Add(t.Commission)
}

// Portfolio 单次回测运行期间的持仓与现金。
// 非并发安全：每次回测运行独占一个实例。
type Portfolio struct {
	Cash           decimal.Decimal
	Shares         int64
	InitialCapital decimal.Decimal
	Trades         []Trade
}

// NewPortfolio 创建初始组合
func NewPortfolio(initialCapital decimal.Decimal) *Portfolio {
	return &Portfolio{
		Cash:           initialCapital,
		InitialCapital: initialCapital,
		Trades:         make([]Trade, 0),
	}
}

// Buy 以收盘价买入；现金不足时忽略
func (p *Portfolio) Buy(bar Bar, quantity int64) {
	cost := bar.Close.Mul(decimal.NewFromInt(quantity))
	if p.Cash.LessThan(cost) {
		return
	}
	p.Cash = p.Cash.Sub(cost)
	p.Shares += quantity
	p.Trades = append(p.Trades, Trade{
		Date:       bar.Date,
		Symbol:     bar.Symbol,
		Side:       TradeSideBuy,
		Price:      bar.Close,
		Quantity:   quantity,
		Commission: decimal.Zero,
	})
}

// Sell 以收盘价卖出；持仓不足时忽略
func (p *Portfolio) Sell(bar Bar, quantity int64) {
	if p.Shares < quantity {
		return
	}
	p.Cash = p.Cash.Add(bar.Close.Mul(decimal.NewFromInt(quantity)))
	p.Shares -= quantity
	p.Trades = append(p.Trades, Trade{
		Date:       bar.Date,
		Symbol:     bar.Symbol,
		Side:       TradeSideSell,
		Price:      bar.Close,
		Quantity:   quantity,
		Commission: decimal.Zero,
	})
}

// Value 按当前价格计算组合净值
func (p *Portfolio) Value(currentPrice decimal.Decimal) decimal.Decimal {
	return p.Cash.Add(currentPrice.Mul(decimal.NewFromInt(p.Shares)))
}
