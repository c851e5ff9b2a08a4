// Package domain 策略接口与策略工厂
// 生成摘要：
// 1) 定义策略能力集 {OnTick, OnFinish, Name}
// 2) 工厂按名称创建策略实例；未知名称回退到 BuyAndHold 并告警
package domain

import (
	"encoding/json"
	"log/slog"
)

// Strategy 回测策略能力集。实现无需并发安全：
// 每次回测运行独占一个策略实例。
type Strategy interface {
	// OnTick 处理一个行情数据点，可通过组合下单
	OnTick(bar Bar, portfolio *Portfolio)
	// OnFinish 回测结束回调
	OnFinish(portfolio *Portfolio)
	// Name 策略名
	Name() string
}

// NewStrategyFromSpec 按策略名与参数 JSON 创建策略实例。
// 未知名称或参数解析失败时回退到 BuyAndHold 并记录告警，
// 而不是使作业失败。
func NewStrategyFromSpec(strategyName, paramsJSON string, logger *slog.Logger) Strategy {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			logger.Warn("unparsable strategy parameters, falling back to BuyAndHold",
				"strategy", strategyName, "error", err)
			return NewBuyAndHoldStrategy()
		}
	}

	switch normalizeStrategyName(strategyName) {
	case "buyandhold", "buy_and_hold":
		return NewBuyAndHoldStrategy()
	case "movingaveragecrossover", "ma_crossover":
		shortPeriod := intParam(params, "shortPeriod", 10)
		longPeriod := intParam(params, "longPeriod", 50)
		s, err := NewMovingAverageCrossoverStrategy(shortPeriod, longPeriod)
		if err != nil {
			logger.Warn("invalid MA crossover periods, falling back to BuyAndHold",
				"strategy", strategyName, "short", shortPeriod, "long", longPeriod, "error", err)
			return NewBuyAndHoldStrategy()
		}
		return s
	default:
		logger.Warn("unknown strategy, falling back to BuyAndHold", "strategy", strategyName)
		return NewBuyAndHoldStrategy()
	}
}

func normalizeStrategyName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

func intParam(params map[string]any, key string, def int) int {
	v, ok := params[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return def
}
