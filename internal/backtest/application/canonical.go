// Package application 回测作业编排应用层
// 生成摘要：
// 1) 规范化序列化与去重键计算（提交与扫描子作业共用同一个入口）
// 2) 提交服务、执行器、worker 池、扫描协调器
package application

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/pkg/utils"
)

// DateLayout API 与规范化序列化使用的日期格式
const DateLayout = "2006-01-02"

// JobSpec 一次回测请求的规格
type JobSpec struct {
	StrategyName   string
	Symbol         string
	StartDate      time.Time
	EndDate        time.Time
	Parameters     map[string]any
	InitialCapital decimal.Decimal
}

// canonicalSpec 规范化序列化的载体：字段顺序固定，
// 参数经 map 往返后由 encoding/json 按键排序输出。
type canonicalSpec struct {
	StrategyName   string         `json:"strategyName"`
	Symbol         string         `json:"symbol"`
	StartDate      string         `json:"startDate"`
	EndDate        string         `json:"endDate"`
	Parameters     map[string]any `json:"parameters"`
	InitialCapital string         `json:"initialCapital"`
}

// CanonicalParamsJSON 参数的规范化 JSON：键按字典序，标量格式稳定。
// nil 参数与空参数产出相同的结果。
func CanonicalParamsJSON(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	// 往返一次，消除调用方传入类型差异（json.Number、int 等）
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to marshal parameters: %w", err)
	}
	normalized := map[string]any{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("failed to normalize parameters: %w", err)
	}
	out, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal normalized parameters: %w", err)
	}
	return string(out), nil
}

// CanonicalBytes 规格的确定性字节串：字段顺序、日期格式、
// 资金小数位均固定；参数只有内容影响输出，键的插入顺序不影响。
func CanonicalBytes(spec JobSpec) ([]byte, error) {
	paramsJSON, err := CanonicalParamsJSON(spec.Parameters)
	if err != nil {
		return nil, err
	}
	normalized := map[string]any{}
	if err := json.Unmarshal([]byte(paramsJSON), &normalized); err != nil {
		return nil, err
	}

	return json.Marshal(canonicalSpec{
		StrategyName:   spec.StrategyName,
		Symbol:         spec.Symbol,
		StartDate:      spec.StartDate.Format(DateLayout),
		EndDate:        spec.EndDate.Format(DateLayout),
		Parameters:     normalized,
		InitialCapital: spec.InitialCapital.StringFixed(2),
	})
}

// DedupKey 规格的去重键：规范化字节串的 SHA-256 十六进制摘要
func DedupKey(spec JobSpec) (string, error) {
	canonical, err := CanonicalBytes(spec)
	if err != nil {
		return "", err
	}
	return utils.SHA256Hash(string(canonical)), nil
}

// SweepChildDedupKey 扫描子作业去重键：带上父扫描 ID，
// 保证不同扫描中的相同参数点仍是独立作业
func SweepChildDedupKey(sweepID uint, strategyName, symbol string, start, end time.Time, canonicalParams string) string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		sweepID, strategyName, symbol,
		start.Format(DateLayout), end.Format(DateLayout),
		canonicalParams)
	return utils.SHA256Hash(payload)
}
