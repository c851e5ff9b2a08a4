// Package domain 回测作业编排领域层
// 生成摘要：
// 1) 定义回测作业聚合根与生命周期状态机
// 2) 定义参数扫描聚合与结果实体
// 3) 定义历史行情数据点
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// JobStatus 作业生命周期状态
type JobStatus string

const (
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal 是否为终态
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// MaxFailureReasonLen 失败原因字段长度上限
const MaxFailureReasonLen = 1000

// Job 回测作业聚合根
type Job struct {
	gorm.Model
	JobRef         string          `gorm:"column:job_ref;type:varchar(32);uniqueIndex;not null"`
	DedupKey       string          `gorm:"column:dedup_key;type:varchar(64);uniqueIndex;not null"`
	StrategyName   string          `gorm:"column:strategy_name;type:varchar(64);not null"`
	Symbol         string          `gorm:"column:symbol;type:varchar(32);not null"`
	StartDate      time.Time       `gorm:"column:start_date;type:date;not null"`
	EndDate        time.Time       `gorm:"column:end_date;type:date;not null"`
	ParamsJSON     string          `gorm:"column:params_json;type:json"`
	InitialCapital decimal.Decimal `gorm:"column:initial_capital;type:decimal(20,2);not null"`
	Status         JobStatus       `gorm:"column:status;type:varchar(16);index;not null"`
	AttemptCount   int             `gorm:"column:attempt_count;not null;default:0"`
	ParentSweepID  *uint           `gorm:"column:parent_sweep_id;index"`
	Version        int64           `gorm:"column:version;not null;default:0"`
	FailureReason  string          `gorm:"column:failure_reason;type:varchar(1000)"`
}

// TableName 表名
func (Job) TableName() string {
	return "backtest_jobs"
}

// NewJob 创建处于 SUBMITTED 状态的新作业
func NewJob(ref, dedupKey, strategyName, symbol string, start, end time.Time, paramsJSON string, initialCapital decimal.Decimal) *Job {
	return &Job{
		JobRef:         ref,
		DedupKey:       dedupKey,
		StrategyName:   strategyName,
		Symbol:         symbol,
		StartDate:      start,
		EndDate:        end,
		ParamsJSON:     paramsJSON,
		InitialCapital: initialCapital,
		Status:         JobStatusSubmitted,
	}
}

// MarkQueued 入队
func (j *Job) MarkQueued() {
	j.Status = JobStatusQueued
}

// MarkRunning 开始执行。FAILED 允许再次进入（重试路径在
// 终态判定前可能再次投递），COMPLETED 不允许。
func (j *Job) MarkRunning() error {
	if j.Status == JobStatusCompleted {
		return errors.New("cannot run a completed job")
	}
	j.Status = JobStatusRunning
	return nil
}

// MarkCompleted 执行成功
func (j *Job) MarkCompleted() {
	j.Status = JobStatusCompleted
}

// RecordFailure 记录一次失败尝试：递增计数并截断原因
func (j *Job) RecordFailure(reason string) {
	j.AttemptCount++
	j.FailureReason = TruncateReason(reason)
}

// MarkFailed 进入终态失败
func (j *Job) MarkFailed() {
	j.Status = JobStatusFailed
}

// TruncateReason 截断失败原因，防止超出数据库字段长度
func TruncateReason(reason string) string {
	if len(reason) <= MaxFailureReasonLen {
		return reason
	}
	return reason[:MaxFailureReasonLen-3] + "..."
}

// Sweep 参数扫描聚合根
type Sweep struct {
	gorm.Model
	SweepRef           string              `gorm:"column:sweep_ref;type:varchar(32);uniqueIndex;not null"`
	Name               string              `gorm:"column:name;type:varchar(128);not null"`
	Description        string              `gorm:"column:description;type:varchar(512)"`
	Status             JobStatus           `gorm:"column:status;type:varchar(16);index;not null"`
	TotalJobs          int                 `gorm:"column:total_jobs;not null"`
	CompletedJobs      int                 `gorm:"column:completed_jobs;not null;default:0"`
	FailedJobs         int                 `gorm:"column:failed_jobs;not null;default:0"`
	OptimizationMetric string              `gorm:"column:optimization_metric;type:varchar(32);not null"`
	BestJobID          *uint               `gorm:"column:best_job_id"`
	BestMetricValue    decimal.NullDecimal `gorm:"column:best_metric_value;type:decimal(20,6)"`
	CompletedAt        *time.Time          `gorm:"column:completed_at"`
}

// TableName 表名
func (Sweep) TableName() string {
	return "backtest_sweeps"
}

// Done 已处理的子作业是否覆盖全部
func (s *Sweep) Done() bool {
	return s.CompletedJobs+s.FailedJobs >= s.TotalJobs
}

// Result 一次成功执行产生的结果
type Result struct {
	gorm.Model
	JobID           uint            `gorm:"column:job_id;index;not null"`
	TotalReturn     decimal.Decimal `gorm:"column:total_return;type:decimal(20,4)"`
	CAGR            decimal.Decimal `gorm:"column:cagr;type:decimal(20,4)"`
	Volatility      decimal.Decimal `gorm:"column:volatility;type:decimal(20,4)"`
	SharpeRatio     decimal.Decimal `gorm:"column:sharpe_ratio;type:decimal(20,4)"`
	SortinoRatio    decimal.Decimal `gorm:"column:sortino_ratio;type:decimal(20,4)"`
	MaxDrawdown     decimal.Decimal `gorm:"column:max_drawdown;type:decimal(20,4)"`
	WinRate         decimal.Decimal `gorm:"column:win_rate;type:decimal(20,4)"`
	FinalValue      decimal.Decimal `gorm:"column:final_value;type:decimal(20,2)"`
	TotalTrades     int             `gorm:"column:total_trades;not null;default:0"`
	ExecutionTimeMS int64           `gorm:"column:execution_time_ms;not null;default:0"`
	TradesJSON      string          `gorm:"column:trades_json;type:json"`
}

// TableName 表名
func (Result) TableName() string {
	return "backtest_results"
}

// MarketDataPoint 历史行情数据点，按 (symbol, date) 唯一
type MarketDataPoint struct {
	gorm.Model
	Symbol string          `gorm:"column:symbol;type:varchar(32);uniqueIndex:uk_symbol_date;not null"`
	Date   time.Time       `gorm:"column:date;type:date;uniqueIndex:uk_symbol_date;not null"`
	Open   decimal.Decimal `gorm:"column:open;type:decimal(20,2);not null"`
	High   decimal.Decimal `gorm:"column:high;type:decimal(20,2);not null"`
	Low    decimal.Decimal `gorm:"column:low;type:decimal(20,2);not null"`
	Close  decimal.Decimal `gorm:"column:close;type:decimal(20,2);not null"`
	Volume int64           `gorm:"column:volume;not null;default:0"`
}

// TableName 表名
func (MarketDataPoint) TableName() string {
	return "market_data_points"
}

// Bar 回测引擎消费的行情切片（与持久化实体解耦）
type Bar struct {
	Symbol string
	Date   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume int64
}

// ToBar 转换为引擎输入
func (p *MarketDataPoint) ToBar() Bar {
	return Bar{
		Symbol: p.Symbol,
		Date:   p.Date,
		Open:   p.Open,
		High:   p.High,
		Low:    p.Low,
		Close:  p.Close,
		Volume: p.Volume,
	}
}
