// Package domain 回测作业仓储与外部协作方端口
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateDedupKey 去重键唯一约束冲突
	ErrDuplicateDedupKey = errors.New("dedup key already exists")
	// ErrStaleVersion 乐观锁版本不匹配，说明其他执行者已修改该行
	ErrStaleVersion = errors.New("stale version: job modified by another worker")
	// ErrJobNotFound 作业不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrSweepNotFound 扫描任务不存在
	ErrSweepNotFound = errors.New("sweep not found")
)

// JobTx 单个事务内的作业操作。LockForUpdate 与 Save 组合
// 在同一事务中构成对单行的串行化更新。
type JobTx interface {
	// LockForUpdate 以行级排他锁读取作业；不存在时返回 (nil, nil)
	LockForUpdate(ctx context.Context, jobID uint) (*Job, error)
	// Save 带版本校验写回；版本不匹配返回 ErrStaleVersion，成功后递增版本
	Save(ctx context.Context, job *Job) error
	// WriteResult 写入一条结果行（与状态写同事务提交）
	WriteResult(ctx context.Context, result *Result) error
}

// JobRepository 作业仓储
type JobRepository interface {
	// Create 插入新作业；去重键冲突返回 ErrDuplicateDedupKey
	Create(ctx context.Context, job *Job) error
	// FindByDedupKey 按去重键查找；不存在时返回 (nil, nil)
	FindByDedupKey(ctx context.Context, dedupKey string) (*Job, error)
	// FindByID 按主键查找；不存在时返回 (nil, nil)
	FindByID(ctx context.Context, jobID uint) (*Job, error)
	// InTx 在读已提交事务中执行 fn；fn 返回错误则回滚
	InTx(ctx context.Context, fn func(tx JobTx) error) error
	// CountChildrenByStatus 统计某扫描任务下指定状态的子作业数
	CountChildrenByStatus(ctx context.Context, sweepID uint, status JobStatus) (int64, error)
	// ListChildren 列出某扫描任务的全部子作业，按主键升序
	ListChildren(ctx context.Context, sweepID uint) ([]*Job, error)
	// ListStuckRunning 列出更新时间早于 olderThan 且仍处于 RUNNING 的作业
	ListStuckRunning(ctx context.Context, olderThan time.Time) ([]*Job, error)
}

// ResultRepository 结果仓储
type ResultRepository interface {
	// FindLatestByJobID 取某作业最新一条结果；不存在时返回 (nil, nil)
	FindLatestByJobID(ctx context.Context, jobID uint) (*Result, error)
	// FindLatestByJobIDs 批量取每个作业的最新结果，单次往返，按作业主键索引
	FindLatestByJobIDs(ctx context.Context, jobIDs []uint) (map[uint]*Result, error)
}

// SweepRepository 参数扫描仓储
type SweepRepository interface {
	Create(ctx context.Context, sweep *Sweep) error
	FindByID(ctx context.Context, sweepID uint) (*Sweep, error)
	Save(ctx context.Context, sweep *Sweep) error
}

// MarketDataRepository 历史行情仓储
type MarketDataRepository interface {
	// FindBySymbolAndRange 返回 [start, end] 闭区间内按日期升序的行情
	FindBySymbolAndRange(ctx context.Context, symbol string, start, end time.Time) ([]*MarketDataPoint, error)
	// BulkInsert 批量写入，(symbol, date) 冲突时忽略
	BulkInsert(ctx context.Context, points []*MarketDataPoint) error
}

// DispatchQueue 共享分发队列。提示性质，行状态才是唯一事实来源。
type DispatchQueue interface {
	// Push 追加作业主键；成功即持久
	Push(ctx context.Context, jobID uint) error
	// Pop 阻塞出队，超时返回 (0, nil)；同一次 Push 不会被两个消费者同时观察到
	Pop(ctx context.Context, timeout time.Duration) (uint, error)
}

// MarketDataGateway 行情读取网关，带读穿缓存
type MarketDataGateway interface {
	// Load 返回 [start, end] 内按日期升序的序列；无数据时按部署策略
	// 返回空序列或确定性合成序列
	Load(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error)
}

// EventPublisher 领域事件发布端口
type EventPublisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}
