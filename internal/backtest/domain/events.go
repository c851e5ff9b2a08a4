// Package domain 回测作业领域事件
package domain

import "time"

type DomainEvent interface {
	EventName() string
	OccurredAt() time.Time
}

// JobCompletedEvent 作业执行成功事件
type JobCompletedEvent struct {
	JobID        uint      `json:"job_id"`
	JobRef       string    `json:"job_ref"`
	StrategyName string    `json:"strategy_name"`
	Symbol       string    `json:"symbol"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *JobCompletedEvent) EventName() string     { return "backtest.job_completed" }
func (e *JobCompletedEvent) OccurredAt() time.Time { return e.Timestamp }

// JobFailedEvent 作业终态失败事件
type JobFailedEvent struct {
	JobID        uint      `json:"job_id"`
	JobRef       string    `json:"job_ref"`
	StrategyName string    `json:"strategy_name"`
	Symbol       string    `json:"symbol"`
	AttemptCount int       `json:"attempt_count"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *JobFailedEvent) EventName() string     { return "backtest.job_failed" }
func (e *JobFailedEvent) OccurredAt() time.Time { return e.Timestamp }

// JobRetriedEvent 作业重试入队事件
type JobRetriedEvent struct {
	JobID        uint      `json:"job_id"`
	JobRef       string    `json:"job_ref"`
	AttemptCount int       `json:"attempt_count"`
	Reason       string    `json:"reason"`
	Timestamp    time.Time `json:"timestamp"`
}

func (e *JobRetriedEvent) EventName() string     { return "backtest.job_retried" }
func (e *JobRetriedEvent) OccurredAt() time.Time { return e.Timestamp }

// SweepCompletedEvent 参数扫描完成事件
type SweepCompletedEvent struct {
	SweepID       uint      `json:"sweep_id"`
	SweepRef      string    `json:"sweep_ref"`
	TotalJobs     int       `json:"total_jobs"`
	CompletedJobs int       `json:"completed_jobs"`
	FailedJobs    int       `json:"failed_jobs"`
	BestJobID     *uint     `json:"best_job_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e *SweepCompletedEvent) EventName() string     { return "backtest.sweep_completed" }
func (e *SweepCompletedEvent) OccurredAt() time.Time { return e.Timestamp }
