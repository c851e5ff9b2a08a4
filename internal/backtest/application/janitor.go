package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/metrics"
)

// JanitorConfig 清道夫配置
type JanitorConfig struct {
	// Interval 扫描周期，默认 1m
	Interval time.Duration
	// StuckThreshold RUNNING 超过该时长视为持有者已崩溃，默认 10m
	StuckThreshold time.Duration
}

func (c *JanitorConfig) normalize() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 10 * time.Minute
	}
}

// Janitor 周期性回收卡在 RUNNING 的作业：worker 在状态转换
// 与落结果之间崩溃时，行会永久停留在 RUNNING。清道夫重新加锁、
// 递增尝试计数并重新入队（或在次数耗尽时判定失败）。
type Janitor struct {
	cfg     JanitorConfig
	jobs    domain.JobRepository
	queue   domain.DispatchQueue
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor 创建清道夫
func NewJanitor(
	cfg JanitorConfig,
	jobs domain.JobRepository,
	queue domain.DispatchQueue,
	policy RetryPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Janitor {
	cfg.normalize()
	return &Janitor{
		cfg:     cfg,
		jobs:    jobs,
		queue:   queue,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

// Start 启动后台扫描
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweepOnce(ctx)
			}
		}
	}()
	j.logger.Info("janitor started", "interval", j.cfg.Interval, "stuck_threshold", j.cfg.StuckThreshold)
}

// Stop 停止扫描
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

// sweepOnce 处理一轮超时 RUNNING 作业
func (j *Janitor) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.StuckThreshold)
	stuck, err := j.jobs.ListStuckRunning(ctx, cutoff)
	if err != nil {
		j.logger.ErrorContext(ctx, "janitor scan failed", "error", err)
		return
	}

	for _, job := range stuck {
		j.reclaim(ctx, job.ID, cutoff)
	}
}

// reclaim 回收单个作业。锁内复核状态与时间戳，避免与
// 仍然存活的执行者竞争。
func (j *Janitor) reclaim(ctx context.Context, jobID uint, cutoff time.Time) {
	log := j.logger.With("job_id", jobID)

	var requeued, failed bool
	err := j.jobs.InTx(ctx, func(tx domain.JobTx) error {
		job, err := tx.LockForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil || job.Status != domain.JobStatusRunning || job.UpdatedAt.After(cutoff) {
			return nil
		}

		job.RecordFailure("reclaimed by janitor: worker presumed crashed while RUNNING")

		if job.AttemptCount < j.policy.MaxAttempts {
			job.MarkQueued()
			if err := tx.Save(ctx, job); err != nil {
				return err
			}
			if pushErr := j.queue.Push(ctx, job.ID); pushErr != nil {
				job.MarkFailed()
				if err := tx.Save(ctx, job); err != nil {
					return err
				}
				failed = true
				return nil
			}
			requeued = true
			return nil
		}

		job.MarkFailed()
		if err := tx.Save(ctx, job); err != nil {
			return err
		}
		failed = true
		return nil
	})

	if err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			return
		}
		log.ErrorContext(ctx, "failed to reclaim stuck job", "error", err)
		return
	}

	switch {
	case requeued:
		log.WarnContext(ctx, "requeued stuck RUNNING job")
		j.metrics.JobsRetriedTotal.Inc()
	case failed:
		log.ErrorContext(ctx, "stuck RUNNING job failed permanently")
		j.metrics.JobsFailedTotal.Inc()
	}
}
