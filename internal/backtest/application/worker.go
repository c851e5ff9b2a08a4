package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/metrics"
)

// WorkerPoolConfig worker 池配置
type WorkerPoolConfig struct {
	// WorkerCount 并行度，默认 3
	WorkerCount int
	// PollTimeout 单次阻塞出队时长，默认 1s
	PollTimeout time.Duration
	// RecoveryDelay 队列后端出错后的恢复等待，默认 1s
	RecoveryDelay time.Duration
}

func (c *WorkerPoolConfig) normalize() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 3
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.RecoveryDelay <= 0 {
		c.RecoveryDelay = time.Second
	}
}

// WorkerPool 固定数量的长驻消费者。每个 worker 从队列取作业
// 主键，无锁预读尝试计数用于退避，然后交给执行器。
type WorkerPool struct {
	cfg      WorkerPoolConfig
	queue    domain.DispatchQueue
	jobs     domain.JobRepository
	executor *Executor
	policy   RetryPolicy
	metrics  *metrics.Metrics
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool 创建 worker 池
func NewWorkerPool(
	cfg WorkerPoolConfig,
	queue domain.DispatchQueue,
	jobs domain.JobRepository,
	executor *Executor,
	policy RetryPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *WorkerPool {
	cfg.normalize()
	return &WorkerPool{
		cfg:      cfg,
		queue:    queue,
		jobs:     jobs,
		executor: executor,
		policy:   policy,
		metrics:  m,
		logger:   logger,
	}
}

// Start 启动全部 worker
func (p *WorkerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		name := fmt.Sprintf("backtest-worker-%d", i+1)
		p.wg.Add(1)
		go p.runWorker(ctx, name)
	}
	p.logger.Info("all workers started", "count", p.cfg.WorkerCount)
}

// Stop 发出停止信号并等待在途作业收尾，超过 grace 时放弃等待
func (p *WorkerPool) Stop(grace time.Duration) {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("all workers stopped gracefully")
	case <-time.After(grace):
		p.logger.Warn("workers did not stop within grace period", "grace", grace)
	}
}

// runWorker 单个 worker 主循环
func (p *WorkerPool) runWorker(ctx context.Context, name string) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", name)
	log.Info("worker started and polling queue")
	p.metrics.WorkersActive.Inc()
	defer p.metrics.WorkersActive.Dec()

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		default:
		}

		jobID, err := p.queue.Pop(ctx, p.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopped")
				return
			}
			// 队列后端故障是 worker 级错误，不是作业级失败
			log.ErrorContext(ctx, "queue pop failed, backing off", "error", err)
			sleepCtx(ctx, p.cfg.RecoveryDelay)
			continue
		}
		if jobID == 0 {
			continue
		}

		log.InfoContext(ctx, "received job from queue", "job_id", jobID)
		p.processJob(ctx, log, jobID)
	}
}

// processJob 无锁预读 + 退避 + 执行。预读只影响退避时长；
// 权威检查在执行器的锁内进行。
func (p *WorkerPool) processJob(ctx context.Context, log *slog.Logger, jobID uint) {
	job, err := p.jobs.FindByID(ctx, jobID)
	if err != nil {
		log.ErrorContext(ctx, "failed to read job before execution", "job_id", jobID, "error", err)
		sleepCtx(ctx, p.cfg.RecoveryDelay)
		return
	}
	if job == nil {
		log.WarnContext(ctx, "job not found, dropping queue delivery", "job_id", jobID)
		return
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		log.WarnContext(ctx, "job already COMPLETED, skipping", "job_id", jobID)
		return
	case domain.JobStatusRunning:
		log.WarnContext(ctx, "job already RUNNING, another worker may be processing it", "job_id", jobID)
		return
	case domain.JobStatusFailed:
		log.InfoContext(ctx, "job marked FAILED, delivery treated as retry attempt", "job_id", jobID)
	}

	if job.AttemptCount > 0 {
		delay := p.policy.DelayFor(job.AttemptCount)
		log.InfoContext(ctx, "applying retry backoff", "job_id", jobID,
			"attempt", job.AttemptCount, "delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}

	p.executor.Execute(ctx, jobID)
}

// sleepCtx 可被停止信号打断的睡眠；正常睡满返回 true
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
