package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/metrics"
	"github.com/wyfcoding/backtesting/pkg/utils"
)

// SweepNotifier 子作业到达终态时的回调端口
type SweepNotifier interface {
	OnChildTerminal(ctx context.Context, sweepID uint)
}

// Executor 作业执行器：对单个作业加锁、推进状态、调用回测
// 内核、落结果并应用重试策略。行锁是生命周期的唯一协调原语。
type Executor struct {
	jobs      domain.JobRepository
	gateway   domain.MarketDataGateway
	engine    *domain.BacktestEngine
	queue     domain.DispatchQueue
	policy    RetryPolicy
	notifier  SweepNotifier
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewExecutor 创建执行器
func NewExecutor(
	jobs domain.JobRepository,
	gateway domain.MarketDataGateway,
	engine *domain.BacktestEngine,
	queue domain.DispatchQueue,
	policy RetryPolicy,
	notifier SweepNotifier,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		jobs:      jobs,
		gateway:   gateway,
		engine:    engine,
		queue:     queue,
		policy:    policy,
		notifier:  notifier,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// Execute 执行一个作业。jobID 可能来自过期的队列投递：
// 真实状态以锁内读取为准，终态作业直接跳过。
func (e *Executor) Execute(ctx context.Context, jobID uint) {
	log := e.logger.With("job_id", jobID)
	start := time.Now()

	var completed *domain.Job

	err := e.jobs.InTx(ctx, func(tx domain.JobTx) error {
		job, err := tx.LockForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			log.WarnContext(ctx, "job not found, dropping queue delivery")
			return nil
		}

		switch job.Status {
		case domain.JobStatusCompleted:
			// 重复投递：另一个 worker 已经完成
			log.WarnContext(ctx, "job already COMPLETED, skipping duplicate execution")
			return nil
		case domain.JobStatusRunning:
			// 行锁保证同一时刻只有一个执行者在临界区内；
			// 走到这里说明前一个持有者崩溃后留下了 RUNNING 标记
			log.WarnContext(ctx, "job already RUNNING, skipping duplicate execution")
			return nil
		case domain.JobStatusFailed:
			// 尝试次数已耗尽的终态失败作业：重复投递不再执行
			if job.AttemptCount >= e.policy.MaxAttempts {
				log.WarnContext(ctx, "job already FAILED with attempts exhausted, skipping")
				return nil
			}
		}

		if err := job.MarkRunning(); err != nil {
			return err
		}
		if err := tx.Save(ctx, job); err != nil {
			return err
		}
		log.InfoContext(ctx, "status changed to RUNNING", "attempt", job.AttemptCount)

		result, err := e.performBacktest(ctx, job, start)
		if err != nil {
			return err
		}

		if err := tx.WriteResult(ctx, result); err != nil {
			return err
		}

		job.MarkCompleted()
		if err := tx.Save(ctx, job); err != nil {
			return err
		}
		log.InfoContext(ctx, "status changed to COMPLETED", "duration", time.Since(start))

		snapshot := *job
		completed = &snapshot
		return nil
	})

	if err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			// 其他执行路径已接管该作业，静默退出
			log.WarnContext(ctx, "concurrent modification detected, another worker owns this job")
			return
		}
		log.ErrorContext(ctx, "backtest execution failed", "error", err)
		e.handleFailure(ctx, jobID, err)
		return
	}

	if completed == nil {
		return
	}

	e.metrics.JobsCompletedTotal.Inc()
	e.metrics.JobDurationSeconds.Observe(time.Since(start).Seconds())
	e.publishEvent(ctx, &domain.JobCompletedEvent{
		JobID:        completed.ID,
		JobRef:       completed.JobRef,
		StrategyName: completed.StrategyName,
		Symbol:       completed.Symbol,
		Timestamp:    time.Now(),
	})

	if completed.ParentSweepID != nil && e.notifier != nil {
		e.notifier.OnChildTerminal(ctx, *completed.ParentSweepID)
	}
}

// performBacktest 加载行情、实例化策略并运行内核
func (e *Executor) performBacktest(ctx context.Context, job *domain.Job, start time.Time) (*domain.Result, error) {
	bars, err := e.gateway.Load(ctx, job.Symbol, job.StartDate, job.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to load market data: %w", err)
	}
	if len(bars) == 0 {
		return nil, errors.New("no market data available for the specified period")
	}

	strategy := domain.NewStrategyFromSpec(job.StrategyName, job.ParamsJSON, e.logger)

	engineResult, err := e.engine.Run(domain.EngineConfig{
		Strategy:       strategy,
		Bars:           bars,
		InitialCapital: job.InitialCapital,
	})
	if err != nil {
		return nil, err
	}

	return &domain.Result{
		JobID:           job.ID,
		TotalReturn:     engineResult.TotalReturn,
		CAGR:            engineResult.CAGR,
		Volatility:      engineResult.Volatility,
		SharpeRatio:     engineResult.SharpeRatio,
		SortinoRatio:    engineResult.SortinoRatio,
		MaxDrawdown:     engineResult.MaxDrawdown,
		WinRate:         engineResult.WinRate,
		FinalValue:      engineResult.FinalValue,
		TotalTrades:     engineResult.TotalTrades,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
		TradesJSON:      utils.ToJSON(engineResult.Trades),
	}, nil
}

// handleFailure 失败处理，在独立事务中执行：主事务回滚后
// 失败记录依然落库。重试次数未耗尽则转 QUEUED 重新入队；
// 入队失败或次数耗尽则转 FAILED。
func (e *Executor) handleFailure(ctx context.Context, jobID uint, cause error) {
	log := e.logger.With("job_id", jobID)

	var (
		retried  *domain.Job
		terminal *domain.Job
	)

	err := e.jobs.InTx(ctx, func(tx domain.JobTx) error {
		job, err := tx.LockForUpdate(ctx, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			log.WarnContext(ctx, "cannot record failure, job not found")
			return nil
		}

		job.RecordFailure(cause.Error())

		if job.AttemptCount < e.policy.MaxAttempts {
			log.WarnContext(ctx, "job failed, requeuing for retry",
				"attempt", job.AttemptCount, "max_attempts", e.policy.MaxAttempts, "reason", job.FailureReason)

			job.MarkQueued()
			if err := tx.Save(ctx, job); err != nil {
				return err
			}
			// 入队保持在失败事务内：状态写与投递一起成败
			if pushErr := e.queue.Push(ctx, job.ID); pushErr != nil {
				log.ErrorContext(ctx, "failed to requeue job, marking FAILED", "error", pushErr)
				job.MarkFailed()
				if err := tx.Save(ctx, job); err != nil {
					return err
				}
				snapshot := *job
				terminal = &snapshot
				return nil
			}
			snapshot := *job
			retried = &snapshot
			return nil
		}

		log.ErrorContext(ctx, "job failed permanently, no further retries",
			"attempt", job.AttemptCount, "reason", job.FailureReason)
		job.MarkFailed()
		if err := tx.Save(ctx, job); err != nil {
			return err
		}
		snapshot := *job
		terminal = &snapshot
		return nil
	})

	if err != nil {
		if errors.Is(err, domain.ErrStaleVersion) {
			log.WarnContext(ctx, "failure handling abandoned, another worker owns this job")
			return
		}
		log.ErrorContext(ctx, "failure handling transaction failed", "error", err)
		return
	}

	if retried != nil {
		e.metrics.JobsRetriedTotal.Inc()
		e.publishEvent(ctx, &domain.JobRetriedEvent{
			JobID:        retried.ID,
			JobRef:       retried.JobRef,
			AttemptCount: retried.AttemptCount,
			Reason:       retried.FailureReason,
			Timestamp:    time.Now(),
		})
		return
	}
	if terminal == nil {
		return
	}

	e.metrics.JobsFailedTotal.Inc()
	e.publishEvent(ctx, &domain.JobFailedEvent{
		JobID:        terminal.ID,
		JobRef:       terminal.JobRef,
		StrategyName: terminal.StrategyName,
		Symbol:       terminal.Symbol,
		AttemptCount: terminal.AttemptCount,
		Reason:       terminal.FailureReason,
		Timestamp:    time.Now(),
	})

	if terminal.ParentSweepID != nil && e.notifier != nil {
		e.notifier.OnChildTerminal(ctx, *terminal.ParentSweepID)
	}
}

func (e *Executor) publishEvent(ctx context.Context, event domain.DomainEvent) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish domain event", "event", event.EventName(), "error", err)
	}
}
