package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/metrics"
	"github.com/wyfcoding/pkg/idgen"
)

// ErrValidation 请求校验失败，不进入作业生命周期
var ErrValidation = errors.New("validation failed")

// SubmitBacktestCommand 提交回测命令
type SubmitBacktestCommand struct {
	Spec JobSpec
}

// Validate 校验命令语义
func (c SubmitBacktestCommand) Validate() error {
	if c.Spec.StrategyName == "" {
		return fmt.Errorf("%w: strategy name is required", ErrValidation)
	}
	if c.Spec.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if c.Spec.StartDate.IsZero() || c.Spec.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrValidation)
	}
	if c.Spec.EndDate.Before(c.Spec.StartDate) {
		return fmt.Errorf("%w: end date must not precede start date", ErrValidation)
	}
	if !c.Spec.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive", ErrValidation)
	}
	return nil
}

// ResultSummary 嵌入提交响应的结果摘要
type ResultSummary struct {
	TotalReturn     decimal.Decimal `json:"total_return"`
	CAGR            decimal.Decimal `json:"cagr"`
	Volatility      decimal.Decimal `json:"volatility"`
	SharpeRatio     decimal.Decimal `json:"sharpe_ratio"`
	SortinoRatio    decimal.Decimal `json:"sortino_ratio"`
	MaxDrawdown     decimal.Decimal `json:"max_drawdown"`
	WinRate         decimal.Decimal `json:"win_rate"`
	TotalTrades     int             `json:"total_trades"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
}

func summarizeResult(r *domain.Result) *ResultSummary {
	return &ResultSummary{
		TotalReturn:     r.TotalReturn,
		CAGR:            r.CAGR,
		Volatility:      r.Volatility,
		SharpeRatio:     r.SharpeRatio,
		SortinoRatio:    r.SortinoRatio,
		MaxDrawdown:     r.MaxDrawdown,
		WinRate:         r.WinRate,
		TotalTrades:     r.TotalTrades,
		ExecutionTimeMS: r.ExecutionTimeMS,
	}
}

// SubmissionResult 提交响应
type SubmissionResult struct {
	JobID      uint             `json:"job_id"`
	JobRef     string           `json:"job_ref"`
	Status     domain.JobStatus `json:"status"`
	Message    string           `json:"message"`
	IsExisting bool             `json:"is_existing"`
	Result     *ResultSummary   `json:"result,omitempty"`
}

// SubmissionService 提交服务：规范化、去重、落库、入队
type SubmissionService struct {
	jobs    domain.JobRepository
	results domain.ResultRepository
	queue   domain.DispatchQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSubmissionService 创建提交服务
func NewSubmissionService(
	jobs domain.JobRepository,
	results domain.ResultRepository,
	queue domain.DispatchQueue,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SubmissionService {
	return &SubmissionService{
		jobs:    jobs,
		results: results,
		queue:   queue,
		metrics: m,
		logger:  logger,
	}
}

// Submit 幂等提交：相同规格的 N 次提交返回同一个作业
func (s *SubmissionService) Submit(ctx context.Context, cmd SubmitBacktestCommand) (*SubmissionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	dedupKey, err := DedupKey(cmd.Spec)
	if err != nil {
		// 规范化失败属于编程错误，直接向上传播
		return nil, fmt.Errorf("failed to compute dedup key: %w", err)
	}

	existing, err := s.jobs.FindByDedupKey(ctx, dedupKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.logger.InfoContext(ctx, "idempotent submission detected",
			"job_id", existing.ID, "job_ref", existing.JobRef, "status", existing.Status)
		return s.existingJobResult(ctx, existing)
	}

	paramsJSON, err := CanonicalParamsJSON(cmd.Spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize parameters: %w", err)
	}

	job := domain.NewJob(
		fmt.Sprintf("BT-%d", idgen.GenID()),
		dedupKey,
		cmd.Spec.StrategyName,
		cmd.Spec.Symbol,
		cmd.Spec.StartDate,
		cmd.Spec.EndDate,
		paramsJSON,
		cmd.Spec.InitialCapital,
	)

	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrDuplicateDedupKey) {
			// 并发提交竞争失败方：唯一约束兜底，改查既有作业
			s.logger.InfoContext(ctx, "lost submission race, returning existing job", "dedup_key", dedupKey)
			winner, lookupErr := s.jobs.FindByDedupKey(ctx, dedupKey)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if winner == nil {
				return nil, fmt.Errorf("dedup key conflict but job not found: %s", dedupKey)
			}
			return s.existingJobResult(ctx, winner)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "created new backtest job", "job_id", job.ID, "job_ref", job.JobRef)

	if err := s.queue.Push(ctx, job.ID); err != nil {
		// 入队失败：行保持 SUBMITTED，由运维路径处理
		return nil, fmt.Errorf("failed to enqueue job %d: %w", job.ID, err)
	}

	if err := s.jobs.InTx(ctx, func(tx domain.JobTx) error {
		locked, err := tx.LockForUpdate(ctx, job.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return domain.ErrJobNotFound
		}
		// 快速 worker 可能已经领先推进了状态，只从 SUBMITTED 前进
		if locked.Status == domain.JobStatusSubmitted {
			locked.MarkQueued()
			if err := tx.Save(ctx, locked); err != nil {
				return err
			}
		}
		*job = *locked
		return nil
	}); err != nil {
		return nil, err
	}

	s.metrics.JobsSubmittedTotal.Inc()
	s.logger.InfoContext(ctx, "job pushed to queue", "job_id", job.ID, "status", job.Status)

	return &SubmissionResult{
		JobID:      job.ID,
		JobRef:     job.JobRef,
		Status:     job.Status,
		Message:    "Job queued successfully",
		IsExisting: false,
	}, nil
}

// existingJobResult 按既有作业状态构造响应；不产生任何副作用
func (s *SubmissionService) existingJobResult(ctx context.Context, job *domain.Job) (*SubmissionResult, error) {
	res := &SubmissionResult{
		JobID:      job.ID,
		JobRef:     job.JobRef,
		Status:     job.Status,
		IsExisting: true,
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		stored, err := s.results.FindLatestByJobID(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			res.Message = "Job already completed. Returning cached results."
			res.Result = summarizeResult(stored)
		} else {
			s.logger.WarnContext(ctx, "job marked COMPLETED but no result found", "job_id", job.ID)
			res.Message = "Job completed but results not found"
		}
	case domain.JobStatusRunning:
		res.Message = "Job is currently being processed"
	case domain.JobStatusQueued:
		res.Message = "Job is queued and waiting for processing"
	case domain.JobStatusFailed:
		res.Message = fmt.Sprintf("Job previously failed after %d attempts", job.AttemptCount)
	case domain.JobStatusSubmitted:
		res.Message = "Job submitted and awaiting queue placement"
	}

	return res, nil
}
