package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/metrics"
	"github.com/wyfcoding/pkg/idgen"
)

// SweepStrategyConfig 扫描请求中单个策略的参数组合列表
type SweepStrategyConfig struct {
	StrategyName          string
	ParameterCombinations []map[string]any
}

// SubmitSweepCommand 提交参数扫描命令
type SubmitSweepCommand struct {
	Name               string
	Description        string
	Symbol             string
	StartDate          time.Time
	EndDate            time.Time
	InitialCapital     decimal.Decimal
	OptimizationMetric string
	Strategies         []SweepStrategyConfig
}

// Validate 校验命令语义
func (c SubmitSweepCommand) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: sweep name is required", ErrValidation)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrValidation)
	}
	if c.StartDate.IsZero() || c.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrValidation)
	}
	if c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("%w: end date must not precede start date", ErrValidation)
	}
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("%w: initial capital must be positive", ErrValidation)
	}
	total := 0
	for _, s := range c.Strategies {
		if s.StrategyName == "" {
			return fmt.Errorf("%w: strategy name is required", ErrValidation)
		}
		total += len(s.ParameterCombinations)
	}
	if total == 0 {
		return fmt.Errorf("%w: at least one parameter combination is required", ErrValidation)
	}
	return nil
}

// SweepSubmissionResult 扫描提交响应
type SweepSubmissionResult struct {
	SweepID     uint             `json:"sweep_id"`
	SweepRef    string           `json:"sweep_ref"`
	Status      domain.JobStatus `json:"status"`
	Message     string           `json:"message"`
	TotalJobs   int              `json:"total_jobs"`
	ChildJobIDs []uint           `json:"child_job_ids"`
}

// BestJobResult 最优子作业详情
type BestJobResult struct {
	JobID        uint           `json:"job_id"`
	JobRef       string         `json:"job_ref"`
	StrategyName string         `json:"strategy_name"`
	Parameters   string         `json:"parameters"`
	Result       *ResultSummary `json:"result,omitempty"`
}

// SweepStatusResult 扫描状态查询响应
type SweepStatusResult struct {
	SweepID            uint             `json:"sweep_id"`
	SweepRef           string           `json:"sweep_ref"`
	Name               string           `json:"name"`
	Status             domain.JobStatus `json:"status"`
	TotalJobs          int              `json:"total_jobs"`
	CompletedJobs      int              `json:"completed_jobs"`
	FailedJobs         int              `json:"failed_jobs"`
	OptimizationMetric string           `json:"optimization_metric"`
	BestMetricValue    *decimal.Decimal `json:"best_metric_value,omitempty"`
	BestJob            *BestJobResult   `json:"best_job,omitempty"`
	ChildJobIDs        []uint           `json:"child_job_ids"`
}

// SweepCoordinator 参数扫描协调器：展开子作业、跟踪完成度、
// 选出最优子作业。计数更新采用重算而非增量，对丢失或重复的
// 终态通知自愈。
type SweepCoordinator struct {
	sweeps    domain.SweepRepository
	jobs      domain.JobRepository
	results   domain.ResultRepository
	queue     domain.DispatchQueue
	publisher domain.EventPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewSweepCoordinator 创建扫描协调器
func NewSweepCoordinator(
	sweeps domain.SweepRepository,
	jobs domain.JobRepository,
	results domain.ResultRepository,
	queue domain.DispatchQueue,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SweepCoordinator {
	return &SweepCoordinator{
		sweeps:    sweeps,
		jobs:      jobs,
		results:   results,
		queue:     queue,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// SubmitSweep 展开 (策略, 参数组合) 笛卡尔集为子作业并全部入队
func (c *SweepCoordinator) SubmitSweep(ctx context.Context, cmd SubmitSweepCommand) (*SweepSubmissionResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	totalJobs := 0
	for _, s := range cmd.Strategies {
		totalJobs += len(s.ParameterCombinations)
	}

	sweep := &domain.Sweep{
		SweepRef:           fmt.Sprintf("SW-%d", idgen.GenID()),
		Name:               cmd.Name,
		Description:        cmd.Description,
		Status:             domain.JobStatusQueued,
		TotalJobs:          totalJobs,
		OptimizationMetric: cmd.OptimizationMetric,
	}
	if err := c.sweeps.Create(ctx, sweep); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "created sweep", "sweep_id", sweep.ID, "sweep_ref", sweep.SweepRef, "total_jobs", totalJobs)

	childJobIDs := make([]uint, 0, totalJobs)
	for _, strategyCfg := range cmd.Strategies {
		for _, params := range strategyCfg.ParameterCombinations {
			childID, err := c.createChild(ctx, sweep, cmd, strategyCfg.StrategyName, params)
			if err != nil {
				c.logger.ErrorContext(ctx, "failed to create sweep child job",
					"sweep_id", sweep.ID, "strategy", strategyCfg.StrategyName, "error", err)
				continue
			}
			childJobIDs = append(childJobIDs, childID)
		}
	}

	c.metrics.SweepsSubmittedTotal.Inc()
	c.logger.InfoContext(ctx, "sweep submitted", "sweep_id", sweep.ID, "children_queued", len(childJobIDs))

	return &SweepSubmissionResult{
		SweepID:     sweep.ID,
		SweepRef:    sweep.SweepRef,
		Status:      sweep.Status,
		Message:     "Parameter sweep submitted successfully",
		TotalJobs:   totalJobs,
		ChildJobIDs: childJobIDs,
	}, nil
}

func (c *SweepCoordinator) createChild(ctx context.Context, sweep *domain.Sweep, cmd SubmitSweepCommand, strategyName string, params map[string]any) (uint, error) {
	paramsJSON, err := CanonicalParamsJSON(params)
	if err != nil {
		return 0, err
	}

	dedupKey := SweepChildDedupKey(sweep.ID, strategyName, cmd.Symbol, cmd.StartDate, cmd.EndDate, paramsJSON)

	job := domain.NewJob(
		fmt.Sprintf("BT-%d", idgen.GenID()),
		dedupKey,
		strategyName,
		cmd.Symbol,
		cmd.StartDate,
		cmd.EndDate,
		paramsJSON,
		cmd.InitialCapital,
	)
	sweepID := sweep.ID
	job.ParentSweepID = &sweepID
	job.MarkQueued()

	if err := c.jobs.Create(ctx, job); err != nil {
		return 0, err
	}
	if err := c.queue.Push(ctx, job.ID); err != nil {
		return 0, fmt.Errorf("failed to enqueue child job %d: %w", job.ID, err)
	}
	return job.ID, nil
}

// OnChildTerminal 子作业到达终态后的回调：重算计数，
// 全部处理完时收敛为 COMPLETED 并选出最优子作业
func (c *SweepCoordinator) OnChildTerminal(ctx context.Context, sweepID uint) {
	log := c.logger.With("sweep_id", sweepID)

	sweep, err := c.sweeps.FindByID(ctx, sweepID)
	if err != nil {
		log.ErrorContext(ctx, "failed to load sweep", "error", err)
		return
	}
	if sweep == nil {
		log.WarnContext(ctx, "sweep not found")
		return
	}

	completed, err := c.jobs.CountChildrenByStatus(ctx, sweepID, domain.JobStatusCompleted)
	if err != nil {
		log.ErrorContext(ctx, "failed to count completed children", "error", err)
		return
	}
	failed, err := c.jobs.CountChildrenByStatus(ctx, sweepID, domain.JobStatusFailed)
	if err != nil {
		log.ErrorContext(ctx, "failed to count failed children", "error", err)
		return
	}

	sweep.CompletedJobs = int(completed)
	sweep.FailedJobs = int(failed)

	if !sweep.Done() {
		sweep.Status = domain.JobStatusRunning
		if err := c.sweeps.Save(ctx, sweep); err != nil {
			log.ErrorContext(ctx, "failed to save sweep progress", "error", err)
		}
		return
	}

	sweep.Status = domain.JobStatusCompleted
	now := time.Now()
	sweep.CompletedAt = &now

	if err := c.selectBestChild(ctx, sweep); err != nil {
		log.ErrorContext(ctx, "failed to select best child", "error", err)
	}

	if err := c.sweeps.Save(ctx, sweep); err != nil {
		log.ErrorContext(ctx, "failed to save completed sweep", "error", err)
		return
	}

	log.InfoContext(ctx, "sweep completed",
		"total", sweep.TotalJobs, "completed", completed, "failed", failed, "best_job_id", sweep.BestJobID)

	if c.publisher != nil {
		event := &domain.SweepCompletedEvent{
			SweepID:       sweep.ID,
			SweepRef:      sweep.SweepRef,
			TotalJobs:     sweep.TotalJobs,
			CompletedJobs: sweep.CompletedJobs,
			FailedJobs:    sweep.FailedJobs,
			BestJobID:     sweep.BestJobID,
			Timestamp:     time.Now(),
		}
		if err := c.publisher.Publish(ctx, event); err != nil {
			log.WarnContext(ctx, "failed to publish sweep completed event", "error", err)
		}
	}
}

// selectBestChild 批量读结果（单次往返），按指标选出最优子作业。
// 严格优于才胜出（maxDrawdown 按回撤幅度越小越优，其余指标越大越优），
// 子作业按主键升序遍历，平局归较小 ID。
func (c *SweepCoordinator) selectBestChild(ctx context.Context, sweep *domain.Sweep) error {
	children, err := c.jobs.ListChildren(ctx, sweep.ID)
	if err != nil {
		return err
	}

	completedIDs := make([]uint, 0, len(children))
	for _, child := range children {
		if child.Status == domain.JobStatusCompleted {
			completedIDs = append(completedIDs, child.ID)
		}
	}
	if len(completedIDs) == 0 {
		c.logger.WarnContext(ctx, "no completed children for sweep", "sweep_id", sweep.ID)
		return nil
	}

	resultsByJobID, err := c.results.FindLatestByJobIDs(ctx, completedIDs)
	if err != nil {
		return err
	}

	var (
		bestJobID uint
		bestValue decimal.Decimal
		found     bool
	)
	lowerIsBetter := strings.EqualFold(sweep.OptimizationMetric, "maxDrawdown")
	for _, id := range completedIDs {
		result, ok := resultsByJobID[id]
		if !ok {
			c.logger.WarnContext(ctx, "completed child has no result row", "job_id", id)
			continue
		}
		value := metricValue(result, sweep.OptimizationMetric)
		better := value.GreaterThan(bestValue)
		if lowerIsBetter {
			better = value.LessThan(bestValue)
		}
		if !found || better {
			bestJobID = id
			bestValue = value
			found = true
		}
	}
	if !found {
		return nil
	}

	sweep.BestJobID = &bestJobID
	sweep.BestMetricValue = decimal.NewNullDecimal(bestValue)
	c.logger.InfoContext(ctx, "selected best child",
		"sweep_id", sweep.ID, "best_job_id", bestJobID,
		"metric", sweep.OptimizationMetric, "value", bestValue)
	return nil
}

// metricValue 按指标名取值。回撤以负百分比存储，maxDrawdown 取反
// 得到回撤幅度（非负），越小表示回撤越浅；未知指标名回落到夏普比率
func metricValue(result *domain.Result, metricName string) decimal.Decimal {
	switch strings.ToLower(metricName) {
	case "totalreturn":
		return result.TotalReturn
	case "sharperatio":
		return result.SharpeRatio
	case "sortinoratio":
		return result.SortinoRatio
	case "cagr":
		return result.CAGR
	case "winrate":
		return result.WinRate
	case "maxdrawdown":
		return result.MaxDrawdown.Neg()
	default:
		return result.SharpeRatio
	}
}

// GetSweepStatus 查询扫描状态；含最优子作业详情（当已产生）
func (c *SweepCoordinator) GetSweepStatus(ctx context.Context, sweepID uint) (*SweepStatusResult, error) {
	sweep, err := c.sweeps.FindByID(ctx, sweepID)
	if err != nil {
		return nil, err
	}
	if sweep == nil {
		return nil, domain.ErrSweepNotFound
	}

	children, err := c.jobs.ListChildren(ctx, sweepID)
	if err != nil {
		return nil, err
	}
	childIDs := make([]uint, 0, len(children))
	childByID := make(map[uint]*domain.Job, len(children))
	for _, child := range children {
		childIDs = append(childIDs, child.ID)
		childByID[child.ID] = child
	}

	status := &SweepStatusResult{
		SweepID:            sweep.ID,
		SweepRef:           sweep.SweepRef,
		Name:               sweep.Name,
		Status:             sweep.Status,
		TotalJobs:          sweep.TotalJobs,
		CompletedJobs:      sweep.CompletedJobs,
		FailedJobs:         sweep.FailedJobs,
		OptimizationMetric: sweep.OptimizationMetric,
		ChildJobIDs:        childIDs,
	}
	if sweep.BestMetricValue.Valid {
		v := sweep.BestMetricValue.Decimal
		status.BestMetricValue = &v
	}

	if sweep.BestJobID != nil {
		if best, ok := childByID[*sweep.BestJobID]; ok {
			bestResult := &BestJobResult{
				JobID:        best.ID,
				JobRef:       best.JobRef,
				StrategyName: best.StrategyName,
				Parameters:   best.ParamsJSON,
			}
			stored, err := c.results.FindLatestByJobID(ctx, best.ID)
			if err != nil {
				return nil, err
			}
			if stored != nil {
				bestResult.Result = summarizeResult(stored)
			}
			status.BestJob = bestResult
		}
	}

	return status, nil
}
