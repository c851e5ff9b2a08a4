package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
)

// sweepCommandFixture n 个 MA 交叉参数组合的扫描命令
func sweepCommandFixture(combinations int) SubmitSweepCommand {
	combos := make([]map[string]any, 0, combinations)
	for i := 0; i < combinations; i++ {
		combos = append(combos, map[string]any{
			"shortPeriod": 5 + i,
			"longPeriod":  20 + 10*i,
		})
	}
	return SubmitSweepCommand{
		Name:               "ma-grid",
		Description:        "moving average grid search",
		Symbol:             "AAPL",
		StartDate:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:            time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		InitialCapital:     decimal.NewFromInt(10000),
		OptimizationMetric: "sharpeRatio",
		Strategies: []SweepStrategyConfig{
			{StrategyName: "MovingAverageCrossover", ParameterCombinations: combos},
		},
	}
}

func newCoordinator(store *memStore, queue *fakeQueue, publisher *fakePublisher) *SweepCoordinator {
	return NewSweepCoordinator(
		store.sweepRepo(), store.jobRepo(), store.resultRepo(), queue, publisher, testMetrics(), testLogger())
}

// completeChild 将子作业置为 COMPLETED 并写入指定夏普/回撤的结果
func completeChild(store *memStore, jobID uint, sharpe, drawdown string) {
	job := store.getJob(jobID)
	job.MarkCompleted()
	store.putJob(job)
	store.addResult(domain.Result{
		JobID:       jobID,
		SharpeRatio: decimal.RequireFromString(sharpe),
		MaxDrawdown: decimal.RequireFromString(drawdown),
		TotalReturn: decimal.RequireFromString("10.0000"),
	})
}

func TestSubmitSweepFansOutChildren(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	coordinator := newCoordinator(store, queue, &fakePublisher{})

	result, err := coordinator.SubmitSweep(context.Background(), sweepCommandFixture(4))
	require.NoError(t, err)

	assert.Equal(t, 4, result.TotalJobs)
	assert.Len(t, result.ChildJobIDs, 4)
	assert.Equal(t, domain.JobStatusQueued, result.Status)
	assert.Equal(t, 4, queue.pushCount())

	seen := map[string]bool{}
	for _, id := range result.ChildJobIDs {
		child := store.getJob(id)
		assert.Equal(t, domain.JobStatusQueued, child.Status)
		require.NotNil(t, child.ParentSweepID)
		assert.Equal(t, result.SweepID, *child.ParentSweepID)
		assert.False(t, seen[child.DedupKey], "child dedup keys must be distinct")
		seen[child.DedupKey] = true
	}
}

func TestSubmitSweepValidation(t *testing.T) {
	coordinator := newCoordinator(newMemStore(), newFakeQueue(), &fakePublisher{})

	cmd := sweepCommandFixture(2)
	cmd.Strategies = nil
	_, err := coordinator.SubmitSweep(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrValidation)

	cmd = sweepCommandFixture(2)
	cmd.Name = ""
	_, err = coordinator.SubmitSweep(context.Background(), cmd)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSweepProgressCountersBeforeCompletion(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	coordinator := newCoordinator(store, queue, &fakePublisher{})
	ctx := context.Background()

	result, err := coordinator.SubmitSweep(ctx, sweepCommandFixture(3))
	require.NoError(t, err)

	completeChild(store, result.ChildJobIDs[0], "1.0000", "-5.0000")
	coordinator.OnChildTerminal(ctx, result.SweepID)

	sweep, err := store.sweepRepo().FindByID(ctx, result.SweepID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, sweep.Status)
	assert.Equal(t, 1, sweep.CompletedJobs)
	assert.Equal(t, 0, sweep.FailedJobs)
	assert.LessOrEqual(t, sweep.CompletedJobs+sweep.FailedJobs, sweep.TotalJobs)
	assert.Nil(t, sweep.BestJobID)
}

func TestSweepSelectsBestChildBySharpe(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	publisher := &fakePublisher{}
	coordinator := newCoordinator(store, queue, publisher)
	ctx := context.Background()

	result, err := coordinator.SubmitSweep(ctx, sweepCommandFixture(4))
	require.NoError(t, err)

	sharpes := []string{"1.1000", "2.1000", "1.8000", "1.2000"}
	for i, id := range result.ChildJobIDs {
		completeChild(store, id, sharpes[i], "-5.0000")
		coordinator.OnChildTerminal(ctx, result.SweepID)
	}

	sweep, err := store.sweepRepo().FindByID(ctx, result.SweepID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, sweep.Status)
	assert.Equal(t, 4, sweep.CompletedJobs)
	require.NotNil(t, sweep.BestJobID)
	assert.Equal(t, result.ChildJobIDs[1], *sweep.BestJobID)
	require.True(t, sweep.BestMetricValue.Valid)
	assert.True(t, sweep.BestMetricValue.Decimal.Equal(decimal.RequireFromString("2.1000")))
	assert.Contains(t, publisher.names(), "backtest.sweep_completed")
}

func TestSweepMaxDrawdownPrefersShallowest(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	coordinator := newCoordinator(store, queue, &fakePublisher{})
	ctx := context.Background()

	cmd := sweepCommandFixture(3)
	cmd.OptimizationMetric = "maxDrawdown"
	result, err := coordinator.SubmitSweep(ctx, cmd)
	require.NoError(t, err)

	// 回撤为负百分比，最浅（最接近零）者最优
	drawdowns := []string{"-20.0000", "-3.0000", "-11.0000"}
	for i, id := range result.ChildJobIDs {
		completeChild(store, id, "1.0000", drawdowns[i])
	}
	coordinator.OnChildTerminal(ctx, result.SweepID)

	sweep, err := store.sweepRepo().FindByID(ctx, result.SweepID)
	require.NoError(t, err)
	require.NotNil(t, sweep.BestJobID)
	assert.Equal(t, result.ChildJobIDs[1], *sweep.BestJobID)
	assert.True(t, sweep.BestMetricValue.Decimal.Equal(decimal.RequireFromString("3.0000")),
		"stored metric is the negated drawdown")
}

func TestSweepTieBreaksOnSmallerChildID(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	coordinator := newCoordinator(store, queue, &fakePublisher{})
	ctx := context.Background()

	result, err := coordinator.SubmitSweep(ctx, sweepCommandFixture(3))
	require.NoError(t, err)

	for _, id := range result.ChildJobIDs {
		completeChild(store, id, "1.5000", "-5.0000")
	}
	coordinator.OnChildTerminal(ctx, result.SweepID)

	sweep, err := store.sweepRepo().FindByID(ctx, result.SweepID)
	require.NoError(t, err)
	require.NotNil(t, sweep.BestJobID)
	assert.Equal(t, result.ChildJobIDs[0], *sweep.BestJobID, "strictly-greater-wins keeps the smallest id on ties")
}

func TestSweepWithFailedChildren(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	coordinator := newCoordinator(store, queue, &fakePublisher{})
	ctx := context.Background()

	result, err := coordinator.SubmitSweep(ctx, sweepCommandFixture(2))
	require.NoError(t, err)

	completeChild(store, result.ChildJobIDs[0], "0.9000", "-4.0000")

	failedChild := store.getJob(result.ChildJobIDs[1])
	failedChild.AttemptCount = 3
	failedChild.MarkFailed()
	store.putJob(failedChild)

	coordinator.OnChildTerminal(ctx, result.SweepID)

	sweep, err := store.sweepRepo().FindByID(ctx, result.SweepID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, sweep.Status)
	assert.Equal(t, 1, sweep.CompletedJobs)
	assert.Equal(t, 1, sweep.FailedJobs)
	require.NotNil(t, sweep.BestJobID)
	assert.Equal(t, result.ChildJobIDs[0], *sweep.BestJobID)
}

func TestSweepUnknownMetricFallsBackToSharpe(t *testing.T) {
	store := newMemStore()
	coordinator := newCoordinator(store, newFakeQueue(), &fakePublisher{})
	ctx := context.Background()

	cmd := sweepCommandFixture(2)
	cmd.OptimizationMetric = "bogusMetric"
	result, err := coordinator.SubmitSweep(ctx, cmd)
	require.NoError(t, err)

	completeChild(store, result.ChildJobIDs[0], "0.5000", "-1.0000")
	completeChild(store, result.ChildJobIDs[1], "1.5000", "-9.0000")
	coordinator.OnChildTerminal(ctx, result.SweepID)

	sweep, err := store.sweepRepo().FindByID(ctx, result.SweepID)
	require.NoError(t, err)
	require.NotNil(t, sweep.BestJobID)
	assert.Equal(t, result.ChildJobIDs[1], *sweep.BestJobID)
}

func TestGetSweepStatus(t *testing.T) {
	store := newMemStore()
	coordinator := newCoordinator(store, newFakeQueue(), &fakePublisher{})
	ctx := context.Background()

	result, err := coordinator.SubmitSweep(ctx, sweepCommandFixture(2))
	require.NoError(t, err)

	completeChild(store, result.ChildJobIDs[0], "2.0000", "-5.0000")
	completeChild(store, result.ChildJobIDs[1], "1.0000", "-3.0000")
	coordinator.OnChildTerminal(ctx, result.SweepID)

	status, err := coordinator.GetSweepStatus(ctx, result.SweepID)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusCompleted, status.Status)
	assert.Equal(t, 2, status.TotalJobs)
	assert.ElementsMatch(t, result.ChildJobIDs, status.ChildJobIDs)
	require.NotNil(t, status.BestJob)
	assert.Equal(t, result.ChildJobIDs[0], status.BestJob.JobID)
	require.NotNil(t, status.BestJob.Result)
	assert.True(t, status.BestJob.Result.SharpeRatio.Equal(decimal.RequireFromString("2.0000")))
}

func TestGetSweepStatusNotFound(t *testing.T) {
	coordinator := newCoordinator(newMemStore(), newFakeQueue(), &fakePublisher{})

	_, err := coordinator.GetSweepStatus(context.Background(), 999)
	assert.ErrorIs(t, err, domain.ErrSweepNotFound)
}

func TestMetricValueTable(t *testing.T) {
	result := &domain.Result{
		TotalReturn:  decimal.RequireFromString("12.0000"),
		SharpeRatio:  decimal.RequireFromString("1.5000"),
		SortinoRatio: decimal.RequireFromString("2.5000"),
		CAGR:         decimal.RequireFromString("8.0000"),
		WinRate:      decimal.RequireFromString("0.6000"),
		MaxDrawdown:  decimal.RequireFromString("-7.0000"),
	}

	tests := []struct {
		metric string
		want   string
	}{
		{"totalReturn", "12.0000"},
		{"sharpeRatio", "1.5000"},
		{"sortinoRatio", "2.5000"},
		{"cagr", "8.0000"},
		{"winRate", "0.6000"},
		{"maxDrawdown", "7.0000"},
		{"SHARPERATIO", "1.5000"},
		{"unknown", "1.5000"},
	}
	for _, tt := range tests {
		t.Run(tt.metric, func(t *testing.T) {
			got := metricValue(result, tt.metric)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				fmt.Sprintf("metric %s: got %s want %s", tt.metric, got, tt.want))
		})
	}
}
