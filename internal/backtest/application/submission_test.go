package application

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
)

func newSubmissionService(store *memStore, queue *fakeQueue) *SubmissionService {
	return NewSubmissionService(store.jobRepo(), store.resultRepo(), queue, testMetrics(), testLogger())
}

func TestSubmitCreatesAndQueuesNewJob(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	svc := newSubmissionService(store, queue)

	result, err := svc.Submit(context.Background(), SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	assert.False(t, result.IsExisting)
	assert.Equal(t, domain.JobStatusQueued, result.Status)
	assert.NotZero(t, result.JobID)
	assert.NotEmpty(t, result.JobRef)
	assert.Equal(t, 1, queue.pushCount())

	stored := store.getJob(result.JobID)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Equal(t, "BuyAndHold", stored.StrategyName)
}

func TestSubmitValidation(t *testing.T) {
	store := newMemStore()
	svc := newSubmissionService(store, newFakeQueue())

	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"empty strategy", func(s *JobSpec) { s.StrategyName = "" }},
		{"empty symbol", func(s *JobSpec) { s.Symbol = "" }},
		{"inverted dates", func(s *JobSpec) { s.StartDate, s.EndDate = s.EndDate, s.StartDate }},
		{"zero capital", func(s *JobSpec) { s.InitialCapital = decimal.Zero }},
		{"negative capital", func(s *JobSpec) { s.InitialCapital = decimal.NewFromInt(-1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := specFixture("AAPL")
			tt.mutate(&spec)
			_, err := svc.Submit(context.Background(), SubmitBacktestCommand{Spec: spec})
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	assert.Equal(t, 0, store.jobCount(), "validation errors must never enter the job lifecycle")
}

func TestSubmitIdempotentResubmission(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	svc := newSubmissionService(store, queue)
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	second, err := svc.Submit(ctx, SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.True(t, second.IsExisting)
	assert.Equal(t, 1, store.jobCount())
	assert.Equal(t, 1, queue.pushCount(), "resubmission must not push to the queue again")
}

func TestSubmitConcurrentIdenticalSpecs(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	svc := newSubmissionService(store, queue)

	const submitters = 16
	results := make([]*SubmissionResult, submitters)
	errs := make([]error, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Submit(context.Background(), SubmitBacktestCommand{Spec: specFixture("AAPL")})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, store.jobCount(), "exactly one job row for the shared dedup key")
	jobID := results[0].JobID
	newCount := 0
	for _, r := range results {
		assert.Equal(t, jobID, r.JobID, "all submitters observe the same job id")
		if !r.IsExisting {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount, "exactly one submitter wins the insert race")
}

func TestSubmitCompletedJobReturnsEmbeddedResult(t *testing.T) {
	store := newMemStore()
	svc := newSubmissionService(store, newFakeQueue())
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	job := store.getJob(first.JobID)
	job.MarkCompleted()
	store.putJob(job)
	store.addResult(domain.Result{
		JobID:       first.JobID,
		SharpeRatio: decimal.RequireFromString("1.5000"),
		TotalReturn: decimal.RequireFromString("12.3400"),
	})

	second, err := svc.Submit(ctx, SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	assert.True(t, second.IsExisting)
	assert.Equal(t, domain.JobStatusCompleted, second.Status)
	require.NotNil(t, second.Result)
	assert.True(t, second.Result.SharpeRatio.Equal(decimal.RequireFromString("1.5000")))
}

func TestSubmitFailedJobDoesNotRequeue(t *testing.T) {
	store := newMemStore()
	queue := newFakeQueue()
	svc := newSubmissionService(store, queue)
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	job := store.getJob(first.JobID)
	job.AttemptCount = 3
	job.MarkFailed()
	store.putJob(job)
	pushesBefore := queue.pushCount()

	second, err := svc.Submit(ctx, SubmitBacktestCommand{Spec: specFixture("AAPL")})
	require.NoError(t, err)

	assert.True(t, second.IsExisting)
	assert.Equal(t, domain.JobStatusFailed, second.Status)
	assert.Contains(t, second.Message, "3 attempts")
	assert.Equal(t, pushesBefore, queue.pushCount(), "resubmission of a FAILED job has no retry side effect")

	stored := store.getJob(first.JobID)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
}
