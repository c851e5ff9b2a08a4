package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/pkg/metrics"
)

// memStore 测试用内存存储：单把互斥锁模拟行锁语义，
// InTx 出错时回滚快照，Save 做版本校验。
type memStore struct {
	mu sync.Mutex

	jobSeq uint
	jobs   map[uint]domain.Job
	dedup  map[string]uint

	resultSeq uint
	results   []domain.Result

	sweepSeq uint
	sweeps   map[uint]domain.Sweep
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   map[uint]domain.Job{},
		dedup:  map[string]uint{},
		sweeps: map[uint]domain.Sweep{},
	}
}

func (s *memStore) jobRepo() domain.JobRepository       { return &memJobRepo{s: s} }
func (s *memStore) resultRepo() domain.ResultRepository { return &memResultRepo{s: s} }
func (s *memStore) sweepRepo() domain.SweepRepository   { return &memSweepRepo{s: s} }

func (s *memStore) getJob(id uint) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *memStore) putJob(job domain.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

// getJobUnsafe / putJobUnsafe 供已持有事务互斥的测试钩子使用
func (s *memStore) getJobUnsafe(id uint) domain.Job { return s.jobs[id] }
func (s *memStore) putJobUnsafe(job domain.Job)     { s.jobs[job.ID] = job }

func (s *memStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *memStore) resultsFor(jobID uint) []domain.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Result
	for _, r := range s.results {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out
}

func (s *memStore) addResult(r domain.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resultSeq++
	r.ID = s.resultSeq
	s.results = append(s.results, r)
}

type memJobRepo struct {
	s *memStore
}

func (r *memJobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.dedup[job.DedupKey]; exists {
		return domain.ErrDuplicateDedupKey
	}
	r.s.jobSeq++
	job.ID = r.s.jobSeq
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	r.s.jobs[job.ID] = *job
	r.s.dedup[job.DedupKey] = job.ID
	return nil
}

func (r *memJobRepo) FindByDedupKey(ctx context.Context, dedupKey string) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.dedup[dedupKey]
	if !ok {
		return nil, nil
	}
	job := r.s.jobs[id]
	return &job, nil
}

func (r *memJobRepo) FindByID(ctx context.Context, jobID uint) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	job, ok := r.s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (r *memJobRepo) InTx(ctx context.Context, fn func(tx domain.JobTx) error) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	snapshotJobs := make(map[uint]domain.Job, len(r.s.jobs))
	for id, job := range r.s.jobs {
		snapshotJobs[id] = job
	}
	snapshotResults := len(r.s.results)

	if err := fn(&memJobTx{s: r.s}); err != nil {
		r.s.jobs = snapshotJobs
		r.s.results = r.s.results[:snapshotResults]
		return err
	}
	return nil
}

func (r *memJobRepo) CountChildrenByStatus(ctx context.Context, sweepID uint, status domain.JobStatus) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var count int64
	for _, job := range r.s.jobs {
		if job.ParentSweepID != nil && *job.ParentSweepID == sweepID && job.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *memJobRepo) ListChildren(ctx context.Context, sweepID uint) ([]*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Job
	for id := uint(1); id <= r.s.jobSeq; id++ {
		job, ok := r.s.jobs[id]
		if !ok || job.ParentSweepID == nil || *job.ParentSweepID != sweepID {
			continue
		}
		j := job
		out = append(out, &j)
	}
	return out, nil
}

func (r *memJobRepo) ListStuckRunning(ctx context.Context, olderThan time.Time) ([]*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Job
	for id := uint(1); id <= r.s.jobSeq; id++ {
		job, ok := r.s.jobs[id]
		if ok && job.Status == domain.JobStatusRunning && job.UpdatedAt.Before(olderThan) {
			j := job
			out = append(out, &j)
		}
	}
	return out, nil
}

type memJobTx struct {
	s *memStore
}

func (t *memJobTx) LockForUpdate(ctx context.Context, jobID uint) (*domain.Job, error) {
	job, ok := t.s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (t *memJobTx) Save(ctx context.Context, job *domain.Job) error {
	stored, ok := t.s.jobs[job.ID]
	if !ok {
		return domain.ErrJobNotFound
	}
	if stored.Version != job.Version {
		return domain.ErrStaleVersion
	}
	job.Version++
	job.UpdatedAt = time.Now()
	t.s.jobs[job.ID] = *job
	return nil
}

func (t *memJobTx) WriteResult(ctx context.Context, result *domain.Result) error {
	t.s.resultSeq++
	result.ID = t.s.resultSeq
	t.s.results = append(t.s.results, *result)
	return nil
}

type memResultRepo struct {
	s *memStore
}

func (r *memResultRepo) FindLatestByJobID(ctx context.Context, jobID uint) (*domain.Result, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.results) - 1; i >= 0; i-- {
		if r.s.results[i].JobID == jobID {
			result := r.s.results[i]
			return &result, nil
		}
	}
	return nil, nil
}

func (r *memResultRepo) FindLatestByJobIDs(ctx context.Context, jobIDs []uint) (map[uint]*domain.Result, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	wanted := make(map[uint]bool, len(jobIDs))
	for _, id := range jobIDs {
		wanted[id] = true
	}
	out := map[uint]*domain.Result{}
	for i := range r.s.results {
		result := r.s.results[i]
		if wanted[result.JobID] {
			r := result
			out[result.JobID] = &r
		}
	}
	return out, nil
}

type memSweepRepo struct {
	s *memStore
}

func (r *memSweepRepo) Create(ctx context.Context, sweep *domain.Sweep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sweepSeq++
	sweep.ID = r.s.sweepSeq
	now := time.Now()
	sweep.CreatedAt = now
	sweep.UpdatedAt = now
	r.s.sweeps[sweep.ID] = *sweep
	return nil
}

func (r *memSweepRepo) FindByID(ctx context.Context, sweepID uint) (*domain.Sweep, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sweep, ok := r.s.sweeps[sweepID]
	if !ok {
		return nil, nil
	}
	return &sweep, nil
}

func (r *memSweepRepo) Save(ctx context.Context, sweep *domain.Sweep) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sweep.UpdatedAt = time.Now()
	r.s.sweeps[sweep.ID] = *sweep
	return nil
}

// fakeQueue 通道实现的分发队列
type fakeQueue struct {
	mu       sync.Mutex
	ch       chan uint
	failPush bool
	pushed   []uint
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ch: make(chan uint, 1024)}
}

func (q *fakeQueue) Push(ctx context.Context, jobID uint) error {
	q.mu.Lock()
	fail := q.failPush
	if !fail {
		q.pushed = append(q.pushed, jobID)
	}
	q.mu.Unlock()
	if fail {
		return errors.New("queue backend unavailable")
	}
	q.ch <- jobID
	return nil
}

func (q *fakeQueue) Pop(ctx context.Context, timeout time.Duration) (uint, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (q *fakeQueue) pushCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pushed)
}

// fakeGateway 可配置的行情网关
type fakeGateway struct {
	mu     sync.Mutex
	bars   []domain.Bar
	err    error
	onLoad func()
	calls  int
}

func (g *fakeGateway) Load(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	g.mu.Lock()
	g.calls++
	hook := g.onLoad
	bars, err := g.bars, g.err
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return bars, err
}

// fakePublisher 记录发布的领域事件
type fakePublisher struct {
	mu     sync.Mutex
	events []domain.DomainEvent
}

func (p *fakePublisher) Publish(ctx context.Context, event domain.DomainEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventName())
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New("test")
}

// risingBars n 个单调上涨的数据点
func risingBars(n int) []domain.Bar {
	bars := make([]domain.Bar, 0, n)
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(100)
	for i := 0; i < n; i++ {
		bars = append(bars, domain.Bar{
			Symbol: "AAPL",
			Date:   date,
			Open:   price,
			High:   price.Add(decimal.NewFromInt(1)),
			Low:    price.Sub(decimal.NewFromInt(1)),
			Close:  price,
			Volume: 1_000_000,
		})
		price = price.Add(decimal.NewFromInt(1))
		date = date.AddDate(0, 0, 1)
	}
	return bars
}

func specFixture(symbol string) JobSpec {
	return JobSpec{
		StrategyName:   "BuyAndHold",
		Symbol:         symbol,
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		Parameters:     map[string]any{},
		InitialCapital: decimal.NewFromInt(10000),
	}
}
