// Package mysql 回测作业编排的 MySQL 仓储层，基于 GORM。
// 行级锁通过 SELECT ... FOR UPDATE 获取；乐观锁通过条件 UPDATE
// 加 RowsAffected 检查实现。
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// mysqlDuplicateEntry MySQL 唯一约束冲突错误码
const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建作业仓储
func NewJobRepository(db *gorm.DB) domain.JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *domain.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if isDuplicateKey(err) {
			return domain.ErrDuplicateDedupKey
		}
		return err
	}
	return nil
}

func (r *jobRepository) FindByDedupKey(ctx context.Context, dedupKey string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).Where("dedup_key = ?", dedupKey).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) FindByID(ctx context.Context, jobID uint) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).First(&job, jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepository) InTx(ctx context.Context, fn func(tx domain.JobTx) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&jobTx{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
}

func (r *jobRepository) CountChildrenByStatus(ctx context.Context, sweepID uint, status domain.JobStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Job{}).
		Where("parent_sweep_id = ? AND status = ?", sweepID, status).
		Count(&count).Error
	return count, err
}

func (r *jobRepository) ListChildren(ctx context.Context, sweepID uint) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).
		Where("parent_sweep_id = ?", sweepID).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepository) ListStuckRunning(ctx context.Context, olderThan time.Time) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.JobStatusRunning, olderThan).
		Order("id ASC").
		Find(&jobs).Error
	return jobs, err
}

// jobTx 事务作用域内的作业操作
type jobTx struct {
	db *gorm.DB
}

func (t *jobTx) LockForUpdate(ctx context.Context, jobID uint) (*domain.Job, error) {
	var job domain.Job
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&job, jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Save 带版本校验写回：UPDATE ... WHERE id = ? AND version = ?，
// RowsAffected 为 0 说明其他路径已抢先修改
func (t *jobTx) Save(ctx context.Context, job *domain.Job) error {
	currentVersion := job.Version
	result := t.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND version = ?", job.ID, currentVersion).
		Updates(map[string]any{
			"status":         job.Status,
			"attempt_count":  job.AttemptCount,
			"failure_reason": job.FailureReason,
			"version":        currentVersion + 1,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrStaleVersion
	}

	job.Version = currentVersion + 1
	job.UpdatedAt = time.Now()
	return nil
}

func (t *jobTx) WriteResult(ctx context.Context, result *domain.Result) error {
	return t.db.WithContext(ctx).Create(result).Error
}

type resultRepository struct {
	db *gorm.DB
}

// NewResultRepository 创建结果仓储
func NewResultRepository(db *gorm.DB) domain.ResultRepository {
	return &resultRepository{db: db}
}

// FindLatestByJobID 结果行只追加不覆盖，取主键最大的一条
func (r *resultRepository) FindLatestByJobID(ctx context.Context, jobID uint) (*domain.Result, error) {
	var result domain.Result
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// FindLatestByJobIDs 单次批量读，避免每个子作业一次往返
func (r *resultRepository) FindLatestByJobIDs(ctx context.Context, jobIDs []uint) (map[uint]*domain.Result, error) {
	if len(jobIDs) == 0 {
		return map[uint]*domain.Result{}, nil
	}

	var results []*domain.Result
	err := r.db.WithContext(ctx).
		Where("job_id IN ?", jobIDs).
		Order("id ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}

	// 升序遍历后保留的即为每个作业的最新结果
	byJobID := make(map[uint]*domain.Result, len(jobIDs))
	for _, result := range results {
		byJobID[result.JobID] = result
	}
	return byJobID, nil
}

type sweepRepository struct {
	db *gorm.DB
}

// NewSweepRepository 创建参数扫描仓储
func NewSweepRepository(db *gorm.DB) domain.SweepRepository {
	return &sweepRepository{db: db}
}

func (r *sweepRepository) Create(ctx context.Context, sweep *domain.Sweep) error {
	return r.db.WithContext(ctx).Create(sweep).Error
}

func (r *sweepRepository) FindByID(ctx context.Context, sweepID uint) (*domain.Sweep, error) {
	var sweep domain.Sweep
	err := r.db.WithContext(ctx).First(&sweep, sweepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sweep, nil
}

func (r *sweepRepository) Save(ctx context.Context, sweep *domain.Sweep) error {
	return r.db.WithContext(ctx).Save(sweep).Error
}
