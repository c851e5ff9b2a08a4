// Package queue 基于 Redis 列表的分发队列：RPUSH 入队、BLPOP 原子阻塞出队。
// 队列只是投递提示，作业行状态才是唯一事实来源。
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
)

const defaultQueueKey = "backtest:jobs:queue"

// RedisQueue Redis 列表队列
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

// NewRedisQueue 创建分发队列；key 为空时使用默认键
func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = defaultQueueKey
	}
	return &RedisQueue{
		client: client,
		key:    key,
	}
}

var _ domain.DispatchQueue = (*RedisQueue)(nil)

// Push 尾部追加作业主键
func (q *RedisQueue) Push(ctx context.Context, jobID uint) error {
	if err := q.client.RPush(ctx, q.key, strconv.FormatUint(uint64(jobID), 10)).Err(); err != nil {
		return fmt.Errorf("failed to push job %d to queue: %w", jobID, err)
	}
	return nil
}

// Pop 头部阻塞出队；timeout 内无元素返回 (0, nil)。
// BLPOP 的原子性保证同一次 Push 不会被两个消费者同时取到。
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (uint, error) {
	values, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to pop from queue: %w", err)
	}
	// BLPOP 返回 [key, value]
	if len(values) < 2 {
		return 0, fmt.Errorf("unexpected BLPOP reply: %v", values)
	}

	jobID, err := strconv.ParseUint(values[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed job id on queue: %q", values[1])
	}
	return uint(jobID), nil
}

// Depth 当前队列长度，仅用于观测
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
