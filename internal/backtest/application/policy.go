package application

import "time"

// RetryPolicy 重试策略：最大尝试次数与逐次退避表。
// 纯数据，执行逻辑不对具体次数做特判。
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy 默认策略：3 次尝试，退避 1s/3s/5s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
	}
}

// DelayFor 第 attempt 次失败后的退避时长（attempt 从 1 起），
// 越界钳制到表尾
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt <= 0 || len(p.Backoff) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(p.Backoff) {
		idx = len(p.Backoff) - 1
	}
	return p.Backoff[idx]
}
