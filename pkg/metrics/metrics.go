// Package metrics 提供 Prometheus helper，定义回测编排相关的 counter/gauge/histogram
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/backtesting/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// 作业提交计数
	JobsSubmittedTotal prometheus.Counter
	// 作业完成计数
	JobsCompletedTotal prometheus.Counter
	// 作业终态失败计数
	JobsFailedTotal prometheus.Counter
	// 作业重试入队计数
	JobsRetriedTotal prometheus.Counter
	// 参数扫描提交计数
	SweepsSubmittedTotal prometheus.Counter
	// 单次作业执行耗时
	JobDurationSeconds prometheus.Histogram
	// 活跃 worker 数
	WorkersActive prometheus.Gauge
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		JobsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "jobs_submitted_total",
			Help:      "Total backtest jobs submitted",
		}),
		JobsCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "jobs_completed_total",
			Help:      "Total backtest jobs completed",
		}),
		JobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "jobs_failed_total",
			Help:      "Total backtest jobs terminally failed",
		}),
		JobsRetriedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "jobs_retried_total",
			Help:      "Total backtest job retry requeues",
		}),
		SweepsSubmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "sweeps_submitted_total",
			Help:      "Total parameter sweeps submitted",
		}),
		JobDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "job_duration_seconds",
			Help:      "Backtest job execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		WorkersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "backtest",
			Subsystem: serviceName,
			Name:      "workers_active",
			Help:      "Number of running backtest workers",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.JobsSubmittedTotal,
		m.JobsCompletedTotal,
		m.JobsFailedTotal,
		m.JobsRetriedTotal,
		m.SweepsSubmittedTotal,
		m.JobDurationSeconds,
		m.WorkersActive,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "Starting Prometheus HTTP server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error(context.Background(), "Failed to start Prometheus HTTP server", "error", err)
		}
	}()
}
