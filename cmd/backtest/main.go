package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wyfcoding/backtesting/internal/backtest/application"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
	"github.com/wyfcoding/backtesting/internal/backtest/infrastructure/marketdata"
	"github.com/wyfcoding/backtesting/internal/backtest/infrastructure/messaging"
	"github.com/wyfcoding/backtesting/internal/backtest/infrastructure/persistence/mysql"
	"github.com/wyfcoding/backtesting/internal/backtest/infrastructure/queue"
	"github.com/wyfcoding/backtesting/internal/backtest/interfaces"
	localmetrics "github.com/wyfcoding/backtesting/pkg/metrics"
	"github.com/wyfcoding/backtesting/pkg/middleware"
	"github.com/wyfcoding/backtesting/pkg/mq"
	"github.com/wyfcoding/pkg/app"
	"github.com/wyfcoding/pkg/cache"
	"github.com/wyfcoding/pkg/config"
	"github.com/wyfcoding/pkg/database"
	"github.com/wyfcoding/pkg/logging"
	"github.com/wyfcoding/pkg/metrics"
)

// BootstrapName 服务唯一标识
const BootstrapName = "backtest"

// Config 服务扩展配置
type Config struct {
	config.Config `mapstructure:",squash"`
	Backtest      struct {
		WorkerCount              int      `mapstructure:"worker_count" toml:"worker_count"`
		WorkerEnabled            bool     `mapstructure:"worker_enabled" toml:"worker_enabled"`
		QueuePollTimeoutSeconds  int      `mapstructure:"queue_poll_timeout_seconds" toml:"queue_poll_timeout_seconds"`
		MaxAttempts              int      `mapstructure:"max_attempts" toml:"max_attempts"`
		BackoffSeconds           []int    `mapstructure:"backoff_seconds" toml:"backoff_seconds"`
		CacheTTLMinutes          int      `mapstructure:"cache_ttl_minutes" toml:"cache_ttl_minutes"`
		SyntheticFallbackEnabled bool     `mapstructure:"synthetic_fallback_enabled" toml:"synthetic_fallback_enabled"`
		JanitorEnabled           bool     `mapstructure:"janitor_enabled" toml:"janitor_enabled"`
		StuckThresholdMinutes    int      `mapstructure:"stuck_threshold_minutes" toml:"stuck_threshold_minutes"`
		KafkaBrokers             []string `mapstructure:"kafka_brokers" toml:"kafka_brokers"`
		EventTopic               string   `mapstructure:"event_topic" toml:"event_topic"`
	} `mapstructure:"backtest" toml:"backtest"`
}

// retryPolicy 从配置装配重试策略，缺省回落到 3 次 / 1s,3s,5s
func (c *Config) retryPolicy() application.RetryPolicy {
	policy := application.DefaultRetryPolicy()
	if c.Backtest.MaxAttempts > 0 {
		policy.MaxAttempts = c.Backtest.MaxAttempts
	}
	if len(c.Backtest.BackoffSeconds) > 0 {
		backoff := make([]time.Duration, 0, len(c.Backtest.BackoffSeconds))
		for _, s := range c.Backtest.BackoffSeconds {
			backoff = append(backoff, time.Duration(s)*time.Second)
		}
		policy.Backoff = backoff
	}
	return policy
}

// AppContext 应用上下文
type AppContext struct {
	Config            *Config
	SubmissionService *application.SubmissionService
	SweepCoordinator  *application.SweepCoordinator
	HTTPHandler       *interfaces.HTTPHandler
	Metrics           *metrics.Metrics
}

func main() {
	if err := app.NewBuilder[*Config, *AppContext](BootstrapName).
		WithConfig(&Config{}).
		WithService(initService).
		WithGin(registerGin).
		WithGinMiddleware(
			middleware.GinLogging(),
			middleware.GinCORS(),
			otelgin.Middleware(BootstrapName),
			middleware.GinRateLimit(middleware.NewRateLimiter(200, 100)),
		).
		Build().
		Run(); err != nil {
		slog.Error("service bootstrap failed", "error", err)
	}
}

func registerGin(e *gin.Engine, ctx *AppContext) {
	if ctx.Config.Server.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	api := e.Group("/api/v1")
	{
		ctx.HTTPHandler.RegisterRoutes(api)
	}
}

func initService(cfg *Config, m *metrics.Metrics) (*AppContext, func(), error) {
	bootLog := slog.With("module", "bootstrap")
	logger := logging.Default()

	// 1. 数据库
	dbWrapper, err := database.NewDB(cfg.Data.Database, cfg.CircuitBreaker, logger, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init db: %w", err)
	}
	db := dbWrapper.RawDB()

	// 自动迁移
	if err := db.AutoMigrate(
		&domain.Job{}, &domain.Sweep{}, &domain.Result{}, &domain.MarketDataPoint{},
	); err != nil {
		return nil, nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	// 2. Redis 分发队列
	redisCache, err := cache.NewRedisCache(&cfg.Data.Redis, cfg.CircuitBreaker, logger, m)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init redis: %w", err)
	}
	dispatchQueue := queue.NewRedisQueue(redisCache.GetClient(), "")

	// 3. 业务指标
	backtestMetrics := localmetrics.New("orchestrator")
	if err := backtestMetrics.Register(); err != nil {
		return nil, nil, fmt.Errorf("failed to register backtest metrics: %w", err)
	}

	// 4. 事件发布（按配置可选）
	var publisher domain.EventPublisher
	var producer *mq.KafkaProducer
	if len(cfg.Backtest.KafkaBrokers) > 0 {
		producer, err = mq.NewProducer(mq.KafkaConfig{Brokers: cfg.Backtest.KafkaBrokers})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init kafka producer: %w", err)
		}
		publisher = messaging.NewKafkaPublisher(producer, cfg.Backtest.EventTopic)
	}

	// 5. 仓储与行情网关
	jobRepo := mysql.NewJobRepository(db)
	resultRepo := mysql.NewResultRepository(db)
	sweepRepo := mysql.NewSweepRepository(db)
	marketDataRepo := mysql.NewMarketDataRepository(db)

	gateway, err := marketdata.NewGateway(marketdata.GatewayConfig{
		CacheTTL:                 time.Duration(cfg.Backtest.CacheTTLMinutes) * time.Minute,
		SyntheticFallbackEnabled: cfg.Backtest.SyntheticFallbackEnabled,
	}, marketDataRepo, logger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init market data gateway: %w", err)
	}

	// 6. 应用服务
	policy := cfg.retryPolicy()
	engine := domain.NewBacktestEngine()

	sweepCoordinator := application.NewSweepCoordinator(
		sweepRepo, jobRepo, resultRepo, dispatchQueue, publisher, backtestMetrics, logger.Logger)
	executor := application.NewExecutor(
		jobRepo, gateway, engine, dispatchQueue, policy, sweepCoordinator, publisher, backtestMetrics, logger.Logger)
	submissionService := application.NewSubmissionService(
		jobRepo, resultRepo, dispatchQueue, backtestMetrics, logger.Logger)

	// 7. 后台消费者与清道夫
	rootCtx, rootCancel := context.WithCancel(context.Background())

	var workerPool *application.WorkerPool
	if cfg.Backtest.WorkerEnabled {
		workerPool = application.NewWorkerPool(application.WorkerPoolConfig{
			WorkerCount: cfg.Backtest.WorkerCount,
			PollTimeout: time.Duration(cfg.Backtest.QueuePollTimeoutSeconds) * time.Second,
		}, dispatchQueue, jobRepo, executor, policy, backtestMetrics, logger.Logger)
		workerPool.Start(rootCtx)
	} else {
		bootLog.Info("background workers are disabled")
	}

	var janitor *application.Janitor
	if cfg.Backtest.JanitorEnabled {
		janitor = application.NewJanitor(application.JanitorConfig{
			StuckThreshold: time.Duration(cfg.Backtest.StuckThresholdMinutes) * time.Minute,
		}, jobRepo, dispatchQueue, policy, backtestMetrics, logger.Logger)
		janitor.Start(rootCtx)
	}

	// 8. Handler
	httpHandler := interfaces.NewHTTPHandler(submissionService, sweepCoordinator)

	cleanup := func() {
		bootLog.Info("shutting down...")
		if workerPool != nil {
			workerPool.Stop(60 * time.Second)
		}
		if janitor != nil {
			janitor.Stop()
		}
		rootCancel()
		if producer != nil {
			producer.Close()
		}
		if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
			sqlDB.Close()
		}
	}

	return &AppContext{
		Config:            cfg,
		SubmissionService: submissionService,
		SweepCoordinator:  sweepCoordinator,
		HTTPHandler:       httpHandler,
		Metrics:           m,
	}, cleanup, nil
}
