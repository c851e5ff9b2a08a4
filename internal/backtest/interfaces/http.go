// Package interfaces 回测作业编排接口层
package interfaces

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/backtesting/internal/backtest/application"
	"github.com/wyfcoding/backtesting/internal/backtest/domain"
)

// HTTPHandler HTTP 接口处理器
type HTTPHandler struct {
	submissions *application.SubmissionService
	sweeps      *application.SweepCoordinator
}

// NewHTTPHandler 创建 HTTP 处理器
func NewHTTPHandler(
	submissions *application.SubmissionService,
	sweeps *application.SweepCoordinator,
) *HTTPHandler {
	return &HTTPHandler{
		submissions: submissions,
		sweeps:      sweeps,
	}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(r *gin.RouterGroup) {
	backtests := r.Group("/backtests")
	{
		backtests.POST("", h.SubmitBacktest)
		backtests.POST("/sweeps", h.SubmitSweep)
		backtests.GET("/sweeps/:id", h.GetSweepStatus)
	}
}

// SubmitBacktestRequest 提交回测请求
type SubmitBacktestRequest struct {
	StrategyName   string          `json:"strategyName" binding:"required"`
	Symbol         string          `json:"symbol" binding:"required"`
	StartDate      string          `json:"startDate" binding:"required"`
	EndDate        string          `json:"endDate" binding:"required"`
	Parameters     map[string]any  `json:"parameters"`
	InitialCapital decimal.Decimal `json:"initialCapital" binding:"required"`
}

// SubmitBacktest 提交回测
func (h *HTTPHandler) SubmitBacktest(c *gin.Context) {
	var req SubmitBacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start, err := time.Parse(application.DateLayout, req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid startDate format, expected YYYY-MM-DD"})
		return
	}
	end, err := time.Parse(application.DateLayout, req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endDate format, expected YYYY-MM-DD"})
		return
	}

	cmd := application.SubmitBacktestCommand{
		Spec: application.JobSpec{
			StrategyName:   req.StrategyName,
			Symbol:         req.Symbol,
			StartDate:      start,
			EndDate:        end,
			Parameters:     req.Parameters,
			InitialCapital: req.InitialCapital,
		},
	}

	result, err := h.submissions.Submit(c.Request.Context(), cmd)
	if err != nil {
		if errors.Is(err, application.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// SweepStrategyConfigRequest 扫描请求中的策略配置
type SweepStrategyConfigRequest struct {
	StrategyName          string           `json:"strategyName" binding:"required"`
	ParameterCombinations []map[string]any `json:"parameterCombinations" binding:"required"`
}

// SubmitSweepRequest 提交参数扫描请求
type SubmitSweepRequest struct {
	Name               string                       `json:"name" binding:"required"`
	Description        string                       `json:"description"`
	Symbol             string                       `json:"symbol" binding:"required"`
	StartDate          string                       `json:"startDate" binding:"required"`
	EndDate            string                       `json:"endDate" binding:"required"`
	InitialCapital     decimal.Decimal              `json:"initialCapital" binding:"required"`
	OptimizationMetric string                       `json:"optimizationMetric" binding:"required"`
	Strategies         []SweepStrategyConfigRequest `json:"strategies" binding:"required"`
}

// SubmitSweep 提交参数扫描
func (h *HTTPHandler) SubmitSweep(c *gin.Context) {
	var req SubmitSweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	start, err := time.Parse(application.DateLayout, req.StartDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid startDate format, expected YYYY-MM-DD"})
		return
	}
	end, err := time.Parse(application.DateLayout, req.EndDate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endDate format, expected YYYY-MM-DD"})
		return
	}

	strategies := make([]application.SweepStrategyConfig, 0, len(req.Strategies))
	for _, s := range req.Strategies {
		strategies = append(strategies, application.SweepStrategyConfig{
			StrategyName:          s.StrategyName,
			ParameterCombinations: s.ParameterCombinations,
		})
	}

	cmd := application.SubmitSweepCommand{
		Name:               req.Name,
		Description:        req.Description,
		Symbol:             req.Symbol,
		StartDate:          start,
		EndDate:            end,
		InitialCapital:     req.InitialCapital,
		OptimizationMetric: req.OptimizationMetric,
		Strategies:         strategies,
	}

	result, err := h.sweeps.SubmitSweep(c.Request.Context(), cmd)
	if err != nil {
		if errors.Is(err, application.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// GetSweepStatus 查询扫描状态
func (h *HTTPHandler) GetSweepStatus(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sweep id"})
		return
	}

	status, err := h.sweeps.GetSweepStatus(c.Request.Context(), uint(id))
	if err != nil {
		if errors.Is(err, domain.ErrSweepNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sweep not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}
