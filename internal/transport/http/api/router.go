package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tradegate/internal/breaker"
	"tradegate/internal/engine"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/logger"
	"tradegate/internal/pipeline"
	"tradegate/internal/types"
	"tradegate/internal/venue"
	"tradegate/internal/venue/rest"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

const (
	defaultEvaluationLimit = 100
	maxEvaluationLimit     = 500
)

// Console 是 engine.Engine 对外的查询与控制面。
type Console interface {
	Status() engine.Status
	Positions() []engine.Position
	PnLToday() engine.PnL
	Strategies() []engine.StrategyView
	Breaker() breaker.State
	Funnel() funnel.Snapshot
	Evaluations(limit int, strategyID string) []funnel.Evaluation
	Orders() []types.Order

	Pause(operator string)
	Resume(ctx context.Context, operator string) error
	Kill(ctx context.Context, operator, reason string) (engine.KillReport, error)
	ResetBreaker(operator, note string, acknowledged bool) error
	SetBreakerEnabled(enabled bool)
	SetRiskEnabled(ctx context.Context, enabled bool) error
	EnableStrategy(id, operator string) error
	DisableStrategy(id, reason string) error
	SetBlackout(on bool, note string)
}

// TickSink 接收行情 bar。
type TickSink interface {
	Dispatch(ctx context.Context, tick types.MarketTick) error
}

// WebhookHandler 解码场所推送的执行回报。
type WebhookHandler interface {
	HandleWebhook(raw []byte) (venue.Report, error)
}

// Router 把 /api 下的路由挂到 Console 上。
type Router struct {
	console Console
	ticks   TickSink
	webhook WebhookHandler
}

func NewRouter(console Console, ticks TickSink, webhook WebhookHandler) *Router {
	return &Router{console: console, ticks: ticks, webhook: webhook}
}

// Register 将路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/positions", r.handlePositions)
	group.GET("/pnl/today", r.handlePnLToday)
	group.GET("/strategies", r.handleStrategies)
	group.GET("/breaker", r.handleBreaker)
	group.GET("/funnel", r.handleFunnel)
	group.GET("/evaluations", r.handleEvaluations)
	group.GET("/orders", r.handleOrders)

	group.POST("/controls/pause", r.handlePause)
	group.POST("/controls/resume", r.handleResume)
	group.POST("/controls/kill", r.handleKill)
	group.POST("/breaker/reset", r.handleBreakerReset)
	group.POST("/breaker/enabled", r.handleBreakerEnabled)
	group.POST("/risk/enabled", r.handleRiskEnabled)
	group.POST("/strategies/:id/enable", r.handleStrategyEnable)
	group.POST("/strategies/:id/disable", r.handleStrategyDisable)
	group.POST("/calendar/blackout", r.handleBlackout)

	group.POST("/ticks", r.handleTicks)
	group.POST("/venue/executions", r.handleExecution)
}

type operatorRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

type resetRequest struct {
	Operator     string `json:"operator"`
	Note         string `json:"note"`
	Acknowledged bool   `json:"acknowledged"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type blackoutRequest struct {
	On   *bool  `json:"on" binding:"required"`
	Note string `json:"note"`
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.console.Status())
}

func (r *Router) handlePositions(c *gin.Context) {
	positions := r.console.Positions()
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (r *Router) handlePnLToday(c *gin.Context) {
	c.JSON(http.StatusOK, r.console.PnLToday())
}

func (r *Router) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": r.console.Strategies()})
}

func (r *Router) handleBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, r.console.Breaker())
}

func (r *Router) handleFunnel(c *gin.Context) {
	c.JSON(http.StatusOK, r.console.Funnel())
}

func (r *Router) handleEvaluations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultEvaluationLimit)))
	if limit <= 0 {
		limit = defaultEvaluationLimit
	}
	if limit > maxEvaluationLimit {
		limit = maxEvaluationLimit
	}
	strategyID := strings.TrimSpace(c.Query("strategy"))
	evals := r.console.Evaluations(limit, strategyID)
	c.JSON(http.StatusOK, gin.H{"evaluations": evals, "limit": limit, "strategy": strategyID})
}

func (r *Router) handleOrders(c *gin.Context) {
	orders := r.console.Orders()
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (r *Router) handlePause(c *gin.Context) {
	var req operatorRequest
	if !bindOptional(c, &req) {
		return
	}
	r.console.Pause(req.Operator)
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (r *Router) handleResume(c *gin.Context) {
	var req operatorRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := r.console.Resume(c.Request.Context(), req.Operator); err != nil {
		respondError(c, "resume", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (r *Router) handleKill(c *gin.Context) {
	var req operatorRequest
	if !bindOptional(c, &req) {
		return
	}
	logger.Warnf("[api] kill switch requested ip=%s operator=%s reason=%s", c.ClientIP(), req.Operator, req.Reason)
	report, err := r.console.Kill(c.Request.Context(), req.Operator, req.Reason)
	if err != nil {
		logger.Errorf("[api] kill switch finished with errors: %v", err)
		c.JSON(http.StatusBadGateway, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (r *Router) handleBreakerReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.console.ResetBreaker(req.Operator, req.Note, req.Acknowledged); err != nil {
		respondError(c, "breaker reset", err)
		return
	}
	c.JSON(http.StatusOK, r.console.Breaker())
}

func (r *Router) handleBreakerEnabled(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.console.SetBreakerEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (r *Router) handleRiskEnabled(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := r.console.SetRiskEnabled(c.Request.Context(), *req.Enabled); err != nil {
		respondError(c, "risk toggle", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
}

func (r *Router) handleStrategyEnable(c *gin.Context) {
	var req operatorRequest
	if !bindOptional(c, &req) {
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if err := r.console.EnableStrategy(id, req.Operator); err != nil {
		respondError(c, "enable strategy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": true})
}

func (r *Router) handleStrategyDisable(c *gin.Context) {
	var req operatorRequest
	if !bindOptional(c, &req) {
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	if err := r.console.DisableStrategy(id, req.Reason); err != nil {
		respondError(c, "disable strategy", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": false})
}

func (r *Router) handleBlackout(c *gin.Context) {
	var req blackoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.console.SetBlackout(*req.On, req.Note)
	c.JSON(http.StatusOK, gin.H{"blackout": *req.On, "note": req.Note})
}

// handleTicks 接受单个 tick 或 tick 数组。
func (r *Router) handleTicks(c *gin.Context) {
	if r.ticks == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tick feed not configured"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !gjson.ValidBytes(raw) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed json"})
		return
	}
	var ticks []types.MarketTick
	if gjson.ParseBytes(raw).IsArray() {
		err = json.Unmarshal(raw, &ticks)
	} else {
		var tick types.MarketTick
		err = json.Unmarshal(raw, &tick)
		ticks = append(ticks, tick)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	accepted := 0
	for _, tick := range ticks {
		if err := r.ticks.Dispatch(c.Request.Context(), tick); err != nil {
			respondError(c, "dispatch tick", err)
			return
		}
		accepted++
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (r *Router) handleExecution(c *gin.Context) {
	if r.webhook == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "venue webhook not configured"})
		return
	}
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rep, err := r.webhook.HandleWebhook(raw)
	if err != nil {
		respondError(c, "venue webhook", err)
		return
	}
	logger.Infof("[api] venue execution ip=%s order=%s kind=%s cum=%d", c.ClientIP(), rep.ClientOrderID, rep.Kind, rep.CumQty)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "client_order_id": rep.ClientOrderID})
}

// bindOptional 允许空 body。
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func respondError(c *gin.Context, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Errorf("[api] %s failed ip=%s err=%v", op, c.ClientIP(), err)
	} else {
		logger.Warnf("[api] %s rejected ip=%s err=%v", op, c.ClientIP(), err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownStrategy):
		return http.StatusNotFound
	case errors.Is(err, breaker.ErrOperatorRequired),
		errors.Is(err, breaker.ErrAcknowledgementRequired),
		errors.Is(err, health.ErrOperatorRequired),
		errors.Is(err, pipeline.ErrInvalidTick),
		errors.Is(err, rest.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
