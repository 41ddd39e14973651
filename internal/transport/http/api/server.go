package apihttp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"tradegate/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 提供查询、控制、行情接入与执行回报 webhook。
type Server struct {
	addr   string
	router *gin.Engine
}

// ServerConfig 描述 HTTP 服务依赖；Ticks/Webhook/Metrics 可以为 nil。
// APIKey 非空时 /api 下的所有请求都必须携带 X-API-Key。
type ServerConfig struct {
	Addr    string
	APIKey  string
	Console Console
	Ticks   TickSink
	Webhook WebhookHandler
	Metrics prometheus.Gatherer
}

// NewServer 构建 HTTP server。
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Console == nil {
		return nil, errors.New("http server requires an engine console")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{})))
	}
	api := router.Group("/api")
	if cfg.APIKey != "" {
		api.Use(requireAPIKey(cfg.APIKey))
	} else {
		logger.Warnf("http api key not configured; /api is unauthenticated")
	}
	NewRouter(cfg.Console, cfg.Ticks, cfg.Webhook).Register(api)

	return &Server{addr: cfg.Addr, router: router}, nil
}

// APIKeyHeader 是 /api 鉴权使用的请求头。
const APIKeyHeader = "X-API-Key"

// requireAPIKey 缺少密钥返回 401，密钥错误返回 403。
func requireAPIKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := c.GetHeader(APIKeyHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + APIKeyHeader})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			logger.Warnf("HTTP %s %s rejected: bad api key ip=%s", c.Request.Method, c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// requestLogger 记录每个请求，控制类操作可据此追踪。
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		client := c.ClientIP()
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		if method != http.MethodGet && path != "/api/ticks" {
			logger.Infof("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
			return
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, client, dur)
	}
}

// Handler 暴露底层 http.Handler（测试用）。
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("http server listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
