package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tradegate/internal/breaker"
	"tradegate/internal/calendar"
	"tradegate/internal/config"
	"tradegate/internal/engine"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/logger"
	"tradegate/internal/notifier"
	"tradegate/internal/pipeline"
	"tradegate/internal/risk"
	"tradegate/internal/router"
	"tradegate/internal/store"
	apihttp "tradegate/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→恢复状态→启动流水线与 HTTP 服务。
type App struct {
	cfg *config.Config

	calendar *calendar.Calendar
	gate     *risk.Gate
	router   *router.Router
	breaker  *breaker.Breaker
	health   *health.Monitor
	funnel   *funnel.Funnel
	pipeline *pipeline.Pipeline
	engine   *engine.Engine
	store    *store.Store
	writer   *store.Writer
	alerts   *notifier.Async
	http     *apihttp.Server

	Summary *StartupSummary

	closeOnce sync.Once
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// Run 启动所有后台组件，直到 ctx 取消或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.writer.Run(ctx)
	})
	group.Go(func() error {
		return a.alerts.Run(ctx)
	})
	group.Go(func() error {
		if err := a.pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("pipeline error: %w", err)
		}
		return nil
	})
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close 停止风控 actor 与路由并关闭数据库。重复调用安全。
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		if a.router != nil {
			a.router.Close()
		}
		if a.gate != nil {
			a.gate.Stop()
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				logger.Warnf("close store failed: %v", err)
			}
		}
	})
}

// Engine 暴露控制面（供 CLI 与测试使用）。
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Pipeline 暴露流水线（供行情接入方直接 Dispatch）。
func (a *App) Pipeline() *pipeline.Pipeline {
	if a == nil {
		return nil
	}
	return a.pipeline
}
