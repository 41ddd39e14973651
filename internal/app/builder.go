package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/calendar"
	"tradegate/internal/config"
	"tradegate/internal/engine"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/logger"
	"tradegate/internal/market"
	"tradegate/internal/notifier"
	"tradegate/internal/pipeline"
	"tradegate/internal/risk"
	"tradegate/internal/router"
	"tradegate/internal/store"
	"tradegate/internal/strategy"
	apihttp "tradegate/internal/transport/http/api"
	"tradegate/internal/types"
	"tradegate/internal/venue"
	"tradegate/internal/venue/paper"
	"tradegate/internal/venue/rest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const alertQueueSize = 64

// venueBundle 是交易场所及其可选的具体实现（paper 需要行情 mark，rest 需要 webhook）。
type venueBundle struct {
	venue venue.Venue
	paper *paper.Venue
	rest  *rest.Client
}

type AppBuilder struct {
	cfg *config.Config
	now func() time.Time

	storeFn    func(path string) (*store.Store, error)
	venueFn    func(config.VenueConfig) (venueBundle, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	withHTTP   bool
}

type AppBuilderOption func(*AppBuilder)

// WithClock 替换整个应用的时钟（测试用）。
func WithClock(now func() time.Time) AppBuilderOption {
	return func(b *AppBuilder) { b.now = now }
}

// WithNotifier 替换告警通道。
func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

// WithoutHTTP 不构建 HTTP 服务。
func WithoutHTTP() AppBuilderOption {
	return func(b *AppBuilder) { b.withHTTP = false }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		now:        time.Now,
		storeFn:    store.Open,
		venueFn:    buildVenue,
		notifierFn: notifier.New,
		withHTTP:   true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildVenue(cfg config.VenueConfig) (venueBundle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "paper":
		p := paper.New(cfg.Paper)
		return venueBundle{venue: p, paper: p}, nil
	case "rest":
		c, err := rest.NewClient(cfg)
		if err != nil {
			return venueBundle{}, err
		}
		return venueBundle{venue: c, rest: c}, nil
	default:
		return venueBundle{}, fmt.Errorf("unknown venue kind %q", cfg.Kind)
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	cal, blackouts, err := buildCalendar(cfg.Calendar)
	if err != nil {
		return nil, err
	}
	registry, err := strategy.FromConfig(cfg.Strategies)
	if err != nil {
		return nil, fmt.Errorf("build strategies: %w", err)
	}
	logger.Infof("✓ 已加载 %d 个策略: %v", len(registry.IDs()), registry.IDs())

	dayKey := func(t time.Time) string { return cal.TradingDay(t).Format("2006-01-02") }
	monitor := health.New(cfg.Health, dayKey)
	monitor.Register(registry.IDs()...)
	brk := breaker.New(cfg.Breaker, cal.TradingDay)

	gate := risk.NewGate(risk.LimitsFromConfig(cfg), risk.Deps{
		Health:  monitor,
		Breaker: brk,
		Hours:   cal,
		Now:     b.now,
		DayOf:   cal.TradingDay,
	})
	gate.Start()
	a := &App{cfg: cfg, calendar: cal, gate: gate, breaker: brk, health: monitor}
	fail := func(err error) (*App, error) {
		a.Close()
		return nil, err
	}

	vb, err := b.venueFn(cfg.Venue)
	if err != nil {
		return fail(fmt.Errorf("build venue: %w", err))
	}
	settings := router.SettingsFromConfig(cfg.Router)
	settings.Now = b.now
	a.router = router.New(settings, vb.venue, gate)

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.funnel = funnel.New(cfg.Funnel, metrics)

	if a.store, err = b.storeFn(cfg.Store.Path); err != nil {
		return fail(err)
	}
	a.writer = store.NewWriter(a.store, cfg.Store.WriteBufferSize)
	a.alerts = notifier.NewAsync(b.notifierFn(cfg.Notify), alertQueueSize)

	a.pipeline = pipeline.New(cfg.Pipeline, pipeline.Deps{
		Hours:      cal,
		Book:       market.NewBook(cfg.Pipeline.MaxBars),
		Strategies: registry,
		Gate:       gate,
		Router:     a.router,
		Health:     monitor,
		Sessions:   brk,
		Funnel:     a.funnel,
		Snapshots:  a.writer,
		Now:        b.now,
	})
	a.engine = engine.New(engine.Deps{
		Pipeline:   a.pipeline,
		Gate:       gate,
		Router:     a.router,
		Breaker:    brk,
		Health:     monitor,
		Calendar:   cal,
		Funnel:     a.funnel,
		Strategies: registry,
		Notifier:   a.alerts,
		Now:        b.now,
	})
	a.wire(vb)

	if err := a.rehydrate(ctx, b.now()); err != nil {
		return fail(err)
	}

	if b.withHTTP {
		scfg := apihttp.ServerConfig{
			Addr:    cfg.App.HTTPAddr,
			APIKey:  cfg.App.APIKey,
			Console: a.engine,
			Ticks:   a.pipeline,
			Metrics: metrics,
		}
		if vb.rest != nil {
			scfg.Webhook = vb.rest
		}
		if a.http, err = apihttp.NewServer(scfg); err != nil {
			return fail(err)
		}
	}

	a.Summary = buildSummary(cfg, registry, blackouts, vb)
	return a, nil
}

func buildCalendar(cfg config.CalendarConfig) (*calendar.Calendar, *calendar.BlackoutRegistry, error) {
	var (
		src       calendar.BlackoutSource
		blackouts *calendar.BlackoutRegistry
	)
	if path := strings.TrimSpace(cfg.BlackoutFile); path != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		if blackouts, err = calendar.NewBlackoutRegistry(path, loc); err != nil {
			return nil, nil, err
		}
		src = blackouts
	}
	cal, err := calendar.New(cfg, src)
	if err != nil {
		return nil, nil, err
	}
	return cal, blackouts, nil
}

// wire 连接组件间的回调：路由事件扇出到漏斗、持久化与 engine，熔断/健康事件落库并告警。
func (a *App) wire(vb venueBundle) {
	a.router.AddListener(a.funnel)
	a.router.AddListener(a.writer)
	a.router.AddListener(a.engine)

	a.breaker.SetEventHandler(func(evt breaker.Event) {
		a.writer.BreakerEvent(evt)
		a.engine.BreakerEvent(evt)
	})
	a.breaker.SetChangeHandler(a.writer.BreakerChanged)
	a.health.SetChangeHandler(a.writer.StrategyChanged)
	a.health.SetDisableHandler(a.engine.StrategyDisabled)

	gate := a.gate
	a.router.SetMarkSource(func(symbol string) float64 {
		return gate.Snapshot().Marks[symbol]
	})
	if vb.paper != nil {
		p := vb.paper
		a.pipeline.OnTick(func(t types.MarketTick) { p.Mark(t.Symbol, t.Close) })
	}
}

// rehydrate 必须在流水线启动前完成：账本、交易簿、策略健康、熔断状态，以及当日的漏斗计数。
func (a *App) rehydrate(ctx context.Context, now time.Time) error {
	day := a.calendar.TradingDay(now)
	rs, err := a.store.Rehydrate(ctx, day)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	if err := a.gate.Restore(ctx, risk.RestoreState{
		Trades:         rs.OpenTrades,
		Orders:         rs.LiveOrders,
		RealizedPnL:    rs.RealizedPnL,
		Day:            day,
		TradesToday:    rs.TradesToday,
		StrategyTrades: rs.StrategyTrades,
	}); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	a.router.Restore(rs.OpenTrades, rs.LiveOrders)
	if len(rs.Strategies) > 0 {
		a.health.Restore(rs.Strategies)
	}
	if rs.Breaker != nil {
		a.breaker.Restore(*rs.Breaker)
	}
	a.breaker.RollSession(now, a.gate.Snapshot().Account.Capital)
	if rs.Funnel != nil && a.calendar.TradingDay(rs.Funnel.At).Equal(day) {
		a.funnel.Restore(*rs.Funnel)
	}
	logger.Infof("✓ 状态恢复完成: open_trades=%d live_orders=%d trades_today=%d breaker=%s",
		len(rs.OpenTrades), len(rs.LiveOrders), rs.TradesToday, a.breaker.Level())
	return nil
}
