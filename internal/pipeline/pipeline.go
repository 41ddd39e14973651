// Package pipeline 把行情按 symbol 分片串行处理：日历门控、快照、策略评估、风控准入与下单。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/calendar"
	"tradegate/internal/config"
	"tradegate/internal/funnel"
	"tradegate/internal/logger"
	"tradegate/internal/market"
	"tradegate/internal/risk"
	"tradegate/internal/strategy"
	"tradegate/internal/types"

	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidTick    = errors.New("invalid market tick")
	ErrStopped        = errors.New("pipeline stopped")
	ErrAlreadyRunning = errors.New("pipeline already running")
)

const dayKeyLayout = "2006-01-02"

// Admitter 是风控准入与账本的视图。
type Admitter interface {
	Admit(ctx context.Context, sig types.Signal) (risk.Decision, error)
	Release(ctx context.Context, orderID string) error
	ExitAborted(ctx context.Context, tradeID string) error
	Mark(ctx context.Context, symbol string, price float64) (float64, error)
	RollDay(ctx context.Context, now time.Time) (bool, error)
	Snapshot() risk.Snapshot
}

// OrderRouter 负责把准入后的订单送到交易场所。
type OrderRouter interface {
	Submit(ctx context.Context, o types.Order) error
	OpenTrades() []types.Trade
	Reconcile(ctx context.Context) (int, error)
	Prune(before time.Time) int
}

type Hours interface {
	Eligible(t time.Time) calendar.Eligibility
	TradingDay(t time.Time) time.Time
	MinuteOfDay(t time.Time) int
}

type HealthView interface {
	Enabled(id string) bool
}

// SessionRoller 是熔断器在时钟驱动下需要的两个入口。
type SessionRoller interface {
	RollSession(now time.Time, capital float64)
	RefreshUnrealized(total float64, at time.Time) breaker.Level
}

type SnapshotSink interface {
	FunnelSnapshot(day string, snap funnel.Snapshot)
}

// Deps 中 Sessions/Snapshots 可以为 nil。
type Deps struct {
	Hours      Hours
	Book       *market.Book
	Strategies *strategy.Registry
	Gate       Admitter
	Router     OrderRouter
	Health     HealthView
	Sessions   SessionRoller
	Funnel     *funnel.Funnel
	Snapshots  SnapshotSink
	Now        func() time.Time
}

type Pipeline struct {
	deps     Deps
	log      *slog.Logger
	minBars  int
	interval time.Duration

	shards  []chan types.MarketTick
	control chan time.Time
	done    chan struct{}
	running atomic.Bool
	paused  atomic.Bool

	obsMu     sync.RWMutex
	observers []func(types.MarketTick)
}

func New(cfg config.PipelineConfig, deps Deps) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 256
	}
	interval := time.Duration(cfg.ClockIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	p := &Pipeline{
		deps:     deps,
		log:      logger.With("pipeline"),
		minBars:  cfg.MinBars,
		interval: interval,
		shards:   make([]chan types.MarketTick, workers),
		control:  make(chan time.Time, 1),
		done:     make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = make(chan types.MarketTick, buffer)
	}
	return p
}

// OnTick 注册行情观察者（例如 paper venue 的最新价），需在 Run 之前调用。
func (p *Pipeline) OnTick(fn func(types.MarketTick)) {
	if fn == nil {
		return
	}
	p.obsMu.Lock()
	p.observers = append(p.observers, fn)
	p.obsMu.Unlock()
}

func (p *Pipeline) Pause() {
	if !p.paused.Swap(true) {
		logger.Warnf("pipeline: trading paused")
	}
}

func (p *Pipeline) Resume() {
	if p.paused.Swap(false) {
		logger.Infof("pipeline: trading resumed")
	}
}

func (p *Pipeline) Paused() bool { return p.paused.Load() }

// Dispatch 把 tick 投递到 symbol 对应的分片；同一 symbol 按到达顺序处理。
func (p *Pipeline) Dispatch(ctx context.Context, tick types.MarketTick) error {
	tick.Symbol = strings.ToUpper(strings.TrimSpace(tick.Symbol))
	if tick.Symbol == "" || tick.Time.IsZero() || tick.Close <= 0 {
		return fmt.Errorf("%w: symbol=%q time=%s close=%v", ErrInvalidTick, tick.Symbol, tick.Time, tick.Close)
	}
	ch := p.shards[shardOf(tick.Symbol, len(p.shards))]
	select {
	case <-p.done:
		return ErrStopped
	default:
	}
	select {
	case ch <- tick:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clock 把时钟 tick 送入控制 worker。
func (p *Pipeline) Clock(ctx context.Context, now time.Time) error {
	select {
	case p.control <- now:
		return nil
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 启动分片 worker、控制 worker 与时钟，阻塞到 ctx 结束。
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(p.done)
	group, runCtx := errgroup.WithContext(ctx)
	for i, ch := range p.shards {
		i, ch := i, ch
		group.Go(func() error {
			p.work(runCtx, i, ch)
			return nil
		})
	}
	group.Go(func() error {
		p.controlLoop(runCtx)
		return nil
	})
	group.Go(func() error {
		p.clockLoop(runCtx)
		return nil
	})
	logger.Infof("pipeline started: workers=%d clock=%s", len(p.shards), p.interval)
	err := group.Wait()
	logger.Infof("pipeline stopped")
	return err
}

func (p *Pipeline) work(ctx context.Context, idx int, ch <-chan types.MarketTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ch:
			p.safeProcess(ctx, idx, tick)
		}
	}
}

func (p *Pipeline) safeProcess(ctx context.Context, idx int, tick types.MarketTick) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("tick dropped after panic", "shard", idx, "symbol", tick.Symbol, "time", tick.Time, "panic", r)
		}
	}()
	p.process(ctx, tick)
}

func (p *Pipeline) controlLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-p.control:
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.log.Error("clock tick dropped after panic", "at", now, "panic", r)
					}
				}()
				p.tickClock(ctx, now)
			}()
		}
	}
}

func (p *Pipeline) clockLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case p.control <- p.deps.Now():
			default:
				logger.Debugf("pipeline: clock tick skipped, previous tick still running")
			}
		}
	}
}

// process 是单个 tick 的完整处理流程，只在所属分片 worker 中调用。
func (p *Pipeline) process(ctx context.Context, tick types.MarketTick) {
	f := p.deps.Funnel
	f.Tick(tick.Time)

	elig := p.deps.Hours.Eligible(tick.Time)
	series := p.deps.Book.Series(tick.Symbol)
	series.Apply(tick, elig.Session, p.deps.Hours.TradingDay(tick.Time))
	p.notify(tick)
	if _, err := p.deps.Gate.Mark(ctx, tick.Symbol, tick.Close); err != nil {
		p.log.Warn("mark failed", "symbol", tick.Symbol, "error", err)
	}

	if p.Paused() {
		f.Skip(funnel.SkippedPaused)
		return
	}
	if !elig.OK {
		f.Skip(funnel.SkippedIneligible)
		logger.Debugf("pipeline: %s skipped at %s: %s", tick.Symbol, tick.Time.Format(time.RFC3339), elig.Reason)
		return
	}
	if series.Len() < p.minBars {
		f.Skip(funnel.SkippedNoData)
		return
	}
	snap := series.Snapshot(elig.Session, p.deps.Hours.MinuteOfDay(tick.Time))
	jobs := p.plan(tick.Symbol)
	if len(jobs) == 0 {
		return
	}
	results, err := p.evaluate(ctx, snap, jobs)
	if err != nil {
		p.log.Warn("evaluation aborted", "symbol", tick.Symbol, "error", err)
		return
	}
	for _, res := range results {
		p.forward(ctx, snap, res)
	}
}

// plan 先为每个持仓安排平仓评估，再为没有持仓且健康的策略安排入场评估，各自按注册顺序。
func (p *Pipeline) plan(symbol string) []job {
	strategies := p.deps.Strategies.ForSymbol(symbol)
	if len(strategies) == 0 {
		return nil
	}
	open := p.deps.Router.OpenTrades()
	holding := make(map[string]bool)
	jobs := make([]job, 0, len(strategies))
	for _, s := range strategies {
		for _, t := range open {
			t := t
			if t.StrategyID != s.ID() || !strings.EqualFold(t.Symbol, symbol) || t.OpenQty() <= 0 {
				continue
			}
			holding[s.ID()] = true
			if t.ExitOrderID != "" {
				continue
			}
			jobs = append(jobs, job{strategy: s, trade: &t})
		}
	}
	for _, s := range strategies {
		if holding[s.ID()] || !p.deps.Health.Enabled(s.ID()) {
			continue
		}
		jobs = append(jobs, job{strategy: s})
	}
	return jobs
}

// forward 记录评估结果，把信号交给风控并提交准入订单。
func (p *Pipeline) forward(ctx context.Context, snap market.Snapshot, res outcome) {
	f := p.deps.Funnel
	id := res.strategy.ID()
	ev := funnel.Evaluation{
		At:         snap.Time,
		StrategyID: id,
		Symbol:     snap.Symbol,
		Kind:       res.kind(),
		Price:      snap.Price,
		Context:    snapshotContext(snap),
	}
	switch {
	case res.err != nil:
		ev.Decision = funnel.DecisionFailed
		ev.Reason = res.err.Error()
		f.Record(ev)
		return
	case res.signal == nil:
		ev.Decision = funnel.DecisionNoSignal
		f.Record(ev)
		return
	}
	sig := *res.signal
	f.Count(id, funnel.SignalsGenerated)
	ev.Side = sig.Side
	ev.StopLoss = sig.StopLoss
	ev.TakeProfit = sig.TakeProfit
	ev.Rationale = sig.Rationale

	dec, err := p.deps.Gate.Admit(ctx, sig)
	if err != nil {
		ev.Decision = funnel.DecisionFailed
		ev.Reason = err.Error()
		f.Record(ev)
		if errors.Is(err, risk.ErrSignalConsumed) {
			logger.Debugf("pipeline: %s signal %s already consumed", id, sig.ID)
			return
		}
		p.log.Warn("admission failed", "strategy", id, "symbol", sig.Symbol, "signal", sig.ID, "error", err)
		return
	}
	if !dec.Accepted || dec.Order == nil {
		ev.Decision = funnel.DecisionRejected
		ev.Reason = string(dec.Reason)
		f.Blocked(id, dec.Reason)
		f.Record(ev)
		logger.Debugf("pipeline: %s", dec.String())
		return
	}
	order := *dec.Order
	ev.Decision = funnel.DecisionAccepted
	ev.Quantity = order.Quantity
	f.Record(ev)
	if err := p.deps.Router.Submit(ctx, order); err != nil {
		p.log.Error("submit failed after admission", "strategy", id, "symbol", order.Symbol, "order", order.ClientOrderID, "error", err)
		switch {
		case order.Kind == types.KindEntry:
			if rerr := p.deps.Gate.Release(ctx, order.ClientOrderID); rerr != nil {
				p.log.Error("release after failed submit", "order", order.ClientOrderID, "error", rerr)
			}
		case !errors.Is(err, types.ErrExitPending):
			// 另一张平仓单仍在途时保留账本上的在途标记
			if rerr := p.deps.Gate.ExitAborted(ctx, order.TradeID); rerr != nil {
				p.log.Error("exit abort after failed submit", "trade", order.TradeID, "error", rerr)
			}
		}
		return
	}
	p.log.Info("order admitted", "strategy", id, "symbol", order.Symbol, "kind", order.Kind, "side", order.Side, "qty", order.Quantity, "order", order.ClientOrderID)
}

// tickClock 处理交易日切换、浮动盈亏刷新、对账与漏斗快照落盘。
func (p *Pipeline) tickClock(ctx context.Context, now time.Time) {
	gate := p.deps.Gate
	before := gate.Snapshot()
	if p.deps.Sessions != nil {
		p.deps.Sessions.RollSession(now, before.Account.Capital)
	}
	rolled, err := gate.RollDay(ctx, now)
	if err != nil {
		p.log.Warn("roll day failed", "error", err)
	}
	day := p.deps.Hours.TradingDay(now)
	if rolled {
		if p.deps.Snapshots != nil && !before.Day.IsZero() {
			p.deps.Snapshots.FunnelSnapshot(before.Day.Format(dayKeyLayout), p.deps.Funnel.Snapshot())
		}
		p.deps.Funnel.Reset()
		pruned := p.deps.Router.Prune(day)
		logger.Infof("pipeline: trading day rolled to %s, pruned %d finished records", day.Format(dayKeyLayout), pruned)
	}
	if p.deps.Sessions != nil {
		acct := gate.Snapshot().Account
		p.deps.Sessions.RefreshUnrealized(acct.UnrealizedPnL, now)
	}
	if n, err := p.deps.Router.Reconcile(ctx); err != nil {
		p.log.Warn("reconcile sweep failed", "error", err)
	} else if n > 0 {
		logger.Infof("pipeline: reconcile resolved %d orders", n)
	}
	if p.deps.Snapshots != nil {
		p.deps.Snapshots.FunnelSnapshot(day.Format(dayKeyLayout), p.deps.Funnel.Snapshot())
	}
}

func (p *Pipeline) notify(tick types.MarketTick) {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	for _, fn := range p.observers {
		fn(tick)
	}
}

func shardOf(symbol string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// snapshotContext 摘取评估时的关键指标，为 0 的指标不记录。
func snapshotContext(snap market.Snapshot) map[string]float64 {
	out := map[string]float64{"bars": float64(snap.BarCount)}
	put := func(k string, v float64) {
		if v != 0 {
			out[k] = v
		}
	}
	put("volume", snap.Volume)
	put("rsi", snap.Ind.RSI)
	put("vwap", snap.Ind.VWAP)
	put("sma50", snap.Ind.SMA50)
	put("avg_volume", snap.Ind.AvgVolume)
	if snap.Ind.HasMACD {
		out["macd"] = snap.Ind.MACD
		out["macd_signal"] = snap.Ind.MACDSignal
	}
	put("gap_pct", snap.Day.GapPct())
	return out
}
