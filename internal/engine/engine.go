// Package engine 是操作员的控制与查询入口，控制命令直达熔断器、风控与路由，不经过流水线 worker。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/calendar"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/logger"
	"tradegate/internal/notifier"
	"tradegate/internal/pipeline"
	"tradegate/internal/risk"
	"tradegate/internal/router"
	"tradegate/internal/strategy"
	"tradegate/internal/types"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

type Deps struct {
	Pipeline   *pipeline.Pipeline
	Gate       *risk.Gate
	Router     *router.Router
	Breaker    *breaker.Breaker
	Health     *health.Monitor
	Calendar   *calendar.Calendar
	Funnel     *funnel.Funnel
	Strategies *strategy.Registry
	Notifier   notifier.TextNotifier
	Now        func() time.Time
}

type Engine struct {
	deps Deps

	mu       sync.Mutex
	killed   bool
	killedAt time.Time
	killedBy string
}

func New(deps Deps) *Engine {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	return &Engine{deps: deps}
}

// Pause 停止评估新 tick；已有订单与持仓不受影响。
func (e *Engine) Pause(operator string) {
	e.deps.Pipeline.Pause()
	logger.Warnf("engine: trading paused by %s", nonEmpty(operator))
}

// Resume 恢复评估；若此前触发过 kill switch，同时解除入场封锁。
func (e *Engine) Resume(ctx context.Context, operator string) error {
	e.mu.Lock()
	wasKilled := e.killed
	e.mu.Unlock()
	if wasKilled {
		if err := e.deps.Gate.SetEntriesBlocked(ctx, false); err != nil {
			return fmt.Errorf("unblock entries: %w", err)
		}
		e.mu.Lock()
		e.killed = false
		e.killedAt = time.Time{}
		e.killedBy = ""
		e.mu.Unlock()
	}
	e.deps.Pipeline.Resume()
	logger.Infof("engine: trading resumed by %s", nonEmpty(operator))
	return nil
}

// KillReport 是一次 kill switch 的结果。
type KillReport struct {
	At       time.Time     `json:"at"`
	Operator string        `json:"operator"`
	Reason   string        `json:"reason,omitempty"`
	Exits    []types.Order `json:"exits"`
	Errors   []string      `json:"errors,omitempty"`
}

// Kill 暂停流水线、封锁入场、撤销所有在途订单并对所有持仓发出市价平仓。
// 每一步失败都不会阻止后续步骤。
func (e *Engine) Kill(ctx context.Context, operator, reason string) (KillReport, error) {
	now := e.deps.Now()
	report := KillReport{At: now, Operator: nonEmpty(operator), Reason: strings.TrimSpace(reason)}
	e.deps.Pipeline.Pause()
	e.mu.Lock()
	e.killed = true
	e.killedAt = now
	e.killedBy = report.Operator
	e.mu.Unlock()

	var errs []error
	if err := e.deps.Gate.SetEntriesBlocked(ctx, true); err != nil {
		errs = append(errs, fmt.Errorf("block entries: %w", err))
	}
	if err := e.deps.Router.CancelAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cancel orders: %w", err))
	}
	exits, err := e.deps.Router.Flatten(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("flatten: %w", err))
	}
	report.Exits = exits
	for _, err := range errs {
		report.Errors = append(report.Errors, err.Error())
	}
	logger.Errorf("engine: KILL SWITCH by %s (%s): %d exit orders, %d errors", report.Operator, report.Reason, len(exits), len(errs))
	e.alert(notifier.Message{
		Icon:  "🛑",
		Title: "Kill switch activated",
		Sections: []notifier.Section{{Lines: []string{
			"operator: " + report.Operator,
			"reason: " + report.Reason,
			fmt.Sprintf("exit orders: %d", len(exits)),
		}}, {Title: "Errors", Lines: report.Errors}},
		Timestamp: now,
	})
	return report, errors.Join(errs...)
}

// ResetBreaker 是熔断器回到 normal 的唯一路径。
func (e *Engine) ResetBreaker(operator, note string, acknowledged bool) error {
	capital := e.deps.Gate.Snapshot().Account.Capital
	return e.deps.Breaker.Reset(operator, note, acknowledged, e.deps.Now(), capital)
}

func (e *Engine) SetBreakerEnabled(enabled bool) {
	e.deps.Breaker.SetEnabled(enabled, e.deps.Now())
	logger.Warnf("engine: circuit breaker enabled=%v", enabled)
}

func (e *Engine) SetRiskEnabled(ctx context.Context, enabled bool) error {
	return e.deps.Gate.SetLimitsEnabled(ctx, enabled)
}

func (e *Engine) EnableStrategy(id, operator string) error {
	if _, ok := e.deps.Strategies.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return e.deps.Health.Enable(id, operator, e.deps.Now())
}

func (e *Engine) DisableStrategy(id, reason string) error {
	if _, ok := e.deps.Strategies.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	e.deps.Health.Disable(id, reason, e.deps.Now())
	return nil
}

// SetBlackout 手动打开/关闭禁止交易窗口。
func (e *Engine) SetBlackout(on bool, note string) {
	e.deps.Calendar.SetManualBlackout(on, note, e.deps.Now())
}

// Status 汇总运行状态。
type Status struct {
	At             time.Time             `json:"at"`
	Paused         bool                  `json:"paused"`
	Killed         bool                  `json:"killed"`
	KilledAt       *time.Time            `json:"killed_at,omitempty"`
	KilledBy       string                `json:"killed_by,omitempty"`
	Breaker        breaker.Level         `json:"breaker_level"`
	BreakerEnabled bool                  `json:"breaker_enabled"`
	LimitsEnabled  bool                  `json:"limits_enabled"`
	EntriesBlocked bool                  `json:"entries_blocked"`
	Blackout       bool                  `json:"manual_blackout"`
	VenueBreaker   string                `json:"venue_breaker"`
	Account        types.AccountSnapshot `json:"account"`
	TradesToday    int                   `json:"trades_today"`
}

func (e *Engine) Status() Status {
	rs := e.deps.Gate.Snapshot()
	bs := e.deps.Breaker.Snapshot()
	blackout, _, _ := e.deps.Calendar.ManualBlackout()
	st := Status{
		At:             e.deps.Now(),
		Paused:         e.deps.Pipeline.Paused(),
		Breaker:        bs.Level,
		BreakerEnabled: bs.Enabled,
		LimitsEnabled:  rs.LimitsEnabled,
		EntriesBlocked: rs.EntriesBlocked,
		Blackout:       blackout,
		VenueBreaker:   e.deps.Router.BreakerState(),
		Account:        rs.Account,
		TradesToday:    rs.TradesToday,
	}
	e.mu.Lock()
	if e.killed {
		at := e.killedAt
		st.Killed = true
		st.KilledAt = &at
		st.KilledBy = e.killedBy
	}
	e.mu.Unlock()
	return st
}

// Position 是带最新价的持仓视图。
type Position struct {
	types.Trade
	OpenQty    int64   `json:"open_qty"`
	Mark       float64 `json:"mark"`
	Unrealized float64 `json:"unrealized_pnl"`
	HeldFor    string  `json:"held_for"`
}

func (e *Engine) Positions() []Position {
	marks := e.deps.Gate.Snapshot().Marks
	now := e.deps.Now()
	trades := e.deps.Router.OpenTrades()
	out := make([]Position, 0, len(trades))
	for _, t := range trades {
		mark := marks[t.Symbol]
		if mark <= 0 {
			mark = t.EntryPrice
		}
		out = append(out, Position{
			Trade:      t,
			OpenQty:    t.OpenQty(),
			Mark:       mark,
			Unrealized: t.Unrealized(mark),
			HeldFor:    t.HoldingDuration(now).Truncate(time.Second).String(),
		})
	}
	return out
}

// PnL 是当日盈亏汇总。
type PnL struct {
	Day          string        `json:"day"`
	Realized     float64       `json:"realized"`
	Unrealized   float64       `json:"unrealized"`
	Total        float64       `json:"total"`
	DayBase      float64       `json:"day_base"`
	Capital      float64       `json:"capital"`
	TradesClosed int           `json:"trades_closed"`
	Wins         int           `json:"wins"`
	Losses       int           `json:"losses"`
	Entries      int           `json:"entries"`
	Closed       []types.Trade `json:"closed"`
}

func (e *Engine) PnLToday() PnL {
	now := e.deps.Now()
	day := e.deps.Calendar.TradingDay(now)
	rs := e.deps.Gate.Snapshot()
	bs := e.deps.Breaker.Snapshot()
	out := PnL{
		Day:        day.Format("2006-01-02"),
		Unrealized: rs.Account.UnrealizedPnL,
		DayBase:    bs.Day.Base,
		Capital:    rs.Account.Capital,
		Entries:    rs.TradesToday,
		Closed:     e.deps.Router.ClosedTrades(day),
	}
	for _, t := range out.Closed {
		if t.RealizedPnL == nil {
			continue
		}
		pnl := *t.RealizedPnL
		out.Realized += pnl
		switch {
		case pnl > 0:
			out.Wins++
		case pnl < 0:
			out.Losses++
		}
	}
	out.TradesClosed = len(out.Closed)
	out.Total = out.Realized + out.Unrealized
	return out
}

// StrategyView 合并策略参数与健康状态。
type StrategyView struct {
	ID          string               `json:"id"`
	Kind        string               `json:"kind"`
	Symbols     []string             `json:"symbols"`
	Params      strategy.Params      `json:"params"`
	State       health.StrategyState `json:"state"`
	WinRate     float64              `json:"win_rate"`
	TradesToday int                  `json:"trades_today"`
	Funnel      *funnel.Counts       `json:"funnel,omitempty"`
}

func (e *Engine) Strategies() []StrategyView {
	states := make(map[string]health.StrategyState)
	for _, st := range e.deps.Health.Snapshot() {
		states[st.StrategyID] = st
	}
	today := e.deps.Gate.Snapshot().StrategyTrades
	fs := e.deps.Funnel.Snapshot()
	all := e.deps.Strategies.All()
	out := make([]StrategyView, 0, len(all))
	for _, s := range all {
		st, ok := states[s.ID()]
		if !ok {
			st = health.StrategyState{StrategyID: s.ID(), Enabled: true}
		}
		view := StrategyView{
			ID:          s.ID(),
			Kind:        s.Kind(),
			Symbols:     s.Symbols(),
			Params:      s.Params(),
			State:       st,
			WinRate:     st.WinRate(),
			TradesToday: today[s.ID()],
		}
		if c, ok := fs.ByStrategy[s.ID()]; ok {
			view.Funnel = &c
		}
		out = append(out, view)
	}
	return out
}

func (e *Engine) Breaker() breaker.State { return e.deps.Breaker.Snapshot() }

func (e *Engine) Funnel() funnel.Snapshot { return e.deps.Funnel.Snapshot() }

func (e *Engine) Evaluations(limit int, strategyID string) []funnel.Evaluation {
	return e.deps.Funnel.Recent(limit, strings.TrimSpace(strategyID))
}

// Orders 返回路由簿中的订单，最新的在前。
func (e *Engine) Orders() []types.Order {
	orders := e.deps.Router.Orders()
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders
}

func (e *Engine) Risk() risk.Snapshot { return e.deps.Gate.Snapshot() }

// OrderChanged 与 TradeChanged 不需要处理；Engine 只关心平仓。
func (e *Engine) OrderChanged(types.OrderState, types.Order) {}

func (e *Engine) TradeChanged(types.Trade) {}

// TradeClosed 把平仓结果送入健康监控与熔断器。
func (e *Engine) TradeClosed(t types.Trade) {
	if err := e.deps.Health.RecordTrade(t); err != nil {
		logger.Errorf("engine: record trade %s for %s failed: %v", t.ID, t.StrategyID, err)
	}
	if t.RealizedPnL == nil || t.ExitTime == nil {
		return
	}
	unrealized := e.deps.Gate.Snapshot().Account.UnrealizedPnL
	level := e.deps.Breaker.TradeClosed(*t.RealizedPnL, unrealized, *t.ExitTime)
	logger.Infof("engine: trade %s %s %s closed pnl=%.2f breaker=%s", t.ID, t.StrategyID, t.Symbol, *t.RealizedPnL, level)
}

// BreakerEvent 对熔断跳变发出告警。
func (e *Engine) BreakerEvent(evt breaker.Event) {
	if evt.Kind != breaker.EventTrip {
		return
	}
	e.alert(notifier.Message{
		Icon:  "⚠️",
		Title: "Circuit breaker tripped",
		Sections: []notifier.Section{{Lines: []string{
			fmt.Sprintf("level: %s -> %s", evt.From, evt.To),
			fmt.Sprintf("pnl: %.2f limit: %.2f", evt.PnL, evt.Limit),
		}}},
		Footer:    "entries are blocked until reset",
		Timestamp: evt.At,
	})
}

// StrategyDisabled 对策略自动停用发出告警。
func (e *Engine) StrategyDisabled(st health.StrategyState) {
	at := e.deps.Now()
	if st.DisabledAt != nil {
		at = *st.DisabledAt
	}
	e.alert(notifier.Message{
		Icon:  "⛔",
		Title: "Strategy disabled: " + st.StrategyID,
		Sections: []notifier.Section{{Lines: []string{
			"reason: " + st.DisabledReason,
			fmt.Sprintf("consecutive losses: %d", st.ConsecutiveLosses),
			fmt.Sprintf("win rate: %.1f%%", st.WinRate()*100),
		}}},
		Footer:    "re-enable requires an operator",
		Timestamp: at,
	})
}

func (e *Engine) alert(msg notifier.Message) {
	if err := e.deps.Notifier.SendText(msg.Markdown()); err != nil {
		logger.Warnf("engine: alert %q not sent: %v", msg.Title, err)
	}
}

func nonEmpty(operator string) string {
	if s := strings.TrimSpace(operator); s != "" {
		return s
	}
	return "unknown"
}
