package health

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/logger"
	"tradegate/internal/types"
)

var (
	ErrTradeOpen        = errors.New("trade is still open")
	ErrOperatorRequired = errors.New("enable requires an operator")
)

// 自动停用原因。
const (
	ReasonConsecutiveLosses = "consecutive_losses"
	ReasonWinRate           = "win_rate"
	ReasonLosingDays        = "losing_days"
	ReasonProfitFactor      = "profit_factor"
	ReasonManual            = "manual"
)

// Outcome 是窗口中一笔已平仓交易的结果。
type Outcome struct {
	TradeID  string    `json:"trade_id"`
	PnL      float64   `json:"pnl"`
	ClosedAt time.Time `json:"closed_at"`
	Day      string    `json:"day"`
}

// StrategyState 由 Monitor 独占写入。
type StrategyState struct {
	StrategyID        string     `json:"strategy_id"`
	Enabled           bool       `json:"enabled"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	Window            []Outcome  `json:"window"`
	LosingDays        int        `json:"losing_days"`
	DisabledReason    string     `json:"disabled_reason,omitempty"`
	DisabledAt        *time.Time `json:"disabled_at,omitempty"`
	EnabledBy         string     `json:"enabled_by,omitempty"`
	Trades            int        `json:"trades"`
	Wins              int        `json:"wins"`
	Losses            int        `json:"losses"`
	GrossProfit       float64    `json:"gross_profit"`
	GrossLoss         float64    `json:"gross_loss"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// WinRate 按滚动窗口计算。
func (s StrategyState) WinRate() float64 {
	if len(s.Window) == 0 {
		return 0
	}
	wins := 0
	for _, o := range s.Window {
		if o.PnL > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(s.Window))
}

// ProfitFactor 按滚动窗口计算；没有亏损时返回 0 表示不可计算。
func (s StrategyState) ProfitFactor() float64 {
	var gain, loss float64
	for _, o := range s.Window {
		if o.PnL > 0 {
			gain += o.PnL
		} else {
			loss -= o.PnL
		}
	}
	if loss == 0 {
		return 0
	}
	return gain / loss
}

func (s StrategyState) clone() StrategyState {
	out := s
	out.Window = append([]Outcome(nil), s.Window...)
	if s.DisabledAt != nil {
		at := *s.DisabledAt
		out.DisabledAt = &at
	}
	return out
}

// Monitor 跟踪每个策略的滚动表现，表现不佳时自动停用。重新启用只能显式调用 Enable。
type Monitor struct {
	mu       sync.Mutex
	cfg      config.HealthConfig
	dayKey   func(time.Time) string
	states   map[string]*StrategyState
	snapshot atomic.Value

	onDisable func(StrategyState)
	onChange  func(StrategyState)
}

// New 创建 Monitor；dayKey 把平仓时间映射为交易日（用于统计亏损日）。
func New(cfg config.HealthConfig, dayKey func(time.Time) string) *Monitor {
	if dayKey == nil {
		dayKey = func(t time.Time) string { return t.Format("2006-01-02") }
	}
	m := &Monitor{cfg: cfg, dayKey: dayKey, states: make(map[string]*StrategyState)}
	m.publish()
	return m
}

func (m *Monitor) SetDisableHandler(fn func(StrategyState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisable = fn
}

// SetChangeHandler 用于持久化，同步调用。
func (m *Monitor) SetChangeHandler(fn func(StrategyState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Register 确保策略有状态记录（默认启用）。
func (m *Monitor) Register(ids ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.ensure(id)
	}
	m.publish()
}

// Restore 用持久化状态覆盖内存状态。
func (m *Monitor) Restore(states []StrategyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range states {
		cp := s.clone()
		m.states[s.StrategyID] = &cp
		if !cp.Enabled {
			logger.Warnf("strategy %s restored as disabled (%s)", cp.StrategyID, cp.DisabledReason)
		}
	}
	m.publish()
}

// Enabled 是风控闸门的快照读；未知策略视为启用。
func (m *Monitor) Enabled(id string) bool {
	snap, _ := m.snapshot.Load().(map[string]StrategyState)
	st, ok := snap[id]
	return !ok || st.Enabled
}

// Snapshot 返回所有策略状态（按 id 排序）。
func (m *Monitor) Snapshot() []StrategyState {
	snap, _ := m.snapshot.Load().(map[string]StrategyState)
	out := make([]StrategyState, 0, len(snap))
	for _, st := range snap {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategyID < out[j].StrategyID })
	return out
}

// State 返回单个策略状态。
func (m *Monitor) State(id string) (StrategyState, bool) {
	snap, _ := m.snapshot.Load().(map[string]StrategyState)
	st, ok := snap[id]
	return st.clone(), ok
}

// RecordTrade 只接受已平仓交易。
func (m *Monitor) RecordTrade(trade types.Trade) error {
	if trade.IsOpen() || trade.RealizedPnL == nil {
		return ErrTradeOpen
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(trade.StrategyID)
	pnl := *trade.RealizedPnL
	closedAt := *trade.ExitTime

	st.Window = append(st.Window, Outcome{TradeID: trade.ID, PnL: pnl, ClosedAt: closedAt, Day: m.dayKey(closedAt)})
	if size := m.cfg.WindowSize; size > 0 && len(st.Window) > size {
		st.Window = append([]Outcome(nil), st.Window[len(st.Window)-size:]...)
	}
	st.Trades++
	switch {
	case pnl > 0:
		st.Wins++
		st.GrossProfit += pnl
		st.ConsecutiveLosses = 0
	case pnl < 0:
		st.Losses++
		st.GrossLoss -= pnl
		st.ConsecutiveLosses++
	}
	st.LosingDays = losingDays(st.Window)
	st.UpdatedAt = closedAt

	if st.Enabled {
		if reason := m.verdict(*st); reason != "" {
			m.disable(st, reason, closedAt)
		}
	}
	m.commit(st)
	return nil
}

// Disable 手动停用策略。
func (m *Monitor) Disable(id, reason string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensure(id)
	if !st.Enabled {
		return
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonManual
	}
	m.disable(st, reason, now)
	m.commit(st)
}

// Enable 是唯一的重新启用路径，会清空窗口与连亏计数。
func (m *Monitor) Enable(id, operator string, now time.Time) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrOperatorRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("unknown strategy %q", id)
	}
	st.Enabled = true
	st.DisabledReason = ""
	st.DisabledAt = nil
	st.EnabledBy = operator
	st.ConsecutiveLosses = 0
	st.Window = nil
	st.LosingDays = 0
	st.UpdatedAt = now
	logger.Infof("strategy %s re-enabled by %s", id, operator)
	m.commit(st)
	return nil
}

func (m *Monitor) verdict(st StrategyState) string {
	if limit := m.cfg.MaxConsecutiveLosses; limit > 0 && st.ConsecutiveLosses >= limit {
		return ReasonConsecutiveLosses
	}
	enough := len(st.Window) >= m.cfg.MinTrades && m.cfg.MinTrades > 0
	if enough && st.WinRate() < m.cfg.MinWinRate {
		return ReasonWinRate
	}
	if limit := m.cfg.MaxLosingDays; limit > 0 && st.LosingDays >= limit {
		return ReasonLosingDays
	}
	if enough && m.cfg.MinProfitFactor > 0 {
		if pf := st.ProfitFactor(); pf > 0 && pf < m.cfg.MinProfitFactor {
			return ReasonProfitFactor
		}
	}
	return ""
}

func (m *Monitor) disable(st *StrategyState, reason string, at time.Time) {
	st.Enabled = false
	st.DisabledReason = reason
	ts := at
	st.DisabledAt = &ts
	logger.Warnf("strategy %s disabled: %s (consecutive=%d win_rate=%.2f losing_days=%d)",
		st.StrategyID, reason, st.ConsecutiveLosses, st.WinRate(), st.LosingDays)
	if m.onDisable != nil {
		go m.onDisable(st.clone())
	}
}

func (m *Monitor) ensure(id string) *StrategyState {
	st, ok := m.states[id]
	if !ok {
		st = &StrategyState{StrategyID: id, Enabled: true}
		m.states[id] = st
	}
	return st
}

func (m *Monitor) commit(st *StrategyState) {
	m.publish()
	if m.onChange != nil {
		m.onChange(st.clone())
	}
}

func (m *Monitor) publish() {
	out := make(map[string]StrategyState, len(m.states))
	for id, st := range m.states {
		out[id] = st.clone()
	}
	m.snapshot.Store(out)
}

// losingDays 统计窗口内净亏损的不同交易日数量。
func losingDays(window []Outcome) int {
	net := make(map[string]float64)
	for _, o := range window {
		net[o.Day] += o.PnL
	}
	n := 0
	for _, v := range net {
		if v < 0 {
			n++
		}
	}
	return n
}
