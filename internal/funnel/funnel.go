// Package funnel 统计从 tick 到平仓的每一步漏斗数据，并镜像到 Prometheus。
package funnel

import (
	"sort"
	"strings"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/types"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

type Counter string

const (
	SkippedNoData     Counter = "skipped_no_data"
	SkippedIneligible Counter = "skipped_ineligible"
	SkippedPaused     Counter = "skipped_paused"
	SignalsGenerated  Counter = "signals_generated"
	Blocked           Counter = "blocked"
	OrdersSubmitted   Counter = "orders_submitted"
	OrdersFailed      Counter = "orders_failed"
	OrdersFilled      Counter = "orders_filled"
	TradesClosed      Counter = "trades_closed"
	TradesWon         Counter = "trades_won"
	TradesLost        Counter = "trades_lost"
)

// AllCounters 决定快照与指标的输出顺序。
var AllCounters = []Counter{
	SkippedNoData, SkippedIneligible, SkippedPaused, SignalsGenerated, Blocked,
	OrdersSubmitted, OrdersFailed, OrdersFilled, TradesClosed, TradesWon, TradesLost,
}

// 评估结论。
const (
	DecisionAccepted = "accepted"
	DecisionRejected = "rejected"
	DecisionNoSignal = "no_signal"
	DecisionFailed   = "failed"
)

const defaultRecentSize = 500

// Evaluation 记录一次策略评估（无论是否产生信号）。
type Evaluation struct {
	ID         string             `json:"id"`
	At         time.Time          `json:"at"`
	StrategyID string             `json:"strategy_id"`
	Symbol     string             `json:"symbol"`
	Kind       types.SignalKind   `json:"kind"`
	Decision   string             `json:"decision"`
	Reason     string             `json:"reason,omitempty"`
	Price      float64            `json:"price"`
	Context    map[string]float64 `json:"context,omitempty"`
	Side       types.Side         `json:"side,omitempty"`
	Quantity   int64              `json:"quantity,omitempty"`
	StopLoss   float64            `json:"stop_loss,omitempty"`
	TakeProfit float64            `json:"take_profit,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
}

// Counts 是一组漏斗计数。
type Counts struct {
	Counters   map[Counter]int64            `json:"counters"`
	Rejections map[types.RejectReason]int64 `json:"rejections"`
}

func newCounts() Counts {
	c := Counts{
		Counters:   make(map[Counter]int64, len(AllCounters)),
		Rejections: make(map[types.RejectReason]int64, len(types.AllRejectReasons)),
	}
	for _, k := range AllCounters {
		c.Counters[k] = 0
	}
	for _, r := range types.AllRejectReasons {
		c.Rejections[r] = 0
	}
	return c
}

func (c Counts) clone() Counts {
	out := Counts{
		Counters:   make(map[Counter]int64, len(c.Counters)),
		Rejections: make(map[types.RejectReason]int64, len(c.Rejections)),
	}
	for k, v := range c.Counters {
		out.Counters[k] = v
	}
	for k, v := range c.Rejections {
		out.Rejections[k] = v
	}
	return out
}

// Snapshot 是可持久化的漏斗状态。
type Snapshot struct {
	At          time.Time         `json:"at"`
	Total       Counts            `json:"total"`
	ByStrategy  map[string]Counts `json:"by_strategy"`
	Evaluations map[string]int64  `json:"evaluations"`
	Ticks       int64             `json:"ticks"`
	LastTickAt  time.Time         `json:"last_tick_at"`
}

// Funnel 是并发安全的漏斗计数器。
type Funnel struct {
	mu          sync.Mutex
	total       Counts
	byStrategy  map[string]Counts
	evaluations map[string]int64
	ticks       int64
	lastTick    time.Time

	recent []Evaluation
	next   int
	filled bool

	metrics *Metrics
	now     func() time.Time
}

// New 创建漏斗；reg 为 nil 时不注册 Prometheus 指标。
func New(cfg config.FunnelConfig, reg prometheus.Registerer) *Funnel {
	size := cfg.RecentSize
	if size <= 0 {
		size = defaultRecentSize
	}
	f := &Funnel{
		total:       newCounts(),
		byStrategy:  make(map[string]Counts),
		evaluations: make(map[string]int64),
		recent:      make([]Evaluation, size),
		now:         time.Now,
	}
	if reg != nil {
		f.metrics = NewMetrics(cfg.Namespace)
		f.metrics.MustRegister(reg)
	}
	return f
}

func (f *Funnel) strategyCounts(id string) Counts {
	c, ok := f.byStrategy[id]
	if !ok {
		c = newCounts()
		f.byStrategy[id] = c
	}
	return c
}

// Tick 记录收到的行情。
func (f *Funnel) Tick(at time.Time) {
	f.mu.Lock()
	f.ticks++
	if at.After(f.lastTick) {
		f.lastTick = at
	}
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.Ticks.Inc()
	}
}

// Skip 记录 tick 级别的跳过（不属于任何策略）。
func (f *Funnel) Skip(c Counter) {
	f.Count("", c)
}

// Count 递增全局计数，strategyID 非空时同时递增策略计数。
func (f *Funnel) Count(strategyID string, c Counter) {
	f.mu.Lock()
	f.total.Counters[c]++
	if strategyID != "" {
		f.strategyCounts(strategyID).Counters[c]++
	}
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.Events.WithLabelValues(string(c), strategyLabel(strategyID)).Inc()
	}
}

// Blocked 记录一次风控拒单。
func (f *Funnel) Blocked(strategyID string, reason types.RejectReason) {
	f.mu.Lock()
	f.total.Counters[Blocked]++
	f.total.Rejections[reason]++
	if strategyID != "" {
		sc := f.strategyCounts(strategyID)
		sc.Counters[Blocked]++
		sc.Rejections[reason]++
	}
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.Events.WithLabelValues(string(Blocked), strategyLabel(strategyID)).Inc()
		f.metrics.Rejections.WithLabelValues(string(reason), strategyLabel(strategyID)).Inc()
	}
}

// Record 把一次评估写入最近评估环形缓冲。
func (f *Funnel) Record(ev Evaluation) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = f.now()
	}
	f.mu.Lock()
	f.recent[f.next] = ev
	f.next = (f.next + 1) % len(f.recent)
	if f.next == 0 {
		f.filled = true
	}
	f.evaluations[ev.Decision]++
	f.mu.Unlock()
	if f.metrics != nil {
		f.metrics.Evaluations.WithLabelValues(ev.Decision, strategyLabel(ev.StrategyID)).Inc()
	}
}

// Recent 返回最近的评估，最新的在前；strategyID 为空表示全部。
func (f *Funnel) Recent(limit int, strategyID string) []Evaluation {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.next
	if f.filled {
		n = len(f.recent)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Evaluation, 0, limit)
	for i := 0; i < n && len(out) < limit; i++ {
		idx := (f.next - 1 - i + len(f.recent)) % len(f.recent)
		ev := f.recent[idx]
		if strategyID != "" && !strings.EqualFold(ev.StrategyID, strategyID) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// OrderChanged 统计订单提交、失败与成交。
func (f *Funnel) OrderChanged(prev types.OrderState, o types.Order) {
	if prev == o.State {
		return
	}
	switch o.State {
	case types.OrderPending:
		f.Count(o.StrategyID, OrdersSubmitted)
	case types.OrderRejected:
		f.Count(o.StrategyID, OrdersFailed)
	case types.OrderFilled:
		f.Count(o.StrategyID, OrdersFilled)
	}
}

func (f *Funnel) TradeChanged(types.Trade) {}

// TradeClosed 统计平仓与胜负，盈亏为 0 的交易不计胜负。
func (f *Funnel) TradeClosed(t types.Trade) {
	f.Count(t.StrategyID, TradesClosed)
	if t.RealizedPnL == nil {
		return
	}
	switch pnl := *t.RealizedPnL; {
	case pnl > 0:
		f.Count(t.StrategyID, TradesWon)
	case pnl < 0:
		f.Count(t.StrategyID, TradesLost)
	}
}

func (f *Funnel) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := Snapshot{
		At:          f.now(),
		Total:       f.total.clone(),
		ByStrategy:  make(map[string]Counts, len(f.byStrategy)),
		Evaluations: make(map[string]int64, len(f.evaluations)),
		Ticks:       f.ticks,
		LastTickAt:  f.lastTick,
	}
	for id, c := range f.byStrategy {
		snap.ByStrategy[id] = c.clone()
	}
	for k, v := range f.evaluations {
		snap.Evaluations[k] = v
	}
	return snap
}

// Restore 用持久化快照恢复累计计数；最近评估不恢复。
func (f *Funnel) Restore(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = merge(newCounts(), s.Total)
	f.byStrategy = make(map[string]Counts, len(s.ByStrategy))
	for id, c := range s.ByStrategy {
		f.byStrategy[id] = merge(newCounts(), c)
	}
	f.evaluations = make(map[string]int64, len(s.Evaluations))
	for k, v := range s.Evaluations {
		f.evaluations[k] = v
	}
	f.ticks = s.Ticks
	f.lastTick = s.LastTickAt
}

// Reset 在交易日切换时清零计数；最近评估保留。
func (f *Funnel) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total = newCounts()
	f.byStrategy = make(map[string]Counts)
	f.evaluations = make(map[string]int64)
	f.ticks = 0
}

func merge(dst, src Counts) Counts {
	for k, v := range src.Counters {
		dst.Counters[k] = v
	}
	for k, v := range src.Rejections {
		dst.Rejections[k] = v
	}
	return dst
}

// StrategyIDs 返回有计数的策略（排序后）。
func (s Snapshot) StrategyIDs() []string {
	out := make([]string, 0, len(s.ByStrategy))
	for id := range s.ByStrategy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func strategyLabel(id string) string {
	if id == "" {
		return "all"
	}
	return id
}
