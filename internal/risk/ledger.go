package risk

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"tradegate/internal/types"

	"github.com/shopspring/decimal"
)

var ErrUnknownReservation = errors.New("unknown reservation")

// Exposure 是账本中的一个占用：入场单成交前是预留，成交后是持仓。
// Key 同时是入场单的 ClientOrderID 与成交后 Trade 的 ID。
type Exposure struct {
	Key         string     `json:"key"`
	StrategyID  string     `json:"strategy_id"`
	Symbol      string     `json:"symbol"`
	Bucket      string     `json:"bucket,omitempty"`
	Side        types.Side `json:"side"`
	HeldQty     int64      `json:"held_qty"`
	EntryPrice  float64    `json:"entry_price,omitempty"`
	ReservedQty int64      `json:"reserved_qty"`
	RefPrice    float64    `json:"ref_price"`
	ExitPending bool       `json:"exit_pending,omitempty"`
	ExitOrderID string     `json:"exit_order_id,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
}

// IsPosition 表示至少已有部分成交。
func (e Exposure) IsPosition() bool { return e.HeldQty > 0 }

func (e Exposure) heldNotional() float64 { return notional(e.HeldQty, e.EntryPrice) }

func (e Exposure) reservedNotional() float64 { return notional(e.ReservedQty, e.RefPrice) }

// Notional 是持仓成本加上预留金额。
func (e Exposure) Notional() float64 { return e.heldNotional() + e.reservedNotional() }

// Ledger 只由 Gate 的事件循环访问，因此不加锁。
type Ledger struct {
	initial  decimal.Decimal
	realized decimal.Decimal

	entries map[string]*Exposure
	marks   map[string]float64

	day            time.Time
	tradesToday    int
	strategyTrades map[string]int
	consumed       map[string]struct{}
}

func NewLedger(initialCapital float64) *Ledger {
	return &Ledger{
		initial:        decimal.NewFromFloat(initialCapital),
		realized:       decimal.Zero,
		entries:        make(map[string]*Exposure),
		marks:          make(map[string]float64),
		strategyTrades: make(map[string]int),
		consumed:       make(map[string]struct{}),
	}
}

// Capital = 初始资金 + 累计已实现盈亏。
func (l *Ledger) Capital() float64 {
	return l.initial.Add(l.realized).InexactFloat64()
}

func (l *Ledger) Realized() float64 { return l.realized.InexactFloat64() }

// Deployed 是持仓成本，Reserved 是未成交预留。
func (l *Ledger) Deployed() float64 {
	total := decimal.Zero
	for _, e := range l.entries {
		total = total.Add(decimal.NewFromFloat(e.heldNotional()))
	}
	return total.InexactFloat64()
}

func (l *Ledger) Reserved() float64 {
	total := decimal.Zero
	for _, e := range l.entries {
		total = total.Add(decimal.NewFromFloat(e.reservedNotional()))
	}
	return total.InexactFloat64()
}

// Committed 是持仓与预留的合计。
func (l *Ledger) Committed() float64 { return l.Deployed() + l.Reserved() }

func (l *Ledger) Cash() float64 { return l.Capital() - l.Committed() }

// Slots 返回占用的仓位数（持仓 + 预留），每个 Exposure 只占一个。
func (l *Ledger) Slots() int { return len(l.entries) }

func (l *Ledger) OpenPositions() int {
	n := 0
	for _, e := range l.entries {
		if e.IsPosition() {
			n++
		}
	}
	return n
}

func (l *Ledger) StrategySlots(strategyID string) int {
	n := 0
	for _, e := range l.entries {
		if e.StrategyID == strategyID {
			n++
		}
	}
	return n
}

// HoldsSymbol 任何策略持有或预留该 symbol 都算。
func (l *Ledger) HoldsSymbol(symbol string) bool {
	for _, e := range l.entries {
		if e.Symbol == symbol {
			return true
		}
	}
	return false
}

// BucketUsage 返回分组内的占用数与金额。
func (l *Ledger) BucketUsage(bucket string) (int, float64) {
	if bucket == "" {
		return 0, 0
	}
	n := 0
	total := 0.0
	for _, e := range l.entries {
		if e.Bucket == bucket {
			n++
			total += e.Notional()
		}
	}
	return n, total
}

// Unrealized 按最新 mark 计算持仓浮动盈亏；没有 mark 时按入场价。
func (l *Ledger) Unrealized() float64 {
	total := decimal.Zero
	for _, e := range l.entries {
		if !e.IsPosition() {
			continue
		}
		mark, ok := l.marks[e.Symbol]
		if !ok || mark <= 0 {
			continue
		}
		diff := decimal.NewFromFloat(mark).Sub(decimal.NewFromFloat(e.EntryPrice))
		pnl := diff.Mul(decimal.NewFromInt(e.HeldQty)).Mul(decimal.NewFromFloat(e.Side.Sign()))
		total = total.Add(pnl)
	}
	return total.InexactFloat64()
}

func (l *Ledger) Mark(symbol string, price float64) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" || price <= 0 {
		return
	}
	l.marks[symbol] = price
}

// RollDay 只向前切换交易日并清零当日计数，返回是否发生了切换。
func (l *Ledger) RollDay(day time.Time) bool {
	if day.IsZero() || !day.After(l.day) {
		return false
	}
	l.day = day
	l.tradesToday = 0
	l.strategyTrades = make(map[string]int)
	l.consumed = make(map[string]struct{})
	return true
}

func (l *Ledger) TradesToday() int { return l.tradesToday }

func (l *Ledger) StrategyTradesToday(id string) int { return l.strategyTrades[id] }

func (l *Ledger) reserve(e Exposure) {
	cp := e
	l.entries[e.Key] = &cp
	l.tradesToday++
	l.strategyTrades[e.StrategyID]++
}

func (l *Ledger) get(key string) (*Exposure, error) {
	e, ok := l.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownReservation, key)
	}
	return e, nil
}

// Filled 以累计成交量与均价更新入场占用；未成交部分继续保持预留。
func (l *Ledger) Filled(key string, filledQty int64, avgPrice float64) error {
	e, err := l.get(key)
	if err != nil {
		return err
	}
	if filledQty <= 0 || avgPrice <= 0 {
		return fmt.Errorf("invalid fill for %s: qty=%d price=%.4f", key, filledQty, avgPrice)
	}
	total := e.HeldQty + e.ReservedQty
	if filledQty > total {
		total = filledQty
	}
	e.HeldQty = filledQty
	e.EntryPrice = avgPrice
	e.ReservedQty = total - filledQty
	return nil
}

// Release 释放入场单未成交的部分；完全未成交时移除整个占用。
func (l *Ledger) Release(key string) error {
	e, err := l.get(key)
	if err != nil {
		return err
	}
	if e.HeldQty == 0 {
		delete(l.entries, key)
		return nil
	}
	e.ReservedQty = 0
	return nil
}

// MarkExiting 标记持仓已有在途平仓单。
func (l *Ledger) MarkExiting(key, exitOrderID string) error {
	e, err := l.get(key)
	if err != nil {
		return err
	}
	if e.ExitPending && e.ExitOrderID != exitOrderID {
		return fmt.Errorf("%w: trade %s has exit %s", types.ErrExitPending, key, e.ExitOrderID)
	}
	e.ExitPending = true
	e.ExitOrderID = exitOrderID
	return nil
}

// ExitFilled 扣减持仓并入账已实现盈亏；持仓归零时移除。
func (l *Ledger) ExitFilled(key string, qty int64, pnl float64) error {
	e, err := l.get(key)
	if err != nil {
		return err
	}
	l.realized = l.realized.Add(decimal.NewFromFloat(pnl))
	e.HeldQty -= qty
	if e.HeldQty <= 0 {
		delete(l.entries, key)
		return nil
	}
	e.ExitPending = false
	e.ExitOrderID = ""
	return nil
}

func (l *Ledger) ExitAborted(key string) error {
	e, err := l.get(key)
	if err != nil {
		return err
	}
	e.ExitPending = false
	e.ExitOrderID = ""
	return nil
}

// findExit 定位可平仓的持仓：优先 TradeID，否则按 (strategy, symbol)。
func (l *Ledger) findExit(sig types.Signal) (*Exposure, bool) {
	if sig.TradeID != "" {
		e, ok := l.entries[sig.TradeID]
		if !ok || !e.IsPosition() || e.ExitPending {
			return nil, false
		}
		return e, true
	}
	for _, key := range l.keys() {
		e := l.entries[key]
		if e.StrategyID == sig.StrategyID && e.Symbol == sig.Symbol && e.IsPosition() && !e.ExitPending {
			return e, true
		}
	}
	return nil, false
}

func (l *Ledger) keys() []string {
	out := make([]string, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Exposures 返回按 key 排序的副本。
func (l *Ledger) Exposures() []Exposure {
	out := make([]Exposure, 0, len(l.entries))
	for _, k := range l.keys() {
		out = append(out, *l.entries[k])
	}
	return out
}

func (l *Ledger) Marks() map[string]float64 {
	out := make(map[string]float64, len(l.marks))
	for k, v := range l.marks {
		out[k] = v
	}
	return out
}
