package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/calendar"
	"tradegate/internal/logger"
	"tradegate/internal/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrGateStopped    = errors.New("risk gate is stopped")
	ErrSignalConsumed = errors.New("signal already consumed")
	ErrInvalidSignal  = errors.New("invalid signal")
)

var orderNamespace = uuid.MustParse("0f5f2c6e-8d0a-4c47-9e43-3b1a9a2f7d51")

const defaultMailboxSize = 256

// HealthView 是策略健康状态的只读视图。
type HealthView interface {
	Enabled(strategyID string) bool
}

// BreakerView 是熔断器的只读视图。
type BreakerView interface {
	AllowEntries() bool
}

// HoursView 判断某个时刻是否允许交易。
type HoursView interface {
	Eligible(t time.Time) calendar.Eligibility
}

// Deps 中的视图都可以为 nil（视为放行），Now/DayOf 为 nil 时使用本地默认。
type Deps struct {
	Health  HealthView
	Breaker BreakerView
	Hours   HoursView
	Now     func() time.Time
	DayOf   func(time.Time) time.Time
}

// Decision 是一次准入判断的结果。
type Decision struct {
	Accepted bool               `json:"accepted"`
	Reason   types.RejectReason `json:"reason,omitempty"`
	Detail   string             `json:"detail,omitempty"`
	Signal   types.Signal       `json:"signal"`
	Order    *types.Order       `json:"order,omitempty"`
	Sizing   *SizeResult        `json:"sizing,omitempty"`
}

func reject(sig types.Signal, reason types.RejectReason, format string, args ...any) Decision {
	return Decision{Signal: sig, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Snapshot 是账本的只读副本，供查询接口与流水线读取。
type Snapshot struct {
	Account        types.AccountSnapshot `json:"account"`
	Exposures      []Exposure            `json:"exposures"`
	Marks          map[string]float64    `json:"marks"`
	Day            time.Time             `json:"day"`
	TradesToday    int                   `json:"trades_today"`
	StrategyTrades map[string]int        `json:"strategy_trades"`
	LimitsEnabled  bool                  `json:"limits_enabled"`
	EntriesBlocked bool                  `json:"entries_blocked"`
}

// RestoreState 用于启动时从持久化数据重建账本。
type RestoreState struct {
	Trades         []types.Trade
	Orders         []types.Order
	RealizedPnL    float64
	Day            time.Time
	TradesToday    int
	StrategyTrades map[string]int
}

type envelope struct {
	name  string
	fn    func() error
	reply chan error
}

// Gate 是准入控制的唯一串行点：所有准入判断与账本变更都在同一个 goroutine 中执行。
type Gate struct {
	limits Limits
	deps   Deps
	log    *slog.Logger

	ledger         *Ledger
	limitsEnabled  bool
	entriesBlocked bool

	msgCh    chan envelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	snapshot atomic.Value
}

func NewGate(limits Limits, deps Deps) *Gate {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.DayOf == nil {
		deps.DayOf = func(t time.Time) time.Time {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
		}
	}
	g := &Gate{
		limits:        limits,
		deps:          deps,
		log:           logger.With("risk"),
		ledger:        NewLedger(limits.InitialCapital),
		limitsEnabled: limits.Enabled,
		msgCh:         make(chan envelope, defaultMailboxSize),
		stopCh:        make(chan struct{}),
	}
	g.ledger.RollDay(deps.DayOf(deps.Now()))
	g.refreshSnapshot()
	return g
}

func (g *Gate) Start() {
	g.wg.Add(1)
	go g.runLoop()
}

func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

func (g *Gate) runLoop() {
	defer g.wg.Done()
	logger.Infof("Risk gate started")
	for {
		select {
		case env := <-g.msgCh:
			g.handle(env)
		case <-g.stopCh:
			logger.Infof("Risk gate stopping")
			return
		}
	}
}

func (g *Gate) handle(env envelope) {
	var err error
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("panic in risk gate", "op", env.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
		g.refreshSnapshot()
		if env.reply != nil {
			env.reply <- err
			close(env.reply)
		}
		if dur := time.Since(start); dur > 100*time.Millisecond {
			logger.Warnf("Slow risk op %s took %v", env.name, dur)
		}
	}()
	err = env.fn()
}

// call 把操作投递到事件循环并等待结果。
func (g *Gate) call(ctx context.Context, name string, fn func() error) error {
	env := envelope{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case g.msgCh <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopCh:
		return ErrGateStopped
	}
	select {
	case err := <-env.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopCh:
		return ErrGateStopped
	}
}

// Snapshot 无锁读取最近一次发布的账本快照。
func (g *Gate) Snapshot() Snapshot {
	v, _ := g.snapshot.Load().(Snapshot)
	return v
}

func (g *Gate) refreshSnapshot() {
	l := g.ledger
	strat := make(map[string]int, len(l.strategyTrades))
	for k, v := range l.strategyTrades {
		strat[k] = v
	}
	exposures := l.Exposures()
	reservations := 0
	for _, e := range exposures {
		if !e.IsPosition() {
			reservations++
		}
	}
	g.snapshot.Store(Snapshot{
		Account: types.AccountSnapshot{
			Capital:       l.Capital(),
			Deployed:      l.Deployed(),
			Reserved:      l.Reserved(),
			Cash:          l.Cash(),
			OpenPositions: l.OpenPositions(),
			Reservations:  reservations,
			RealizedPnL:   l.Realized(),
			UnrealizedPnL: l.Unrealized(),
			UpdatedAt:     g.deps.Now(),
		},
		Exposures:      exposures,
		Marks:          l.Marks(),
		Day:            l.day,
		TradesToday:    l.tradesToday,
		StrategyTrades: strat,
		LimitsEnabled:  g.limitsEnabled,
		EntriesBlocked: g.entriesBlocked,
	})
}

// Admit 对信号做准入判断。被拒绝不是错误；错误只表示调用本身失败。
func (g *Gate) Admit(ctx context.Context, sig types.Signal) (Decision, error) {
	var dec Decision
	if err := g.call(ctx, "admit", func() error {
		var err error
		dec, err = g.admit(sig)
		return err
	}); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

func (g *Gate) admit(sig types.Signal) (Decision, error) {
	sig.Symbol = normalizeSymbol(sig.Symbol)
	if sig.ID == "" || sig.StrategyID == "" || sig.Symbol == "" || sig.Price <= 0 {
		return Decision{}, fmt.Errorf("%w: %+v", ErrInvalidSignal, sig)
	}
	at := sig.CreatedAt
	if at.IsZero() {
		at = g.deps.Now()
	}
	g.ledger.RollDay(g.deps.DayOf(at))
	if _, seen := g.ledger.consumed[sig.ID]; seen {
		return Decision{}, fmt.Errorf("%w: %s", ErrSignalConsumed, sig.ID)
	}
	g.ledger.consumed[sig.ID] = struct{}{}

	var dec Decision
	if sig.IsEntry() {
		dec = g.admitEntry(sig, at)
	} else {
		dec = g.admitExit(sig, at)
	}
	if dec.Accepted {
		g.log.Info("signal accepted", "strategy", sig.StrategyID, "symbol", sig.Symbol, "kind", sig.Kind,
			"order", dec.Order.ClientOrderID, "qty", dec.Order.Quantity)
	} else {
		g.log.Debug("signal rejected", "strategy", sig.StrategyID, "symbol", sig.Symbol, "kind", sig.Kind,
			"reason", dec.Reason, "detail", dec.Detail)
	}
	return dec, nil
}

func (g *Gate) admitEntry(sig types.Signal, at time.Time) Decision {
	l := g.ledger
	lim := g.limits
	slim := lim.strategy(sig.StrategyID)

	// 0. 交易时段 / kill switch
	if g.entriesBlocked {
		return reject(sig, types.ReasonMarketHours, "entries blocked by kill switch")
	}
	if g.deps.Hours != nil {
		if el := g.deps.Hours.Eligible(at); !el.OK {
			return reject(sig, types.ReasonMarketHours, "outside trading window: %s", el.Reason)
		}
	}
	// 1. 策略健康
	if g.deps.Health != nil && !g.deps.Health.Enabled(sig.StrategyID) {
		return reject(sig, types.ReasonStrategyDisabled, "strategy %s is disabled", sig.StrategyID)
	}
	// 2. 当日交易次数
	if g.limitsEnabled {
		if lim.MaxTradesPerDay > 0 && l.TradesToday() >= lim.MaxTradesPerDay {
			return reject(sig, types.ReasonMaxTrades, "daily trades %d >= %d", l.TradesToday(), lim.MaxTradesPerDay)
		}
		if n := l.StrategyTradesToday(sig.StrategyID); slim.MaxTradesPerDay > 0 && n >= slim.MaxTradesPerDay {
			return reject(sig, types.ReasonMaxTrades, "strategy trades %d >= %d", n, slim.MaxTradesPerDay)
		}
	}
	// 3. 仓位计算
	if sig.StopDistance() <= 0 {
		return reject(sig, types.ReasonSizingFloor, "entry without stop loss")
	}
	if lim.MinPrice > 0 && sig.Price < lim.MinPrice {
		return reject(sig, types.ReasonSizingFloor, "price %.2f below minimum %.2f", sig.Price, lim.MinPrice)
	}
	capital := l.Capital()
	size := Size(SizeInput{
		Capital:         capital,
		Price:           sig.Price,
		StopLoss:        sig.StopLoss,
		Requested:       sig.Quantity,
		SizingFraction:  slim.SizingFraction,
		MaxRiskPerTrade: lim.MaxRiskPerTrade,
		MaxPositionSize: lim.MaxPositionSize,
	})
	if size.Quantity < 1 {
		return reject(sig, types.ReasonSizingFloor, "sized to %d shares (base=%d risk_cap=%d pos_cap=%d)",
			size.Quantity, size.Base, size.RiskCap, size.PosCap)
	}
	amount := notional(size.Quantity, sig.Price)
	bucket := lim.Bucket(sig.Symbol)

	if g.limitsEnabled {
		// 4. 仓位数与资金占用
		if lim.MaxConcurrentPositions > 0 && l.Slots() >= lim.MaxConcurrentPositions {
			return reject(sig, types.ReasonMaxPositions, "open+reserved %d >= %d", l.Slots(), lim.MaxConcurrentPositions)
		}
		if n := l.StrategySlots(sig.StrategyID); slim.MaxPositions > 0 && n >= slim.MaxPositions {
			return reject(sig, types.ReasonMaxPositions, "strategy positions %d >= %d", n, slim.MaxPositions)
		}
		if lim.MaxCapitalDeployed > 0 {
			if after, ceiling := l.Committed()+amount, capital*lim.MaxCapitalDeployed; after > ceiling {
				return reject(sig, types.ReasonMaxExposure, "deployed %.2f > %.2f", after, ceiling)
			}
		}
		if lim.MinCashReserve > 0 {
			if left, floor := l.Cash()-amount, capital*lim.MinCashReserve; left < floor {
				return reject(sig, types.ReasonMaxExposure, "cash after entry %.2f < reserve %.2f", left, floor)
			}
		}
		// 5. 相关性
		if l.HoldsSymbol(sig.Symbol) {
			return reject(sig, types.ReasonCorrelation, "%s already held or reserved", sig.Symbol)
		}
		if bucket != "" {
			count, used := l.BucketUsage(bucket)
			if lim.MaxPerBucket > 0 && count >= lim.MaxPerBucket {
				return reject(sig, types.ReasonCorrelation, "bucket %s has %d positions", bucket, count)
			}
			if lim.MaxBucketExposure > 0 && used+amount > capital*lim.MaxBucketExposure {
				return reject(sig, types.ReasonCorrelation, "bucket %s exposure %.2f > %.2f", bucket, used+amount, capital*lim.MaxBucketExposure)
			}
		}
	}
	// 6. 熔断
	if g.deps.Breaker != nil && !g.deps.Breaker.AllowEntries() {
		return reject(sig, types.ReasonCircuitBreaker, "circuit breaker forbids entries")
	}

	// 7. 预留
	order := g.newOrder(sig, size.Quantity, at)
	order.TradeID = order.ClientOrderID
	l.reserve(Exposure{
		Key:         order.ClientOrderID,
		StrategyID:  sig.StrategyID,
		Symbol:      sig.Symbol,
		Bucket:      bucket,
		Side:        sig.Side,
		ReservedQty: size.Quantity,
		RefPrice:    sig.Price,
		OpenedAt:    at,
	})
	return Decision{Accepted: true, Signal: sig, Order: &order, Sizing: &size}
}

func (g *Gate) admitExit(sig types.Signal, at time.Time) Decision {
	e, ok := g.ledger.findExit(sig)
	if !ok {
		return reject(sig, types.ReasonMaxPositions, "no open position to exit for %s/%s", sig.StrategyID, sig.Symbol)
	}
	order := g.newOrder(sig, e.HeldQty, at)
	order.Side = e.Side.Opposite()
	order.TradeID = e.Key
	order.StopLoss = 0
	order.TakeProfit = 0
	e.ExitPending = true
	e.ExitOrderID = order.ClientOrderID
	return Decision{Accepted: true, Signal: sig, Order: &order}
}

// OrderID 由信号 ID 派生，同一信号总是得到同一个幂等键。
func OrderID(signalID string) string {
	return uuid.NewSHA1(orderNamespace, []byte(signalID)).String()
}

func (g *Gate) newOrder(sig types.Signal, qty int64, at time.Time) types.Order {
	return types.Order{
		ClientOrderID: OrderID(sig.ID),
		SignalID:      sig.ID,
		StrategyID:    sig.StrategyID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Kind:          sig.Kind,
		Type:          types.OrderMarket,
		Quantity:      qty,
		Price:         sig.Price,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		State:         types.OrderPending,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func (g *Gate) logViolation(op, key string, err error) error {
	if errors.Is(err, ErrUnknownReservation) {
		g.log.Error("ledger invariant violated", "op", op, "key", key, "error", err)
	}
	return err
}

// Release 释放被拒绝或取消的入场单。
func (g *Gate) Release(ctx context.Context, orderID string) error {
	return g.call(ctx, "release", func() error {
		return g.logViolation("release", orderID, g.ledger.Release(orderID))
	})
}

// Filled 以累计成交量更新入场单。
func (g *Gate) Filled(ctx context.Context, orderID string, filledQty int64, avgPrice float64) error {
	return g.call(ctx, "filled", func() error {
		return g.logViolation("filled", orderID, g.ledger.Filled(orderID, filledQty, avgPrice))
	})
}

// ExitFilled 平仓完成后入账盈亏并释放持仓。
func (g *Gate) ExitFilled(ctx context.Context, tradeID string, qty int64, price, pnl float64) error {
	return g.call(ctx, "exit_filled", func() error {
		g.ledger.Mark(g.symbolOf(tradeID), price)
		return g.logViolation("exit_filled", tradeID, g.ledger.ExitFilled(tradeID, qty, pnl))
	})
}

// ExitAborted 平仓单失败，持仓恢复可平仓状态。
func (g *Gate) ExitAborted(ctx context.Context, tradeID string) error {
	return g.call(ctx, "exit_aborted", func() error {
		return g.logViolation("exit_aborted", tradeID, g.ledger.ExitAborted(tradeID))
	})
}

// MarkExiting 由 kill switch 等不经过 Admit 的平仓路径调用。
func (g *Gate) MarkExiting(ctx context.Context, tradeID, exitOrderID string) error {
	return g.call(ctx, "mark_exiting", func() error {
		return g.logViolation("mark_exiting", tradeID, g.ledger.MarkExiting(tradeID, exitOrderID))
	})
}

func (g *Gate) symbolOf(key string) string {
	if e, ok := g.ledger.entries[key]; ok {
		return e.Symbol
	}
	return ""
}

// Mark 更新 symbol 最新价，返回更新后的浮动盈亏。
func (g *Gate) Mark(ctx context.Context, symbol string, price float64) (float64, error) {
	var unrealized float64
	if err := g.call(ctx, "mark", func() error {
		g.ledger.Mark(symbol, price)
		unrealized = g.ledger.Unrealized()
		return nil
	}); err != nil {
		return 0, err
	}
	return unrealized, nil
}

// RollDay 在交易日切换时清零当日计数。
func (g *Gate) RollDay(ctx context.Context, now time.Time) (bool, error) {
	var rolled bool
	if err := g.call(ctx, "roll_day", func() error {
		rolled = g.ledger.RollDay(g.deps.DayOf(now))
		return nil
	}); err != nil {
		return false, err
	}
	return rolled, nil
}

func (g *Gate) SetLimitsEnabled(ctx context.Context, enabled bool) error {
	return g.call(ctx, "set_limits_enabled", func() error {
		if g.limitsEnabled != enabled {
			logger.Warnf("Risk limits enabled=%v", enabled)
		}
		g.limitsEnabled = enabled
		return nil
	})
}

// SetEntriesBlocked 是 kill switch 的准入部分：阻止所有新入场，平仓不受影响。
func (g *Gate) SetEntriesBlocked(ctx context.Context, blocked bool) error {
	return g.call(ctx, "set_entries_blocked", func() error {
		g.entriesBlocked = blocked
		return nil
	})
}

// Restore 用持久化的交易与在途订单重建账本。
func (g *Gate) Restore(ctx context.Context, st RestoreState) error {
	return g.call(ctx, "restore", func() error {
		l := NewLedger(g.limits.InitialCapital)
		l.realized = decimal.NewFromFloat(st.RealizedPnL)
		for _, t := range st.Trades {
			if !t.IsOpen() {
				continue
			}
			sym := normalizeSymbol(t.Symbol)
			l.entries[t.ID] = &Exposure{
				Key:        t.ID,
				StrategyID: t.StrategyID,
				Symbol:     sym,
				Bucket:     g.limits.Bucket(sym),
				Side:       t.Side,
				HeldQty:    t.OpenQty(),
				EntryPrice: t.EntryPrice,
				RefPrice:   t.EntryPrice,
				OpenedAt:   t.EntryTime,
			}
		}
		for _, o := range st.Orders {
			if o.State.IsTerminal() {
				continue
			}
			sym := normalizeSymbol(o.Symbol)
			switch o.Kind {
			case types.KindEntry:
				if e, ok := l.entries[o.ClientOrderID]; ok {
					e.ReservedQty = o.Remaining()
					e.RefPrice = o.Price
					continue
				}
				l.entries[o.ClientOrderID] = &Exposure{
					Key:         o.ClientOrderID,
					StrategyID:  o.StrategyID,
					Symbol:      sym,
					Bucket:      g.limits.Bucket(sym),
					Side:        o.Side,
					ReservedQty: o.Remaining(),
					RefPrice:    o.Price,
					OpenedAt:    o.CreatedAt,
				}
			case types.KindExit:
				if e, ok := l.entries[o.TradeID]; ok {
					// 在途平仓单的成交要等订单终结才从账本扣减
					e.HeldQty += o.FilledQty
					e.ExitPending = true
					e.ExitOrderID = o.ClientOrderID
				}
			}
		}
		for key, e := range l.entries {
			if e.HeldQty <= 0 && e.ReservedQty <= 0 {
				delete(l.entries, key)
			}
		}
		if !st.Day.IsZero() {
			l.day = g.deps.DayOf(st.Day)
			l.tradesToday = st.TradesToday
			for k, v := range st.StrategyTrades {
				l.strategyTrades[k] = v
			}
		}
		l.RollDay(g.deps.DayOf(g.deps.Now()))
		g.ledger = l
		logger.Infof("Risk gate restored: %d exposures, capital=%.2f, trades_today=%d",
			len(l.entries), l.Capital(), l.tradesToday)
		return nil
	})
}

// String 便于日志输出。
func (d Decision) String() string {
	if d.Accepted {
		return fmt.Sprintf("accepted %s %s qty=%d", d.Signal.StrategyID, d.Signal.Symbol, d.Order.Quantity)
	}
	return strings.TrimSpace(fmt.Sprintf("rejected %s %s %s %s", d.Signal.StrategyID, d.Signal.Symbol, d.Reason, d.Detail))
}
