package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/logger"
	"tradegate/internal/types"
	"tradegate/internal/venue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// 路由器写入 Order.Reason 的原因码。
const (
	ReasonVenueUnavailable = "venue_unavailable"
	ReasonNotFoundAtVenue  = "not_found_at_venue"
)

// Ledger 是路由器对风控账本的依赖。
type Ledger interface {
	Release(ctx context.Context, orderID string) error
	Filled(ctx context.Context, orderID string, filledQty int64, avgPrice float64) error
	ExitFilled(ctx context.Context, tradeID string, qty int64, price, pnl float64) error
	ExitAborted(ctx context.Context, tradeID string) error
	MarkExiting(ctx context.Context, tradeID, exitOrderID string) error
}

// Listener 接收订单与交易变化，回调在路由器锁外按状态变化的顺序串行执行。
type Listener interface {
	OrderChanged(prev types.OrderState, o types.Order)
	TradeChanged(t types.Trade)
	TradeClosed(t types.Trade)
}

// Hooks 是函数式 Listener。
type Hooks struct {
	OnOrder  func(prev types.OrderState, o types.Order)
	OnTrade  func(t types.Trade)
	OnClosed func(t types.Trade)
}

func (h Hooks) OrderChanged(prev types.OrderState, o types.Order) {
	if h.OnOrder != nil {
		h.OnOrder(prev, o)
	}
}

func (h Hooks) TradeChanged(t types.Trade) {
	if h.OnTrade != nil {
		h.OnTrade(t)
	}
}

func (h Hooks) TradeClosed(t types.Trade) {
	if h.OnClosed != nil {
		h.OnClosed(t)
	}
}

// Settings 控制提交重试、限流、熔断与对账。
type Settings struct {
	SubmitTimeout        time.Duration
	MaxAttempts          int
	Backoff              time.Duration
	MaxBackoff           time.Duration
	RatePerSecond        float64
	Burst                int
	BreakerFailures      int
	BreakerCooldown      time.Duration
	MaxReconcileAttempts int
	StaleAfter           time.Duration
	LedgerTimeout        time.Duration
	Now                  func() time.Time
}

func SettingsFromConfig(cfg config.RouterConfig) Settings {
	return Settings{
		SubmitTimeout:        time.Duration(cfg.SubmitTimeoutMs) * time.Millisecond,
		MaxAttempts:          cfg.MaxAttempts,
		Backoff:              time.Duration(cfg.BackoffMs) * time.Millisecond,
		MaxBackoff:           time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		RatePerSecond:        cfg.RatePerSecond,
		Burst:                cfg.Burst,
		BreakerFailures:      cfg.BreakerFailures,
		BreakerCooldown:      time.Duration(cfg.BreakerCooldownSeconds) * time.Second,
		MaxReconcileAttempts: cfg.MaxReconcileAttempts,
		StaleAfter:           time.Duration(cfg.StaleOrderSeconds) * time.Second,
	}
}

func (s Settings) normalize() Settings {
	if s.SubmitTimeout <= 0 {
		s.SubmitTimeout = 3 * time.Second
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 1
	}
	if s.Backoff <= 0 {
		s.Backoff = 200 * time.Millisecond
	}
	if s.MaxBackoff < s.Backoff {
		s.MaxBackoff = s.Backoff
	}
	if s.Burst <= 0 {
		s.Burst = 1
	}
	if s.BreakerFailures <= 0 {
		s.BreakerFailures = 5
	}
	if s.BreakerCooldown <= 0 {
		s.BreakerCooldown = 30 * time.Second
	}
	if s.MaxReconcileAttempts <= 0 {
		s.MaxReconcileAttempts = 5
	}
	if s.LedgerTimeout <= 0 {
		s.LedgerTimeout = 5 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return s
}

type exitBase struct {
	qty   int64
	price float64
}

// Router 拥有订单与交易簿：提交、重试、回报处理、对账与 kill switch。
type Router struct {
	settings Settings
	venue    venue.Venue
	ledger   Ledger
	cb       *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	stale    *staleWatch
	marks    func(symbol string) float64
	now      func() time.Time
	log      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu              sync.Mutex
	orders          map[string]*types.Order
	trades          map[string]*types.Trade
	buffered        map[string][]venue.Report
	seenExec        map[string]map[string]struct{}
	exitBases       map[string]exitBase
	reconciles      map[string]int
	cancelRequested map[string]struct{}
	listeners       []Listener

	notifyMu   sync.Mutex
	notifyQ    []func()
	delivering bool
}

func New(settings Settings, v venue.Venue, ledger Ledger) *Router {
	settings = settings.normalize()
	limit := rate.Inf
	if settings.RatePerSecond > 0 {
		limit = rate.Limit(settings.RatePerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		settings:        settings,
		venue:           v,
		ledger:          ledger,
		limiter:         rate.NewLimiter(limit, settings.Burst),
		stale:           newStaleWatch(settings.StaleAfter),
		now:             settings.Now,
		log:             logger.With("router"),
		baseCtx:         ctx,
		cancel:          cancel,
		orders:          make(map[string]*types.Order),
		trades:          make(map[string]*types.Trade),
		buffered:        make(map[string][]venue.Report),
		seenExec:        make(map[string]map[string]struct{}),
		exitBases:       make(map[string]exitBase),
		reconciles:      make(map[string]int),
		cancelRequested: make(map[string]struct{}),
	}
	st := gobreaker.Settings{Name: "venue:" + v.Name()}
	st.MaxRequests = 1
	st.Timeout = settings.BreakerCooldown
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= uint32(settings.BreakerFailures)
	}
	st.IsSuccessful = func(err error) bool {
		return err == nil || !venue.IsRetryable(err)
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warnf("router: breaker %s %s -> %s", name, from, to)
	}
	r.cb = gobreaker.NewCircuitBreaker(st)

	v.Subscribe(func(rep venue.Report) {
		if err := r.HandleExecution(rep); err != nil {
			r.log.Error("execution report dropped", "order", rep.ClientOrderID, "exec", rep.ExecID, "error", err)
		}
	})
	return r
}

func (r *Router) AddListener(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// SetMarkSource 为 kill switch 平仓单提供参考价。
func (r *Router) SetMarkSource(fn func(symbol string) float64) {
	r.mu.Lock()
	r.marks = fn
	r.mu.Unlock()
}

// Close 取消后台提交并等待其退出。
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
	r.stale.Stop()
}

// BreakerState 返回交易场所熔断器状态。
func (r *Router) BreakerState() string {
	return r.cb.State().String()
}

// Submit 登记订单为 pending 并在后台提交。
func (r *Router) Submit(ctx context.Context, order types.Order) error {
	if order.ClientOrderID == "" || order.Quantity <= 0 {
		return fmt.Errorf("invalid order %q qty=%d", order.ClientOrderID, order.Quantity)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if _, ok := r.orders[order.ClientOrderID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ClientOrderID)
	}
	if order.Kind == types.KindExit {
		if err := r.checkExitLocked(order); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	now := r.now()
	o := order
	o.State = types.OrderPending
	o.Attempts = 0
	o.FilledQty = 0
	o.AvgFillPrice = 0
	if o.Type == "" {
		o.Type = types.OrderMarket
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	r.orders[o.ClientOrderID] = &o

	out := r.newOutbox()
	out.order("", &o)
	if o.Kind == types.KindExit {
		if t, ok := r.trades[o.TradeID]; ok {
			t.ExitOrderID = o.ClientOrderID
			r.exitBases[o.ClientOrderID] = exitBase{qty: t.ExitedQty, price: t.ExitPrice}
			out.trade(t)
		}
	}
	r.unlockAndDeliver(out)

	r.log.Info("order submitted", "order", o.ClientOrderID, "strategy", o.StrategyID, "symbol", o.Symbol,
		"kind", o.Kind, "side", o.Side, "qty", o.Quantity)
	r.wg.Add(1)
	go r.run(o.ClientOrderID, venue.RequestFromOrder(o))
	return nil
}

// checkExitLocked 拒绝同一交易上的第二张在途平仓单，以及已平仓交易的平仓单。
func (r *Router) checkExitLocked(order types.Order) error {
	t, ok := r.trades[order.TradeID]
	if !ok {
		return nil
	}
	if !t.IsOpen() || t.OpenQty() == 0 {
		return fmt.Errorf("%w: trade %s has nothing left to exit", ErrTradeClosed, t.ID)
	}
	if t.ExitOrderID == "" {
		return nil
	}
	if o, ok := r.orders[t.ExitOrderID]; ok && IsLive(o.State) {
		return fmt.Errorf("%w: trade %s has exit %s", types.ErrExitPending, t.ID, t.ExitOrderID)
	}
	return nil
}

// run 在后台完成提交：有限次重试，始终使用同一个 client id。
func (r *Router) run(id string, req venue.Request) {
	defer r.wg.Done()
	ctx := r.baseCtx
	backoff := r.settings.Backoff
	reached := false
	var lastErr error

	for attempt := 1; attempt <= r.settings.MaxAttempts; attempt++ {
		r.setAttempts(id, attempt)
		ack, err := r.submitOnce(ctx, req)
		if err == nil {
			r.onAck(id, ack)
			return
		}
		lastErr = err
		switch {
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			if !reached {
				r.onReject(id, ReasonVenueUnavailable)
				return
			}
			r.onUnknown(id, err)
			return
		case !venue.IsRetryable(err):
			r.onReject(id, venue.RejectReason(err))
			return
		}
		reached = true
		r.log.Warn("submit attempt failed", "order", id, "attempt", attempt, "error", err)
		if ctx.Err() != nil || attempt == r.settings.MaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
		}
		backoff = min(backoff*2, r.settings.MaxBackoff)
	}
	r.onUnknown(id, lastErr)
}

func (r *Router) submitOnce(ctx context.Context, req venue.Request) (venue.Ack, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return venue.Ack{}, err
	}
	res, err := r.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, r.settings.SubmitTimeout)
		defer cancel()
		return r.venue.Submit(cctx, req)
	})
	if err != nil {
		return venue.Ack{}, err
	}
	ack, _ := res.(venue.Ack)
	return ack, nil
}

func (r *Router) setAttempts(id string, n int) {
	r.mu.Lock()
	if o, ok := r.orders[id]; ok {
		o.Attempts = n
	}
	r.mu.Unlock()
}

func (r *Router) onAck(id string, ack venue.Ack) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || o.State != types.OrderPending {
		r.mu.Unlock()
		return
	}
	out := r.newOutbox()
	prev := o.State
	_ = transition(o, types.OrderSubmitted)
	o.VenueOrderID = ack.VenueOrderID
	o.UpdatedAt = r.now()
	out.order(prev, o)
	r.stale.Start(id)
	r.flushBuffered(o, out)
	_, cancelWanted := r.cancelRequested[id]
	live := IsLive(o.State)
	r.unlockAndDeliver(out)

	if cancelWanted && live {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.cancelOnce(r.baseCtx, id); err != nil {
				r.log.Warn("deferred cancel failed", "order", id, "error", err)
			}
		}()
	}
}

func (r *Router) onReject(id, reason string) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || o.State.IsTerminal() {
		r.mu.Unlock()
		return
	}
	out := r.newOutbox()
	prev := o.State
	if err := transition(o, types.OrderRejected); err != nil {
		r.mu.Unlock()
		r.log.Error("reject failed", "order", id, "error", err)
		return
	}
	o.Reason = reason
	o.UpdatedAt = r.now()
	out.order(prev, o)
	r.finish(o, out)
	r.unlockAndDeliver(out)
	r.log.Warn("order rejected", "order", id, "reason", reason)
}

func (r *Router) onUnknown(id string, cause error) {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || o.State != types.OrderPending {
		r.mu.Unlock()
		return
	}
	out := r.newOutbox()
	prev := o.State
	_ = transition(o, types.OrderUnknown)
	if cause != nil {
		o.Reason = cause.Error()
	}
	o.UpdatedAt = r.now()
	r.reconciles[id] = 0
	out.order(prev, o)
	// ack 未到但回报已经到达，说明订单确实在交易场所
	r.flushBuffered(o, out)
	r.unlockAndDeliver(out)
	r.log.Warn("order state unknown, reconcile scheduled", "order", id, "error", cause)
}

func (r *Router) flushBuffered(o *types.Order, out *outbox) {
	pending := r.buffered[o.ClientOrderID]
	delete(r.buffered, o.ClientOrderID)
	for _, rep := range pending {
		if err := r.apply(o, rep, out); err != nil {
			r.log.Error("buffered report rejected", "order", o.ClientOrderID, "exec", rep.ExecID, "error", err)
		}
	}
}

// HandleExecution 处理交易场所回报：按 ExecID 去重，pending 订单的回报先缓存到 ack 之后。
func (r *Router) HandleExecution(rep venue.Report) error {
	r.mu.Lock()
	o, ok := r.orders[rep.ClientOrderID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, rep.ClientOrderID)
	}
	if !r.markSeen(o.ClientOrderID, rep.ExecID) {
		r.mu.Unlock()
		return nil
	}
	if o.State == types.OrderPending {
		r.buffered[o.ClientOrderID] = append(r.buffered[o.ClientOrderID], rep)
		r.mu.Unlock()
		return nil
	}
	out := r.newOutbox()
	err := r.apply(o, rep, out)
	r.unlockAndDeliver(out)
	return err
}

// markSeen 返回 false 表示重复回报。
func (r *Router) markSeen(orderID, execID string) bool {
	if execID == "" {
		return true
	}
	seen, ok := r.seenExec[orderID]
	if !ok {
		seen = make(map[string]struct{})
		r.seenExec[orderID] = seen
	}
	if _, dup := seen[execID]; dup {
		return false
	}
	seen[execID] = struct{}{}
	return true
}

// apply 在持锁状态下把一条回报应用到订单与交易。
func (r *Router) apply(o *types.Order, rep venue.Report, out *outbox) error {
	if o.State.IsTerminal() {
		return nil
	}
	prev := o.State
	at := rep.At
	if at.IsZero() {
		at = r.now()
	}
	if rep.VenueOrderID != "" && o.VenueOrderID == "" {
		o.VenueOrderID = rep.VenueOrderID
	}

	switch rep.Kind {
	case venue.ReportAccepted:
		if o.State == types.OrderUnknown {
			if err := transition(o, types.OrderSubmitted); err != nil {
				return err
			}
			o.UpdatedAt = at
			delete(r.reconciles, o.ClientOrderID)
			r.stale.Start(o.ClientOrderID)
			out.order(prev, o)
		}
		return nil

	case venue.ReportPartialFill, venue.ReportFill:
		cum := min(rep.CumQty, o.Quantity)
		if cum <= o.FilledQty {
			return nil
		}
		next := types.OrderPartiallyFilled
		if cum >= o.Quantity {
			next = types.OrderFilled
		}
		if err := transition(o, next); err != nil {
			return err
		}
		o.FilledQty = cum
		o.AvgFillPrice = rep.AvgPrice
		o.UpdatedAt = at
		delete(r.reconciles, o.ClientOrderID)
		out.order(prev, o)
		if o.Kind == types.KindEntry {
			r.entryFilled(o, at, out)
		} else {
			r.exitFilled(o, out)
		}
		if next == types.OrderFilled {
			r.finish(o, out)
		} else {
			r.stale.Start(o.ClientOrderID)
		}
		return nil

	case venue.ReportRejected, venue.ReportCancelled:
		next := types.OrderCancelled
		if rep.Kind == venue.ReportRejected && o.FilledQty == 0 {
			next = types.OrderRejected
		}
		if err := transition(o, next); err != nil {
			return err
		}
		o.Reason = rep.Reason
		o.UpdatedAt = at
		out.order(prev, o)
		r.finish(o, out)
		return nil
	}
	return fmt.Errorf("unsupported report kind %q", rep.Kind)
}

func (r *Router) ledgerCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.settings.LedgerTimeout)
}

func (r *Router) entryFilled(o *types.Order, at time.Time, out *outbox) {
	t, ok := r.trades[o.ClientOrderID]
	if !ok {
		t = &types.Trade{
			ID:         o.ClientOrderID,
			StrategyID: o.StrategyID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			EntryTime:  at,
		}
		r.trades[t.ID] = t
	}
	if !t.IsOpen() {
		r.log.Error("entry fill for closed trade", "trade", t.ID, "filled", o.FilledQty)
		return
	}
	t.Quantity = o.FilledQty
	t.EntryPrice = o.AvgFillPrice
	out.trade(t)

	ctx, cancel := r.ledgerCtx()
	defer cancel()
	if err := r.ledger.Filled(ctx, o.ClientOrderID, o.FilledQty, o.AvgFillPrice); err != nil {
		r.log.Error("ledger fill failed", "order", o.ClientOrderID, "error", err)
	}
}

func (r *Router) exitFilled(o *types.Order, out *outbox) {
	t, ok := r.trades[o.TradeID]
	if !ok {
		r.log.Error("exit fill for unknown trade", "order", o.ClientOrderID, "trade", o.TradeID)
		return
	}
	base := r.exitBases[o.ClientOrderID]
	total := base.qty + o.FilledQty
	if total > t.Quantity {
		total = t.Quantity
	}
	if total > 0 {
		value := decimal.NewFromInt(base.qty).Mul(decimal.NewFromFloat(base.price)).
			Add(decimal.NewFromInt(o.FilledQty).Mul(decimal.NewFromFloat(o.AvgFillPrice)))
		t.ExitPrice = value.Div(decimal.NewFromInt(base.qty + o.FilledQty)).InexactFloat64()
	}
	t.ExitedQty = total
	out.trade(t)
}

// finish 处理订单进入终态后的账本与交易簿收尾。
func (r *Router) finish(o *types.Order, out *outbox) {
	id := o.ClientOrderID
	r.stale.Clear(id)
	delete(r.reconciles, id)
	delete(r.buffered, id)
	delete(r.cancelRequested, id)

	ctx, cancel := r.ledgerCtx()
	defer cancel()

	if o.Kind == types.KindEntry {
		if o.State != types.OrderFilled {
			if err := r.ledger.Release(ctx, id); err != nil {
				r.log.Error("ledger release failed", "order", id, "error", err)
			}
		}
		return
	}

	defer delete(r.exitBases, id)
	t, ok := r.trades[o.TradeID]
	if !ok {
		return
	}
	if o.FilledQty > 0 {
		pnl := realized(t.Side, t.EntryPrice, o.AvgFillPrice, o.FilledQty)
		if err := r.ledger.ExitFilled(ctx, t.ID, o.FilledQty, o.AvgFillPrice, pnl); err != nil {
			r.log.Error("ledger exit failed", "trade", t.ID, "error", err)
		}
	} else if err := r.ledger.ExitAborted(ctx, t.ID); err != nil {
		r.log.Error("ledger exit abort failed", "trade", t.ID, "error", err)
	}
	if t.ExitOrderID == id {
		t.ExitOrderID = ""
	}
	if t.IsOpen() && t.OpenQty() == 0 {
		exitAt := o.UpdatedAt
		t.ExitTime = &exitAt
		pnl := realized(t.Side, t.EntryPrice, t.ExitPrice, t.Quantity)
		t.RealizedPnL = &pnl
		out.closed(t)
		r.log.Info("trade closed", "trade", t.ID, "strategy", t.StrategyID, "symbol", t.Symbol, "pnl", pnl)
	}
	out.trade(t)
}

func realized(side types.Side, entry, exit float64, qty int64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	return diff.Mul(decimal.NewFromInt(qty)).Mul(decimal.NewFromFloat(side.Sign())).Round(6).InexactFloat64()
}

// Reconcile 查询所有 unknown 订单与超时未终结的订单，返回本轮得到确定结果的数量。
func (r *Router) Reconcile(ctx context.Context) (int, error) {
	ids := r.reconcileCandidates()
	resolved := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		if r.cb.State() == gobreaker.StateOpen {
			r.log.Warn("venue breaker open, reconcile deferred", "remaining", len(ids)-resolved)
			return resolved, nil
		}
		rep, err := r.queryOnce(ctx, id)
		if r.applyQuery(id, rep, err) {
			resolved++
		}
	}
	return resolved, nil
}

func (r *Router) reconcileCandidates() []string {
	stale := r.stale.Drain()
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	var ids []string
	for id, o := range r.orders {
		if o.State == types.OrderUnknown && r.reconciles[id] < r.settings.MaxReconcileAttempts {
			ids = append(ids, id)
			seen[id] = struct{}{}
		}
	}
	for _, id := range stale {
		if _, dup := seen[id]; dup {
			continue
		}
		if o, ok := r.orders[id]; ok && IsLive(o.State) && o.State != types.OrderPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Router) queryOnce(ctx context.Context, id string) (venue.Report, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return venue.Report{}, err
	}
	res, err := r.cb.Execute(func() (any, error) {
		cctx, cancel := context.WithTimeout(ctx, r.settings.SubmitTimeout)
		defer cancel()
		return r.venue.Query(cctx, id)
	})
	if err != nil {
		return venue.Report{}, err
	}
	rep, _ := res.(venue.Report)
	return rep, nil
}

// applyQuery 返回订单是否已离开 unknown。
func (r *Router) applyQuery(id string, rep venue.Report, qerr error) bool {
	r.mu.Lock()
	o, ok := r.orders[id]
	if !ok || o.State.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	out := r.newOutbox()
	wasUnknown := o.State == types.OrderUnknown
	switch {
	case qerr == nil:
		if rep.ClientOrderID == "" {
			rep.ClientOrderID = id
		}
		if r.markSeen(id, rep.ExecID) {
			if err := r.apply(o, rep, out); err != nil {
				r.log.Error("reconcile report rejected", "order", id, "error", err)
			}
		}
		if IsLive(o.State) && o.State != types.OrderUnknown {
			r.stale.Start(id)
		}
	case errors.Is(qerr, venue.ErrOrderNotFound):
		if wasUnknown {
			prev := o.State
			_ = transition(o, types.OrderRejected)
			o.Reason = ReasonNotFoundAtVenue
			o.UpdatedAt = r.now()
			out.order(prev, o)
			r.finish(o, out)
		} else {
			r.log.Error("acknowledged order missing at venue", "order", id, "state", o.State)
		}
	default:
		if wasUnknown {
			r.reconciles[id]++
			if n := r.reconciles[id]; n >= r.settings.MaxReconcileAttempts {
				r.log.Error("order still unknown after reconcile attempts; reservation kept, operator action required",
					"order", id, "attempts", n, "error", qerr)
			}
		}
	}
	resolved := wasUnknown && o.State != types.OrderUnknown
	r.unlockAndDeliver(out)
	return resolved
}

// CancelAll 撤销所有未终结订单（kill switch 第一步）。
func (r *Router) CancelAll(ctx context.Context) error {
	r.mu.Lock()
	var ids []string
	for id, o := range r.orders {
		if IsLive(o.State) {
			ids = append(ids, id)
			r.cancelRequested[id] = struct{}{}
		}
	}
	r.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := r.cancelOnce(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) cancelOnce(ctx context.Context, id string) error {
	r.mu.Lock()
	o, ok := r.orders[id]
	state := types.OrderState("")
	if ok {
		state = o.State
	}
	r.mu.Unlock()
	if !ok || state.IsTerminal() {
		return nil
	}
	if state == types.OrderPending {
		// ack 之后由 onAck 补发撤单
		return nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, r.settings.SubmitTimeout)
	defer cancel()
	err := r.venue.Cancel(cctx, id)
	if errors.Is(err, venue.ErrOrderNotFound) {
		r.applyQuery(id, venue.Report{}, err)
		return nil
	}
	return err
}

// Flatten 为所有没有在途平仓单的持仓提交市价平仓单（kill switch 第二步）。
func (r *Router) Flatten(ctx context.Context) ([]types.Order, error) {
	r.mu.Lock()
	var open []types.Trade
	for _, t := range r.trades {
		if t.IsOpen() && t.OpenQty() > 0 && t.ExitOrderID == "" {
			open = append(open, *t)
		}
	}
	marks := r.marks
	r.mu.Unlock()
	sort.Slice(open, func(i, j int) bool { return open[i].ID < open[j].ID })

	var submitted []types.Order
	var errs []error
	for _, t := range open {
		price := t.EntryPrice
		if marks != nil {
			if m := marks(t.Symbol); m > 0 {
				price = m
			}
		}
		order := types.Order{
			ClientOrderID: uuid.NewString(),
			SignalID:      "kill-switch:" + t.ID,
			StrategyID:    t.StrategyID,
			Symbol:        t.Symbol,
			Side:          t.Side.Opposite(),
			Kind:          types.KindExit,
			Type:          types.OrderMarket,
			Quantity:      t.OpenQty(),
			Price:         price,
			TradeID:       t.ID,
			CreatedAt:     r.now(),
		}
		if err := r.ledger.MarkExiting(ctx, t.ID, order.ClientOrderID); err != nil {
			if errors.Is(err, types.ErrExitPending) {
				// 流水线已经放行了这笔交易的平仓单，由它完成平仓
				r.log.Info("flatten skipped, exit already admitted", "trade", t.ID, "error", err)
				continue
			}
			r.log.Error("ledger mark exiting failed", "trade", t.ID, "error", err)
		}
		if err := r.Submit(ctx, order); err != nil {
			if errors.Is(err, types.ErrExitPending) {
				r.log.Info("flatten skipped, exit already live", "trade", t.ID)
				continue
			}
			errs = append(errs, fmt.Errorf("flatten %s: %w", t.ID, err))
			continue
		}
		submitted = append(submitted, order)
	}
	return submitted, errors.Join(errs...)
}

// Restore 从持久化数据恢复交易簿；未终结订单一律视为 unknown 等待对账。
func (r *Router) Restore(trades []types.Trade, orders []types.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range trades {
		cp := t
		cp.ExitOrderID = ""
		r.trades[cp.ID] = &cp
	}
	for _, o := range orders {
		cp := o
		if IsLive(cp.State) {
			cp.State = types.OrderUnknown
			r.reconciles[cp.ClientOrderID] = 0
		}
		r.orders[cp.ClientOrderID] = &cp
		if cp.Kind == types.KindExit && IsLive(cp.State) {
			if t, ok := r.trades[cp.TradeID]; ok {
				t.ExitOrderID = cp.ClientOrderID
				r.exitBases[cp.ClientOrderID] = exitBase{qty: max(t.ExitedQty-cp.FilledQty, 0), price: t.ExitPrice}
			}
		}
	}
	logger.Infof("Router restored: %d trades, %d orders", len(r.trades), len(r.orders))
}

// Prune 移除早于 before 的终态订单与已平仓交易。
func (r *Router) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, o := range r.orders {
		if o.State.IsTerminal() && o.UpdatedAt.Before(before) {
			delete(r.orders, id)
			delete(r.seenExec, id)
			n++
		}
	}
	for id, t := range r.trades {
		if t.ExitTime != nil && t.ExitTime.Before(before) {
			delete(r.trades, id)
		}
	}
	return n
}

func (r *Router) OpenTrades() []types.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Trade, 0, len(r.trades))
	for _, t := range r.trades {
		if t.IsOpen() {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// ClosedTrades 返回 since 之后平仓的交易，按平仓时间排序。
func (r *Router) ClosedTrades(since time.Time) []types.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Trade, 0)
	for _, t := range r.trades {
		if t.ExitTime != nil && !t.ExitTime.Before(since) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExitTime.Before(*out[j].ExitTime) })
	return out
}

func (r *Router) Trade(id string) (types.Trade, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trades[id]
	if !ok {
		return types.Trade{}, false
	}
	return *t, true
}

func (r *Router) Orders() []types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Router) Order(id string) (types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return types.Order{}, false
	}
	return *o, true
}
