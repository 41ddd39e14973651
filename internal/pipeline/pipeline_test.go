package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/calendar"
	"tradegate/internal/config"
	"tradegate/internal/funnel"
	"tradegate/internal/market"
	"tradegate/internal/risk"
	"tradegate/internal/strategy"
	"tradegate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 10, 14, 14, 30, 0, 0, time.UTC)

type stubStrategy struct {
	id      string
	symbols []string
	entry   func(market.Snapshot) *types.Signal
	exit    func(market.Snapshot, types.Trade) *types.Signal
}

func (s *stubStrategy) ID() string              { return s.id }
func (s *stubStrategy) Kind() string            { return "stub" }
func (s *stubStrategy) Symbols() []string       { return s.symbols }
func (s *stubStrategy) Params() strategy.Params { return strategy.Params{} }

func (s *stubStrategy) EvaluateEntry(snap market.Snapshot) *types.Signal {
	if s.entry == nil {
		return nil
	}
	return s.entry(snap)
}

func (s *stubStrategy) EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if s.exit == nil {
		return nil
	}
	return s.exit(snap, pos)
}

func buyEntry(id string) func(market.Snapshot) *types.Signal {
	return func(s market.Snapshot) *types.Signal {
		return &types.Signal{
			ID:         id + "-" + s.Symbol + "-" + s.Time.Format(time.RFC3339),
			StrategyID: id,
			Symbol:     s.Symbol,
			Side:       types.SideBuy,
			Kind:       types.KindEntry,
			Price:      s.Price,
			StopLoss:   s.Price * 0.99,
			CreatedAt:  s.Time,
		}
	}
}

func sellExit(id string) func(market.Snapshot, types.Trade) *types.Signal {
	return func(s market.Snapshot, pos types.Trade) *types.Signal {
		return &types.Signal{
			ID:         id + "-exit-" + pos.ID,
			StrategyID: id,
			Symbol:     s.Symbol,
			Side:       types.SideSell,
			Kind:       types.KindExit,
			Price:      s.Price,
			TradeID:    pos.ID,
			CreatedAt:  s.Time,
		}
	}
}

type fakeGate struct {
	mu         sync.Mutex
	admitted   []types.Signal
	reject     map[string]types.RejectReason
	released   []string
	aborted    []string
	marks      map[string]float64
	rollNext   bool
	day        time.Time
	capital    float64
	unrealized float64
}

func newFakeGate() *fakeGate {
	return &fakeGate{
		reject:     map[string]types.RejectReason{},
		marks:      map[string]float64{},
		day:        time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC),
		capital:    100000,
		unrealized: -250,
	}
}

func (g *fakeGate) Admit(_ context.Context, sig types.Signal) (risk.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.admitted = append(g.admitted, sig)
	if reason, ok := g.reject[sig.StrategyID]; ok {
		return risk.Decision{Reason: reason, Signal: sig}, nil
	}
	return risk.Decision{Accepted: true, Signal: sig, Order: &types.Order{
		ClientOrderID: "ord-" + sig.ID,
		SignalID:      sig.ID,
		StrategyID:    sig.StrategyID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Kind:          sig.Kind,
		Quantity:      10,
		Price:         sig.Price,
		StopLoss:      sig.StopLoss,
		TradeID:       sig.TradeID,
	}}, nil
}

func (g *fakeGate) Release(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, orderID)
	return nil
}

func (g *fakeGate) ExitAborted(_ context.Context, tradeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.aborted = append(g.aborted, tradeID)
	return nil
}

func (g *fakeGate) Mark(_ context.Context, symbol string, price float64) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marks[symbol] = price
	return g.unrealized, nil
}

func (g *fakeGate) RollDay(_ context.Context, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.rollNext {
		return false, nil
	}
	g.rollNext = false
	y, m, d := now.Date()
	g.day = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return true, nil
}

func (g *fakeGate) Snapshot() risk.Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return risk.Snapshot{
		Account: types.AccountSnapshot{Capital: g.capital, UnrealizedPnL: g.unrealized},
		Day:     g.day,
	}
}

func (g *fakeGate) signals() []types.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.Signal(nil), g.admitted...)
}

type fakeRouter struct {
	mu         sync.Mutex
	submitted  []types.Order
	open       []types.Trade
	submitErr  error
	reconciles int
	pruned     []time.Time
}

func (r *fakeRouter) Submit(_ context.Context, o types.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitErr != nil {
		return r.submitErr
	}
	r.submitted = append(r.submitted, o)
	return nil
}

func (r *fakeRouter) OpenTrades() []types.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Trade(nil), r.open...)
}

func (r *fakeRouter) Reconcile(context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciles++
	return 0, nil
}

func (r *fakeRouter) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, before)
	return 2
}

func (r *fakeRouter) orders() []types.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Order(nil), r.submitted...)
}

type stubHours struct{ closed atomic.Bool }

func (h *stubHours) Eligible(time.Time) calendar.Eligibility {
	if h.closed.Load() {
		return calendar.Eligibility{Session: types.SessionClosed, Reason: calendar.SkipClosed}
	}
	return calendar.Eligibility{Session: types.SessionRegular, OK: true}
}

func (h *stubHours) TradingDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (h *stubHours) MinuteOfDay(t time.Time) int { return t.Hour()*60 + t.Minute() }

type stubHealth struct{ disabled map[string]bool }

func (h stubHealth) Enabled(id string) bool { return !h.disabled[id] }

type fakeSessions struct {
	mu        sync.Mutex
	rolled    []float64
	refreshed []float64
}

func (s *fakeSessions) RollSession(_ time.Time, capital float64) {
	s.mu.Lock()
	s.rolled = append(s.rolled, capital)
	s.mu.Unlock()
}

func (s *fakeSessions) RefreshUnrealized(total float64, _ time.Time) breaker.Level {
	s.mu.Lock()
	s.refreshed = append(s.refreshed, total)
	s.mu.Unlock()
	return breaker.LevelNormal
}

type fakeSink struct {
	mu    sync.Mutex
	saved map[string]funnel.Snapshot
	order []string
}

func (s *fakeSink) FunnelSnapshot(day string, snap funnel.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = map[string]funnel.Snapshot{}
	}
	s.saved[day] = snap
	s.order = append(s.order, day)
}

type harness struct {
	p        *Pipeline
	gate     *fakeGate
	router   *fakeRouter
	hours    *stubHours
	funnel   *funnel.Funnel
	book     *market.Book
	sessions *fakeSessions
	sink     *fakeSink
}

func newHarness(t *testing.T, cfg config.PipelineConfig, health stubHealth, list ...strategy.Strategy) *harness {
	t.Helper()
	h := &harness{
		gate:     newFakeGate(),
		router:   &fakeRouter{},
		hours:    &stubHours{},
		funnel:   funnel.New(config.FunnelConfig{}, nil),
		book:     market.NewBook(100),
		sessions: &fakeSessions{},
		sink:     &fakeSink{},
	}
	h.p = New(cfg, Deps{
		Hours:      h.hours,
		Book:       h.book,
		Strategies: strategy.NewRegistry(list...),
		Gate:       h.gate,
		Router:     h.router,
		Health:     health,
		Sessions:   h.sessions,
		Funnel:     h.funnel,
		Snapshots:  h.sink,
	})
	return h
}

func tick(symbol string, i int, price float64) types.MarketTick {
	return types.MarketTick{
		Symbol: symbol,
		Time:   base.Add(time.Duration(i) * time.Minute),
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: 1000,
	}
}

func oneBar() config.PipelineConfig { return config.PipelineConfig{Workers: 2, MinBars: 1} }

func counter(f *funnel.Funnel, c funnel.Counter) int64 {
	return f.Snapshot().Total.Counters[c]
}

func TestTickSkips(t *testing.T) {
	t.Run("paused", func(t *testing.T) {
		h := newHarness(t, oneBar(), stubHealth{}, &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a")})
		h.p.Pause()
		assert.True(t, h.p.Paused())
		h.p.process(context.Background(), tick("SPY", 0, 100))
		assert.Equal(t, int64(1), counter(h.funnel, funnel.SkippedPaused))
		assert.Empty(t, h.gate.signals())
		assert.Equal(t, 1, h.book.Series("SPY").Len())
		assert.Equal(t, 100.0, h.gate.marks["SPY"])

		h.p.Resume()
		h.p.process(context.Background(), tick("SPY", 1, 101))
		assert.Len(t, h.gate.signals(), 1)
	})
	t.Run("ineligible", func(t *testing.T) {
		h := newHarness(t, oneBar(), stubHealth{}, &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a")})
		h.hours.closed.Store(true)
		h.p.process(context.Background(), tick("SPY", 0, 100))
		assert.Equal(t, int64(1), counter(h.funnel, funnel.SkippedIneligible))
		assert.Equal(t, int64(0), counter(h.funnel, funnel.Blocked))
		assert.Empty(t, h.gate.signals())
	})
	t.Run("no data", func(t *testing.T) {
		h := newHarness(t, config.PipelineConfig{MinBars: 3}, stubHealth{}, &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a")})
		h.p.process(context.Background(), tick("SPY", 0, 100))
		h.p.process(context.Background(), tick("SPY", 1, 100))
		assert.Equal(t, int64(2), counter(h.funnel, funnel.SkippedNoData))
		h.p.process(context.Background(), tick("SPY", 2, 100))
		assert.Len(t, h.gate.signals(), 1)
	})
}

func TestAcceptedSignalIsSubmitted(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{}, &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a")})
	h.p.process(context.Background(), tick("SPY", 0, 100))

	orders := h.router.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, "a", orders[0].StrategyID)
	assert.Equal(t, types.KindEntry, orders[0].Kind)

	snap := h.funnel.Snapshot()
	assert.Equal(t, int64(1), snap.Total.Counters[funnel.SignalsGenerated])
	assert.Equal(t, int64(1), snap.ByStrategy["a"].Counters[funnel.SignalsGenerated])
	recent := h.funnel.Recent(10, "")
	require.Len(t, recent, 1)
	assert.Equal(t, funnel.DecisionAccepted, recent[0].Decision)
	assert.Equal(t, int64(10), recent[0].Quantity)
	assert.Equal(t, 1.0, recent[0].Context["bars"])
}

func TestRejectedSignalCountsBlocked(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{}, &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a")})
	h.gate.reject["a"] = types.ReasonCorrelation
	h.p.process(context.Background(), tick("SPY", 0, 100))

	assert.Empty(t, h.router.orders())
	snap := h.funnel.Snapshot()
	assert.Equal(t, int64(1), snap.Total.Counters[funnel.Blocked])
	assert.Equal(t, int64(1), snap.Total.Rejections[types.ReasonCorrelation])
	recent := h.funnel.Recent(1, "a")
	require.Len(t, recent, 1)
	assert.Equal(t, funnel.DecisionRejected, recent[0].Decision)
	assert.Equal(t, string(types.ReasonCorrelation), recent[0].Reason)
}

func TestExitsForwardedBeforeEntries(t *testing.T) {
	a := &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a"), exit: sellExit("a")}
	b := &stubStrategy{id: "b", symbols: []string{"SPY"}, entry: buyEntry("b"), exit: sellExit("b")}
	c := &stubStrategy{id: "c", symbols: []string{"SPY"}, entry: buyEntry("c"), exit: sellExit("c")}
	h := newHarness(t, oneBar(), stubHealth{}, a, b, c)
	h.router.open = []types.Trade{
		{ID: "t-b", StrategyID: "b", Symbol: "SPY", Side: types.SideBuy, Quantity: 10, EntryPrice: 99},
		{ID: "t-c", StrategyID: "c", Symbol: "SPY", Side: types.SideBuy, Quantity: 10, EntryPrice: 99, ExitOrderID: "x1"},
		{ID: "t-q", StrategyID: "a", Symbol: "QQQ", Side: types.SideBuy, Quantity: 10, EntryPrice: 300},
	}
	h.p.process(context.Background(), tick("SPY", 0, 100))

	sigs := h.gate.signals()
	require.Len(t, sigs, 2)
	assert.Equal(t, types.KindExit, sigs[0].Kind)
	assert.Equal(t, "t-b", sigs[0].TradeID)
	assert.Equal(t, types.KindEntry, sigs[1].Kind)
	assert.Equal(t, "a", sigs[1].StrategyID)
}

func TestDisabledStrategySkipsEntriesOnly(t *testing.T) {
	a := &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a"), exit: sellExit("a")}
	b := &stubStrategy{id: "b", symbols: []string{"SPY"}, entry: buyEntry("b"), exit: sellExit("b")}
	h := newHarness(t, oneBar(), stubHealth{disabled: map[string]bool{"a": true, "b": true}}, a, b)
	h.router.open = []types.Trade{{ID: "t-a", StrategyID: "a", Symbol: "SPY", Side: types.SideBuy, Quantity: 5, EntryPrice: 99}}
	h.p.process(context.Background(), tick("SPY", 0, 100))

	sigs := h.gate.signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, types.KindExit, sigs[0].Kind)
	assert.Equal(t, "a", sigs[0].StrategyID)
}

func TestFailingStrategyIsIsolated(t *testing.T) {
	boom := &stubStrategy{id: "boom", symbols: []string{"SPY"}, entry: func(market.Snapshot) *types.Signal { panic("bad index") }}
	nostop := &stubStrategy{id: "nostop", symbols: []string{"SPY"}, entry: func(s market.Snapshot) *types.Signal {
		sig := buyEntry("nostop")(s)
		sig.StopLoss = 0
		return sig
	}}
	ok := &stubStrategy{id: "ok", symbols: []string{"SPY"}, entry: buyEntry("ok")}
	h := newHarness(t, oneBar(), stubHealth{}, boom, nostop, ok)
	h.p.process(context.Background(), tick("SPY", 0, 100))

	sigs := h.gate.signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, "ok", sigs[0].StrategyID)

	byStrategy := map[string]funnel.Evaluation{}
	for _, ev := range h.funnel.Recent(0, "") {
		byStrategy[ev.StrategyID] = ev
	}
	assert.Equal(t, funnel.DecisionFailed, byStrategy["boom"].Decision)
	assert.Contains(t, byStrategy["boom"].Reason, ErrStrategyPanic.Error())
	assert.Equal(t, funnel.DecisionFailed, byStrategy["nostop"].Decision)
	assert.Equal(t, strategy.ErrMissingStop.Error(), byStrategy["nostop"].Reason)
}

func TestNoSignalIsRecorded(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{}, &stubStrategy{id: "quiet", symbols: []string{"SPY"}})
	h.p.process(context.Background(), tick("SPY", 0, 100))
	assert.Equal(t, int64(1), h.funnel.Snapshot().Evaluations[funnel.DecisionNoSignal])
	assert.Equal(t, int64(0), counter(h.funnel, funnel.SignalsGenerated))
}

func TestSubmitFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{}, &stubStrategy{id: "a", symbols: []string{"SPY"}, entry: buyEntry("a")})
	h.router.submitErr = errors.New("duplicate order")
	h.p.process(context.Background(), tick("SPY", 0, 100))

	sigs := h.gate.signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, []string{"ord-" + sigs[0].ID}, h.gate.released)
}

func TestExitSubmitFailureClearsPendingExit(t *testing.T) {
	cases := map[string]struct {
		err     error
		aborted []string
	}{
		"venue error":       {err: errors.New("router closed"), aborted: []string{"t-a"}},
		"exit already live": {err: fmt.Errorf("%w: trade t-a", types.ErrExitPending)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			a := &stubStrategy{id: "a", symbols: []string{"SPY"}, exit: sellExit("a")}
			h := newHarness(t, oneBar(), stubHealth{}, a)
			h.router.open = []types.Trade{{ID: "t-a", StrategyID: "a", Symbol: "SPY", Side: types.SideBuy, Quantity: 5, EntryPrice: 99}}
			h.router.submitErr = tc.err
			h.p.process(context.Background(), tick("SPY", 0, 100))

			require.Len(t, h.gate.signals(), 1)
			assert.Empty(t, h.gate.released)
			assert.Equal(t, tc.aborted, h.gate.aborted)
		})
	}
}

func TestDispatchKeepsSymbolOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]time.Time{}
	record := &stubStrategy{id: "rec", symbols: []string{"SPY", "QQQ", "IWM"}, entry: func(s market.Snapshot) *types.Signal {
		mu.Lock()
		seen[s.Symbol] = append(seen[s.Symbol], s.Time)
		mu.Unlock()
		return nil
	}}
	h := newHarness(t, config.PipelineConfig{Workers: 4, BufferSize: 8, MinBars: 1, ClockIntervalSeconds: 3600}, stubHealth{}, record)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.p.Run(ctx) }()

	const n = 40
	for i := 0; i < n; i++ {
		for _, sym := range []string{"SPY", "QQQ", "IWM"} {
			require.NoError(t, h.p.Dispatch(ctx, tick(sym, i, 100+float64(i))))
		}
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen["SPY"]) == n && len(seen["QQQ"]) == n && len(seen["IWM"]) == n
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	for sym, times := range seen {
		for i := 1; i < len(times); i++ {
			assert.True(t, times[i].After(times[i-1]), "%s out of order at %d", sym, i)
		}
	}
	mu.Unlock()

	cancel()
	require.NoError(t, <-runErr)
	assert.ErrorIs(t, h.p.Dispatch(context.Background(), tick("SPY", n, 100)), ErrStopped)
	assert.ErrorIs(t, h.p.Run(context.Background()), ErrAlreadyRunning)
}

func TestDispatchRejectsInvalidTick(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{})
	bad := []types.MarketTick{
		{Time: base, Close: 1},
		{Symbol: "SPY", Close: 1},
		{Symbol: "SPY", Time: base},
	}
	for _, tk := range bad {
		assert.ErrorIs(t, h.p.Dispatch(context.Background(), tk), ErrInvalidTick)
	}
}

func TestObserversSeeEveryTick(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{})
	var got []float64
	h.p.OnTick(func(tk types.MarketTick) { got = append(got, tk.Close) })
	h.p.Pause()
	h.p.process(context.Background(), tick("SPY", 0, 100))
	h.p.process(context.Background(), tick("SPY", 1, 101))
	assert.Equal(t, []float64{100, 101}, got)
}

func TestClockWithinDay(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{})
	h.funnel.Skip(funnel.SkippedNoData)
	now := base.Add(time.Hour)
	h.p.tickClock(context.Background(), now)

	assert.Equal(t, []float64{100000}, h.sessions.rolled)
	assert.Equal(t, []float64{-250}, h.sessions.refreshed)
	assert.Equal(t, 1, h.router.reconciles)
	assert.Empty(t, h.router.pruned)
	require.Equal(t, []string{"2026-10-14"}, h.sink.order)
	assert.Equal(t, int64(1), h.sink.saved["2026-10-14"].Total.Counters[funnel.SkippedNoData])
}

func TestClockRollsTradingDay(t *testing.T) {
	h := newHarness(t, oneBar(), stubHealth{})
	h.funnel.Skip(funnel.SkippedIneligible)
	h.gate.rollNext = true
	now := base.Add(time.Hour)
	h.p.tickClock(context.Background(), now)

	require.Equal(t, []string{"2026-10-13", "2026-10-14"}, h.sink.order)
	assert.Equal(t, int64(1), h.sink.saved["2026-10-13"].Total.Counters[funnel.SkippedIneligible])
	assert.Equal(t, int64(0), h.sink.saved["2026-10-14"].Total.Counters[funnel.SkippedIneligible])
	require.Len(t, h.router.pruned, 1)
	assert.True(t, h.router.pruned[0].Equal(time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)))
}

func TestClockGoesThroughControlWorker(t *testing.T) {
	h := newHarness(t, config.PipelineConfig{Workers: 1, MinBars: 1, ClockIntervalSeconds: 3600}, stubHealth{})
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- h.p.Run(ctx) }()

	require.NoError(t, h.p.Clock(ctx, base))
	require.Eventually(t, func() bool {
		h.router.mu.Lock()
		defer h.router.mu.Unlock()
		return h.router.reconciles == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-runErr)
}

func TestShardOfIsStable(t *testing.T) {
	for _, sym := range []string{"SPY", "QQQ", "IWM", "AAPL"} {
		first := shardOf(sym, 4)
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 4)
		assert.Equal(t, first, shardOf(sym, 4))
	}
	assert.Equal(t, 0, shardOf("SPY", 1))
}
