package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/types"
	"tradegate/internal/venue"
	"tradegate/internal/venue/paper"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) Name() string { return "mock" }

func (m *MockVenue) Submit(ctx context.Context, req venue.Request) (venue.Ack, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(venue.Ack), args.Error(1)
}

func (m *MockVenue) Cancel(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockVenue) Query(ctx context.Context, id string) (venue.Report, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(venue.Report), args.Error(1)
}

func (m *MockVenue) Subscribe(func(venue.Report)) {}

type exitCall struct {
	tradeID string
	qty     int64
	price   float64
	pnl     float64
}

type fakeLedger struct {
	mu       sync.Mutex
	filled   map[string]int64
	released []string
	exits    []exitCall
	aborted  []string
	exiting  map[string]string
	// admitted 模拟风控已经为该交易放行了一张平仓单
	admitted map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{filled: make(map[string]int64), exiting: make(map[string]string), admitted: make(map[string]string)}
}

func (l *fakeLedger) Release(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, id)
	return nil
}

func (l *fakeLedger) Filled(_ context.Context, id string, qty int64, _ float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filled[id] = qty
	return nil
}

func (l *fakeLedger) ExitFilled(_ context.Context, tradeID string, qty int64, price, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exits = append(l.exits, exitCall{tradeID: tradeID, qty: qty, price: price, pnl: pnl})
	return nil
}

func (l *fakeLedger) ExitAborted(_ context.Context, tradeID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = append(l.aborted, tradeID)
	return nil
}

func (l *fakeLedger) MarkExiting(_ context.Context, tradeID, exitOrderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if other, ok := l.admitted[tradeID]; ok && other != exitOrderID {
		return fmt.Errorf("%w: trade %s has exit %s", types.ErrExitPending, tradeID, other)
	}
	l.exiting[tradeID] = exitOrderID
	return nil
}

func (l *fakeLedger) releasedIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.released...)
}

func (l *fakeLedger) exitCalls() []exitCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]exitCall(nil), l.exits...)
}

func testSettings() Settings {
	return Settings{
		SubmitTimeout:        time.Second,
		MaxAttempts:          3,
		Backoff:              time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		BreakerFailures:      5,
		BreakerCooldown:      time.Minute,
		MaxReconcileAttempts: 3,
		StaleAfter:           time.Minute,
	}
}

func entryOrder(id, symbol string, qty int64, price float64) types.Order {
	return types.Order{
		ClientOrderID: id,
		SignalID:      "sig-" + id,
		StrategyID:    "orb",
		Symbol:        symbol,
		Side:          types.SideBuy,
		Kind:          types.KindEntry,
		Type:          types.OrderMarket,
		Quantity:      qty,
		Price:         price,
		StopLoss:      price * 0.98,
	}
}

func exitOrder(id string, trade types.Trade, qty int64, price float64) types.Order {
	return types.Order{
		ClientOrderID: id,
		SignalID:      "sig-" + id,
		StrategyID:    trade.StrategyID,
		Symbol:        trade.Symbol,
		Side:          trade.Side.Opposite(),
		Kind:          types.KindExit,
		Type:          types.OrderMarket,
		Quantity:      qty,
		Price:         price,
		TradeID:       trade.ID,
	}
}

func waitState(t *testing.T, r *Router, id string, want types.OrderState) types.Order {
	t.Helper()
	require.Eventually(t, func() bool {
		o, ok := r.Order(id)
		return ok && o.State == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", id, want)
	o, _ := r.Order(id)
	return o
}

func newPaperRouter(t *testing.T) (*Router, *paper.Venue, *fakeLedger) {
	t.Helper()
	v := paper.New(config.PaperConfig{})
	ledger := newFakeLedger()
	r := New(testSettings(), v, ledger)
	t.Cleanup(r.Close)
	return r, v, ledger
}

func TestEntryFillCreatesTrade(t *testing.T) {
	r, v, ledger := newPaperRouter(t)
	v.Mark("SPY", 100)
	var changes []types.OrderState
	var mu sync.Mutex
	r.AddListener(Hooks{OnOrder: func(_ types.OrderState, o types.Order) {
		mu.Lock()
		changes = append(changes, o.State)
		mu.Unlock()
	}})

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 100, 100)))
	o := waitState(t, r, "o1", types.OrderFilled)
	assert.Equal(t, int64(100), o.FilledQty)
	assert.Equal(t, 1, o.Attempts)

	tr, ok := r.Trade("o1")
	require.True(t, ok)
	assert.Equal(t, int64(100), tr.Quantity)
	assert.Equal(t, 100.0, tr.EntryPrice)
	assert.True(t, tr.IsOpen())
	assert.Len(t, r.OpenTrades(), 1)

	ledger.mu.Lock()
	assert.Equal(t, int64(100), ledger.filled["o1"])
	ledger.mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range changes {
			if s == types.OrderFilled {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, types.OrderPending, changes[0])
}

func TestDuplicateOrderRejected(t *testing.T) {
	r, v, _ := newPaperRouter(t)
	v.HoldFills(true)
	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 10, 100)))
	err := r.Submit(context.Background(), entryOrder("o1", "SPY", 10, 100))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
	waitState(t, r, "o1", types.OrderSubmitted)
	assert.Equal(t, 1, v.Submissions())
}

func TestHardRejectReleasesReservation(t *testing.T) {
	r, v, ledger := newPaperRouter(t)
	v.RejectSymbol("XYZ", "halted")
	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "XYZ", 10, 20)))
	o := waitState(t, r, "o1", types.OrderRejected)
	assert.Equal(t, "halted", o.Reason)
	assert.Equal(t, 1, o.Attempts)
	assert.Equal(t, []string{"o1"}, ledger.releasedIDs())
	_, ok := r.Trade("o1")
	assert.False(t, ok)
}

func TestRetryReusesClientOrderID(t *testing.T) {
	r, v, ledger := newPaperRouter(t)
	v.HoldFills(true)
	v.DropAcks(1)
	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 10, 100)))
	o := waitState(t, r, "o1", types.OrderSubmitted)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, 1, v.Submissions())
	assert.Empty(t, ledger.releasedIDs())
}

func TestBreakerOpenRejectsAsVenueUnavailable(t *testing.T) {
	mv := new(MockVenue)
	mv.On("Submit", mock.Anything, mock.Anything).Return(venue.Ack{}, venue.ErrUnavailable)
	ledger := newFakeLedger()
	st := testSettings()
	st.MaxAttempts = 1
	st.BreakerFailures = 2
	r := New(st, mv, ledger)
	t.Cleanup(r.Close)

	for _, id := range []string{"o1", "o2"} {
		require.NoError(t, r.Submit(context.Background(), entryOrder(id, "SPY", 10, 100)))
		waitState(t, r, id, types.OrderUnknown)
	}
	assert.Equal(t, "open", r.BreakerState())

	require.NoError(t, r.Submit(context.Background(), entryOrder("o3", "QQQ", 10, 100)))
	o := waitState(t, r, "o3", types.OrderRejected)
	assert.Equal(t, ReasonVenueUnavailable, o.Reason)
	assert.Equal(t, []string{"o3"}, ledger.releasedIDs())
	mv.AssertNumberOfCalls(t, "Submit", 2)
}

func TestEarlyFillsBufferedUntilAck(t *testing.T) {
	mv := new(MockVenue)
	release := make(chan struct{})
	mv.On("Submit", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(venue.Ack{ClientOrderID: "o1", VenueOrderID: "v1"}, nil)
	ledger := newFakeLedger()
	r := New(testSettings(), mv, ledger)
	t.Cleanup(r.Close)

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 100, 50)))
	fill := venue.Report{ExecID: "e1", ClientOrderID: "o1", Kind: venue.ReportFill, CumQty: 100, AvgPrice: 50.5}
	require.NoError(t, r.HandleExecution(fill))
	o, _ := r.Order("o1")
	assert.Equal(t, types.OrderPending, o.State)

	close(release)
	o = waitState(t, r, "o1", types.OrderFilled)
	assert.Equal(t, "v1", o.VenueOrderID)
	assert.Equal(t, 50.5, o.AvgFillPrice)

	// 重复和过期的回报被忽略
	require.NoError(t, r.HandleExecution(fill))
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e0", ClientOrderID: "o1", Kind: venue.ReportPartialFill, CumQty: 40, AvgPrice: 50}))
	o, _ = r.Order("o1")
	assert.Equal(t, int64(100), o.FilledQty)

	assert.ErrorIs(t, r.HandleExecution(venue.Report{ExecID: "x", ClientOrderID: "nope", Kind: venue.ReportFill}), ErrUnknownOrder)
}

func TestUnknownOrderReconciled(t *testing.T) {
	v := paper.New(config.PaperConfig{})
	v.HoldFills(true)
	v.DropAcks(1)
	ledger := newFakeLedger()
	st := testSettings()
	st.MaxAttempts = 1
	r := New(st, v, ledger)
	t.Cleanup(r.Close)

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 10, 100)))
	waitState(t, r, "o1", types.OrderUnknown)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	o, _ := r.Order("o1")
	assert.Equal(t, types.OrderSubmitted, o.State)

	v.Mark("SPY", 101)
	v.FillAll()
	waitState(t, r, "o1", types.OrderFilled)
	assert.Empty(t, ledger.releasedIDs())
}

func TestUnknownOrderNotFoundIsRejected(t *testing.T) {
	mv := new(MockVenue)
	mv.On("Submit", mock.Anything, mock.Anything).Return(venue.Ack{}, venue.ErrUnavailable)
	mv.On("Query", mock.Anything, "o1").Return(venue.Report{}, venue.ErrOrderNotFound)
	ledger := newFakeLedger()
	st := testSettings()
	st.MaxAttempts = 2
	r := New(st, mv, ledger)
	t.Cleanup(r.Close)

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 10, 100)))
	waitState(t, r, "o1", types.OrderUnknown)
	assert.Empty(t, ledger.releasedIDs())

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	o, _ := r.Order("o1")
	assert.Equal(t, types.OrderRejected, o.State)
	assert.Equal(t, ReasonNotFoundAtVenue, o.Reason)
	assert.Equal(t, []string{"o1"}, ledger.releasedIDs())
	mv.AssertNumberOfCalls(t, "Submit", 2)
}

func TestUnknownKeepsReservationWhenQueryFails(t *testing.T) {
	mv := new(MockVenue)
	mv.On("Submit", mock.Anything, mock.Anything).Return(venue.Ack{}, venue.ErrUnavailable)
	mv.On("Query", mock.Anything, "o1").Return(venue.Report{}, venue.ErrUnavailable)
	ledger := newFakeLedger()
	st := testSettings()
	st.MaxAttempts = 1
	st.MaxReconcileAttempts = 2
	st.BreakerFailures = 100
	r := New(st, mv, ledger)
	t.Cleanup(r.Close)

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 10, 100)))
	waitState(t, r, "o1", types.OrderUnknown)
	for i := 0; i < 4; i++ {
		n, err := r.Reconcile(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	o, _ := r.Order("o1")
	assert.Equal(t, types.OrderUnknown, o.State)
	assert.Empty(t, ledger.releasedIDs())
	mv.AssertNumberOfCalls(t, "Query", 2)
}

func TestExitFillClosesTrade(t *testing.T) {
	r, v, ledger := newPaperRouter(t)
	v.Mark("SPY", 100)
	closed := make(chan types.Trade, 1)
	r.AddListener(Hooks{OnClosed: func(tr types.Trade) { closed <- tr }})

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 100, 100)))
	waitState(t, r, "o1", types.OrderFilled)
	tr, _ := r.Trade("o1")

	v.Mark("SPY", 110)
	require.NoError(t, r.Submit(context.Background(), exitOrder("x1", tr, 100, 110)))
	waitState(t, r, "x1", types.OrderFilled)

	select {
	case got := <-closed:
		require.NotNil(t, got.RealizedPnL)
		assert.InDelta(t, 1000, *got.RealizedPnL, 1e-9)
		assert.Equal(t, 110.0, got.ExitPrice)
		assert.Empty(t, got.ExitOrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("trade not closed")
	}
	assert.Empty(t, r.OpenTrades())
	assert.ErrorIs(t, r.Submit(context.Background(), exitOrder("x2", tr, 100, 110)), ErrTradeClosed)
	require.Len(t, r.ClosedTrades(time.Time{}), 1)
	assert.Empty(t, r.ClosedTrades(time.Now().Add(time.Hour)))
	calls := ledger.exitCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, exitCall{tradeID: "o1", qty: 100, price: 110, pnl: 1000}, calls[0])
}

func TestPartialExitsUseWeightedExitPrice(t *testing.T) {
	mv := new(MockVenue)
	mv.On("Submit", mock.Anything, mock.Anything).Return(venue.Ack{VenueOrderID: "v"}, nil)
	ledger := newFakeLedger()
	r := New(testSettings(), mv, ledger)
	t.Cleanup(r.Close)

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 100, 10)))
	waitState(t, r, "o1", types.OrderSubmitted)
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e1", ClientOrderID: "o1", Kind: venue.ReportFill, CumQty: 100, AvgPrice: 10}))
	tr, _ := r.Trade("o1")

	require.NoError(t, r.Submit(context.Background(), exitOrder("x1", tr, 100, 12)))
	waitState(t, r, "x1", types.OrderSubmitted)
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e2", ClientOrderID: "x1", Kind: venue.ReportPartialFill, CumQty: 40, AvgPrice: 12}))
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e3", ClientOrderID: "x1", Kind: venue.ReportRejected, Reason: "halted"}))
	x1, _ := r.Order("x1")
	assert.Equal(t, types.OrderCancelled, x1.State)

	tr, _ = r.Trade("o1")
	assert.True(t, tr.IsOpen())
	assert.Equal(t, int64(60), tr.OpenQty())
	assert.Empty(t, tr.ExitOrderID)

	require.NoError(t, r.Submit(context.Background(), exitOrder("x2", tr, 60, 9)))
	waitState(t, r, "x2", types.OrderSubmitted)
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e4", ClientOrderID: "x2", Kind: venue.ReportFill, CumQty: 60, AvgPrice: 9}))

	tr, _ = r.Trade("o1")
	require.False(t, tr.IsOpen())
	assert.InDelta(t, 10.2, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 20, *tr.RealizedPnL, 1e-9)

	calls := ledger.exitCalls()
	require.Len(t, calls, 2)
	assert.InDelta(t, 80, calls[0].pnl, 1e-9)
	assert.InDelta(t, -60, calls[1].pnl, 1e-9)
}

func TestCancelAllAndFlatten(t *testing.T) {
	r, v, ledger := newPaperRouter(t)
	v.Mark("SPY", 100)
	v.Mark("QQQ", 50)
	r.SetMarkSource(func(string) float64 { return 99 })

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 100, 100)))
	waitState(t, r, "o1", types.OrderFilled)

	v.HoldFills(true)
	require.NoError(t, r.Submit(context.Background(), entryOrder("o2", "QQQ", 10, 50)))
	waitState(t, r, "o2", types.OrderSubmitted)

	require.NoError(t, r.CancelAll(context.Background()))
	waitState(t, r, "o2", types.OrderCancelled)
	assert.Equal(t, []string{"o2"}, ledger.releasedIDs())

	exits, err := r.Flatten(context.Background())
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, "o1", exits[0].TradeID)
	assert.Equal(t, types.SideSell, exits[0].Side)
	assert.Equal(t, int64(100), exits[0].Quantity)
	assert.Equal(t, 99.0, exits[0].Price)
	ledger.mu.Lock()
	assert.Equal(t, exits[0].ClientOrderID, ledger.exiting["o1"])
	ledger.mu.Unlock()

	// 已有在途平仓单时不会重复平仓
	again, err := r.Flatten(context.Background())
	require.NoError(t, err)
	assert.Empty(t, again)

	waitState(t, r, exits[0].ClientOrderID, types.OrderSubmitted)
	v.FillAll()
	require.Eventually(t, func() bool { return len(r.OpenTrades()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func filledEntryOnMock(t *testing.T) (*Router, *MockVenue, *fakeLedger, types.Trade) {
	t.Helper()
	mv := new(MockVenue)
	mv.On("Submit", mock.Anything, mock.Anything).Return(venue.Ack{VenueOrderID: "v"}, nil)
	ledger := newFakeLedger()
	r := New(testSettings(), mv, ledger)
	t.Cleanup(r.Close)

	require.NoError(t, r.Submit(context.Background(), entryOrder("o1", "SPY", 100, 10)))
	waitState(t, r, "o1", types.OrderSubmitted)
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e1", ClientOrderID: "o1", Kind: venue.ReportFill, CumQty: 100, AvgPrice: 10}))
	tr, ok := r.Trade("o1")
	require.True(t, ok)
	return r, mv, ledger, tr
}

func TestSecondExitRejectedWhileFirstIsLive(t *testing.T) {
	r, mv, _, tr := filledEntryOnMock(t)

	exits, err := r.Flatten(context.Background())
	require.NoError(t, err)
	require.Len(t, exits, 1)
	waitState(t, r, exits[0].ClientOrderID, types.OrderSubmitted)

	err = r.Submit(context.Background(), exitOrder("x1", tr, 100, 10))
	assert.ErrorIs(t, err, types.ErrExitPending)
	_, ok := r.Order("x1")
	assert.False(t, ok)

	var sold int64
	for _, call := range mv.Calls {
		if req := call.Arguments.Get(1).(venue.Request); req.Side == types.SideSell {
			sold += req.Quantity
		}
	}
	assert.Equal(t, int64(100), sold)
	got, _ := r.Trade("o1")
	assert.Equal(t, exits[0].ClientOrderID, got.ExitOrderID)
}

func TestFlattenLeavesExitAdmittedByGate(t *testing.T) {
	r, mv, ledger, tr := filledEntryOnMock(t)
	ledger.mu.Lock()
	ledger.admitted["o1"] = "x1"
	ledger.mu.Unlock()

	exits, err := r.Flatten(context.Background())
	require.NoError(t, err)
	assert.Empty(t, exits)

	require.NoError(t, r.Submit(context.Background(), exitOrder("x1", tr, 100, 10)))
	waitState(t, r, "x1", types.OrderSubmitted)
	mv.AssertNumberOfCalls(t, "Submit", 2)
}

func TestTradeNotificationsFollowStateOrder(t *testing.T) {
	r, _, _, tr := filledEntryOnMock(t)
	require.NoError(t, r.Submit(context.Background(), exitOrder("x1", tr, 100, 12)))
	waitState(t, r, "x1", types.OrderSubmitted)

	var mu sync.Mutex
	var seen []types.Trade
	entered := make(chan struct{})
	release := make(chan struct{})
	r.AddListener(Hooks{OnTrade: func(got types.Trade) {
		if got.ExitedQty == 40 && got.ExitTime == nil {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, got)
		mu.Unlock()
	}})

	partial := make(chan error, 1)
	go func() {
		partial <- r.HandleExecution(venue.Report{ExecID: "e2", ClientOrderID: "x1", Kind: venue.ReportPartialFill, CumQty: 40, AvgPrice: 12})
	}()
	<-entered

	// 第一个投递者阻塞期间，后续状态变化只入队
	require.NoError(t, r.HandleExecution(venue.Report{ExecID: "e3", ClientOrderID: "x1", Kind: venue.ReportFill, CumQty: 100, AvgPrice: 12}))
	mu.Lock()
	assert.Empty(t, seen)
	mu.Unlock()

	close(release)
	require.NoError(t, <-partial)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, int64(40), seen[0].ExitedQty)
	last := seen[len(seen)-1]
	assert.Equal(t, int64(100), last.ExitedQty)
	assert.NotNil(t, last.ExitTime)
}

func TestRestoreMarksLiveOrdersUnknown(t *testing.T) {
	r, _, ledger := newPaperRouter(t)
	now := time.Date(2026, 10, 14, 15, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now.Add(2 * time.Hour) }
	r.Restore(
		[]types.Trade{{ID: "t1", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 50, EntryPrice: 100, EntryTime: now}},
		[]types.Order{
			{ClientOrderID: "t1", Symbol: "SPY", Kind: types.KindEntry, Quantity: 50, State: types.OrderFilled, FilledQty: 50, UpdatedAt: now},
			{ClientOrderID: "o2", Symbol: "QQQ", Kind: types.KindEntry, Quantity: 10, State: types.OrderSubmitted, UpdatedAt: now},
		},
	)
	o, ok := r.Order("o2")
	require.True(t, ok)
	assert.Equal(t, types.OrderUnknown, o.State)
	assert.Len(t, r.OpenTrades(), 1)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	o, _ = r.Order("o2")
	assert.Equal(t, types.OrderRejected, o.State)
	assert.Equal(t, []string{"o2"}, ledger.releasedIDs())

	assert.Equal(t, 1, r.Prune(now.Add(time.Hour)))
	_, ok = r.Order("t1")
	assert.False(t, ok)
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to types.OrderState
		ok       bool
	}{
		{types.OrderPending, types.OrderSubmitted, true},
		{types.OrderPending, types.OrderFilled, false},
		{types.OrderSubmitted, types.OrderUnknown, false},
		{types.OrderUnknown, types.OrderFilled, true},
		{types.OrderFilled, types.OrderCancelled, false},
		{types.OrderPartiallyFilled, types.OrderRejected, false},
	}
	for _, tc := range cases {
		o := &types.Order{ClientOrderID: "x", State: tc.from}
		err := transition(o, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
	}
}
