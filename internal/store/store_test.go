package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/config"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2026, 10, 14, 13, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "tradegate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func pnl(v float64) *float64 { return &v }

func TestTradesAndOrdersRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	open := types.Trade{ID: "t1", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 100, EntryPrice: 500, EntryTime: day.Add(time.Hour), StopLoss: 495}
	require.NoError(t, s.SaveTrade(ctx, open))
	exitAt := day.Add(2 * time.Hour)
	closed := types.Trade{ID: "t2", StrategyID: "vwap", Symbol: "QQQ", Side: types.SideSell, Quantity: 10, EntryPrice: 400, EntryTime: day, ExitedQty: 10, ExitPrice: 390, ExitTime: &exitAt, RealizedPnL: pnl(100)}
	require.NoError(t, s.SaveTrade(ctx, closed))

	// upsert 覆盖同一主键
	open.ExitOrderID = "x1"
	require.NoError(t, s.SaveTrade(ctx, open))

	trades, err := s.OpenTrades(ctx)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "x1", trades[0].ExitOrderID)
	assert.True(t, trades[0].EntryTime.Equal(open.EntryTime))
	assert.Nil(t, trades[0].RealizedPnL)

	done, err := s.ClosedTrades(ctx, day, 10)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 100.0, *done[0].RealizedPnL)

	total, err := s.RealizedPnL(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, total)

	orders := []types.Order{
		{ClientOrderID: "o1", StrategyID: "orb", Kind: types.KindEntry, State: types.OrderFilled, Quantity: 100, CreatedAt: day.Add(time.Hour), UpdatedAt: day.Add(time.Hour)},
		{ClientOrderID: "o2", StrategyID: "orb", Kind: types.KindEntry, State: types.OrderUnknown, Quantity: 10, CreatedAt: day.Add(2 * time.Hour), UpdatedAt: day.Add(2 * time.Hour)},
		{ClientOrderID: "o3", StrategyID: "vwap", Kind: types.KindEntry, State: types.OrderRejected, Quantity: 5, CreatedAt: day.Add(3 * time.Hour), UpdatedAt: day.Add(3 * time.Hour)},
		{ClientOrderID: "x1", StrategyID: "orb", Kind: types.KindExit, TradeID: "t1", State: types.OrderSubmitted, Quantity: 100, CreatedAt: day.Add(4 * time.Hour), UpdatedAt: day.Add(4 * time.Hour)},
		{ClientOrderID: "old", StrategyID: "orb", Kind: types.KindEntry, State: types.OrderFilled, Quantity: 1, CreatedAt: day.Add(-24 * time.Hour), UpdatedAt: day.Add(-24 * time.Hour)},
	}
	for _, o := range orders {
		require.NoError(t, s.SaveOrder(ctx, o))
	}
	live, err := s.LiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "o2", live[0].ClientOrderID)
	assert.Equal(t, "x1", live[1].ClientOrderID)
	assert.Equal(t, types.KindExit, live[1].Kind)

	n, byStrategy, err := s.EntryCounts(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]int{"orb": 2, "vwap": 1}, byStrategy)

	recent, err := s.Orders(ctx, day, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "x1", recent[0].ClientOrderID)
}

func TestRealizedPnLIncludesBookedPartialExits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exitAt := day.Add(time.Hour)
	require.NoError(t, s.SaveTrade(ctx, types.Trade{ID: "done", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 10, EntryPrice: 100, EntryTime: day,
		ExitedQty: 10, ExitPrice: 101, ExitTime: &exitAt, RealizedPnL: pnl(10)}))

	// 多头 100 股：已终结的平仓单卖出 40 股 @12
	require.NoError(t, s.SaveTrade(ctx, types.Trade{ID: "long", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 100, EntryPrice: 10, EntryTime: day,
		ExitedQty: 40, ExitPrice: 12}))
	require.NoError(t, s.SaveOrder(ctx, types.Order{ClientOrderID: "x1", Kind: types.KindExit, TradeID: "long", Quantity: 100, FilledQty: 40, AvgFillPrice: 12,
		State: types.OrderCancelled, CreatedAt: day, UpdatedAt: day}))

	// 空头 50 股：已入账 20 股 @38，在途平仓单又成交 10 股 @35
	require.NoError(t, s.SaveTrade(ctx, types.Trade{ID: "short", StrategyID: "vwap", Symbol: "QQQ", Side: types.SideSell, Quantity: 50, EntryPrice: 40, EntryTime: day,
		ExitedQty: 30, ExitPrice: 37, ExitOrderID: "x3"}))
	require.NoError(t, s.SaveOrder(ctx, types.Order{ClientOrderID: "x3", Kind: types.KindExit, TradeID: "short", Quantity: 30, FilledQty: 10, AvgFillPrice: 35,
		State: types.OrderPartiallyFilled, CreatedAt: day, UpdatedAt: day}))

	total, err := s.RealizedPnL(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10+80+40, total, 1e-9)
}

func TestStrategyAndBreakerState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	disabledAt := day
	st := health.StrategyState{
		StrategyID:        "orb",
		Enabled:           false,
		ConsecutiveLosses: 5,
		DisabledReason:    "consecutive_losses",
		DisabledAt:        &disabledAt,
		Window:            []health.Outcome{{TradeID: "t1", PnL: -10, ClosedAt: day, Day: "2026-10-14"}},
	}
	require.NoError(t, s.SaveStrategyState(ctx, st))
	states, err := s.StrategyStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.False(t, states[0].Enabled)
	assert.Equal(t, 5, states[0].ConsecutiveLosses)
	require.Len(t, states[0].Window, 1)
	assert.Equal(t, -10.0, states[0].Window[0].PnL)

	_, ok, err := s.BreakerState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	bs := breaker.State{Level: breaker.LevelDailyHalt, Enabled: true, Day: breaker.Period{Start: day, Base: 100000, Realized: -2500}}
	require.NoError(t, s.SaveBreakerState(ctx, bs))
	bs.Day.Realized = -3000
	require.NoError(t, s.SaveBreakerState(ctx, bs))
	got, ok, err := s.BreakerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, breaker.LevelDailyHalt, got.Level)
	assert.Equal(t, -3000.0, got.Day.Realized)

	require.NoError(t, s.AppendBreakerEvent(ctx, breaker.Event{Kind: breaker.EventTrip, From: breaker.LevelNormal, To: breaker.LevelDailyHalt, At: day}))
	require.NoError(t, s.AppendBreakerEvent(ctx, breaker.Event{Kind: breaker.EventReset, From: breaker.LevelDailyHalt, To: breaker.LevelNormal, At: day.Add(time.Hour), Operator: "ops", Note: "reviewed"}))
	events, err := s.BreakerEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, breaker.EventTrip, events[0].Kind)
	assert.Equal(t, breaker.LevelDailyHalt, events[0].To)
	assert.Equal(t, "ops", events[1].Operator)

	last, err := s.BreakerEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, breaker.EventReset, last[0].Kind)
}

func TestFunnelSnapshotUpsertPerDay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	f := funnel.New(config.FunnelConfig{}, nil)
	f.Count("orb", funnel.SignalsGenerated)
	require.NoError(t, s.SaveFunnelSnapshot(ctx, "2026-10-13", f.Snapshot()))
	f.Count("orb", funnel.SignalsGenerated)
	require.NoError(t, s.SaveFunnelSnapshot(ctx, "2026-10-14", f.Snapshot()))
	f.Blocked("orb", types.ReasonMaxTrades)
	require.NoError(t, s.SaveFunnelSnapshot(ctx, "2026-10-14", f.Snapshot()))

	snap, ok, err := s.LatestFunnelSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.ByStrategy["orb"].Counters[funnel.SignalsGenerated])
	assert.Equal(t, int64(1), snap.Total.Rejections[types.ReasonMaxTrades])
}

func TestRehydrate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveTrade(ctx, types.Trade{ID: "t1", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 10, EntryPrice: 100, EntryTime: day}))
	require.NoError(t, s.SaveOrder(ctx, types.Order{ClientOrderID: "t1", StrategyID: "orb", Kind: types.KindEntry, State: types.OrderFilled, CreatedAt: day.Add(time.Minute), UpdatedAt: day}))
	require.NoError(t, s.SaveBreakerState(ctx, breaker.State{Level: breaker.LevelWeeklyPause, Enabled: true}))

	r, err := s.Rehydrate(ctx, day)
	require.NoError(t, err)
	assert.Len(t, r.OpenTrades, 1)
	assert.Empty(t, r.LiveOrders)
	require.NotNil(t, r.Breaker)
	assert.Equal(t, breaker.LevelWeeklyPause, r.Breaker.Level)
	assert.Nil(t, r.Funnel)
	assert.Equal(t, 1, r.TradesToday)
	assert.Equal(t, 1, r.StrategyTrades["orb"])
}

func TestWriterPersistsAsync(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.OrderChanged("", types.Order{ClientOrderID: "o1", Kind: types.KindEntry, State: types.OrderPending, CreatedAt: day, UpdatedAt: day})
	w.OrderChanged(types.OrderPending, types.Order{ClientOrderID: "o1", Kind: types.KindEntry, State: types.OrderSubmitted, CreatedAt: day, UpdatedAt: day})
	w.TradeChanged(types.Trade{ID: "o1", Symbol: "SPY", Quantity: 1, EntryTime: day})
	w.StrategyChanged(health.StrategyState{StrategyID: "orb", Enabled: true})
	w.BreakerChanged(breaker.State{Enabled: true})
	w.BreakerEvent(breaker.Event{Kind: breaker.EventSessionClear, At: day})
	require.NoError(t, w.Flush(context.Background()))

	live, err := s.LiveOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, types.OrderSubmitted, live[0].State)
	trades, err := s.OpenTrades(context.Background())
	require.NoError(t, err)
	assert.Len(t, trades, 1)
	events, err := s.BreakerEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, w.Failed())
}

func TestWriterKeepsStateWritesWhenBacklogged(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 2)
	exit := day.Add(time.Hour)

	w.TradeChanged(types.Trade{ID: "a", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 10, EntryPrice: 100, EntryTime: day})
	w.OrderChanged("", types.Order{ClientOrderID: "o1", Kind: types.KindEntry, State: types.OrderSubmitted, CreatedAt: day, UpdatedAt: day})
	w.OrderChanged("", types.Order{ClientOrderID: "o2", Kind: types.KindEntry, State: types.OrderSubmitted, CreatedAt: day, UpdatedAt: day})
	w.FunnelSnapshot("2026-10-14", funnel.Snapshot{})
	w.TradeChanged(types.Trade{ID: "a", StrategyID: "orb", Symbol: "SPY", Side: types.SideBuy, Quantity: 10, EntryPrice: 100, EntryTime: day,
		ExitedQty: 10, ExitPrice: 101, ExitTime: &exit, RealizedPnL: pnl(10)})

	assert.Equal(t, int64(1), w.Dropped())
	assert.Equal(t, int64(1), w.Coalesced())
	assert.Equal(t, 3, w.Pending())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.NoError(t, w.Flush(context.Background()))

	open, err := s.OpenTrades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	closed, err := s.ClosedTrades(context.Background(), day, 0)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 10, *closed[0].RealizedPnL, 1e-9)
	live, err := s.LiveOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, live, 2)
	_, ok, err := s.LatestFunnelSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, w.Pending())
}

func TestWriterDrainsOnShutdown(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.BreakerEvent(breaker.Event{Kind: breaker.EventTrip, At: day})
	w.BreakerEvent(breaker.Event{Kind: breaker.EventReset, At: day.Add(time.Minute)})
	require.NoError(t, w.Run(ctx))

	events, err := s.BreakerEvents(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
