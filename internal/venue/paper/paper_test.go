package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/types"
	"tradegate/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id, symbol string, side types.Side) venue.Request {
	return venue.Request{ClientOrderID: id, Symbol: symbol, Side: side, Type: types.OrderMarket, Quantity: 100, RefPrice: 50}
}

func TestSubmitIsIdempotentAndFills(t *testing.T) {
	v := New(config.PaperConfig{SlippageBps: 10})
	v.Mark("SPY", 100)
	reports := make(chan venue.Report, 4)
	v.Subscribe(func(r venue.Report) { reports <- r })

	ack1, err := v.Submit(context.Background(), request("o1", "spy", types.SideBuy))
	require.NoError(t, err)
	ack2, err := v.Submit(context.Background(), request("o1", "spy", types.SideBuy))
	require.NoError(t, err)
	assert.Equal(t, ack1, ack2)
	assert.Equal(t, 1, v.Submissions())

	select {
	case r := <-reports:
		assert.Equal(t, venue.ReportFill, r.Kind)
		assert.Equal(t, int64(100), r.CumQty)
		assert.InDelta(t, 100.1, r.AvgPrice, 1e-9)
	case <-time.After(2 * time.Second):
		t.Fatal("no fill report")
	}

	q, err := v.Query(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, venue.ReportFill, q.Kind)
}

func TestSellSlippageAndRefPrice(t *testing.T) {
	v := New(config.PaperConfig{SlippageBps: 10})
	v.HoldFills(true)
	_, err := v.Submit(context.Background(), request("s1", "QQQ", types.SideSell))
	require.NoError(t, err)
	v.FillAll()
	q, err := v.Query(context.Background(), "s1")
	require.NoError(t, err)
	assert.InDelta(t, 49.95, q.AvgPrice, 1e-9)
}

func TestRejectCancelAndNotFound(t *testing.T) {
	v := New(config.PaperConfig{})
	v.RejectSymbol("XYZ", "halted")
	_, err := v.Submit(context.Background(), request("r1", "XYZ", types.SideBuy))
	assert.ErrorIs(t, err, venue.ErrRejected)
	assert.Equal(t, "halted", venue.RejectReason(err))
	assert.False(t, venue.IsRetryable(err))

	v.HoldFills(true)
	_, err = v.Submit(context.Background(), request("c1", "SPY", types.SideBuy))
	require.NoError(t, err)
	require.NoError(t, v.Cancel(context.Background(), "c1"))
	q, err := v.Query(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, venue.ReportCancelled, q.Kind)

	_, err = v.Query(context.Background(), "missing")
	assert.ErrorIs(t, err, venue.ErrOrderNotFound)
	assert.ErrorIs(t, v.Cancel(context.Background(), "missing"), venue.ErrOrderNotFound)
}

func TestDroppedAckStillRegistersOrder(t *testing.T) {
	v := New(config.PaperConfig{})
	v.HoldFills(true)
	v.DropAcks(1)
	_, err := v.Submit(context.Background(), request("d1", "SPY", types.SideBuy))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, venue.IsRetryable(err))

	q, err := v.Query(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, venue.ReportAccepted, q.Kind)

	_, err = v.Submit(context.Background(), request("d1", "SPY", types.SideBuy))
	require.NoError(t, err)
	assert.Equal(t, 1, v.Submissions())
}
