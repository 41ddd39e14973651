package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradegate/internal/config"
	"tradegate/internal/types"
	"tradegate/internal/venue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(config.VenueConfig{BaseURL: srv.URL, APIKey: "k"})
	require.NoError(t, err)
	return c
}

func TestSubmit(t *testing.T) {
	var got venue.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"client_order_id":"o1","venue_order_id":"v-9","status":"accepted"}`))
	})
	ack, err := c.Submit(context.Background(), venue.Request{ClientOrderID: "o1", Symbol: "SPY", Side: types.SideBuy, Type: types.OrderMarket, Quantity: 10})
	require.NoError(t, err)
	assert.Equal(t, "v-9", ack.VenueOrderID)
	assert.Equal(t, "o1", got.ClientOrderID)
	assert.Equal(t, int64(10), got.Quantity)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		code      int
		body      string
		target    error
		retryable bool
		reason    string
	}{
		{name: "hard reject", code: http.StatusUnprocessableEntity, body: `{"reason":"insufficient buying power"}`, target: venue.ErrRejected, reason: "insufficient buying power"},
		{name: "not found", code: http.StatusNotFound, target: venue.ErrOrderNotFound},
		{name: "server error", code: http.StatusBadGateway, target: venue.ErrUnavailable, retryable: true},
		{name: "throttled", code: http.StatusTooManyRequests, target: venue.ErrUnavailable, retryable: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Submit(context.Background(), venue.Request{ClientOrderID: "o1", Quantity: 1})
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.target)
			assert.Equal(t, tc.retryable, venue.IsRetryable(err))
			if tc.reason != "" {
				assert.Equal(t, tc.reason, venue.RejectReason(err))
			}
		})
	}
}

func TestQueryMapsStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/o7", r.URL.Path)
		_, _ = w.Write([]byte(`{"client_order_id":"o7","status":"filled","cum_qty":40,"avg_price":12.5}`))
	})
	rep, err := c.Query(context.Background(), "o7")
	require.NoError(t, err)
	assert.Equal(t, venue.ReportFill, rep.Kind)
	assert.Equal(t, int64(40), rep.CumQty)
	assert.Equal(t, 12.5, rep.AvgPrice)
	assert.Equal(t, "query:o7:fill:40", rep.ExecID)
}

func TestWebhookDecodeAndDeliver(t *testing.T) {
	c, err := NewClient(config.VenueConfig{BaseURL: "http://venue.invalid"})
	require.NoError(t, err)
	var delivered []venue.Report
	c.Subscribe(func(r venue.Report) { delivered = append(delivered, r) })

	rep, err := c.HandleWebhook([]byte(`{"exec_id":"e1","client_order_id":"o1","kind":"partial_fill","last_qty":5,"last_price":10.1,"cum_qty":5,"avg_price":10.1,"at":"2026-10-14T14:31:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, venue.ReportPartialFill, rep.Kind)
	assert.Equal(t, 2026, rep.At.Year())
	require.Len(t, delivered, 1)

	bad := []string{
		`not json`,
		`{"client_order_id":"o1","kind":"fill"}`,
		`{"exec_id":"e2","client_order_id":"o1","kind":"fill"}`,
		`{"exec_id":"e3","client_order_id":"o1","kind":"exploded"}`,
		`{"exec_id":"e4","client_order_id":"o1","kind":"fill","cum_qty":0,"avg_price":1}`,
	}
	for _, raw := range bad {
		_, err := c.HandleWebhook([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidReport, raw)
	}
	assert.Len(t, delivered, 1)
}
