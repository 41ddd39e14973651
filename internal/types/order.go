package types

import "time"

type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

type OrderState string

const (
	OrderPending         OrderState = "pending"
	OrderSubmitted       OrderState = "submitted"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderRejected        OrderState = "rejected"
	OrderCancelled       OrderState = "cancelled"
	OrderUnknown         OrderState = "unknown"
)

// IsTerminal 终态订单不再接受任何回报。
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderRejected, OrderCancelled:
		return true
	default:
		return false
	}
}

// Order 与通过风控的 Signal 一一对应，ClientOrderID 即幂等键。
type Order struct {
	ClientOrderID string     `json:"client_order_id"`
	SignalID      string     `json:"signal_id"`
	StrategyID    string     `json:"strategy_id"`
	Symbol        string     `json:"symbol"`
	Side          Side       `json:"side"`
	Kind          SignalKind `json:"kind"`
	Type          OrderType  `json:"type"`
	Quantity      int64      `json:"quantity"`
	Price         float64    `json:"price"`
	LimitPrice    float64    `json:"limit_price,omitempty"`
	StopLoss      float64    `json:"stop_loss,omitempty"`
	TakeProfit    float64    `json:"take_profit,omitempty"`
	TradeID       string     `json:"trade_id,omitempty"`
	VenueOrderID  string     `json:"venue_order_id,omitempty"`
	State         OrderState `json:"state"`
	FilledQty     int64      `json:"filled_qty"`
	AvgFillPrice  float64    `json:"avg_fill_price,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Notional 是按参考价计算的名义金额。
func (o Order) Notional() float64 {
	return float64(o.Quantity) * o.Price
}

// Remaining 是尚未成交的数量。
func (o Order) Remaining() int64 {
	if o.FilledQty >= o.Quantity {
		return 0
	}
	return o.Quantity - o.FilledQty
}
