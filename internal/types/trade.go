package types

import (
	"errors"
	"time"
)

// ErrExitPending 表示该交易已有在途平仓单，不能再提交第二张。
var ErrExitPending = errors.New("exit already pending")

// Trade 在入场单成交时创建，由订单路由在平仓成交时关闭。
type Trade struct {
	ID          string     `json:"id"`
	StrategyID  string     `json:"strategy_id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	Quantity    int64      `json:"quantity"`
	EntryPrice  float64    `json:"entry_price"`
	EntryTime   time.Time  `json:"entry_time"`
	StopLoss    float64    `json:"stop_loss,omitempty"`
	TakeProfit  float64    `json:"take_profit,omitempty"`
	ExitedQty   int64      `json:"exited_qty"`
	ExitPrice   float64    `json:"exit_price,omitempty"`
	ExitTime    *time.Time `json:"exit_time,omitempty"`
	RealizedPnL *float64   `json:"realized_pnl,omitempty"`
	ExitOrderID string     `json:"exit_order_id,omitempty"`
}

func (t Trade) IsOpen() bool { return t.ExitTime == nil }

// OpenQty 是仍然持有的数量。
func (t Trade) OpenQty() int64 {
	if t.ExitedQty >= t.Quantity {
		return 0
	}
	return t.Quantity - t.ExitedQty
}

// Notional 按入场价计算占用资金。
func (t Trade) Notional() float64 {
	return float64(t.OpenQty()) * t.EntryPrice
}

// Unrealized 按 mark 价计算浮动盈亏。
func (t Trade) Unrealized(mark float64) float64 {
	if !t.IsOpen() || mark <= 0 {
		return 0
	}
	return (mark - t.EntryPrice) * float64(t.OpenQty()) * t.Side.Sign()
}

// HoldingDuration 对未平仓交易按 now 计算。
func (t Trade) HoldingDuration(now time.Time) time.Duration {
	if t.ExitTime != nil {
		return t.ExitTime.Sub(t.EntryTime)
	}
	return now.Sub(t.EntryTime)
}

// Won 仅对已平仓交易有意义。
func (t Trade) Won() bool {
	return t.RealizedPnL != nil && *t.RealizedPnL > 0
}
