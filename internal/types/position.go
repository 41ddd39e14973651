package types

import "time"

// PositionSnapshot 是查询接口返回的持仓视图。
type PositionSnapshot struct {
	TradeID       string    `json:"trade_id"`
	StrategyID    string    `json:"strategy_id"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Quantity      int64     `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit,omitempty"`
	CurrentPrice  float64   `json:"current_price,omitempty"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	PositionValue float64   `json:"position_value"`
	HoldingMs     int64     `json:"holding_ms"`
	ExitPending   bool      `json:"exit_pending,omitempty"`
	OpenedAt      time.Time `json:"opened_at"`
}

// AccountSnapshot 汇总资金占用。
type AccountSnapshot struct {
	Capital       float64   `json:"capital"`
	Deployed      float64   `json:"deployed"`
	Reserved      float64   `json:"reserved"`
	Cash          float64   `json:"cash"`
	OpenPositions int       `json:"open_positions"`
	Reservations  int       `json:"reservations"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}
