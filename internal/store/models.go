package store

import (
	"time"

	"gorm.io/datatypes"
)

type tradeModel struct {
	ID          string     `gorm:"column:id;primaryKey"`
	StrategyID  string     `gorm:"column:strategy_id;index"`
	Symbol      string     `gorm:"column:symbol;index"`
	Side        string     `gorm:"column:side"`
	Quantity    int64      `gorm:"column:quantity"`
	EntryPrice  float64    `gorm:"column:entry_price"`
	EntryTime   time.Time  `gorm:"column:entry_time"`
	StopLoss    float64    `gorm:"column:stop_loss"`
	TakeProfit  float64    `gorm:"column:take_profit"`
	ExitedQty   int64      `gorm:"column:exited_qty"`
	ExitPrice   float64    `gorm:"column:exit_price"`
	ExitTime    *time.Time `gorm:"column:exit_time;index"`
	RealizedPnL *float64   `gorm:"column:realized_pnl"`
	ExitOrderID string     `gorm:"column:exit_order_id"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (tradeModel) TableName() string { return "trades" }

type orderModel struct {
	ClientOrderID string    `gorm:"column:client_order_id;primaryKey"`
	SignalID      string    `gorm:"column:signal_id;index"`
	StrategyID    string    `gorm:"column:strategy_id;index"`
	Symbol        string    `gorm:"column:symbol"`
	Side          string    `gorm:"column:side"`
	Kind          string    `gorm:"column:kind"`
	Type          string    `gorm:"column:type"`
	Quantity      int64     `gorm:"column:quantity"`
	Price         float64   `gorm:"column:price"`
	LimitPrice    float64   `gorm:"column:limit_price"`
	StopLoss      float64   `gorm:"column:stop_loss"`
	TakeProfit    float64   `gorm:"column:take_profit"`
	TradeID       string    `gorm:"column:trade_id;index"`
	VenueOrderID  string    `gorm:"column:venue_order_id"`
	State         string    `gorm:"column:state;index"`
	FilledQty     int64     `gorm:"column:filled_qty"`
	AvgFillPrice  float64   `gorm:"column:avg_fill_price"`
	Reason        string    `gorm:"column:reason"`
	Attempts      int       `gorm:"column:attempts"`
	CreatedAt     time.Time `gorm:"column:created_at;index"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (orderModel) TableName() string { return "orders" }

type strategyStateModel struct {
	StrategyID string         `gorm:"column:strategy_id;primaryKey"`
	Enabled    bool           `gorm:"column:enabled"`
	StateJSON  datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	UpdatedAt  time.Time      `gorm:"column:updated_at"`
}

func (strategyStateModel) TableName() string { return "strategy_states" }

// breakerStateModel 只有一行（id=1）。
type breakerStateModel struct {
	ID        int            `gorm:"column:id;primaryKey"`
	Level     string         `gorm:"column:level"`
	Enabled   bool           `gorm:"column:enabled"`
	StateJSON datatypes.JSON `gorm:"column:state_json;type:TEXT"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (breakerStateModel) TableName() string { return "breaker_states" }

type breakerEventModel struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Kind      string    `gorm:"column:kind"`
	FromLevel string    `gorm:"column:from_level"`
	ToLevel   string    `gorm:"column:to_level"`
	At        time.Time `gorm:"column:at;index"`
	PnL       float64   `gorm:"column:pnl"`
	Limit     float64   `gorm:"column:limit_value"`
	Operator  string    `gorm:"column:operator"`
	Note      string    `gorm:"column:note"`
}

func (breakerEventModel) TableName() string { return "breaker_events" }

// funnelSnapshotModel 每个交易日一行，时钟 tick 时覆盖更新。
type funnelSnapshotModel struct {
	Day       string         `gorm:"column:day;primaryKey"`
	At        time.Time      `gorm:"column:at"`
	Payload   datatypes.JSON `gorm:"column:payload;type:TEXT"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (funnelSnapshotModel) TableName() string { return "funnel_snapshots" }
