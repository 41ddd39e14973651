package types

import "time"

// Session 表示行情所处的交易时段（美东时间）。
type Session string

const (
	SessionOvernight  Session = "overnight"
	SessionPreMarket  Session = "pre_market"
	SessionRegular    Session = "regular"
	SessionAfterHours Session = "after_hours"
	SessionClosed     Session = "closed"
)

// MarketTick 是一根已完成的 1 分钟 bar，按 symbol 内时间顺序到达。
type MarketTick struct {
	Symbol  string    `json:"symbol"`
	Time    time.Time `json:"time"`
	Open    float64   `json:"open"`
	High    float64   `json:"high"`
	Low     float64   `json:"low"`
	Close   float64   `json:"close"`
	Volume  float64   `json:"volume"`
	Session Session   `json:"session,omitempty"`
}

// Price 返回 tick 的最新成交价。
func (t MarketTick) Price() float64 {
	return t.Close
}
