package types

import (
	"math"
	"time"
)

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回平仓方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign 多头为 +1，空头为 -1。
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

type SignalKind string

const (
	KindEntry SignalKind = "entry"
	KindExit  SignalKind = "exit"
)

// Signal 是策略一次评估的产物，创建后不可变，由风控闸门至多消费一次。
type Signal struct {
	ID         string     `json:"id"`
	StrategyID string     `json:"strategy_id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Kind       SignalKind `json:"kind"`
	Quantity   int64      `json:"quantity,omitempty"`
	Price      float64    `json:"price"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	Rationale  string     `json:"rationale,omitempty"`
	TradeID    string     `json:"trade_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (s Signal) IsEntry() bool { return s.Kind == KindEntry }

// StopDistance 是每股风险（入场价到止损价的距离）。
func (s Signal) StopDistance() float64 {
	if s.StopLoss <= 0 {
		return 0
	}
	return math.Abs(s.Price - s.StopLoss)
}
