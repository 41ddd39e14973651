package strategy

import (
	"errors"
	"fmt"
	"time"

	"tradegate/internal/market"
	"tradegate/internal/types"

	"github.com/google/uuid"
)

var (
	ErrMissingStop  = errors.New("entry signal without stop-loss")
	ErrStopWrongWay = errors.New("stop-loss on the wrong side of entry")
	ErrBadSignal    = errors.New("malformed signal")
)

var signalNamespace = uuid.MustParse("7f1f3c52-9a0e-4d6b-8f55-2d7e3b0c9a41")

// Params 是策略构造时固定下来的参数。
type Params struct {
	MaxPositions    int                `json:"max_positions"`
	SizingFraction  float64            `json:"sizing_fraction"`
	MaxTradesPerDay int                `json:"max_trades_per_day,omitempty"`
	Values          map[string]float64 `json:"values"`
	Times           map[string]int     `json:"times,omitempty"`
}

// Strategy 是一组固定、确定性的规则：同一快照永远得到同一结果。
type Strategy interface {
	ID() string
	Kind() string
	Symbols() []string
	Params() Params
	// EvaluateEntry 返回 nil 表示不入场；返回的入场信号一定带止损。
	EvaluateEntry(snap market.Snapshot) *types.Signal
	// EvaluateExit 针对一个持仓判断是否平仓。
	EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal
}

type base struct {
	id      string
	kind    string
	symbols []string
	params  Params
}

func (b *base) ID() string        { return b.id }
func (b *base) Kind() string      { return b.kind }
func (b *base) Symbols() []string { return append([]string(nil), b.symbols...) }

func (b *base) Params() Params {
	out := b.params
	out.Values = make(map[string]float64, len(b.params.Values))
	for k, v := range b.params.Values {
		out.Values[k] = v
	}
	out.Times = make(map[string]int, len(b.params.Times))
	for k, v := range b.params.Times {
		out.Times[k] = v
	}
	return out
}

func (b *base) v(name string) float64 { return b.params.Values[name] }

func (b *base) clock(name string) int { return b.params.Times[name] }

// entry 构造入场信号；止损不合法时返回 nil（fail-closed）。
func (b *base) entry(snap market.Snapshot, side types.Side, stop, target float64, rationale string) *types.Signal {
	sig := &types.Signal{
		StrategyID: b.id,
		Symbol:     snap.Symbol,
		Side:       side,
		Kind:       types.KindEntry,
		Price:      snap.Price,
		StopLoss:   stop,
		TakeProfit: target,
		Rationale:  rationale,
		CreatedAt:  snap.Time,
	}
	if CheckSignal(*sig) != nil {
		return nil
	}
	sig.ID = SignalID(sig.StrategyID, sig.Symbol, sig.Kind, sig.CreatedAt)
	return sig
}

func (b *base) exit(snap market.Snapshot, pos types.Trade, rationale string) *types.Signal {
	sig := &types.Signal{
		StrategyID: b.id,
		Symbol:     pos.Symbol,
		Side:       pos.Side.Opposite(),
		Kind:       types.KindExit,
		Quantity:   pos.OpenQty(),
		Price:      snap.Price,
		Rationale:  rationale,
		TradeID:    pos.ID,
		CreatedAt:  snap.Time,
	}
	sig.ID = SignalID(sig.StrategyID, pos.ID, sig.Kind, sig.CreatedAt)
	return sig
}

// protectiveExit 检查持仓自带的止损/止盈。
func (b *base) protectiveExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if hitStopLoss(pos.Side, snap.Price, pos.StopLoss) {
		return b.exit(snap, pos, fmt.Sprintf("stop loss hit at %.2f", snap.Price))
	}
	if targetHit(pos.Side, snap.Price, pos.TakeProfit) {
		return b.exit(snap, pos, fmt.Sprintf("take profit hit at %.2f", snap.Price))
	}
	return nil
}

// SignalID 由策略、标的、类型、时间确定性地派生，重复评估得到同一 ID。
func SignalID(strategyID, key string, kind types.SignalKind, at time.Time) string {
	name := fmt.Sprintf("%s|%s|%s|%d", strategyID, key, kind, at.UnixNano())
	return uuid.NewSHA1(signalNamespace, []byte(name)).String()
}

// CheckSignal 校验信号的基本结构；入场信号必须带方向正确的止损。
func CheckSignal(sig types.Signal) error {
	if sig.StrategyID == "" || sig.Symbol == "" || sig.Price <= 0 {
		return ErrBadSignal
	}
	if sig.Side != types.SideBuy && sig.Side != types.SideSell {
		return ErrBadSignal
	}
	if sig.Kind == types.KindExit {
		return nil
	}
	if sig.StopLoss <= 0 {
		return ErrMissingStop
	}
	if sig.Side == types.SideBuy && sig.StopLoss >= sig.Price {
		return ErrStopWrongWay
	}
	if sig.Side == types.SideSell && sig.StopLoss <= sig.Price {
		return ErrStopWrongWay
	}
	return nil
}
