package strategy

import (
	"fmt"
	"math"
	"time"

	"tradegate/internal/market"
	"tradegate/internal/types"
)

var vwapDefaults = map[string]float64{
	"deviation_pct":    0.015,
	"rsi_oversold":     30,
	"rsi_overbought":   70,
	"revert_pct":       0.002,
	"stop_pct":         0.008,
	"max_hold_minutes": 60,
}

// vwapReversion 价格大幅偏离 VWAP 且 RSI 极值时做均值回归，止盈目标为 VWAP。
type vwapReversion struct{ base }

func (s *vwapReversion) EvaluateEntry(snap market.Snapshot) *types.Signal {
	if snap.Session != types.SessionRegular || snap.Ind.RSI <= 0 {
		return nil
	}
	dev, ok := snap.VWAPDeviation()
	if !ok {
		return nil
	}
	limit := s.v("deviation_pct")
	price := snap.Price
	switch {
	case dev <= -limit && snap.Ind.RSI < s.v("rsi_oversold"):
		return s.entry(snap, types.SideBuy,
			relativeStop(price, s.v("stop_pct"), types.SideBuy),
			snap.Ind.VWAP,
			fmt.Sprintf("VWAP long: %.2f%% below VWAP, RSI %.1f", -dev*100, snap.Ind.RSI))
	case dev >= limit && snap.Ind.RSI > s.v("rsi_overbought"):
		return s.entry(snap, types.SideSell,
			relativeStop(price, s.v("stop_pct"), types.SideSell),
			snap.Ind.VWAP,
			fmt.Sprintf("VWAP short: %.2f%% above VWAP, RSI %.1f", dev*100, snap.Ind.RSI))
	}
	return nil
}

func (s *vwapReversion) EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if out := s.protectiveExit(snap, pos); out != nil {
		return out
	}
	if dev, ok := snap.VWAPDeviation(); ok && math.Abs(dev) <= s.v("revert_pct") {
		return s.exit(snap, pos, "reverted to VWAP")
	}
	maxHold := time.Duration(s.v("max_hold_minutes")) * time.Minute
	if maxHold > 0 && pos.HoldingDuration(snap.Time) >= maxHold {
		return s.exit(snap, pos, "VWAP max hold reached")
	}
	return nil
}
