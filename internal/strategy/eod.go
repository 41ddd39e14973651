package strategy

import (
	"fmt"

	"tradegate/internal/market"
	"tradegate/internal/types"
)

var eodDefaults = map[string]float64{
	"rsi_oversold":   25,
	"rsi_overbought": 75,
	"deviation_pct":  0.02,
	"trend_pct":      0.01,
	"stop_pct":       0.01,
	"target_pct":     0.015,
}

var eodTimes = map[string]string{"entry_after": "15:00", "exit": "15:55"}

// eodReversal 尾盘对日内单边行情做反转。
type eodReversal struct{ base }

func (s *eodReversal) trend(dev float64) string {
	switch {
	case dev > s.v("trend_pct"):
		return "up"
	case dev < -s.v("trend_pct"):
		return "down"
	default:
		return "sideways"
	}
}

func (s *eodReversal) EvaluateEntry(snap market.Snapshot) *types.Signal {
	if snap.Session != types.SessionRegular || snap.Ind.RSI <= 0 {
		return nil
	}
	if snap.Minute < s.clock("entry_after") || snap.Minute >= s.clock("exit") {
		return nil
	}
	dev, ok := snap.VWAPDeviation()
	if !ok {
		return nil
	}
	price := snap.Price
	limit := s.v("deviation_pct")
	switch {
	case snap.Ind.RSI > s.v("rsi_overbought") && dev > limit && s.trend(dev) == "up":
		return s.entry(snap, types.SideSell,
			relativeStop(price, s.v("stop_pct"), types.SideSell),
			relativeTarget(price, s.v("target_pct"), types.SideSell),
			fmt.Sprintf("EOD short: RSI %.1f, %.2f%% above VWAP after uptrend", snap.Ind.RSI, dev*100))
	case snap.Ind.RSI < s.v("rsi_oversold") && dev < -limit && s.trend(dev) == "down":
		return s.entry(snap, types.SideBuy,
			relativeStop(price, s.v("stop_pct"), types.SideBuy),
			relativeTarget(price, s.v("target_pct"), types.SideBuy),
			fmt.Sprintf("EOD long: RSI %.1f, %.2f%% below VWAP after downtrend", snap.Ind.RSI, -dev*100))
	}
	return nil
}

func (s *eodReversal) EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if snap.Minute >= s.clock("exit") {
		return s.exit(snap, pos, "EOD forced exit before close")
	}
	return s.protectiveExit(snap, pos)
}
