package strategy

import (
	"fmt"

	"tradegate/internal/market"
	"tradegate/internal/types"
)

var momentumDefaults = map[string]float64{
	"rsi_min":      40,
	"rsi_max":      60,
	"volume_ratio": 1.5,
	"min_price":    10,
	"stop_pct":     0.006,
	"target_pct":   0.015,
}

type momentum struct{ base }

func crossedUp(snap market.Snapshot) bool {
	return snap.Ind.PrevMACD <= snap.Ind.PrevMACDSignal && snap.Ind.MACD > snap.Ind.MACDSignal
}

func crossedDown(snap market.Snapshot) bool {
	return snap.Ind.PrevMACD >= snap.Ind.PrevMACDSignal && snap.Ind.MACD < snap.Ind.MACDSignal
}

func (s *momentum) EvaluateEntry(snap market.Snapshot) *types.Signal {
	ind := snap.Ind
	if snap.Session != types.SessionRegular || !ind.HasMACD || ind.SMA50 <= 0 {
		return nil
	}
	price := snap.Price
	if price < s.v("min_price") {
		return nil
	}
	if ind.RSI < s.v("rsi_min") || ind.RSI > s.v("rsi_max") {
		return nil
	}
	if snap.VolumeRatio() < s.v("volume_ratio") {
		return nil
	}
	switch {
	case crossedUp(snap) && price > ind.SMA50:
		return s.entry(snap, types.SideBuy,
			relativeStop(price, s.v("stop_pct"), types.SideBuy),
			relativeTarget(price, s.v("target_pct"), types.SideBuy),
			fmt.Sprintf("momentum long: MACD cross up, RSI %.1f, volume x%.1f", ind.RSI, snap.VolumeRatio()))
	case crossedDown(snap) && price < ind.SMA50:
		return s.entry(snap, types.SideSell,
			relativeStop(price, s.v("stop_pct"), types.SideSell),
			relativeTarget(price, s.v("target_pct"), types.SideSell),
			fmt.Sprintf("momentum short: MACD cross down, RSI %.1f, volume x%.1f", ind.RSI, snap.VolumeRatio()))
	}
	return nil
}

func (s *momentum) EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if out := s.protectiveExit(snap, pos); out != nil {
		return out
	}
	if !snap.Ind.HasMACD {
		return nil
	}
	if pos.Side == types.SideBuy && crossedDown(snap) {
		return s.exit(snap, pos, "MACD crossed down")
	}
	if pos.Side == types.SideSell && crossedUp(snap) {
		return s.exit(snap, pos, "MACD crossed up")
	}
	return nil
}
