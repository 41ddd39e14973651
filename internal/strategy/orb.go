package strategy

import (
	"fmt"

	"tradegate/internal/market"
	"tradegate/internal/types"
)

var orbDefaults = map[string]float64{
	"range_minutes": 15,
	"breakout_pct":  0.001,
	"stop_pct":      0.01,
	"target_pct":    0.02,
}

var orbTimes = map[string]string{"exit": "15:45"}

// orb 开盘区间突破：前 N 分钟的高低点被有效突破时顺势入场。
type orb struct{ base }

func (s *orb) openingRange(snap market.Snapshot) (high, low float64, ok bool) {
	n := int(s.v("range_minutes"))
	if n <= 0 || len(snap.Day.Bars) <= n {
		return 0, 0, false
	}
	high, low = snap.Day.Bars[0].High, snap.Day.Bars[0].Low
	for _, b := range snap.Day.Bars[1:n] {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high, low, high > 0 && low > 0
}

func (s *orb) EvaluateEntry(snap market.Snapshot) *types.Signal {
	if snap.Session != types.SessionRegular || snap.Minute >= s.clock("exit") {
		return nil
	}
	high, low, ok := s.openingRange(snap)
	if !ok {
		return nil
	}
	price := snap.Price
	brk := s.v("breakout_pct")
	switch {
	case price > high*(1+brk):
		return s.entry(snap, types.SideBuy,
			relativeStop(price, s.v("stop_pct"), types.SideBuy),
			relativeTarget(price, s.v("target_pct"), types.SideBuy),
			fmt.Sprintf("ORB long: %.2f broke range high %.2f", price, high))
	case price < low*(1-brk):
		return s.entry(snap, types.SideSell,
			relativeStop(price, s.v("stop_pct"), types.SideSell),
			relativeTarget(price, s.v("target_pct"), types.SideSell),
			fmt.Sprintf("ORB short: %.2f broke range low %.2f", price, low))
	}
	return nil
}

func (s *orb) EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if snap.Minute >= s.clock("exit") {
		return s.exit(snap, pos, "ORB time exit")
	}
	return s.protectiveExit(snap, pos)
}
