package strategy

import (
	"fmt"
	"math"

	"tradegate/internal/market"
	"tradegate/internal/types"
)

var gapDefaults = map[string]float64{
	"gap_pct":              0.03,
	"min_premarket_volume": 200000,
	"pullback_pct":         0.005,
	"max_target_pct":       0.05,
	"stop_pct":             0.02,
}

var gapTimes = map[string]string{"entry_after": "09:35", "exit": "10:30"}

// gapAndGo 大幅跳空且盘前放量时，在开盘后第一次小幅回撤处顺跳空方向入场。
type gapAndGo struct{ base }

func (s *gapAndGo) EvaluateEntry(snap market.Snapshot) *types.Signal {
	if snap.Session != types.SessionRegular {
		return nil
	}
	if snap.Minute < s.clock("entry_after") || snap.Minute >= s.clock("exit") {
		return nil
	}
	day := snap.Day
	gap := day.GapPct()
	if math.Abs(gap) < s.v("gap_pct") || day.PremarketVolume < s.v("min_premarket_volume") {
		return nil
	}
	price := snap.Price
	pullback := s.v("pullback_pct")
	targetPct := math.Min(math.Abs(gap), s.v("max_target_pct"))
	if gap > 0 {
		if day.High <= 0 || price >= day.High || price < day.High*(1-pullback) || price <= day.PrevClose {
			return nil
		}
		return s.entry(snap, types.SideBuy,
			relativeStop(price, s.v("stop_pct"), types.SideBuy),
			relativeTarget(price, targetPct, types.SideBuy),
			fmt.Sprintf("gap up %.1f%%: pullback entry %.2f below high %.2f", gap*100, price, day.High))
	}
	if day.Low <= 0 || price <= day.Low || price > day.Low*(1+pullback) || price >= day.PrevClose {
		return nil
	}
	return s.entry(snap, types.SideSell,
		relativeStop(price, s.v("stop_pct"), types.SideSell),
		relativeTarget(price, targetPct, types.SideSell),
		fmt.Sprintf("gap down %.1f%%: pullback entry %.2f above low %.2f", gap*100, price, day.Low))
}

func (s *gapAndGo) EvaluateExit(snap market.Snapshot, pos types.Trade) *types.Signal {
	if snap.Minute >= s.clock("exit") {
		return s.exit(snap, pos, "gap time exit")
	}
	return s.protectiveExit(snap, pos)
}
