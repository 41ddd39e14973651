package market

import (
	"math"
	"time"

	"tradegate/internal/types"

	talib "github.com/markcheno/go-talib"
)

const (
	rsiPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	smaPeriod    = 50
	volumePeriod = 20
)

// Indicators 中为 0 的字段表示历史不足、不可用。
type Indicators struct {
	RSI            float64 `json:"rsi"`
	MACD           float64 `json:"macd"`
	MACDSignal     float64 `json:"macd_signal"`
	PrevMACD       float64 `json:"prev_macd"`
	PrevMACDSignal float64 `json:"prev_macd_signal"`
	HasMACD        bool    `json:"has_macd"`
	SMA50          float64 `json:"sma50"`
	AvgVolume      float64 `json:"avg_volume"`
	VWAP           float64 `json:"vwap"`
}

// Day 是当日常规时段的统计。
type Day struct {
	Date            time.Time
	Open            float64
	High            float64
	Low             float64
	PrevClose       float64
	PremarketVolume float64
	Bars            []types.MarketTick
}

// GapPct 是开盘相对昨收的跳空比例（带符号）。
func (d Day) GapPct() float64 {
	if d.PrevClose <= 0 || d.Open <= 0 {
		return 0
	}
	return (d.Open - d.PrevClose) / d.PrevClose
}

// Snapshot 是策略评估的唯一输入。
type Snapshot struct {
	Symbol   string
	Time     time.Time
	Minute   int
	Session  types.Session
	Price    float64
	Volume   float64
	BarCount int
	Ind      Indicators
	Day      Day
}

// VWAPDeviation 是价格相对 VWAP 的偏离比例，VWAP 不可用时返回 ok=false。
func (s Snapshot) VWAPDeviation() (float64, bool) {
	if s.Ind.VWAP <= 0 || s.Price <= 0 {
		return 0, false
	}
	return (s.Price - s.Ind.VWAP) / s.Ind.VWAP, true
}

// VolumeRatio 是当前 bar 成交量与均量之比。
func (s Snapshot) VolumeRatio() float64 {
	if s.Ind.AvgVolume <= 0 {
		return 0
	}
	return s.Volume / s.Ind.AvgVolume
}

func computeIndicators(bars []types.MarketTick) Indicators {
	var out Indicators
	n := len(bars)
	if n == 0 {
		return out
	}
	closes := make([]float64, n)
	volumes := make([]float64, n)
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}
	if n > rsiPeriod {
		out.RSI = lastFinite(talib.Rsi(closes, rsiPeriod))
	}
	if n > macdSlow+macdSignal {
		macd, signal, _ := talib.Macd(closes, macdFast, macdSlow, macdSignal)
		out.MACD = finite(macd[n-1])
		out.MACDSignal = finite(signal[n-1])
		out.PrevMACD = finite(macd[n-2])
		out.PrevMACDSignal = finite(signal[n-2])
		out.HasMACD = true
	}
	if n >= smaPeriod {
		out.SMA50 = lastFinite(talib.Sma(closes, smaPeriod))
	}
	if n > volumePeriod {
		// 均量不含当前 bar，便于判断放量
		out.AvgVolume = lastFinite(talib.Sma(volumes[:n-1], volumePeriod))
	}
	return out
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func lastFinite(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return finite(series[len(series)-1])
}
