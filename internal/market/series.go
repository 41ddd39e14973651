package market

import (
	"strings"
	"sync"
	"time"

	"tradegate/internal/types"
)

const maxSessionBars = 480

// Series 保存单个 symbol 的 bar 历史与当日统计。
// 只由该 symbol 所在的 pipeline worker 顺序写入，不需要加锁。
type Series struct {
	symbol  string
	maxBars int
	bars    []types.MarketTick

	day             time.Time
	dayOpen         float64
	dayHigh         float64
	dayLow          float64
	prevClose       float64
	lastRegular     float64
	premarketVolume float64
	sessionBars     []types.MarketTick
	pvSum           float64
	volSum          float64
}

func NewSeries(symbol string, maxBars int) *Series {
	if maxBars <= 0 {
		maxBars = 500
	}
	return &Series{symbol: symbol, maxBars: maxBars}
}

func (s *Series) Symbol() string { return s.symbol }

func (s *Series) Len() int { return len(s.bars) }

// Apply 追加一根 bar；tradingDay 变化时滚动当日统计。
func (s *Series) Apply(tick types.MarketTick, session types.Session, tradingDay time.Time) {
	if !tradingDay.Equal(s.day) {
		s.rollDay(tradingDay)
	}
	if n := len(s.bars); n > 0 && !tick.Time.After(s.bars[n-1].Time) {
		// 乱序或重复的 bar 直接丢弃，保持 symbol 内时间单调
		return
	}
	s.bars = append(s.bars, tick)
	if len(s.bars) > s.maxBars {
		s.bars = append(s.bars[:0], s.bars[len(s.bars)-s.maxBars:]...)
	}
	switch session {
	case types.SessionPreMarket:
		s.premarketVolume += tick.Volume
	case types.SessionRegular:
		if len(s.sessionBars) == 0 {
			s.dayOpen = tick.Open
			if s.dayOpen <= 0 {
				s.dayOpen = tick.Close
			}
			s.dayHigh = tick.High
			s.dayLow = tick.Low
		}
		if tick.High > s.dayHigh {
			s.dayHigh = tick.High
		}
		if tick.Low > 0 && (s.dayLow <= 0 || tick.Low < s.dayLow) {
			s.dayLow = tick.Low
		}
		if len(s.sessionBars) < maxSessionBars {
			s.sessionBars = append(s.sessionBars, tick)
		}
		typical := (tick.High + tick.Low + tick.Close) / 3
		if typical <= 0 {
			typical = tick.Close
		}
		s.pvSum += typical * tick.Volume
		s.volSum += tick.Volume
		s.lastRegular = tick.Close
	}
}

func (s *Series) rollDay(day time.Time) {
	if s.lastRegular > 0 {
		s.prevClose = s.lastRegular
	}
	s.day = day
	s.dayOpen, s.dayHigh, s.dayLow = 0, 0, 0
	s.premarketVolume = 0
	s.sessionBars = nil
	s.pvSum, s.volSum = 0, 0
}

// SetPrevClose 用于冷启动时注入上一交易日收盘价。
func (s *Series) SetPrevClose(price float64) {
	if price > 0 {
		s.prevClose = price
	}
}

// Snapshot 构建只读快照，切片均为拷贝。
func (s *Series) Snapshot(session types.Session, minute int) Snapshot {
	snap := Snapshot{
		Symbol:   s.symbol,
		Session:  session,
		Minute:   minute,
		BarCount: len(s.bars),
	}
	if n := len(s.bars); n > 0 {
		last := s.bars[n-1]
		snap.Time = last.Time
		snap.Price = last.Close
		snap.Volume = last.Volume
	}
	snap.Ind = computeIndicators(s.bars)
	if s.volSum > 0 {
		snap.Ind.VWAP = s.pvSum / s.volSum
	}
	snap.Day = Day{
		Date:            s.day,
		Open:            s.dayOpen,
		High:            s.dayHigh,
		Low:             s.dayLow,
		PrevClose:       s.prevClose,
		PremarketVolume: s.premarketVolume,
		Bars:            append([]types.MarketTick(nil), s.sessionBars...),
	}
	return snap
}

// Book 按 symbol 管理 Series。
type Book struct {
	mu      sync.Mutex
	maxBars int
	series  map[string]*Series
}

func NewBook(maxBars int) *Book {
	return &Book{maxBars: maxBars, series: make(map[string]*Series)}
}

// Series 返回（必要时创建）symbol 的 Series。
func (b *Book) Series(symbol string) *Series {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[symbol]
	if !ok {
		s = NewSeries(symbol, b.maxBars)
		b.series[symbol] = s
	}
	return s
}
