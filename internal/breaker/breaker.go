package breaker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/logger"
)

var (
	ErrOperatorRequired        = errors.New("reset requires an operator")
	ErrAcknowledgementRequired = errors.New("monthly review reset requires acknowledgement")
)

const maxHistory = 200

// Level 只会自动升级；回到 Normal 只能通过显式 Reset（DailyHalt 在下一交易日自动解除）。
type Level int

const (
	LevelNormal Level = iota
	LevelDailyHalt
	LevelWeeklyPause
	LevelMonthlyReview
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelDailyHalt:
		return "daily_halt"
	case LevelWeeklyPause:
		return "weekly_pause"
	case LevelMonthlyReview:
		return "monthly_review"
	default:
		return "unknown"
	}
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "normal", "":
		return LevelNormal, nil
	case "daily_halt":
		return LevelDailyHalt, nil
	case "weekly_pause":
		return LevelWeeklyPause, nil
	case "monthly_review":
		return LevelMonthlyReview, nil
	}
	return LevelNormal, fmt.Errorf("unknown breaker level %q", raw)
}

// Period 是一个统计周期（日/周/月）的盈亏累计。
// Anchor 是周期开始（或重置）时的浮动盈亏，用于只统计周期内的变化。
type Period struct {
	Start      time.Time `json:"start"`
	Base       float64   `json:"base"`
	Realized   float64   `json:"realized"`
	Unrealized float64   `json:"unrealized"`
	Anchor     float64   `json:"anchor"`
}

func (p Period) PnL() float64 { return p.Realized + p.Unrealized - p.Anchor }

func (p Period) breached(limitPct float64) bool {
	if p.Base <= 0 || limitPct <= 0 {
		return false
	}
	return -p.PnL() >= p.Base*limitPct
}

type EventKind string

const (
	EventTrip         EventKind = "trip"
	EventReset        EventKind = "reset"
	EventSessionClear EventKind = "session_clear"
)

// Event 是熔断审计记录。
type Event struct {
	Kind     EventKind `json:"kind"`
	From     Level     `json:"from"`
	To       Level     `json:"to"`
	At       time.Time `json:"at"`
	PnL      float64   `json:"pnl,omitempty"`
	Limit    float64   `json:"limit,omitempty"`
	Operator string    `json:"operator,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// State 是熔断器的完整状态，也是持久化的内容。
type State struct {
	Level     Level                `json:"level"`
	Enabled   bool                 `json:"enabled"`
	Day       Period               `json:"day"`
	Week      Period               `json:"week"`
	Month     Period               `json:"month"`
	Tripped   map[string]time.Time `json:"tripped,omitempty"`
	History   []Event              `json:"history,omitempty"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// AllowsEntries 判断是否允许新开仓。
func (s State) AllowsEntries() bool {
	return !s.Enabled || s.Level == LevelNormal
}

func (s State) clone() State {
	out := s
	out.Tripped = make(map[string]time.Time, len(s.Tripped))
	for k, v := range s.Tripped {
		out.Tripped[k] = v
	}
	out.History = append([]Event(nil), s.History...)
	return out
}

// Breaker 是进程内唯一的亏损熔断器。写操作串行化在 mu 下，读方走 atomic 快照。
type Breaker struct {
	mu       sync.Mutex
	cfg      config.BreakerConfig
	dayOf    func(time.Time) time.Time
	state    State
	snapshot atomic.Value

	onEvent  func(Event)
	onChange func(State)
}

// New 创建熔断器；dayOf 把时间映射为交易日（通常来自交易日历）。
func New(cfg config.BreakerConfig, dayOf func(time.Time) time.Time) *Breaker {
	if dayOf == nil {
		dayOf = func(t time.Time) time.Time {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
		}
	}
	b := &Breaker{cfg: cfg, dayOf: dayOf}
	b.state = State{Level: LevelNormal, Enabled: cfg.Enabled, Tripped: map[string]time.Time{}}
	b.publish()
	return b
}

// SetEventHandler 注册状态跳变回调（告警），在独立 goroutine 中调用。
func (b *Breaker) SetEventHandler(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = fn
}

// SetChangeHandler 注册状态变化回调（持久化），同步调用，实现方不得阻塞。
func (b *Breaker) SetChangeHandler(fn func(State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Snapshot 返回最近发布的状态拷贝。
func (b *Breaker) Snapshot() State {
	if v, ok := b.snapshot.Load().(State); ok {
		return v.clone()
	}
	return State{}
}

func (b *Breaker) Level() Level { return b.Snapshot().Level }

// AllowEntries 供风控闸门在每个信号上读取。
func (b *Breaker) AllowEntries() bool {
	s, ok := b.snapshot.Load().(State)
	if !ok {
		return true
	}
	return s.AllowsEntries()
}

// Restore 用持久化状态恢复（启动时调用）。
func (b *Breaker) Restore(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s = s.clone()
	if s.Tripped == nil {
		s.Tripped = map[string]time.Time{}
	}
	b.state = s
	b.publish()
	logger.Infof("circuit breaker restored: level=%s enabled=%v", s.Level, s.Enabled)
}

// SetEnabled 独立于风控限额开关；关闭后仍然统计盈亏，只是不再阻止开仓。
func (b *Breaker) SetEnabled(enabled bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Enabled = enabled
	b.state.UpdatedAt = now
	b.commit()
}

// RollSession 在交易日/周/月边界捕获新的资金基数；DailyHalt 在新交易日自动解除。
func (b *Breaker) RollSession(now time.Time, capital float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	day := b.dayOf(now)
	s := &b.state
	changed := false
	if !s.Day.Start.Equal(day) {
		s.Day = newPeriod(day, capital, s.Day.Unrealized)
		changed = true
		if s.Level == LevelDailyHalt {
			b.record(Event{Kind: EventSessionClear, From: s.Level, To: LevelNormal, At: now})
			s.Level = LevelNormal
			logger.Infof("circuit breaker: daily halt cleared at session start %s", day.Format("2006-01-02"))
		}
	}
	if ws := weekStart(day); !s.Week.Start.Equal(ws) {
		s.Week = newPeriod(ws, capital, s.Week.Unrealized)
		changed = true
	}
	if ms := monthStart(day); !s.Month.Start.Equal(ms) {
		s.Month = newPeriod(ms, capital, s.Month.Unrealized)
		changed = true
	}
	if changed {
		s.UpdatedAt = now
		b.commit()
	}
}

// TradeClosed 计入已实现盈亏并重新评估。unrealized 是平仓后剩余持仓的总浮动盈亏，
// 平掉的那部分不能同时留在浮动盈亏里。
func (b *Breaker) TradeClosed(pnl, unrealized float64, at time.Time) Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Day.Realized += pnl
	b.state.Week.Realized += pnl
	b.state.Month.Realized += pnl
	b.state.Day.Unrealized = unrealized
	b.state.Week.Unrealized = unrealized
	b.state.Month.Unrealized = unrealized
	b.evaluate(at)
	b.state.UpdatedAt = at
	b.commit()
	return b.state.Level
}

// RefreshUnrealized 用最新的总浮动盈亏重新评估。
func (b *Breaker) RefreshUnrealized(total float64, at time.Time) Level {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Day.Unrealized = total
	b.state.Week.Unrealized = total
	b.state.Month.Unrealized = total
	b.evaluate(at)
	b.state.UpdatedAt = at
	b.commit()
	return b.state.Level
}

// Reset 是回到 Normal 的唯一显式路径；MonthlyReview 需要额外确认。
func (b *Breaker) Reset(operator, note string, acknowledged bool, now time.Time, capital float64) error {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return ErrOperatorRequired
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.state
	from := s.Level
	if from == LevelMonthlyReview && !acknowledged {
		return ErrAcknowledgementRequired
	}
	if from == LevelNormal {
		return nil
	}
	// 被清除的周期重新计基，否则同一笔亏损会立刻再次触发
	if from >= LevelDailyHalt {
		s.Day = rebase(s.Day, capital)
	}
	if from >= LevelWeeklyPause {
		s.Week = rebase(s.Week, capital)
	}
	if from >= LevelMonthlyReview {
		s.Month = rebase(s.Month, capital)
	}
	s.Level = LevelNormal
	s.UpdatedAt = now
	b.record(Event{Kind: EventReset, From: from, To: LevelNormal, At: now, Operator: operator, Note: strings.TrimSpace(note)})
	logger.Warnf("circuit breaker reset by %s: %s -> normal (%s)", operator, from, note)
	b.commit()
	return nil
}

func (b *Breaker) evaluate(at time.Time) {
	s := &b.state
	target := s.Level
	var period Period
	var limit float64
	switch {
	case s.Month.breached(b.cfg.MonthlyLossPct):
		target, period, limit = LevelMonthlyReview, s.Month, b.cfg.MonthlyLossPct
	case s.Week.breached(b.cfg.WeeklyLossPct):
		target, period, limit = LevelWeeklyPause, s.Week, b.cfg.WeeklyLossPct
	case s.Day.breached(b.cfg.DailyLossPct):
		target, period, limit = LevelDailyHalt, s.Day, b.cfg.DailyLossPct
	}
	if target <= s.Level {
		return
	}
	from := s.Level
	s.Level = target
	s.Tripped[target.String()] = at
	b.record(Event{Kind: EventTrip, From: from, To: target, At: at, PnL: period.PnL(), Limit: -period.Base * limit})
	logger.Warnf("circuit breaker tripped: %s -> %s (pnl=%.2f base=%.2f limit=%.1f%%)",
		from, target, period.PnL(), period.Base, limit*100)
}

func (b *Breaker) record(evt Event) {
	b.state.History = append(b.state.History, evt)
	if len(b.state.History) > maxHistory {
		b.state.History = b.state.History[len(b.state.History)-maxHistory:]
	}
	if b.onEvent != nil {
		go b.onEvent(evt)
	}
}

func (b *Breaker) commit() {
	b.publish()
	if b.onChange != nil {
		b.onChange(b.state.clone())
	}
}

func (b *Breaker) publish() {
	b.snapshot.Store(b.state.clone())
}

func newPeriod(start time.Time, capital, unrealized float64) Period {
	return Period{Start: start, Base: capital, Unrealized: unrealized, Anchor: unrealized}
}

func rebase(p Period, capital float64) Period {
	return Period{Start: p.Start, Base: capital, Unrealized: p.Unrealized, Anchor: p.Unrealized}
}

// weekStart 以周一为一周开始。
func weekStart(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func monthStart(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
}
