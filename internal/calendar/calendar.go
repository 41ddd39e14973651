package calendar

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"tradegate/internal/config"
	"tradegate/internal/types"
)

const (
	preMarketStart = 4 * 60
	afterHoursEnd  = 20 * 60
)

// 跳过原因（不是拒单，只进入漏斗的 skip 计数）。
const (
	SkipClosed        = "closed"
	SkipExtendedHours = "extended_hours_disabled"
	SkipOvernight     = "overnight_disabled"
	SkipSessionEdge   = "session_edge"
	SkipBlackout      = "blackout"
)

// Eligibility 是一次日历门控的结果。
type Eligibility struct {
	Session types.Session
	OK      bool
	Reason  string
}

// BlackoutSource 提供当前生效的禁止交易窗口。
type BlackoutSource interface {
	Active(now time.Time) (Window, bool)
}

// Calendar 判断某一时刻所属交易时段以及是否允许评估。
type Calendar struct {
	loc         *time.Location
	open        int
	close       int
	avoidFirst  int
	avoidLast   int
	extended    bool
	overnight   bool
	holidays    map[string]bool
	blackouts   BlackoutSource
	mu          sync.RWMutex
	manual      bool
	manualNote  string
	manualSince time.Time
}

func New(cfg config.CalendarConfig, blackouts BlackoutSource) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", cfg.Timezone, err)
	}
	open, err := config.ParseClock(cfg.MarketOpen)
	if err != nil {
		return nil, err
	}
	closeAt, err := config.ParseClock(cfg.MarketClose)
	if err != nil {
		return nil, err
	}
	holidays := make(map[string]bool, len(cfg.Holidays))
	for _, d := range cfg.Holidays {
		holidays[strings.TrimSpace(d)] = true
	}
	return &Calendar{
		loc:        loc,
		open:       open,
		close:      closeAt,
		avoidFirst: cfg.AvoidFirstMinutes,
		avoidLast:  cfg.AvoidLastMinutes,
		extended:   cfg.ExtendedHours,
		overnight:  cfg.Overnight,
		holidays:   holidays,
		blackouts:  blackouts,
	}, nil
}

func (c *Calendar) Location() *time.Location { return c.loc }

// Local 把时间转换到交易所时区。
func (c *Calendar) Local(t time.Time) time.Time { return t.In(c.loc) }

// MinuteOfDay 返回交易所时区下的当日分钟数。
func (c *Calendar) MinuteOfDay(t time.Time) int {
	lt := t.In(c.loc)
	return lt.Hour()*60 + lt.Minute()
}

// TradingDay 返回 t 所属的交易日（夜盘归属下一自然日）。
func (c *Calendar) TradingDay(t time.Time) time.Time {
	lt := t.In(c.loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	if lt.Hour()*60+lt.Minute() >= afterHoursEnd {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// IsTradingDay 排除周末与配置的休市日。
func (c *Calendar) IsTradingDay(day time.Time) bool {
	day = day.In(c.loc)
	switch day.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[day.Format("2006-01-02")]
}

// SessionAt 对时刻做时段分类。
func (c *Calendar) SessionAt(t time.Time) types.Session {
	m := c.MinuteOfDay(t)
	if !c.IsTradingDay(c.TradingDay(t)) {
		return types.SessionClosed
	}
	switch {
	case m >= afterHoursEnd || m < preMarketStart:
		return types.SessionOvernight
	case m < c.open:
		return types.SessionPreMarket
	case m < c.close:
		return types.SessionRegular
	default:
		return types.SessionAfterHours
	}
}

// Eligible 在评估前执行全部日历门控。
func (c *Calendar) Eligible(t time.Time) Eligibility {
	session := c.SessionAt(t)
	out := Eligibility{Session: session}
	if c.blackoutActive(t) {
		out.Reason = SkipBlackout
		return out
	}
	switch session {
	case types.SessionClosed:
		out.Reason = SkipClosed
	case types.SessionPreMarket, types.SessionAfterHours:
		if !c.extended {
			out.Reason = SkipExtendedHours
			return out
		}
		out.OK = true
	case types.SessionOvernight:
		if !c.overnight {
			out.Reason = SkipOvernight
			return out
		}
		out.OK = true
	case types.SessionRegular:
		m := c.MinuteOfDay(t)
		if m < c.open+c.avoidFirst || m >= c.close-c.avoidLast {
			out.Reason = SkipSessionEdge
			return out
		}
		out.OK = true
	}
	return out
}

// SetManualBlackout 由操作员手动打开/关闭禁止交易标记。
func (c *Calendar) SetManualBlackout(on bool, note string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = on
	c.manualNote = strings.TrimSpace(note)
	if on {
		c.manualSince = now
	} else {
		c.manualSince = time.Time{}
	}
}

// ManualBlackout 返回手动标记状态。
func (c *Calendar) ManualBlackout() (bool, string, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manual, c.manualNote, c.manualSince
}

func (c *Calendar) blackoutActive(t time.Time) bool {
	c.mu.RLock()
	manual := c.manual
	c.mu.RUnlock()
	if manual {
		return true
	}
	if c.blackouts == nil {
		return false
	}
	_, ok := c.blackouts.Active(t)
	return ok
}

// SessionStart 返回 t 所属交易日常规时段开盘时刻。
func (c *Calendar) SessionStart(t time.Time) time.Time {
	day := c.TradingDay(t)
	return day.Add(time.Duration(c.open) * time.Minute)
}

// At 返回 t 所在自然日（交易所时区）某个分钟数对应的时刻。
func (c *Calendar) At(t time.Time, minuteOfDay int) time.Time {
	lt := t.In(c.loc)
	base := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, c.loc)
	return base.Add(time.Duration(minuteOfDay) * time.Minute)
}

// OpenMinute/CloseMinute 暴露常规时段边界。
func (c *Calendar) OpenMinute() int  { return c.open }
func (c *Calendar) CloseMinute() int { return c.close }
