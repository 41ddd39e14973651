package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"
)

var knownStrategyKinds = map[string]bool{
	"orb":      true,
	"vwap":     true,
	"momentum": true,
	"gap":      true,
	"eod":      true,
}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if c.Account.Capital <= 0 {
		return fmt.Errorf("account.capital must be > 0")
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Breaker.validate(); err != nil {
		return err
	}
	if err := c.Health.validate(); err != nil {
		return err
	}
	if err := c.Calendar.validate(); err != nil {
		return err
	}
	if err := validateStrategies(c.Strategies); err != nil {
		return err
	}
	if err := c.Venue.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

// Validate 对外暴露校验（手工构造配置时使用）。
func Validate(c *Config) error {
	if c == nil {
		return fmt.Errorf("nil config")
	}
	return validate(c)
}

func (r *RiskConfig) validate() error {
	if err := fraction("risk.max_risk_per_trade", r.MaxRiskPerTrade); err != nil {
		return err
	}
	if err := fraction("risk.max_position_size", r.MaxPositionSize); err != nil {
		return err
	}
	if err := fraction("risk.max_capital_deployed", r.MaxCapitalDeployed); err != nil {
		return err
	}
	if r.MinCashReserve < 0 || r.MinCashReserve >= 1 {
		return fmt.Errorf("risk.min_cash_reserve must be in [0,1)")
	}
	if r.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be > 0")
	}
	if r.MaxTradesPerDay <= 0 {
		return fmt.Errorf("risk.max_trades_per_day must be > 0")
	}
	if r.MinPrice < 0 {
		return fmt.Errorf("risk.min_price must be >= 0")
	}
	return nil
}

func (b *BreakerConfig) validate() error {
	for key, v := range map[string]float64{
		"breaker.daily_loss_pct":   b.DailyLossPct,
		"breaker.weekly_loss_pct":  b.WeeklyLossPct,
		"breaker.monthly_loss_pct": b.MonthlyLossPct,
	} {
		if err := fraction(key, v); err != nil {
			return err
		}
	}
	if b.DailyLossPct > b.WeeklyLossPct || b.WeeklyLossPct > b.MonthlyLossPct {
		return fmt.Errorf("breaker thresholds must satisfy daily <= weekly <= monthly")
	}
	return nil
}

func (h *HealthConfig) validate() error {
	if h.WindowSize < h.MinTrades {
		return fmt.Errorf("health.window_size (%d) must be >= health.min_trades (%d)", h.WindowSize, h.MinTrades)
	}
	if h.MinWinRate < 0 || h.MinWinRate > 1 {
		return fmt.Errorf("health.min_win_rate must be in [0,1]")
	}
	if h.MinProfitFactor < 0 {
		return fmt.Errorf("health.min_profit_factor must be >= 0")
	}
	return nil
}

func (c *CalendarConfig) validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone invalid: %w", err)
	}
	open, err := ParseClock(c.MarketOpen)
	if err != nil {
		return fmt.Errorf("calendar.market_open: %w", err)
	}
	closeAt, err := ParseClock(c.MarketClose)
	if err != nil {
		return fmt.Errorf("calendar.market_close: %w", err)
	}
	if closeAt <= open {
		return fmt.Errorf("calendar.market_close must be after market_open")
	}
	for _, day := range c.Holidays {
		if _, err := time.Parse("2006-01-02", strings.TrimSpace(day)); err != nil {
			return fmt.Errorf("calendar.holidays contains invalid date %q", day)
		}
	}
	return nil
}

func validateStrategies(list []StrategyConfig) error {
	if len(list) == 0 {
		return fmt.Errorf("strategies requires at least one entry")
	}
	seen := make(map[string]bool, len(list))
	for _, s := range list {
		if s.ID == "" {
			return fmt.Errorf("strategies contains entry without id")
		}
		if seen[s.ID] {
			return fmt.Errorf("strategies.%s duplicated", s.ID)
		}
		seen[s.ID] = true
		if !knownStrategyKinds[s.Kind] {
			return fmt.Errorf("strategies.%s unknown kind %q", s.ID, s.Kind)
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("strategies.%s requires symbols", s.ID)
		}
		if err := fraction("strategies."+s.ID+".sizing_fraction", s.SizingFraction); err != nil {
			return err
		}
		for name, raw := range s.Times {
			if _, err := ParseClock(raw); err != nil {
				return fmt.Errorf("strategies.%s.times.%s: %w", s.ID, name, err)
			}
		}
	}
	return nil
}

func (v *VenueConfig) validate() error {
	switch v.Kind {
	case "paper":
		return nil
	case "rest":
		if v.BaseURL == "" {
			return fmt.Errorf("venue.base_url is required for rest venue")
		}
		return nil
	default:
		return fmt.Errorf("venue.kind %q unsupported (paper|rest)", v.Kind)
	}
}

func (n *NotifyConfig) validate() error {
	if !n.Telegram.Enabled {
		return nil
	}
	if strings.TrimSpace(n.Telegram.BotToken) == "" || strings.TrimSpace(n.Telegram.ChatID) == "" {
		return fmt.Errorf("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}

func fraction(key string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0,1], got %v", key, v)
	}
	return nil
}

// ParseClock 把 "HH:MM" 解析为当天的分钟数。
func ParseClock(raw string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q (want HH:MM)", raw)
	}
	return t.Hour()*60 + t.Minute(), nil
}
