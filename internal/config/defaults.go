package config

import (
	"strings"
)

// 默认值常量（比例均为资金比例）
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppHTTPAddr        = ":9991"
	defaultCapital            = 100000
	defaultMaxRiskPerTrade    = 0.01
	defaultMaxPositionSize    = 0.15
	defaultMaxConcurrent      = 10
	defaultMaxTradesPerDay    = 30
	defaultMaxDeployed        = 0.60
	defaultMinCashReserve     = 0.40
	defaultMinPrice           = 5
	defaultMaxPerSector       = 3
	defaultMaxSectorExposure  = 0.30
	defaultDailyLossPct       = 0.02
	defaultWeeklyLossPct      = 0.05
	defaultMonthlyLossPct     = 0.10
	defaultHealthWindow       = 50
	defaultMaxConsecLosses    = 5
	defaultHealthMinTrades    = 20
	defaultHealthMinWinRate   = 0.40
	defaultHealthLosingDays   = 3
	defaultTimezone           = "America/New_York"
	defaultMarketOpen         = "09:30"
	defaultMarketClose        = "16:00"
	defaultAvoidEdgeMinutes   = 5
	defaultPipelineBuffer     = 256
	defaultClockInterval      = 15
	defaultMinBars            = 30
	defaultMaxBars            = 500
	defaultVenueKind          = "paper"
	defaultVenueTimeout       = 10
	defaultSubmitTimeoutMs    = 5000
	defaultMaxAttempts        = 3
	defaultBackoffMs          = 200
	defaultMaxBackoffMs       = 2000
	defaultRatePerSecond      = 10
	defaultBurst              = 5
	defaultBreakerFailures    = 5
	defaultBreakerCooldown    = 30
	defaultReconcileAttempts  = 5
	defaultStaleOrderSeconds  = 30
	defaultStorePath          = "data/tradegate.db"
	defaultStoreWriteBuffer   = 1024
	defaultFunnelRecentSize   = 500
	defaultFunnelNamespace    = "tradegate"
	defaultStrategySizing     = 0.10
	defaultStrategyMaxPosHeld = 3
)

// defaultStrategies 与内置的五个策略一一对应。
func defaultStrategies() []StrategyConfig {
	return []StrategyConfig{
		{ID: "orb", Kind: "orb", Symbols: []string{"SPY", "QQQ", "IWM"}, SizingFraction: 0.10, MaxPositions: 3},
		{ID: "vwap", Kind: "vwap", Symbols: []string{"SPY", "QQQ", "AAPL", "MSFT"}, SizingFraction: 0.08, MaxPositions: 4},
		{ID: "momentum", Kind: "momentum", Symbols: []string{"AAPL", "MSFT", "NVDA", "AMD", "TSLA"}, SizingFraction: 0.05, MaxPositions: 5},
		{ID: "gap", Kind: "gap", Symbols: []string{"AAPL", "NVDA", "TSLA", "AMD"}, SizingFraction: 0.15, MaxPositions: 2},
		{ID: "eod", Kind: "eod", Symbols: []string{"SPY", "QQQ"}, SizingFraction: 0.10, MaxPositions: 2},
	}
}

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Account.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Breaker.applyDefaults(keys)
	c.Health.applyDefaults(keys)
	c.Calendar.applyDefaults(keys)
	c.Pipeline.applyDefaults(keys)
	c.Venue.applyDefaults(keys)
	c.Router.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Funnel.applyDefaults(keys)
	if !keys.isSet("strategies") && len(c.Strategies) == 0 {
		c.Strategies = defaultStrategies()
	}
	for i := range c.Strategies {
		c.Strategies[i].applyDefaults()
	}
}

// ApplyDefaults 供不经过 Load 构造配置的调用方（测试、CLI）使用。
func (c *Config) ApplyDefaults() {
	c.applyDefaults(make(keySet))
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (a *AccountConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("account.capital", &a.Capital, defaultCapital),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("risk.enabled", &r.Enabled, true),
		floatFieldDefault("risk.max_risk_per_trade", &r.MaxRiskPerTrade, defaultMaxRiskPerTrade),
		floatFieldDefault("risk.max_position_size", &r.MaxPositionSize, defaultMaxPositionSize),
		intFieldDefault("risk.max_concurrent_positions", &r.MaxConcurrentPositions, defaultMaxConcurrent),
		intFieldDefault("risk.max_trades_per_day", &r.MaxTradesPerDay, defaultMaxTradesPerDay),
		floatFieldDefault("risk.max_capital_deployed", &r.MaxCapitalDeployed, defaultMaxDeployed),
		floatFieldDefault("risk.min_cash_reserve", &r.MinCashReserve, defaultMinCashReserve),
		floatFieldDefault("risk.min_price", &r.MinPrice, defaultMinPrice),
		intFieldDefault("risk.max_per_sector", &r.MaxPerSector, defaultMaxPerSector),
		floatFieldDefault("risk.max_sector_exposure", &r.MaxSectorExposure, defaultMaxSectorExposure),
	)
	if len(r.Sectors) > 0 {
		normalized := make(map[string]string, len(r.Sectors))
		for sym, sector := range r.Sectors {
			normalized[strings.ToUpper(strings.TrimSpace(sym))] = strings.ToLower(strings.TrimSpace(sector))
		}
		r.Sectors = normalized
	}
}

func (b *BreakerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("breaker.enabled", &b.Enabled, true),
		floatFieldDefault("breaker.daily_loss_pct", &b.DailyLossPct, defaultDailyLossPct),
		floatFieldDefault("breaker.weekly_loss_pct", &b.WeeklyLossPct, defaultWeeklyLossPct),
		floatFieldDefault("breaker.monthly_loss_pct", &b.MonthlyLossPct, defaultMonthlyLossPct),
	)
}

func (h *HealthConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("health.window_size", &h.WindowSize, defaultHealthWindow),
		intFieldDefault("health.max_consecutive_losses", &h.MaxConsecutiveLosses, defaultMaxConsecLosses),
		intFieldDefault("health.min_trades", &h.MinTrades, defaultHealthMinTrades),
		floatFieldDefault("health.min_win_rate", &h.MinWinRate, defaultHealthMinWinRate),
		intFieldDefault("health.max_losing_days", &h.MaxLosingDays, defaultHealthLosingDays),
	)
}

func (c *CalendarConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("calendar.timezone", &c.Timezone, defaultTimezone),
		stringFieldDefault("calendar.market_open", &c.MarketOpen, defaultMarketOpen),
		stringFieldDefault("calendar.market_close", &c.MarketClose, defaultMarketClose),
		intFieldDefault("calendar.avoid_first_minutes", &c.AvoidFirstMinutes, defaultAvoidEdgeMinutes),
		intFieldDefault("calendar.avoid_last_minutes", &c.AvoidLastMinutes, defaultAvoidEdgeMinutes),
	)
}

func (p *PipelineConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "pipeline.workers",
			need:  func() bool { return p.Workers <= 0 },
			apply: func() { p.Workers = 4 },
		},
		intFieldDefault("pipeline.buffer_size", &p.BufferSize, defaultPipelineBuffer),
		intFieldDefault("pipeline.clock_interval_seconds", &p.ClockIntervalSeconds, defaultClockInterval),
		intFieldDefault("pipeline.min_bars", &p.MinBars, defaultMinBars),
		intFieldDefault("pipeline.max_bars", &p.MaxBars, defaultMaxBars),
	)
}

func (v *VenueConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("venue.kind", &v.Kind, defaultVenueKind),
		intFieldDefault("venue.timeout_seconds", &v.TimeoutSeconds, defaultVenueTimeout),
	)
	v.Kind = strings.ToLower(strings.TrimSpace(v.Kind))
	v.BaseURL = strings.TrimRight(strings.TrimSpace(v.BaseURL), "/")
}

func (r *RouterConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("router.submit_timeout_ms", &r.SubmitTimeoutMs, defaultSubmitTimeoutMs),
		intFieldDefault("router.max_attempts", &r.MaxAttempts, defaultMaxAttempts),
		intFieldDefault("router.backoff_ms", &r.BackoffMs, defaultBackoffMs),
		intFieldDefault("router.max_backoff_ms", &r.MaxBackoffMs, defaultMaxBackoffMs),
		floatFieldDefault("router.rate_per_second", &r.RatePerSecond, defaultRatePerSecond),
		intFieldDefault("router.burst", &r.Burst, defaultBurst),
		intFieldDefault("router.breaker_failures", &r.BreakerFailures, defaultBreakerFailures),
		intFieldDefault("router.breaker_cooldown_seconds", &r.BreakerCooldownSeconds, defaultBreakerCooldown),
		intFieldDefault("router.max_reconcile_attempts", &r.MaxReconcileAttempts, defaultReconcileAttempts),
		intFieldDefault("router.stale_order_seconds", &r.StaleOrderSeconds, defaultStaleOrderSeconds),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		intFieldDefault("store.write_buffer_size", &s.WriteBufferSize, defaultStoreWriteBuffer),
	)
}

func (f *FunnelConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("funnel.recent_size", &f.RecentSize, defaultFunnelRecentSize),
		stringFieldDefault("funnel.namespace", &f.Namespace, defaultFunnelNamespace),
	)
}

func (s *StrategyConfig) applyDefaults() {
	s.ID = strings.TrimSpace(s.ID)
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	if s.Kind == "" {
		s.Kind = strings.ToLower(s.ID)
	}
	if s.SizingFraction <= 0 {
		s.SizingFraction = defaultStrategySizing
	}
	if s.MaxPositions <= 0 {
		s.MaxPositions = defaultStrategyMaxPosHeld
	}
	for i, sym := range s.Symbols {
		s.Symbols[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() {
			*target = def
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

// boolFieldDefault 只在配置文件未显式给出该键时生效。
func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}
