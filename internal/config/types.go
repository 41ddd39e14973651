package config

import "strings"

// Config 是 tradegate 的主配置载体。
type Config struct {
	App        AppConfig        `toml:"app"`
	Account    AccountConfig    `toml:"account"`
	Risk       RiskConfig       `toml:"risk"`
	Breaker    BreakerConfig    `toml:"breaker"`
	Health     HealthConfig     `toml:"health"`
	Calendar   CalendarConfig   `toml:"calendar"`
	Strategies []StrategyConfig `toml:"strategies"`
	Pipeline   PipelineConfig   `toml:"pipeline"`
	Venue      VenueConfig      `toml:"venue"`
	Router     RouterConfig     `toml:"router"`
	Store      StoreConfig      `toml:"store"`
	Funnel     FunnelConfig     `toml:"funnel"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	APIKey   string `toml:"api_key"`
	LogPath  string `toml:"log_path"`
}

type AccountConfig struct {
	Capital float64 `toml:"capital"`
}

// RiskConfig 中的比例字段均为资金比例（0.01 = 1%）。
type RiskConfig struct {
	Enabled                bool              `toml:"enabled"`
	MaxRiskPerTrade        float64           `toml:"max_risk_per_trade"`
	MaxPositionSize        float64           `toml:"max_position_size"`
	MaxConcurrentPositions int               `toml:"max_concurrent_positions"`
	MaxTradesPerDay        int               `toml:"max_trades_per_day"`
	MaxCapitalDeployed     float64           `toml:"max_capital_deployed"`
	MinCashReserve         float64           `toml:"min_cash_reserve"`
	MinPrice               float64           `toml:"min_price"`
	MaxPerSector           int               `toml:"max_per_sector"`
	MaxSectorExposure      float64           `toml:"max_sector_exposure"`
	Sectors                map[string]string `toml:"sectors"`
}

// BreakerConfig 阈值是各周期起始资金的比例。
type BreakerConfig struct {
	Enabled        bool    `toml:"enabled"`
	DailyLossPct   float64 `toml:"daily_loss_pct"`
	WeeklyLossPct  float64 `toml:"weekly_loss_pct"`
	MonthlyLossPct float64 `toml:"monthly_loss_pct"`
}

type HealthConfig struct {
	WindowSize           int     `toml:"window_size"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
	MinTrades            int     `toml:"min_trades"`
	MinWinRate           float64 `toml:"min_win_rate"`
	MaxLosingDays        int     `toml:"max_losing_days"`
	MinProfitFactor      float64 `toml:"min_profit_factor"`
}

type CalendarConfig struct {
	Timezone          string   `toml:"timezone"`
	MarketOpen        string   `toml:"market_open"`
	MarketClose       string   `toml:"market_close"`
	AvoidFirstMinutes int      `toml:"avoid_first_minutes"`
	AvoidLastMinutes  int      `toml:"avoid_last_minutes"`
	ExtendedHours     bool     `toml:"extended_hours"`
	Overnight         bool     `toml:"overnight"`
	Holidays          []string `toml:"holidays"`
	BlackoutFile      string   `toml:"blackout_file"`
}

// StrategyConfig 以列表形式出现，列表顺序即评估顺序。
type StrategyConfig struct {
	ID              string             `toml:"id"`
	Kind            string             `toml:"kind"`
	// Enabled 使用指针以区分"显式 false"与"未配置（默认启用）"。
	Enabled         *bool              `toml:"enabled"`
	Symbols         []string           `toml:"symbols"`
	SizingFraction  float64            `toml:"sizing_fraction"`
	MaxPositions    int                `toml:"max_positions"`
	MaxTradesPerDay int                `toml:"max_trades_per_day"`
	Params          map[string]float64 `toml:"params"`
	Times           map[string]string  `toml:"times"`
}

type PipelineConfig struct {
	Workers              int `toml:"workers"`
	BufferSize           int `toml:"buffer_size"`
	ClockIntervalSeconds int `toml:"clock_interval_seconds"`
	MinBars              int `toml:"min_bars"`
	MaxBars              int `toml:"max_bars"`
}

type VenueConfig struct {
	Kind           string      `toml:"kind"`
	BaseURL        string      `toml:"base_url"`
	APIKey         string      `toml:"api_key"`
	TimeoutSeconds int         `toml:"timeout_seconds"`
	Paper          PaperConfig `toml:"paper"`
}

type PaperConfig struct {
	LatencyMs   int     `toml:"latency_ms"`
	SlippageBps float64 `toml:"slippage_bps"`
}

type RouterConfig struct {
	SubmitTimeoutMs        int     `toml:"submit_timeout_ms"`
	MaxAttempts            int     `toml:"max_attempts"`
	BackoffMs              int     `toml:"backoff_ms"`
	MaxBackoffMs           int     `toml:"max_backoff_ms"`
	RatePerSecond          float64 `toml:"rate_per_second"`
	Burst                  int     `toml:"burst"`
	BreakerFailures        int     `toml:"breaker_failures"`
	BreakerCooldownSeconds int     `toml:"breaker_cooldown_seconds"`
	MaxReconcileAttempts   int     `toml:"max_reconcile_attempts"`
	StaleOrderSeconds      int     `toml:"stale_order_seconds"`
}

type StoreConfig struct {
	Path            string `toml:"path"`
	WriteBufferSize int    `toml:"write_buffer_size"`
}

type FunnelConfig struct {
	RecentSize int    `toml:"recent_size"`
	Namespace  string `toml:"namespace"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

func (s StrategyConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Strategy 按 id 查找策略配置。
func (c *Config) Strategy(id string) (StrategyConfig, bool) {
	id = strings.TrimSpace(id)
	for _, s := range c.Strategies {
		if s.ID == id {
			return s, true
		}
	}
	return StrategyConfig{}, false
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述"未显式设置且需要默认值"时的填充动作。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
