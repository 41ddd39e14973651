package risk

import (
	"strings"

	"tradegate/internal/config"
)

// StrategyLimits 是单个策略的仓位与频率约束。
type StrategyLimits struct {
	SizingFraction  float64
	MaxPositions    int
	MaxTradesPerDay int
}

// Limits 由配置构建，创建后只读。比例字段均为资金比例（0.01 = 1%）。
type Limits struct {
	Enabled                bool
	InitialCapital         float64
	MaxRiskPerTrade        float64
	MaxPositionSize        float64
	MaxConcurrentPositions int
	MaxTradesPerDay        int
	MaxCapitalDeployed     float64
	MinCashReserve         float64
	MinPrice               float64
	MaxPerBucket           int
	MaxBucketExposure      float64
	Buckets                map[string]string
	Strategies             map[string]StrategyLimits
}

// LimitsFromConfig 汇总 account/risk/strategies 三个配置段。
func LimitsFromConfig(cfg *config.Config) Limits {
	l := Limits{
		Enabled:                cfg.Risk.Enabled,
		InitialCapital:         cfg.Account.Capital,
		MaxRiskPerTrade:        cfg.Risk.MaxRiskPerTrade,
		MaxPositionSize:        cfg.Risk.MaxPositionSize,
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		MaxTradesPerDay:        cfg.Risk.MaxTradesPerDay,
		MaxCapitalDeployed:     cfg.Risk.MaxCapitalDeployed,
		MinCashReserve:         cfg.Risk.MinCashReserve,
		MinPrice:               cfg.Risk.MinPrice,
		MaxPerBucket:           cfg.Risk.MaxPerSector,
		MaxBucketExposure:      cfg.Risk.MaxSectorExposure,
		Buckets:                make(map[string]string, len(cfg.Risk.Sectors)),
		Strategies:             make(map[string]StrategyLimits, len(cfg.Strategies)),
	}
	for sym, sector := range cfg.Risk.Sectors {
		l.Buckets[normalizeSymbol(sym)] = strings.ToLower(strings.TrimSpace(sector))
	}
	for _, s := range cfg.Strategies {
		l.Strategies[s.ID] = StrategyLimits{
			SizingFraction:  s.SizingFraction,
			MaxPositions:    s.MaxPositions,
			MaxTradesPerDay: s.MaxTradesPerDay,
		}
	}
	return l
}

// Bucket 返回 symbol 所属的相关性分组；未配置时为空。
func (l Limits) Bucket(symbol string) string {
	return l.Buckets[normalizeSymbol(symbol)]
}

func (l Limits) strategy(id string) StrategyLimits {
	return l.Strategies[id]
}

func normalizeSymbol(sym string) string {
	return strings.ToUpper(strings.TrimSpace(sym))
}
