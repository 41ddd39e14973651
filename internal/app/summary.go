package app

import (
	"fmt"
	"sort"
	"strings"

	"tradegate/internal/calendar"
	"tradegate/internal/config"
	"tradegate/internal/strategy"
)

type StartupSummary struct {
	Account    AccountSummary
	Calendar   CalendarSummary
	Venue      string
	HTTPAddr   string
	Strategies []StrategySummary
}

type AccountSummary struct {
	Capital          float64
	RiskEnabled      bool
	MaxRiskPerTrade  float64
	MaxTradesPerDay  int
	BreakerEnabled   bool
	DailyLossPct     float64
	WeeklyLossPct    float64
	MonthlyLossPct   float64
	MaxConcurrentPos int
}

type CalendarSummary struct {
	Timezone  string
	Regular   string
	Extended  bool
	Overnight bool
	Holidays  int
	Blackouts int
}

type StrategySummary struct {
	ID      string
	Kind    string
	Symbols []string
	Sizing  float64
	MaxPos  int
}

func buildSummary(cfg *config.Config, reg *strategy.Registry, blackouts *calendar.BlackoutRegistry, vb venueBundle) *StartupSummary {
	s := &StartupSummary{
		Account: AccountSummary{
			Capital:          cfg.Account.Capital,
			RiskEnabled:      cfg.Risk.Enabled,
			MaxRiskPerTrade:  cfg.Risk.MaxRiskPerTrade,
			MaxTradesPerDay:  cfg.Risk.MaxTradesPerDay,
			BreakerEnabled:   cfg.Breaker.Enabled,
			DailyLossPct:     cfg.Breaker.DailyLossPct,
			WeeklyLossPct:    cfg.Breaker.WeeklyLossPct,
			MonthlyLossPct:   cfg.Breaker.MonthlyLossPct,
			MaxConcurrentPos: cfg.Risk.MaxConcurrentPositions,
		},
		Calendar: CalendarSummary{
			Timezone:  cfg.Calendar.Timezone,
			Regular:   cfg.Calendar.MarketOpen + "-" + cfg.Calendar.MarketClose,
			Extended:  cfg.Calendar.ExtendedHours,
			Overnight: cfg.Calendar.Overnight,
			Holidays:  len(cfg.Calendar.Holidays),
		},
		HTTPAddr: cfg.App.HTTPAddr,
	}
	if blackouts != nil {
		s.Calendar.Blackouts = len(blackouts.Windows())
	}
	if vb.venue != nil {
		s.Venue = vb.venue.Name()
	}
	for _, st := range reg.All() {
		p := st.Params()
		s.Strategies = append(s.Strategies, StrategySummary{
			ID:      st.ID(),
			Kind:    st.Kind(),
			Symbols: st.Symbols(),
			Sizing:  p.SizingFraction,
			MaxPos:  p.MaxPositions,
		})
	}
	sort.Slice(s.Strategies, func(i, j int) bool { return s.Strategies[i].ID < s.Strategies[j].ID })
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[账户与风控 (ACCOUNT & RISK)]")
	fmt.Printf("  初始资金: %.2f\n", s.Account.Capital)
	fmt.Printf("  风控限额: %s (单笔风险 %.2f%%, 每日最多 %d 笔, 最多 %d 个持仓)\n",
		onOff(s.Account.RiskEnabled), s.Account.MaxRiskPerTrade*100, s.Account.MaxTradesPerDay, s.Account.MaxConcurrentPos)
	fmt.Printf("  熔断器: %s (日 %.1f%% / 周 %.1f%% / 月 %.1f%%)\n",
		onOff(s.Account.BreakerEnabled), s.Account.DailyLossPct*100, s.Account.WeeklyLossPct*100, s.Account.MonthlyLossPct*100)
	fmt.Println()

	fmt.Println("[交易时段 (CALENDAR)]")
	fmt.Printf("  时区: %s  常规时段: %s\n", s.Calendar.Timezone, s.Calendar.Regular)
	fmt.Printf("  盘前盘后: %s  夜盘: %s\n", onOff(s.Calendar.Extended), onOff(s.Calendar.Overnight))
	fmt.Printf("  假日: %d  禁止交易窗口: %d\n", s.Calendar.Holidays, s.Calendar.Blackouts)
	fmt.Println()

	fmt.Println("[策略 (STRATEGIES)]")
	if len(s.Strategies) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, st := range s.Strategies {
		fmt.Printf("  > %s (%s) sizing=%.0f%% max_pos=%d symbols=%s\n",
			st.ID, st.Kind, st.Sizing*100, st.MaxPos, formatList(st.Symbols))
	}
	fmt.Println()

	fmt.Printf("[场所 (VENUE)] %s    [HTTP] %s\n", s.Venue, s.HTTPAddr)
	fmt.Println(strings.Repeat("=", 80))
}

func onOff(v bool) string {
	if v {
		return "开启"
	}
	return "关闭"
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
