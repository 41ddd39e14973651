package store

import (
	"context"
	"fmt"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/types"
)

// Rehydrated 是启动时从数据库恢复的全部状态。
type Rehydrated struct {
	OpenTrades     []types.Trade
	LiveOrders     []types.Order
	Strategies     []health.StrategyState
	Breaker        *breaker.State
	Funnel         *funnel.Snapshot
	RealizedPnL    float64
	TradesToday    int
	StrategyTrades map[string]int
}

// Rehydrate 读取未平仓交易、非终态订单、策略与熔断状态以及 dayStart 之后的入场次数。
func (s *Store) Rehydrate(ctx context.Context, dayStart time.Time) (Rehydrated, error) {
	var out Rehydrated
	var err error
	if out.OpenTrades, err = s.OpenTrades(ctx); err != nil {
		return out, fmt.Errorf("加载持仓失败: %w", err)
	}
	if out.LiveOrders, err = s.LiveOrders(ctx); err != nil {
		return out, fmt.Errorf("加载在途订单失败: %w", err)
	}
	if out.Strategies, err = s.StrategyStates(ctx); err != nil {
		return out, fmt.Errorf("加载策略状态失败: %w", err)
	}
	st, ok, err := s.BreakerState(ctx)
	if err != nil {
		return out, fmt.Errorf("加载熔断状态失败: %w", err)
	}
	if ok {
		out.Breaker = &st
	}
	snap, ok, err := s.LatestFunnelSnapshot(ctx)
	if err != nil {
		return out, fmt.Errorf("加载漏斗快照失败: %w", err)
	}
	if ok {
		out.Funnel = &snap
	}
	if out.RealizedPnL, err = s.RealizedPnL(ctx); err != nil {
		return out, fmt.Errorf("汇总已实现盈亏失败: %w", err)
	}
	if out.TradesToday, out.StrategyTrades, err = s.EntryCounts(ctx, dayStart); err != nil {
		return out, fmt.Errorf("统计当日入场次数失败: %w", err)
	}
	return out, nil
}
