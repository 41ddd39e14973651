package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/types"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func newTradeModel(t types.Trade) tradeModel {
	return tradeModel{
		ID:          t.ID,
		StrategyID:  t.StrategyID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Quantity:    t.Quantity,
		EntryPrice:  t.EntryPrice,
		EntryTime:   t.EntryTime.UTC(),
		StopLoss:    t.StopLoss,
		TakeProfit:  t.TakeProfit,
		ExitedQty:   t.ExitedQty,
		ExitPrice:   t.ExitPrice,
		ExitTime:    utcPtr(t.ExitTime),
		RealizedPnL: t.RealizedPnL,
		ExitOrderID: t.ExitOrderID,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (m tradeModel) record() types.Trade {
	return types.Trade{
		ID:          m.ID,
		StrategyID:  m.StrategyID,
		Symbol:      m.Symbol,
		Side:        types.Side(m.Side),
		Quantity:    m.Quantity,
		EntryPrice:  m.EntryPrice,
		EntryTime:   m.EntryTime,
		StopLoss:    m.StopLoss,
		TakeProfit:  m.TakeProfit,
		ExitedQty:   m.ExitedQty,
		ExitPrice:   m.ExitPrice,
		ExitTime:    m.ExitTime,
		RealizedPnL: m.RealizedPnL,
		ExitOrderID: m.ExitOrderID,
	}
}

func newOrderModel(o types.Order) orderModel {
	return orderModel{
		ClientOrderID: o.ClientOrderID,
		SignalID:      o.SignalID,
		StrategyID:    o.StrategyID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Kind:          string(o.Kind),
		Type:          string(o.Type),
		Quantity:      o.Quantity,
		Price:         o.Price,
		LimitPrice:    o.LimitPrice,
		StopLoss:      o.StopLoss,
		TakeProfit:    o.TakeProfit,
		TradeID:       o.TradeID,
		VenueOrderID:  o.VenueOrderID,
		State:         string(o.State),
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		Reason:        o.Reason,
		Attempts:      o.Attempts,
		CreatedAt:     o.CreatedAt.UTC(),
		UpdatedAt:     o.UpdatedAt.UTC(),
	}
}

func (m orderModel) record() types.Order {
	return types.Order{
		ClientOrderID: m.ClientOrderID,
		SignalID:      m.SignalID,
		StrategyID:    m.StrategyID,
		Symbol:        m.Symbol,
		Side:          types.Side(m.Side),
		Kind:          types.SignalKind(m.Kind),
		Type:          types.OrderType(m.Type),
		Quantity:      m.Quantity,
		Price:         m.Price,
		LimitPrice:    m.LimitPrice,
		StopLoss:      m.StopLoss,
		TakeProfit:    m.TakeProfit,
		TradeID:       m.TradeID,
		VenueOrderID:  m.VenueOrderID,
		State:         types.OrderState(m.State),
		FilledQty:     m.FilledQty,
		AvgFillPrice:  m.AvgFillPrice,
		Reason:        m.Reason,
		Attempts:      m.Attempts,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// upsert 按主键插入或整行覆盖。
func (s *Store) upsert(ctx context.Context, value any) error {
	return s.conn(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

func (s *Store) SaveTrade(ctx context.Context, t types.Trade) error {
	if err := s.ready(); err != nil {
		return err
	}
	m := newTradeModel(t)
	return s.upsert(ctx, &m)
}

func (s *Store) SaveOrder(ctx context.Context, o types.Order) error {
	if err := s.ready(); err != nil {
		return err
	}
	m := newOrderModel(o)
	return s.upsert(ctx, &m)
}

func (s *Store) SaveStrategyState(ctx context.Context, st health.StrategyState) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化策略状态失败: %w", err)
	}
	m := strategyStateModel{
		StrategyID: st.StrategyID,
		Enabled:    st.Enabled,
		StateJSON:  datatypes.JSON(raw),
		UpdatedAt:  time.Now(),
	}
	return s.upsert(ctx, &m)
}

func (s *Store) SaveBreakerState(ctx context.Context, st breaker.State) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("序列化熔断状态失败: %w", err)
	}
	m := breakerStateModel{
		ID:        1,
		Level:     st.Level.String(),
		Enabled:   st.Enabled,
		StateJSON: datatypes.JSON(raw),
		UpdatedAt: time.Now(),
	}
	return s.upsert(ctx, &m)
}

func (s *Store) AppendBreakerEvent(ctx context.Context, evt breaker.Event) error {
	if err := s.ready(); err != nil {
		return err
	}
	m := breakerEventModel{
		Kind:      string(evt.Kind),
		FromLevel: evt.From.String(),
		ToLevel:   evt.To.String(),
		At:        evt.At.UTC(),
		PnL:       evt.PnL,
		Limit:     evt.Limit,
		Operator:  evt.Operator,
		Note:      evt.Note,
	}
	return s.conn(ctx).Create(&m).Error
}

// SaveFunnelSnapshot 覆盖当日的漏斗快照。
func (s *Store) SaveFunnelSnapshot(ctx context.Context, day string, snap funnel.Snapshot) error {
	if err := s.ready(); err != nil {
		return err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("序列化漏斗快照失败: %w", err)
	}
	m := funnelSnapshotModel{Day: day, At: snap.At, Payload: datatypes.JSON(raw), UpdatedAt: time.Now()}
	return s.upsert(ctx, &m)
}

func (s *Store) OpenTrades(ctx context.Context) ([]types.Trade, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []tradeModel
	if err := s.conn(ctx).Where("exit_time IS NULL").Order("entry_time ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, m.record())
	}
	return out, nil
}

// ClosedTrades 返回 since 之后平仓的交易，最新的在前。
func (s *Store) ClosedTrades(ctx context.Context, since time.Time, limit int) ([]types.Trade, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.conn(ctx).Where("exit_time IS NOT NULL AND exit_time >= ?", since.UTC()).Order("exit_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []tradeModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(models))
	for _, m := range models {
		out = append(out, m.record())
	}
	return out, nil
}

// RealizedPnL 汇总已入账的盈亏：已平仓交易，加上未平仓交易中已终结平仓单的部分平仓。
// 在途平仓单的成交要等订单终结才入账，这里同样不计。
func (s *Store) RealizedPnL(ctx context.Context) (float64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var total struct{ Sum float64 }
	err := s.conn(ctx).Model(&tradeModel{}).
		Select("COALESCE(SUM(realized_pnl), 0) AS sum").
		Where("exit_time IS NOT NULL").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	open, err := s.OpenTrades(ctx)
	if err != nil {
		return 0, err
	}
	live, err := s.LiveOrders(ctx)
	if err != nil {
		return 0, err
	}
	inflight := make(map[string][]types.Order)
	for _, o := range live {
		if o.Kind == types.KindExit && o.FilledQty > 0 {
			inflight[o.TradeID] = append(inflight[o.TradeID], o)
		}
	}
	sum := decimal.NewFromFloat(total.Sum)
	for _, t := range open {
		if t.ExitedQty > 0 {
			sum = sum.Add(bookedExitPnL(t, inflight[t.ID]))
		}
	}
	return sum.InexactFloat64(), nil
}

func bookedExitPnL(t types.Trade, inflight []types.Order) decimal.Decimal {
	qty := t.ExitedQty
	value := decimal.NewFromInt(t.ExitedQty).Mul(decimal.NewFromFloat(t.ExitPrice))
	for _, o := range inflight {
		qty -= o.FilledQty
		value = value.Sub(decimal.NewFromInt(o.FilledQty).Mul(decimal.NewFromFloat(o.AvgFillPrice)))
	}
	if qty <= 0 {
		return decimal.Zero
	}
	cost := decimal.NewFromInt(qty).Mul(decimal.NewFromFloat(t.EntryPrice))
	return value.Sub(cost).Mul(decimal.NewFromFloat(t.Side.Sign())).Round(6)
}

// LiveOrders 返回所有非终态订单。
func (s *Store) LiveOrders(ctx context.Context) ([]types.Order, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	live := []string{
		string(types.OrderPending),
		string(types.OrderSubmitted),
		string(types.OrderPartiallyFilled),
		string(types.OrderUnknown),
	}
	var models []orderModel
	if err := s.conn(ctx).Where("state IN ?", live).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(models))
	for _, m := range models {
		out = append(out, m.record())
	}
	return out, nil
}

// Orders 返回 since 之后创建的订单，最新的在前。
func (s *Store) Orders(ctx context.Context, since time.Time, limit int) ([]types.Order, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.conn(ctx).Where("created_at >= ?", since.UTC()).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []orderModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(models))
	for _, m := range models {
		out = append(out, m.record())
	}
	return out, nil
}

// EntryCounts 统计 since 之后提交的入场单数量（全局与按策略）。
func (s *Store) EntryCounts(ctx context.Context, since time.Time) (int, map[string]int, error) {
	if err := s.ready(); err != nil {
		return 0, nil, err
	}
	var rows []struct {
		StrategyID string
		N          int
	}
	err := s.conn(ctx).Model(&orderModel{}).
		Select("strategy_id, COUNT(*) AS n").
		Where("kind = ? AND created_at >= ?", string(types.KindEntry), since.UTC()).
		Group("strategy_id").
		Scan(&rows).Error
	if err != nil {
		return 0, nil, err
	}
	total := 0
	byStrategy := make(map[string]int, len(rows))
	for _, r := range rows {
		total += r.N
		byStrategy[r.StrategyID] = r.N
	}
	return total, byStrategy, nil
}

func (s *Store) StrategyStates(ctx context.Context) ([]health.StrategyState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []strategyStateModel
	if err := s.conn(ctx).Order("strategy_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]health.StrategyState, 0, len(models))
	for _, m := range models {
		var st health.StrategyState
		if err := json.Unmarshal(m.StateJSON, &st); err != nil {
			return nil, fmt.Errorf("解析策略 %s 状态失败: %w", m.StrategyID, err)
		}
		st.StrategyID = m.StrategyID
		st.Enabled = m.Enabled
		out = append(out, st)
	}
	return out, nil
}

// BreakerState 返回持久化的熔断状态，ok=false 表示尚未保存过。
func (s *Store) BreakerState(ctx context.Context) (breaker.State, bool, error) {
	if err := s.ready(); err != nil {
		return breaker.State{}, false, err
	}
	var m breakerStateModel
	err := s.conn(ctx).Where("id = ?", 1).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return breaker.State{}, false, nil
	}
	if err != nil {
		return breaker.State{}, false, err
	}
	var st breaker.State
	if err := json.Unmarshal(m.StateJSON, &st); err != nil {
		return breaker.State{}, false, fmt.Errorf("解析熔断状态失败: %w", err)
	}
	return st, true, nil
}

// BreakerEvents 返回最近的熔断事件，按时间正序。
func (s *Store) BreakerEvents(ctx context.Context, limit int) ([]breaker.Event, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := s.conn(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []breakerEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]breaker.Event, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		m := models[i]
		evt := breaker.Event{
			Kind:     breaker.EventKind(m.Kind),
			At:       m.At,
			PnL:      m.PnL,
			Limit:    m.Limit,
			Operator: m.Operator,
			Note:     m.Note,
		}
		evt.From, _ = breaker.ParseLevel(m.FromLevel)
		evt.To, _ = breaker.ParseLevel(m.ToLevel)
		out = append(out, evt)
	}
	return out, nil
}

// LatestFunnelSnapshot 返回最近一个交易日的漏斗快照。
func (s *Store) LatestFunnelSnapshot(ctx context.Context) (funnel.Snapshot, bool, error) {
	if err := s.ready(); err != nil {
		return funnel.Snapshot{}, false, err
	}
	var m funnelSnapshotModel
	err := s.conn(ctx).Order("day DESC").Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return funnel.Snapshot{}, false, nil
	}
	if err != nil {
		return funnel.Snapshot{}, false, err
	}
	var snap funnel.Snapshot
	if err := json.Unmarshal(m.Payload, &snap); err != nil {
		return funnel.Snapshot{}, false, fmt.Errorf("解析漏斗快照失败: %w", err)
	}
	return snap, true, nil
}
