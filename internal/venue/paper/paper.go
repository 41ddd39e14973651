package paper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/logger"
	"tradegate/internal/types"
	"tradegate/internal/venue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type order struct {
	req    venue.Request
	ack    venue.Ack
	report venue.Report
	timer  *time.Timer
}

// Venue 是内存撮合模拟：市价单在延迟后按最新 mark（加滑点）全部成交。
type Venue struct {
	mu          sync.Mutex
	latency     time.Duration
	slippageBps float64
	orders      map[string]*order
	marks       map[string]float64
	subs        []func(venue.Report)

	rejectSymbols map[string]string
	dropAcks      int
	holdFills     bool
	now           func() time.Time
}

func New(cfg config.PaperConfig) *Venue {
	return &Venue{
		latency:       time.Duration(cfg.LatencyMs) * time.Millisecond,
		slippageBps:   cfg.SlippageBps,
		orders:        make(map[string]*order),
		marks:         make(map[string]float64),
		rejectSymbols: make(map[string]string),
		now:           time.Now,
	}
}

func (v *Venue) Name() string { return "paper" }

// SetClock 替换回报时间戳的时钟。
func (v *Venue) SetClock(now func() time.Time) {
	v.mu.Lock()
	v.now = now
	v.mu.Unlock()
}

// Mark 更新成交参考价。
func (v *Venue) Mark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	v.mu.Lock()
	v.marks[strings.ToUpper(symbol)] = price
	v.mu.Unlock()
}

// RejectSymbol 之后该 symbol 的订单都会被硬拒。
func (v *Venue) RejectSymbol(symbol, reason string) {
	v.mu.Lock()
	v.rejectSymbols[strings.ToUpper(symbol)] = reason
	v.mu.Unlock()
}

// DropAcks 让接下来 n 次提交在登记订单后返回超时，模拟 ack 丢失。
func (v *Venue) DropAcks(n int) {
	v.mu.Lock()
	v.dropAcks = n
	v.mu.Unlock()
}

// HoldFills 为 true 时订单只确认不成交，直到调用 FillAll。
func (v *Venue) HoldFills(hold bool) {
	v.mu.Lock()
	v.holdFills = hold
	v.mu.Unlock()
}

func (v *Venue) Subscribe(fn func(venue.Report)) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	v.subs = append(v.subs, fn)
	v.mu.Unlock()
}

func (v *Venue) Submit(ctx context.Context, req venue.Request) (venue.Ack, error) {
	if err := ctx.Err(); err != nil {
		return venue.Ack{}, err
	}
	if req.ClientOrderID == "" || req.Quantity <= 0 {
		return venue.Ack{}, venue.Reject("invalid order")
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if existing, ok := v.orders[req.ClientOrderID]; ok {
		if existing.report.Kind == venue.ReportRejected {
			return venue.Ack{}, venue.Reject(existing.report.Reason)
		}
		return existing.ack, nil
	}
	now := v.now()
	sym := strings.ToUpper(req.Symbol)
	o := &order{
		req: req,
		ack: venue.Ack{ClientOrderID: req.ClientOrderID, VenueOrderID: "paper-" + uuid.NewString(), AcceptedAt: now},
	}
	o.report = venue.Report{
		ExecID:        uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		VenueOrderID:  o.ack.VenueOrderID,
		Kind:          venue.ReportAccepted,
		At:            now,
	}
	v.orders[req.ClientOrderID] = o

	if reason, ok := v.rejectSymbols[sym]; ok {
		o.report.Kind = venue.ReportRejected
		o.report.Reason = reason
		return venue.Ack{}, venue.Reject(reason)
	}
	if !v.holdFills {
		v.scheduleFill(o)
	}
	if v.dropAcks > 0 {
		v.dropAcks--
		return venue.Ack{}, fmt.Errorf("paper ack dropped: %w", context.DeadlineExceeded)
	}
	return o.ack, nil
}

func (v *Venue) scheduleFill(o *order) {
	id := o.req.ClientOrderID
	o.timer = time.AfterFunc(v.latency, func() { v.fill(id) })
}

// FillAll 立即成交所有在途订单。
func (v *Venue) FillAll() {
	v.mu.Lock()
	ids := make([]string, 0, len(v.orders))
	for id, o := range v.orders {
		if o.report.Kind == venue.ReportAccepted {
			ids = append(ids, id)
		}
	}
	v.mu.Unlock()
	for _, id := range ids {
		v.fill(id)
	}
}

func (v *Venue) fill(id string) {
	v.mu.Lock()
	o, ok := v.orders[id]
	if !ok || o.report.Kind != venue.ReportAccepted {
		v.mu.Unlock()
		return
	}
	price := v.fillPrice(o.req)
	o.report = venue.Report{
		ExecID:        uuid.NewString(),
		ClientOrderID: id,
		VenueOrderID:  o.ack.VenueOrderID,
		Kind:          venue.ReportFill,
		LastQty:       o.req.Quantity,
		LastPrice:     price,
		CumQty:        o.req.Quantity,
		AvgPrice:      price,
		At:            v.now(),
	}
	rep := o.report
	subs := append([]func(venue.Report){}, v.subs...)
	v.mu.Unlock()

	logger.Debugf("paper fill %s %s %s qty=%d @ %.4f", id, o.req.Side, o.req.Symbol, rep.CumQty, price)
	for _, fn := range subs {
		fn(rep)
	}
}

// fillPrice 买入向上、卖出向下加滑点。
func (v *Venue) fillPrice(req venue.Request) float64 {
	base := v.marks[strings.ToUpper(req.Symbol)]
	if base <= 0 {
		base = req.RefPrice
	}
	if req.Type == types.OrderLimit && req.LimitPrice > 0 {
		base = req.LimitPrice
	}
	if v.slippageBps == 0 {
		return base
	}
	slip := decimal.NewFromFloat(v.slippageBps).Div(decimal.NewFromInt(10000))
	if req.Side == types.SideSell {
		slip = slip.Neg()
	}
	return decimal.NewFromFloat(base).Mul(decimal.NewFromInt(1).Add(slip)).Round(4).InexactFloat64()
}

func (v *Venue) Cancel(ctx context.Context, clientOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		v.mu.Unlock()
		return venue.ErrOrderNotFound
	}
	if o.report.Kind != venue.ReportAccepted {
		v.mu.Unlock()
		return nil
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	o.report = venue.Report{
		ExecID:        uuid.NewString(),
		ClientOrderID: clientOrderID,
		VenueOrderID:  o.ack.VenueOrderID,
		Kind:          venue.ReportCancelled,
		Reason:        "cancelled",
		At:            v.now(),
	}
	rep := o.report
	subs := append([]func(venue.Report){}, v.subs...)
	v.mu.Unlock()
	for _, fn := range subs {
		fn(rep)
	}
	return nil
}

func (v *Venue) Query(ctx context.Context, clientOrderID string) (venue.Report, error) {
	if err := ctx.Err(); err != nil {
		return venue.Report{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[clientOrderID]
	if !ok {
		return venue.Report{}, venue.ErrOrderNotFound
	}
	return o.report, nil
}

// Submissions 返回收到的不同 client id 数量。
func (v *Venue) Submissions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}
