package store

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tradegate/internal/breaker"
	"tradegate/internal/funnel"
	"tradegate/internal/health"
	"tradegate/internal/logger"
	"tradegate/internal/types"
)

const (
	defaultWriteBuffer = 1024
	drainTimeout       = 5 * time.Second
)

type writeOp struct {
	key  string
	name string
	fn   func(ctx context.Context) error
	done chan struct{}
}

// Writer 把状态变化异步写入数据库，调用方从不因 I/O 阻塞。
// 同一行的状态按 key 合并，只写最新值；只有漏斗快照会在积压超过 limit 时被丢弃。
type Writer struct {
	store *Store
	limit int
	wake  chan struct{}

	mu      sync.Mutex
	pending map[string]*writeOp
	queue   []string
	seq     uint64

	dropped   atomic.Int64
	coalesced atomic.Int64
	failed    atomic.Int64
}

func NewWriter(s *Store, size int) *Writer {
	if size <= 0 {
		size = defaultWriteBuffer
	}
	return &Writer{
		store:   s,
		limit:   size,
		wake:    make(chan struct{}, 1),
		pending: make(map[string]*writeOp),
	}
}

// Run 按入队顺序串行执行写操作；ctx 结束后在限定时间内写完剩余操作。
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-w.wake:
			if ctx.Err() != nil {
				w.drain()
				return nil
			}
			w.runBatch(context.WithoutCancel(ctx))
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *Writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for w.runBatch(ctx) > 0 {
	}
}

func (w *Writer) runBatch(ctx context.Context) int {
	batch := w.take()
	for _, op := range batch {
		w.exec(ctx, op)
	}
	return len(batch)
}

func (w *Writer) take() []*writeOp {
	w.mu.Lock()
	defer w.mu.Unlock()
	batch := make([]*writeOp, 0, len(w.queue))
	for _, key := range w.queue {
		batch = append(batch, w.pending[key])
	}
	w.queue = w.queue[:0]
	clear(w.pending)
	return batch
}

func (w *Writer) exec(ctx context.Context, op *writeOp) {
	if op.done != nil {
		close(op.done)
		return
	}
	if err := op.fn(ctx); err != nil {
		w.failed.Add(1)
		logger.Errorf("store: %s 写入失败: %v", op.name, err)
	}
}

func (w *Writer) uniqueKey(prefix string) string {
	w.seq++
	return prefix + "#" + strconv.FormatUint(w.seq, 10)
}

// enqueue 以 key 合并写操作：已排队的同 key 操作原位替换为最新值。
// droppable 的操作在积压达到 limit 时丢弃，其余状态写入一律保留。
func (w *Writer) enqueue(key, name string, droppable bool, fn func(ctx context.Context) error) {
	w.mu.Lock()
	if key == "" {
		key = w.uniqueKey(name)
	}
	if op, ok := w.pending[key]; ok {
		op.name = name
		op.fn = fn
		w.mu.Unlock()
		w.coalesced.Add(1)
		w.notify()
		return
	}
	if droppable && len(w.queue) >= w.limit {
		w.mu.Unlock()
		n := w.dropped.Add(1)
		logger.Warnf("store: 写入积压已满，丢弃 %s（累计丢弃 %d）", name, n)
		return
	}
	if len(w.queue) == w.limit {
		logger.Warnf("store: 写入积压达到 %d，状态写入继续排队", w.limit)
	}
	w.pending[key] = &writeOp{key: key, name: name, fn: fn}
	w.queue = append(w.queue, key)
	w.mu.Unlock()
	w.notify()
}

func (w *Writer) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Flush 等待此前入队的写操作全部完成。
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.Lock()
	key := w.uniqueKey("flush")
	w.pending[key] = &writeOp{key: key, name: "flush", done: done}
	w.queue = append(w.queue, key)
	w.mu.Unlock()
	w.notify()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending 返回尚未执行的写操作数。
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Coalesced 返回被更新值覆盖的排队写操作数。
func (w *Writer) Coalesced() int64 { return w.coalesced.Load() }

// Dropped 返回因积压被丢弃的漏斗快照数。
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Failed 返回执行失败的写操作数。
func (w *Writer) Failed() int64 { return w.failed.Load() }

func (w *Writer) OrderChanged(_ types.OrderState, o types.Order) {
	w.enqueue("order:"+o.ClientOrderID, "order "+o.ClientOrderID, false, func(ctx context.Context) error { return w.store.SaveOrder(ctx, o) })
}

func (w *Writer) TradeChanged(t types.Trade) {
	w.enqueue("trade:"+t.ID, "trade "+t.ID, false, func(ctx context.Context) error { return w.store.SaveTrade(ctx, t) })
}

// TradeClosed 无需额外写入：平仓的 TradeChanged 已经携带完整状态。
func (w *Writer) TradeClosed(types.Trade) {}

func (w *Writer) StrategyChanged(st health.StrategyState) {
	w.enqueue("strategy:"+st.StrategyID, "strategy "+st.StrategyID, false, func(ctx context.Context) error { return w.store.SaveStrategyState(ctx, st) })
}

func (w *Writer) BreakerChanged(st breaker.State) {
	w.enqueue("breaker_state", "breaker state", false, func(ctx context.Context) error { return w.store.SaveBreakerState(ctx, st) })
}

func (w *Writer) BreakerEvent(evt breaker.Event) {
	w.enqueue("", "breaker event", false, func(ctx context.Context) error { return w.store.AppendBreakerEvent(ctx, evt) })
}

func (w *Writer) FunnelSnapshot(day string, snap funnel.Snapshot) {
	w.enqueue("funnel:"+day, "funnel "+day, true, func(ctx context.Context) error { return w.store.SaveFunnelSnapshot(ctx, day, snap) })
}
