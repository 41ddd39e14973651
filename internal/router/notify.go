package router

import "tradegate/internal/types"

// outbox 在持锁期间收集通知，解锁后统一发送。
type outbox struct {
	listeners []Listener
	fns       []func()
}

func (r *Router) newOutbox() *outbox {
	return &outbox{listeners: r.listeners}
}

func (b *outbox) order(prev types.OrderState, o *types.Order) {
	cp := *o
	b.fns = append(b.fns, func() {
		for _, l := range b.listeners {
			l.OrderChanged(prev, cp)
		}
	})
}

func (b *outbox) trade(t *types.Trade) {
	cp := *t
	b.fns = append(b.fns, func() {
		for _, l := range b.listeners {
			l.TradeChanged(cp)
		}
	})
}

func (b *outbox) closed(t *types.Trade) {
	cp := *t
	b.fns = append(b.fns, func() {
		for _, l := range b.listeners {
			l.TradeClosed(cp)
		}
	})
}

// unlockAndDeliver 在 r.mu 内入队、解锁后投递，投递顺序与状态变化顺序一致。
// 队列由当前投递者清空；监听器内的重入调用只入队。
func (r *Router) unlockAndDeliver(b *outbox) {
	r.notifyMu.Lock()
	r.notifyQ = append(r.notifyQ, b.fns...)
	r.notifyMu.Unlock()
	b.fns = nil
	r.mu.Unlock()
	r.deliver()
}

func (r *Router) deliver() {
	r.notifyMu.Lock()
	if r.delivering {
		r.notifyMu.Unlock()
		return
	}
	r.delivering = true
	for len(r.notifyQ) > 0 {
		batch := r.notifyQ
		r.notifyQ = nil
		r.notifyMu.Unlock()
		for _, fn := range batch {
			fn()
		}
		r.notifyMu.Lock()
	}
	r.delivering = false
	r.notifyMu.Unlock()
}
