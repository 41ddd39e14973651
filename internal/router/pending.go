package router

import (
	"sync"
	"time"

	"tradegate/internal/logger"
)

// staleWatch 给已确认但迟迟没有终态回报的订单计时；超时后交给对账流程查询。
type staleWatch struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stale   map[string]struct{}
	timeout time.Duration
}

const defaultStaleTimeout = 30 * time.Second

func newStaleWatch(timeout time.Duration) *staleWatch {
	if timeout <= 0 {
		timeout = defaultStaleTimeout
	}
	return &staleWatch{
		timers:  make(map[string]*time.Timer),
		stale:   make(map[string]struct{}),
		timeout: timeout,
	}
}

func (w *staleWatch) Start(orderID string) {
	if orderID == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.timers[orderID]; ok {
		prev.Stop()
	}
	w.timers[orderID] = time.AfterFunc(w.timeout, func() { w.expire(orderID) })
}

func (w *staleWatch) Clear(orderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[orderID]; ok {
		t.Stop()
		delete(w.timers, orderID)
	}
	delete(w.stale, orderID)
}

func (w *staleWatch) expire(orderID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.timers[orderID]; !ok {
		return
	}
	delete(w.timers, orderID)
	w.stale[orderID] = struct{}{}
	logger.Warnf("router: order %s has no terminal report after %s, queued for reconcile", orderID, w.timeout)
}

// Drain 取出并清空已超时的订单。
func (w *staleWatch) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.stale))
	for id := range w.stale {
		out = append(out, id)
	}
	w.stale = make(map[string]struct{})
	return out
}

func (w *staleWatch) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
