// Package notifier 把熔断、策略停用与 kill switch 等告警推送给操作员。
package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"tradegate/internal/config"
	"tradegate/internal/logger"
)

var ErrQueueFull = errors.New("notification queue full")

// TextNotifier 是告警出口的最小接口，组件只依赖它而不依赖具体实现。
type TextNotifier interface {
	SendText(text string) error
}

// Nop 在告警关闭时使用。
type Nop struct{}

func (Nop) SendText(string) error { return nil }

// New 按配置构造通知器；未启用时返回 Nop。
func New(cfg config.NotifyConfig) TextNotifier {
	if !cfg.Telegram.Enabled {
		return Nop{}
	}
	return NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

// Async 把发送放到后台 goroutine，调用方永远不会被网络阻塞；队列满时丢弃。
type Async struct {
	inner   TextNotifier
	queue   chan string
	dropped atomic.Int64
}

func NewAsync(inner TextNotifier, size int) *Async {
	if size <= 0 {
		size = 64
	}
	return &Async{inner: inner, queue: make(chan string, size)}
}

func (a *Async) SendText(text string) error {
	select {
	case a.queue <- text:
		return nil
	default:
		a.dropped.Add(1)
		logger.Warnf("notifier: queue full, alert dropped")
		return ErrQueueFull
	}
}

func (a *Async) Dropped() int64 { return a.dropped.Load() }

// Run 逐条发送，ctx 结束后在限定时间内发完剩余消息。
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case text := <-a.queue:
			a.send(text)
		case <-ctx.Done():
			a.drain(5 * time.Second)
			return nil
		}
	}
}

func (a *Async) drain(limit time.Duration) {
	deadline := time.After(limit)
	for {
		select {
		case text := <-a.queue:
			a.send(text)
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (a *Async) send(text string) {
	if err := a.inner.SendText(text); err != nil {
		logger.Warnf("notifier: send failed: %v", err)
	}
}
