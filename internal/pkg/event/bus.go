// internal/pkg/event/bus.go
package event

import (
	"context"
	"sync"

	"fulfillment/internal/pkg/logger"
)

// ChannelBus 是进程内总线：发布即投递到缓冲 channel，由单个 goroutine 依次分发给订阅者
type ChannelBus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	queue    chan delivery
	done     chan struct{}
	once     sync.Once
	pending  sync.WaitGroup
}

type delivery struct {
	ctx context.Context
	env Envelope
}

func NewChannelBus(buffer int) *ChannelBus {
	b := &ChannelBus{
		handlers: make(map[Type][]Handler),
		queue:    make(chan delivery, buffer),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

// Subscribe 注册处理器，types 为空时订阅所有 saga 事件
func (b *ChannelBus) Subscribe(h Handler, types ...Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.handlers[t] = append(b.handlers[t], h)
	}
}

func (b *ChannelBus) Publish(ctx context.Context, events ...Envelope) error {
	for _, env := range events {
		b.pending.Add(1)
		select {
		case b.queue <- delivery{ctx: context.WithoutCancel(ctx), env: env}:
		case <-ctx.Done():
			b.pending.Done()
			return ctx.Err()
		}
	}
	return nil
}

func (b *ChannelBus) loop() {
	defer close(b.done)
	for d := range b.queue {
		b.mu.RLock()
		hs := append([]Handler(nil), b.handlers[d.env.Type]...)
		b.mu.RUnlock()
		for _, h := range hs {
			h.Handle(d.ctx, d.env)
		}
		if len(hs) == 0 {
			logger.Ctx(d.ctx).Debug().Str("type", string(d.env.Type)).Msg("No subscriber for event")
		}
		b.pending.Done()
	}
}

// Drain 等待已发布的事件全部分发完成（测试用）
func (b *ChannelBus) Drain() {
	b.pending.Wait()
}

func (b *ChannelBus) Close() {
	b.once.Do(func() {
		close(b.queue)
		<-b.done
	})
}
