package saga

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"fulfillment/internal/pkg/event"
	"fulfillment/internal/pkg/logger"
)

// ErrDispatcherStopped 在 Stop 之后投递时返回
var ErrDispatcherStopped = errors.New("saga dispatcher stopped")

// Applier 是 Dispatcher 驱动的处理逻辑，通常是 *Saga
type Applier interface {
	Apply(ctx context.Context, env event.Envelope) error
}

type job struct {
	ctx  context.Context
	env  event.Envelope
	done chan error
}

// Dispatcher 按订单 ID 哈希到固定 worker，同一订单的事件按到达顺序串行处理，不同订单并行。
type Dispatcher struct {
	applier Applier
	shards  []chan job

	mu      sync.RWMutex
	stopped bool
	workers sync.WaitGroup
	pending sync.WaitGroup
}

func NewDispatcher(applier Applier, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &Dispatcher{applier: applier, shards: make([]chan job, workers)}
	for i := range d.shards {
		d.shards[i] = make(chan job, 64)
		d.workers.Add(1)
		go d.run(d.shards[i])
	}
	return d
}

func (d *Dispatcher) run(queue <-chan job) {
	defer d.workers.Done()
	for j := range queue {
		err := d.applier.Apply(j.ctx, j.env)
		if j.done != nil {
			j.done <- err
		} else if err != nil {
			logger.Ctx(j.ctx).Error().Err(err).
				Str("event", string(j.env.Type)).
				Str("order", j.env.OrderID).
				Msg("Saga failed to handle event")
		}
		d.pending.Done()
	}
}

func (d *Dispatcher) shard(orderID string) chan job {
	h := fnv.New32a()
	_, _ = h.Write([]byte(orderID))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	d.pending.Add(1)
	select {
	case d.shard(j.env.OrderID) <- j:
		return nil
	case <-ctx.Done():
		d.pending.Done()
		return ctx.Err()
	}
}

// Dispatch 投递事件并等待处理结果
func (d *Dispatcher) Dispatch(ctx context.Context, env event.Envelope) error {
	done := make(chan error, 1)
	if err := d.enqueue(ctx, job{ctx: ctx, env: env, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle 实现 event.Handler：投递后立即返回，错误只记录
func (d *Dispatcher) Handle(ctx context.Context, env event.Envelope) {
	if err := d.enqueue(ctx, job{ctx: context.WithoutCancel(ctx), env: env}); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("event", string(env.Type)).Msg("Failed to dispatch event")
	}
}

// Wait 等待已投递的事件全部处理完成
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

// Stop 停止接收新事件，处理完队列中的事件后返回
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.shards {
		close(q)
	}
	d.mu.Unlock()
	d.workers.Wait()
}
