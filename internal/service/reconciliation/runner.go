// Package reconciliation 运行周期性的对账与清理任务。
// 每个任务在分布式锁内执行，多实例部署时同一时刻只有一个实例在跑。
package reconciliation

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/pkg/lock"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/metrics"

	"golang.org/x/sync/errgroup"
)

// Job 是一个可重复执行的对账任务，只处理发生偏差或过期的数据
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Runner struct {
	jobs     []Job
	locker   lock.Locker
	interval time.Duration
}

func NewRunner(locker lock.Locker, interval time.Duration, jobs ...Job) *Runner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Runner{jobs: jobs, locker: locker, interval: interval}
}

// Run 启动时立即执行一轮，之后每个 interval 执行一次，直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range r.jobs {
		g.Go(func() error {
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				r.runJob(gctx, job)
				select {
				case <-ticker.C:
				case <-gctx.Done():
					return nil
				}
			}
		})
	}
	return g.Wait()
}

// RunOnce 并发执行所有任务一次，返回第一个失败
func (r *Runner) RunOnce(ctx context.Context) error {
	var g errgroup.Group
	for _, job := range r.jobs {
		g.Go(func() error { return r.runJob(ctx, job) })
	}
	return g.Wait()
}

func (r *Runner) runJob(ctx context.Context, job Job) error {
	start := time.Now()
	err := lock.WithLock(ctx, r.locker, "job:"+job.Name(), job.Run)

	log := logger.Ctx(ctx).With().Str("job", job.Name()).Dur("took", time.Since(start)).Logger()
	switch {
	case err == nil:
		metrics.JobRuns.WithLabelValues(job.Name(), "ok").Inc()
		log.Debug().Msg("Job finished")
		return nil
	case errors.Is(err, lock.ErrNotAcquired):
		// 其他实例正在执行
		metrics.JobRuns.WithLabelValues(job.Name(), "skipped").Inc()
		log.Info().Msg("Job skipped, lock held elsewhere")
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		metrics.JobRuns.WithLabelValues(job.Name(), "failed").Inc()
		log.Error().Err(err).Msg("Job failed")
		return err
	}
}
