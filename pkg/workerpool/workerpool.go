// Package workerpool runs submitted jobs on a fixed number of workers.
// A failed job is logged and dropped; there are no retries.
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/andrej220/remoterunner/pkg/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is shutting down")

type JobFunc[T any] func(ctx context.Context, payload T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	// CleanupFunc runs for every accepted job, including one skipped
	// because Ctx was done before a worker reached it.
	CleanupFunc func()
}

type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	stopOnce      sync.Once
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	p := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		quit:       make(chan struct{}),
		maxWorkers: maxWorkers,
	}
	p.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}
	return p
}

// Stop rejects new jobs, lets queued and running ones finish and waits for them.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Submit queues job, blocking while the queue is full. It fails when the
// pool is stopping or job.Ctx is done first.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	select {
	case <-p.quit:
		return ErrPoolStopped
	default:
	}
	logger := lg.FromContext(job.Ctx)
	select {
	case p.jobs <- job:
		logger.Debug("job queued", lg.Any("job", job.Payload))
		return nil
	case <-p.quit:
		logger.Info("worker pool is shutting down, job rejected")
		return ErrPoolStopped
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.quit:
			// drain what was accepted before the stop
			for {
				select {
				case job := <-p.jobs:
					p.run(job)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool[T]) run(job Job[T]) {
	active := atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	if job.CleanupFunc != nil {
		defer job.CleanupFunc()
	}

	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	logger.Debug("worker started", lg.Int32("workers", active))

	if err := job.Ctx.Err(); err != nil {
		logger.Info("job cancelled before start", lg.Err(err))
		return
	}
	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Warn("job failed", lg.Err(err))
		return
	}
	logger.Debug("worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }
