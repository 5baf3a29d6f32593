package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/orientinsight/bookingmail/internal/metrics"
)

// ErrPoolStopped is returned when submitting to a stopped pool.
var ErrPoolStopped = errors.New("worker pool stopped")

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Pool runs submitted jobs on a fixed number of workers fed by a bounded
// queue. Submit blocks while the queue is full.
type Pool struct {
	workers int
	jobs    chan job
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     gosync.WaitGroup

	mu      gosync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool. It does nothing until Start.
func NewPool(workers, queueSize int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		workers: workers,
		jobs:    make(chan job, queueSize),
		log:     log.Named("pool"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling it again is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a job. It returns once the job is queued, not run.
func (p *Pool) Submit(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- job{name: name, fn: fn}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submitting %s: %w", name, ctx.Err())
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop stops accepting jobs and waits for queued jobs to finish. When ctx
// ends first, running jobs are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.log.Warn("worker pool drain timed out, cancelling running jobs")
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for j := range p.jobs {
		p.run(id, j)
	}
}

func (p *Pool) run(id int, j job) {
	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			metrics.JobPanicsTotal.Inc()
			p.log.Error("job panicked",
				zap.Int("worker", id),
				zap.String("job", j.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	if err := j.fn(p.ctx); err != nil {
		p.log.Error("job failed",
			zap.Int("worker", id),
			zap.String("job", j.name),
			zap.Error(err),
		)
	}
}
