package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
)

// maxPoolSize caps worker fan-out regardless of configuration.
const maxPoolSize = 64

// Pool fans tasks out to a fixed set of workers and funnels their outcomes
// back over a single results channel.
type Pool struct {
	worker   *Worker
	size     int
	dispatch chan indexer.Task
	results  chan indexer.Result
	inflight atomic.Int64
	logger   *zap.Logger
}

// NewPool sizes the worker fan-out. Sizes outside [1, maxPoolSize] are
// clamped.
func NewPool(w *Worker, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if size > maxPoolSize {
		size = maxPoolSize
	}
	return &Pool{
		worker:   w,
		size:     size,
		dispatch: make(chan indexer.Task, size),
		results:  make(chan indexer.Result, size*2),
		logger:   logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.dispatch:
			outcome := p.worker.Process(ctx, task)
			select {
			case p.results <- indexer.Result{Task: task, Outcome: outcome}:
				metrics.SetInFlight(int(p.inflight.Add(-1)))
			case <-ctx.Done():
				return
			}
		}
	}
}

// TrySubmit offers a task without blocking; false means the pool is
// saturated and the caller keeps the task.
func (p *Pool) TrySubmit(task indexer.Task) bool {
	select {
	case p.dispatch <- task:
		metrics.SetInFlight(int(p.inflight.Add(1)))
		return true
	default:
		return false
	}
}

// Results delivers one Result per submitted task.
func (p *Pool) Results() <-chan indexer.Result {
	return p.results
}

// InFlight reports tasks submitted but not yet delivered to Results.
func (p *Pool) InFlight() int {
	return int(p.inflight.Load())
}
