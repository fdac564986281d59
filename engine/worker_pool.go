package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// JobHandler executes one SyncJob. A non-nil error marks the job
// failed; the worker logs and moves on, it never crashes the pool.
type JobHandler func(context.Context, SyncJob) error

// Stats is a snapshot of a WorkerPool's lifetime counters plus its
// current instantaneous Active worker count.
type Stats struct {
	Completed uint64
	Failed    uint64
	Abandoned uint64
	Active    uint64
}

// WorkerPool is a fixed-size group of worker goroutines sharing one
// JobQueue. Unlike the teacher's dynamically-resized pool, the size is
// fixed at construction: spec §3 defines WorkerPool as fixed-N, and
// nothing in this system ever rescales it at runtime.
type WorkerPool struct {
	queue   *JobQueue
	handler JobHandler
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	completed uint64
	failed    uint64
	abandoned uint64
	active    uint64
}

// NewWorkerPool launches n worker goroutines against queue, each
// running handler for every dequeued job. logger may be nil, in which
// case slog.Default() is used.
func NewWorkerPool(parent context.Context, queue *JobQueue, n int, handler JobHandler, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	p := &WorkerPool{
		queue:   queue,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

type workerIDKeyType struct{}

var workerIDKey = workerIDKeyType{}

// WorkerID extracts the dispatching worker's id from a context passed
// to a JobHandler, for use in per-transfer log lines where the
// original source recorded a pthread ID.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerIDKey).(int)
	return id, ok
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	ctx := context.WithValue(p.ctx, workerIDKey, id)
	for {
		// Once shutdown is signalled, jobs still resident in the queue are
		// left for Stop's Drain to abandon instead of being started here.
		if p.queue.ShuttingDown() {
			return
		}
		job, ok := p.queue.Dequeue()
		if !ok {
			return
		}

		atomic.AddUint64(&p.active, 1)
		err := p.handler(ctx, job)
		atomic.AddUint64(&p.active, ^uint64(0))

		if err != nil {
			atomic.AddUint64(&p.failed, 1)
		} else {
			atomic.AddUint64(&p.completed, 1)
		}
	}
}

// Stop sets the queue's shutdown flag, waits for every worker to
// finish whatever job it already dequeued, then drains and discards
// whatever is still resident in the queue. Jobs dequeued before Stop
// was called run to completion; jobs still queued are abandoned, per
// spec §4.3's shutdown drain contract.
func (p *WorkerPool) Stop() {
	p.queue.Shutdown()
	p.wg.Wait()

	abandoned := p.queue.Drain()
	if abandoned > 0 {
		atomic.AddUint64(&p.abandoned, uint64(abandoned))
		p.logger.Warn("worker pool shutdown abandoned queued jobs", "count", abandoned)
	}
	p.cancel()
}

// Stats returns a snapshot of the pool's lifetime counters.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Abandoned: atomic.LoadUint64(&p.abandoned),
		Active:    atomic.LoadUint64(&p.active),
	}
}
