// Package workerpool is the bounded executor the chunk store delegates
// blocking disk I/O to, so that consolidation and cleanup run their
// chunk-file I/O on the pool's workers while the caller waits for the
// result (spec §5: "blocking disk I/O is delegated to
// a small worker executor").
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of work submitted to a Pool.
type Job struct {
	ID string
	Fn func(context.Context) error
}

// Pool is a bounded set of goroutines draining a single task queue.
type Pool struct {
	name     string
	queue    chan Job
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    int32
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Options configures a new Pool.
type Options struct {
	Name    string
	Workers int
	Queue   int
	Logger  *zap.Logger
}

// New starts a pool and its worker goroutines immediately.
func New(opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Queue <= 0 {
		opts.Queue = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	p := &Pool{
		name:   opts.Name,
		queue:  make(chan Job, opts.Queue),
		logger: opts.Logger,
		stopCh: make(chan struct{}),
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case job := <-p.queue:
			p.run(id, job)
		}
	}
}

func (p *Pool) run(workerID int, job Job) {
	atomic.AddInt32(&p.active, 1)
	defer atomic.AddInt32(&p.active, -1)

	start := time.Now()
	err := p.safeRun(job)
	dur := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Error("job failed",
			zap.String("pool", p.name), zap.Int("worker", workerID),
			zap.String("job", job.ID), zap.Duration("duration", dur), zap.Error(err))
		return
	}
	atomic.AddUint64(&p.completed, 1)
	p.logger.Debug("job completed",
		zap.String("pool", p.name), zap.Int("worker", workerID),
		zap.String("job", job.ID), zap.Duration("duration", dur))
}

func (p *Pool) safeRun(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Fn(context.Background())
}

// Submit enqueues a job, failing if the pool is stopped or the queue is full.
func (p *Pool) Submit(job Job) error {
	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %q is stopped", p.name)
	default:
	}

	select {
	case p.queue <- job:
		atomic.AddUint64(&p.submitted, 1)
		return nil
	default:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("worker pool %q queue is full", p.name)
	}
}

// Stop signals all workers and waits up to timeout for them to drain.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %q did not drain within %v", p.name, timeout)
		}
	})
	return err
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Active    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

func (p *Pool) Stats() Stats {
	return Stats{
		Active:    int(atomic.LoadInt32(&p.active)),
		Submitted: atomic.LoadUint64(&p.submitted),
		Completed: atomic.LoadUint64(&p.completed),
		Failed:    atomic.LoadUint64(&p.failed),
		Rejected:  atomic.LoadUint64(&p.rejected),
	}
}
