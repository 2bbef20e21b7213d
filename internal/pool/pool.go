// Package pool provides the fixed-size worker pool that executes
// submitted tasks and hands back futures.
//
// # Concurrency model
//
// N worker goroutines (N = configured thread pool size, default the
// hardware concurrency) pull tasks from a shared buffered channel and
// run them to completion. Submit never blocks the caller: when the
// backlog channel is full the task is rejected with ErrPoolSaturated
// rather than queued unboundedly.
//
// Cancellation is cooperative. Every task receives a context derived
// from its optional deadline; tasks are expected to check it at I/O
// boundaries. A task that overruns its deadline keeps its worker busy
// until it returns, but the future resolves to a Timeout error and the
// late result is discarded.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/nexus/internal/domain"
)

// ErrPoolSaturated is returned by Submit when the backlog is full.
var ErrPoolSaturated = errors.New("worker pool backlog full")

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task is one unit of work. The context carries the task deadline and
// pool shutdown; tasks must treat it as their cancellation token.
type Task func(ctx context.Context) (*domain.Value, error)

type job struct {
	task     Task
	future   *Future
	deadline time.Time
}

// Pool is the fixed-size worker pool.
type Pool struct {
	jobs    chan job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  atomic.Bool
	active  atomic.Int64
	done    atomic.Int64
	workers int
}

// New starts a pool with the given number of workers; size <= 0 uses
// the hardware concurrency.
func New(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	p := &Pool{
		jobs:    make(chan job, size*16),
		stopCh:  make(chan struct{}),
		workers: size,
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Workers reports the configured pool size.
func (p *Pool) Workers() int { return p.workers }

// Active reports how many tasks are currently executing.
func (p *Pool) Active() int64 { return p.active.Load() }

// Completed reports how many tasks have finished since start.
func (p *Pool) Completed() int64 { return p.done.Load() }

// Submit enqueues a task and returns its future.
func (p *Pool) Submit(task Task) (*Future, error) {
	return p.SubmitWithDeadline(task, time.Time{})
}

// SubmitWithDeadline enqueues a task whose context expires at the given
// deadline (zero means none).
func (p *Pool) SubmitWithDeadline(task Task, deadline time.Time) (*Future, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	f := newFuture()
	select {
	case p.jobs <- job{task: task, future: f, deadline: deadline}:
		return f, nil
	default:
		return nil, ErrPoolSaturated
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.jobs:
			p.run(j)
		}
	}
}

func (p *Pool) run(j job) {
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.done.Add(1)
	}()

	ctx := context.Background()
	cancel := func() {}
	if !j.deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, j.deadline)
	}
	defer cancel()

	type outcome struct {
		v   *domain.Value
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := j.task(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case out := <-ch:
		j.future.resolve(out.v, normalize(out.err))
	case <-ctx.Done():
		// Deadline elapsed; the result, if it ever arrives, is discarded.
		j.future.resolve(nil, domain.NewError(domain.ErrTimeout, "task deadline exceeded"))
	}
}

// normalize maps context errors onto the taxonomy.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTimeout, err, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.ErrCancelled, err, "cancelled")
	}
	return err
}

// Shutdown stops accepting work, cancels idle waits and blocks until
// all workers exit. Queued-but-unstarted jobs resolve as cancelled.
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case j := <-p.jobs:
			j.future.resolve(nil, domain.NewError(domain.ErrCancelled, "pool shut down"))
		default:
			return
		}
	}
}
