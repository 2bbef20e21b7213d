package pool

import (
	"context"
	"sync"

	"github.com/oriys/nexus/internal/domain"
)

// Future is the handle to an asynchronously executing task. It resolves
// exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	val  *domain.Value
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v *domain.Value, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Get blocks until the future resolves or ctx is cancelled.
func (f *Future) Get(ctx context.Context) (*domain.Value, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, domain.WrapError(domain.ErrCancelled, ctx.Err(), "wait cancelled")
	}
}

// TryGet returns the result if the future has resolved.
func (f *Future) TryGet() (*domain.Value, error, bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		return nil, nil, false
	}
}
