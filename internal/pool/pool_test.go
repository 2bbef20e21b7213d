package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/nexus/internal/domain"
)

func TestSubmitAndGet(t *testing.T) {
	p := New(2)
	defer p.Shutdown()

	f, err := p.Submit(func(ctx context.Context) (*domain.Value, error) {
		return domain.NewInt(7), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	v, err := f.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v.Int != 7 {
		t.Fatalf("value = %d", v.Int)
	}
}

func TestConcurrentTasks(t *testing.T) {
	p := New(4)
	defer p.Shutdown()

	var counter atomic.Int64
	var futures []*Future
	for i := 0; i < 32; i++ {
		f, err := p.Submit(func(ctx context.Context) (*domain.Value, error) {
			counter.Add(1)
			return domain.Null(), nil
		})
		if err != nil {
			t.Fatal(err)
		}
		futures = append(futures, f)
	}
	for _, f := range futures {
		if _, err := f.Get(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if counter.Load() != 32 {
		t.Fatalf("ran %d tasks", counter.Load())
	}
}

func TestDeadlineResolvesTimeout(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	release := make(chan struct{})
	f, err := p.SubmitWithDeadline(func(ctx context.Context) (*domain.Value, error) {
		<-release
		return domain.Null(), nil
	}, time.Now().Add(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.Get(context.Background())
	close(release)
	if !domain.IsKind(err, domain.ErrTimeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
}

func TestCooperativeCancellation(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	f, _ := p.SubmitWithDeadline(func(ctx context.Context) (*domain.Value, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, time.Now().Add(10*time.Millisecond))

	_, err := f.Get(context.Background())
	if !domain.IsKind(err, domain.ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
}

func TestSaturation(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	block := make(chan struct{})
	defer close(block)

	var mu sync.Mutex
	var rejected bool
	// 1 running + 16 queued is the capacity for a 1-worker pool; push
	// past it until Submit rejects.
	for i := 0; i < 64; i++ {
		_, err := p.Submit(func(ctx context.Context) (*domain.Value, error) {
			<-block
			return domain.Null(), nil
		})
		if err == ErrPoolSaturated {
			mu.Lock()
			rejected = true
			mu.Unlock()
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if !rejected {
		t.Fatal("expected saturation")
	}
}

func TestShutdownRejectsSubmit(t *testing.T) {
	p := New(1)
	p.Shutdown()
	if _, err := p.Submit(func(ctx context.Context) (*domain.Value, error) {
		return domain.Null(), nil
	}); err != ErrPoolClosed {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestFutureTryGet(t *testing.T) {
	p := New(1)
	defer p.Shutdown()

	release := make(chan struct{})
	f, _ := p.Submit(func(ctx context.Context) (*domain.Value, error) {
		<-release
		return domain.NewBool(true), nil
	})

	if _, _, ok := f.TryGet(); ok {
		t.Fatal("future resolved early")
	}
	close(release)
	<-f.Done()
	v, err, ok := f.TryGet()
	if !ok || err != nil || !v.Bool {
		t.Fatalf("TryGet = (%v, %v, %t)", v, err, ok)
	}
}
