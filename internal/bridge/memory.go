package bridge

import (
	"runtime"
	"sync/atomic"

	"github.com/oriys/nexus/internal/domain"
)

// memTracker enforces the cap on the sum of live Value payload sizes.
// The cap covers Values materialised by the bridge (marshalling roots,
// surface results, handle materialisation); it does not track the
// embedded runtime's own heap, which has its own limit.
type memTracker struct {
	cap  int64
	live atomic.Int64
}

func newMemTracker(capBytes int64) *memTracker {
	return &memTracker{cap: capBytes}
}

// reserve charges n bytes, failing when the cap would be exceeded.
func (t *memTracker) reserve(n int64) error {
	if n <= 0 {
		return nil
	}
	for {
		cur := t.live.Load()
		if t.cap > 0 && cur+n > t.cap {
			return domain.NewError(domain.ErrMemoryExceeded,
				"value allocation of %d bytes exceeds memory cap (%d of %d in use)", n, cur, t.cap)
		}
		if t.live.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

func (t *memTracker) release(n int64) {
	if n > 0 {
		t.live.Add(-n)
	}
}

// Live reports the tracked payload total.
func (t *memTracker) Live() int64 { return t.live.Load() }

// track charges a Value's payload and credits it back when the Value is
// collected.
func (t *memTracker) track(v *domain.Value) error {
	if err := t.reserve(v.Size); err != nil {
		return err
	}
	size := v.Size
	runtime.SetFinalizer(v, func(_ *domain.Value) {
		t.release(size)
	})
	return nil
}
