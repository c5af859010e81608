package analysis

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate limits how many analyzer processes run at once.
type Gate struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

// NewGate allows up to size concurrent holders. Callers queue for at most wait
// before being turned away; a zero wait rejects immediately when full.
func NewGate(size int, wait time.Duration) *Gate {
	if size < 1 {
		size = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(size)), wait: wait}
}

// Acquire takes a slot. The returned release func must be called exactly once.
// It fails with ErrServiceBusy when the wait elapses, or with the context error
// when ctx ends first.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g.sem.TryAcquire(1) {
		return g.releaseFunc(), nil
	}
	if g.wait <= 0 {
		return nil, ErrServiceBusy
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.wait)
	defer cancel()
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrServiceBusy
		}
		return nil, err
	}
	return g.releaseFunc(), nil
}

func (g *Gate) releaseFunc() func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		g.sem.Release(1)
	}
}
