package api

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/loom/internal/metrics"
)

// ContextPool bounds the number of requests holding an inference context.
// The engine creates a fresh context per request; the pool only decides
// who may do so.
type ContextPool struct {
	sem     *semaphore.Weighted
	size    int
	wait    time.Duration
	metrics *metrics.Metrics
}

// NewContextPool admits up to size concurrent requests. A request that finds
// the pool full waits up to wait for a slot before failing with ErrBusy.
func NewContextPool(size int, wait time.Duration, m *metrics.Metrics) *ContextPool {
	size = max(size, 1)
	return &ContextPool{
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		wait:    wait,
		metrics: m,
	}
}

func (p *ContextPool) Size() int {
	return p.size
}

// Acquire reserves a slot. Calling release more than once is a no-op.
func (p *ContextPool) Acquire(ctx context.Context) (release func(), err error) {
	if !p.sem.TryAcquire(1) {
		if p.wait <= 0 {
			return nil, ErrBusy
		}
		wctx, cancel := context.WithTimeout(ctx, p.wait)
		defer cancel()
		if err := p.sem.Acquire(wctx, 1); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, ErrBusy
		}
	}
	p.metrics.Acquire()
	return sync.OnceFunc(func() {
		p.metrics.Release()
		p.sem.Release(1)
	}), nil
}
