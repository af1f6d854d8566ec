package order

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Go once Close has been called.
var ErrPoolClosed = errors.New("order: pool closed")

// Pool bounds the number of concurrent broker round trips. The scheduler
// uses TryGo so a full pool delays work to the next tick instead of
// blocking the loop.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given worker count.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{slots: make(chan struct{}, workers)}
}

// TryGo runs fn on a free worker and reports false when none is available
// or the pool is closed.
func (p *Pool) TryGo(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(fn)
	return true
}

// Go waits for a free worker, honouring ctx, and runs fn on it.
func (p *Pool) Go(ctx context.Context, fn func()) error {
	for {
		if p.TryGo(fn) {
			return nil
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrPoolClosed
		}
		// Wait for a slot to free up, then race for it again.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p.slots <- struct{}{}:
			<-p.slots
		}
	}
}

func (p *Pool) run(fn func()) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	fn()
}

// Busy returns the number of running workers.
func (p *Pool) Busy() int {
	return len(p.slots)
}

// Wait blocks until all running work has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects new work and waits for running work to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}
