// Package worker provides a bounded goroutine pool used for radio scans,
// auto-connects and device I/O.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/birdbridge/internal/domain"
)

// Pool bounds the number of concurrently running tasks with a semaphore.
type Pool struct {
	slots  chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a pool that runs at most size tasks at once. size <= 0 means 1.
func New(size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		slots:  make(chan struct{}, size),
		logger: logger,
	}
}

// Size returns the pool capacity.
func (p *Pool) Size() int { return cap(p.slots) }

// InUse returns the number of occupied slots.
func (p *Pool) InUse() int { return len(p.slots) }

// TryGo runs fn in the background if a slot is free and reports whether it
// was scheduled. It never blocks.
func (p *Pool) TryGo(fn func()) bool {
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	go p.run(fn)
	return true
}

// Do waits for a free slot and runs fn on the calling goroutine, returning its
// error. If no slot frees up before ctx is done, Do returns an error wrapping
// domain.ErrUnavailable without running fn.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.wg.Add(1)
	defer p.release()
	return fn(ctx)
}

// Wait blocks until all running tasks have finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) acquire(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		p.logger.Warn("[worker] no free slot", "size", cap(p.slots), "error", ctx.Err())
		return fmt.Errorf("worker: waiting for slot: %w", domain.ErrUnavailable)
	}
}

func (p *Pool) run(fn func()) {
	defer p.release()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("[worker] task panicked", "panic", r)
		}
	}()
	fn()
}

func (p *Pool) release() {
	<-p.slots
	p.wg.Done()
}
