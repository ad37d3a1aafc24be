package notify

import (
	"context"
	"log/slog"
	"sync"
)

// Handler is invoked for every event published on a Bus.
type Handler func(ctx context.Context, event Event)

type queued struct {
	ctx   context.Context
	event Event
}

// subscription owns one FIFO queue drained by a single goroutine, so a
// subscriber sees events in publish order.
type subscription struct {
	id      uint64
	handler Handler

	mu      sync.Mutex
	queue   []queued
	stopped bool
	wake    chan struct{}
}

func (s *subscription) push(q queued) {
	s.mu.Lock()
	s.queue = append(s.queue, q)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks for the queued batch. ok is false once the subscription is
// stopped and its queue is empty.
func (s *subscription) next() (batch []queued, ok bool) {
	s.mu.Lock()
	for len(s.queue) == 0 {
		if s.stopped {
			s.mu.Unlock()
			return nil, false
		}
		s.mu.Unlock()
		<-s.wake
		s.mu.Lock()
	}
	batch, s.queue = s.queue, nil
	s.mu.Unlock()
	return batch, true
}

// Bus is an in-process, goroutine-safe event fan-out. It implements Sink.
// Publishing never blocks on subscribers.
type Bus struct {
	mu       sync.Mutex
	idle     *sync.Cond // signalled when inflight drops to zero
	subs     []*subscription
	nextID   uint64
	inflight int
	closed   bool

	logger *slog.Logger
	wg     sync.WaitGroup // drain goroutines
}

var _ Sink = (*Bus)(nil)

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{logger: logger}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Notify queues event for every subscriber. Handlers run on the
// subscriber's own goroutine; a panicking handler is recovered and logged.
// ctx is passed on without its cancellation.
func (b *Bus) Notify(ctx context.Context, event Event) {
	q := queued{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.logger.Debug("notify", "kind", string(event.Kind), "family", event.Family, "subscribers", len(b.subs))
	for _, sub := range b.subs {
		b.inflight++
		sub.push(q)
	}
}

// Subscribe registers a handler for every event and returns an unsubscribe
// function. Events already queued for the handler are still delivered.
// Subscribing to a closed bus returns a no-op.
func (b *Bus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{id: b.nextID, handler: handler, wake: make(chan struct{}, 1)}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.drain(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				sub.stop()
				return
			}
		}
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		batch, ok := sub.next()
		if !ok {
			return
		}
		for _, q := range batch {
			b.deliver(sub, q)
		}
		b.mu.Lock()
		b.inflight -= len(batch)
		if b.inflight == 0 {
			b.idle.Broadcast()
		}
		b.mu.Unlock()
	}
}

func (b *Bus) deliver(sub *subscription, q queued) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notify handler panicked",
				"kind", string(q.event.Kind),
				"panic", r,
			)
		}
	}()
	sub.handler(q.ctx, q.event)
}

// Wait blocks until every queued event has been handled. It must not be
// called from a handler.
func (b *Bus) Wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.inflight > 0 {
		b.idle.Wait()
	}
}

// Close stops accepting events, delivers what is already queued and stops
// every subscriber. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	for _, sub := range subs {
		sub.stop()
	}
	b.mu.Unlock()

	b.wg.Wait()
}
