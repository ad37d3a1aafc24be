package handler

import (
	"context"
	"sync"
)

// idLock is a one-slot semaphore shared by every caller waiting on an id.
type idLock struct {
	sem  chan struct{}
	refs int
}

// keyedLock hands out one lock per id. Entries are dropped once nobody holds
// or waits on them.
type keyedLock struct {
	mu   sync.Mutex
	held map[string]*idLock
}

// lock blocks until id is free or ctx is done. The returned func releases it.
func (k *keyedLock) lock(ctx context.Context, id string) (func(), error) {
	k.mu.Lock()
	l, ok := k.held[id]
	if !ok {
		l = &idLock{sem: make(chan struct{}, 1)}
		k.held[id] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(id, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(id, l)
		})
	}, nil
}

func (k *keyedLock) release(id string, l *idLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.held, id)
	}
}

