package engine

import (
	"context"
	"sync"
)

// KeyedLock hands out one exclusive token per appointment. Waiters give up
// when their context ends; entries are dropped once nobody holds or awaits
// them.
type KeyedLock struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	token chan struct{} // capacity 1; full while held
	refs  int
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{entries: make(map[int64]*lockEntry)}
}

// Acquire blocks until the token for key is free or ctx is done. The
// returned release must be called exactly once.
func (l *KeyedLock) Acquire(ctx context.Context, key int64) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{token: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.token <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.token
			l.unref(key, e)
		})
	}, nil
}

func (l *KeyedLock) unref(key int64, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len reports how many keys are held or awaited.
func (l *KeyedLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
