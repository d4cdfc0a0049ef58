package backup

import (
	"context"
	"sync"
)

// chatLocks hands out one context-aware lock per chat ID. Entries are
// dropped once nobody holds or waits for them.
type chatLocks struct {
	mu sync.Mutex
	m  map[string]*chatLock
}

type chatLock struct {
	ch   chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{m: make(map[string]*chatLock)}
}

func (l *chatLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	cl, ok := l.m[id]
	if !ok {
		cl = &chatLock{ch: make(chan struct{}, 1)}
		l.m[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	select {
	case cl.ch <- struct{}{}:
		return func() {
			<-cl.ch
			l.release(id, cl)
		}, nil
	case <-ctx.Done():
		l.release(id, cl)
		return nil, ctx.Err()
	}
}

func (l *chatLocks) release(id string, cl *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl.refs--
	if cl.refs == 0 {
		delete(l.m, id)
	}
}
