package workflow

import "sync"

// itemLocks is a set of per-item exclusive try-locks. A transition that finds
// its item already held loses immediately instead of queueing.
type itemLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newItemLocks() *itemLocks {
	return &itemLocks{held: make(map[string]struct{})}
}

func (l *itemLocks) tryLock(id string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return nil, false
	}
	l.held[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
	}, true
}
