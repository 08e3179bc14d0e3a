package compound

import "sync"

// locker hands out one mutex per provider.
type locker struct {
	lock  sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *locker) Lock(key string) func() {
	l.lock.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.lock.Unlock()
	m.Lock()
	return m.Unlock
}
