package dispatch

import "sync"

type deviceKey struct {
	recipient string
	device    int
}

type refLock struct {
	sync.Mutex
	refs int
}

// keyLocker hands out one mutex per (recipient, device). Entries are
// dropped once no goroutine holds or waits for them.
type keyLocker struct {
	mu    sync.Mutex
	locks map[deviceKey]*refLock
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[deviceKey]*refLock)}
}

// lock blocks until the key is held and returns its unlock func.
func (l *keyLocker) lock(recipient string, device int) func() {
	k := deviceKey{recipient, device}
	l.mu.Lock()
	rl, ok := l.locks[k]
	if !ok {
		rl = new(refLock)
		l.locks[k] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}
