package dispatch

import "sync"

// keyedMutex is the process-wide map account_id → async mutex described in
// spec §5: created on first use under a small guard lock, held across
// refresh + transport for the duration of one attempt on that account.
type keyedMutex struct {
	guard sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lockFor(id string) *sync.Mutex {
	k.guard.Lock()
	defer k.guard.Unlock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	return m
}
