package agenttask

import "sync"

// MutexMap is a keyed asynchronous mutex: at most one holder per key,
// fair FIFO, and distinct keys never contend. It's used
// primarily to serialize stream-end processing per workspace.
//
// Keys are held in a `sync.Map` of `*sync.Mutex`-style tickets, but
// each ticket is a buffered-channel-of-1 rather than a `sync.Mutex`
// so that acquisition order is strictly FIFO — a plain `sync.Mutex`
// only becomes fair once a waiter has been starved past the runtime's
// starvation threshold, which isn't sufficient for the deterministic
// per-workspace ordering stream-end processing requires.
type MutexMap struct {
	locks sync.Map // key -> chan struct{} (buffered, cap 1, acts as a FIFO ticket)
}

// NewMutexMap constructs an empty MutexMap.
func NewMutexMap() *MutexMap {
	return &MutexMap{}
}

func (m *MutexMap) chanFor(key string) chan struct{} {
	ch, _ := m.locks.LoadOrStore(key, make(chan struct{}, 1))
	return ch.(chan struct{})
}

// WithLock acquires the FIFO lock scoped to key, runs fn, then
// releases. Waiters block on a send into the key's buffered channel,
// and the Go runtime services blocked senders in FIFO order, so concurrent callers for the same key are
// admitted into fn in the order they called WithLock.
func (m *MutexMap) WithLock(key string, fn func() error) error {
	ch := m.chanFor(key)
	ch <- struct{}{} // blocks until free; FIFO among waiters
	defer func() { <-ch }()
	return fn()
}
