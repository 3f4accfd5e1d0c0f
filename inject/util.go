package inject

import (
	"hash"
	"hash/fnv"
	"sync"
)

// ErrorLogPrefix starts every log line reporting a failure.
const ErrorLogPrefix = "!! "

func newDefaultStripedMutex() *stripedMutex {
	return newStripedMutex(251) // prime number provides better distributions
}

// newStripedMutex creates a mutex set with the given number of stripes.
func newStripedMutex(stripes uint) *stripedMutex {
	m := &stripedMutex{
		locks: make([]sync.Mutex, stripes),
		pool:  sync.Pool{New: func() any { return fnv.New64a() }},
	}
	return m
}

// stripedMutex provides a lock per key without retaining a lock for every key seen.
type stripedMutex struct {
	locks []sync.Mutex
	pool  sync.Pool
}

// Lock acquires the lock for key, returning the mutex for an easy unlock.
func (m *stripedMutex) Lock(key string) *sync.Mutex {
	l := m.getLock(key)
	l.Lock()
	return l
}

func (m *stripedMutex) getLock(key string) *sync.Mutex {
	h := m.pool.Get().(hash.Hash64)
	defer m.pool.Put(h)
	h.Reset()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum64()%uint64(len(m.locks))]
}
