package engine

import "sync"

// taskLocks serializes operations on a single task. The generic transition
// path and the intervention workflow both do load-then-write; without a
// per-task lock two concurrent requests for the same task would race at the
// row level.
type taskLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (k *taskLocks) lock(taskID string) func() {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*sync.Mutex)
	}
	l, ok := k.m[taskID]
	if !ok {
		l = &sync.Mutex{}
		k.m[taskID] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}
