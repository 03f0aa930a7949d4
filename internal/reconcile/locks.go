package reconcile

import "sync"

const lockStripes = 256

// postLocks serializes read-modify-write cycles on the same post id. Ids
// share a stripe when they are congruent modulo lockStripes.
type postLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (l *postLocks) lock(id int64) func() {
	i := id % lockStripes
	if i < 0 {
		i = -i
	}
	mu := &l.stripes[i]
	mu.Lock()
	return mu.Unlock
}
