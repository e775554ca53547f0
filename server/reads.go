package server

import (
	"sync"

	"github.com/arnekt/raftcore/api"
)

// readWaiter is a caller blocked in ReadBarrier until its read id is
// confirmed by quorum.
type readWaiter struct {
	id    api.ReadId
	errCh chan error
}

// readBarrierTracker holds callers waiting on ExecuteReadBarrier's read ids
// to reach quorum confirmation. Ids are handed out in increasing order by
// the FSM, so, like waiterRegistry, the pending queue stays sorted by
// construction.
type readBarrierTracker struct {
	mu      sync.Mutex
	pending []*readWaiter
}

func newReadBarrierTracker() *readBarrierTracker {
	return &readBarrierTracker{}
}

func (t *readBarrierTracker) register(id api.ReadId) <-chan error {
	w := &readWaiter{id: id, errCh: make(chan error, 1)}
	t.mu.Lock()
	t.pending = append(t.pending, w)
	t.mu.Unlock()
	return w.errCh
}

// satisfyUpTo releases every pending reader whose id is <= maxId.
func (t *readBarrierTracker) satisfyUpTo(maxId api.ReadId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := 0
	for ; i < len(t.pending); i++ {
		w := t.pending[i]
		if w.id > maxId {
			break
		}
		w.errCh <- nil
	}
	t.pending = t.pending[i:]
}

// dropAll fails every still-pending reader, used when leadership is lost
// before its read id reached quorum.
func (t *readBarrierTracker) dropAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.pending {
		w.errCh <- err
	}
	t.pending = nil
}
