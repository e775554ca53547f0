package server

import (
	"sync"
	"sync/atomic"

	"github.com/arnekt/raftcore/api"
)

// submitWaiter is one caller's subscription to either a commit or an apply
// notification for the entry it submitted at idx/term.
type submitWaiter struct {
	idx      api.Index
	term     api.Term
	resultCh chan api.SubmitResult
	errCh    chan error
}

// waiterRegistry tracks callers blocked on AddEntry until their entry
// commits or applies. Entries are registered in strictly increasing index
// order (callers only append to the leader's log), so each queue stays
// sorted by construction and can be drained from the front without a scan.
//
// Callers must never walk waiters while another goroutine could register a
// new one for the same index range; all registry methods take the lock for
// their whole body to uphold that.
type waiterRegistry struct {
	mu      sync.Mutex
	commit  []*submitWaiter
	apply   []*submitWaiter
	termAt  func(api.Index) api.Term
	dropped *atomic.Int64
}

func newWaiterRegistry(termAt func(api.Index) api.Term, dropped *atomic.Int64) *waiterRegistry {
	return &waiterRegistry{termAt: termAt, dropped: dropped}
}

// register adds a new waiter for idx/term of the given kind and returns the
// channels the caller should select on. Both channels are buffered by one
// so the notifying side never blocks on a caller that stopped listening.
func (r *waiterRegistry) register(idx api.Index, term api.Term, kind api.WaitType) (<-chan api.SubmitResult, <-chan error) {
	w := &submitWaiter{
		idx:      idx,
		term:     term,
		resultCh: make(chan api.SubmitResult, 1),
		errCh:    make(chan error, 1),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch kind {
	case api.WaitApplied:
		r.apply = append(r.apply, w)
	default:
		r.commit = append(r.commit, w)
	}
	return w.resultCh, w.errCh
}

// notifyCommitted releases every commit-waiter whose index is now <= idx.
// A waiter whose recorded term no longer matches the log's current term at
// its index (its entry was overwritten by a later leader) is dropped with
// ErrDroppedEntry instead of resolved successfully.
func (r *waiterRegistry) notifyCommitted(idx api.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commit = drainUpTo(r.commit, idx, r.termAt, r.dropped)
}

func (r *waiterRegistry) notifyApplied(idx api.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply = drainUpTo(r.apply, idx, r.termAt, r.dropped)
}

func drainUpTo(waiters []*submitWaiter, idx api.Index, termAt func(api.Index) api.Term, dropped *atomic.Int64) []*submitWaiter {
	i := 0
	for ; i < len(waiters); i++ {
		w := waiters[i]
		if w.idx > idx {
			break
		}
		// termAt returns -1 once idx has been subsumed by a snapshot; a
		// committed entry can never be overwritten afterwards, so that is
		// not a mismatch, just evidence it is long since safe.
		if t := termAt(w.idx); t != -1 && t != w.term {
			dropped.Add(1)
			w.errCh <- api.ErrDroppedEntry
		} else {
			w.resultCh <- api.SubmitResult{Term: w.term, Idx: w.idx}
		}
	}
	return waiters[i:]
}

// dropUpTo unconditionally fails every waiter at index <= idx with err,
// regardless of whether its term still matches the log. Used when a
// snapshot subsumes the uncommitted tail: those entries' outcome is no
// longer knowable, not overwritten, so ErrCommitStatusUnknown applies
// uniformly rather than going through the term check in drainUpTo.
func (r *waiterRegistry) dropUpTo(idx api.Index, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commit = dropUpToIdx(r.commit, idx, err, r.dropped)
	r.apply = dropUpToIdx(r.apply, idx, err, r.dropped)
}

func dropUpToIdx(waiters []*submitWaiter, idx api.Index, err error, dropped *atomic.Int64) []*submitWaiter {
	i := 0
	for ; i < len(waiters); i++ {
		if waiters[i].idx > idx {
			break
		}
		waiters[i].errCh <- err
	}
	dropped.Add(int64(i))
	return waiters[i:]
}

// dropAll fails every still-pending waiter with err, used when leadership
// is lost and the outcome of in-flight entries is no longer knowable.
func (r *waiterRegistry) dropAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped.Add(int64(len(r.commit) + len(r.apply)))
	for _, w := range r.commit {
		w.errCh <- err
	}
	for _, w := range r.apply {
		w.errCh <- err
	}
	r.commit = nil
	r.apply = nil
}
