package server

import (
	"sync"

	"github.com/arnekt/raftcore/api"
)

// inboundResult is delivered to an ApplySnapshot caller once its application
// is resolved, either a reply to send back to the leader or an error if the
// server shut down before the apply pipeline got to it.
type inboundResult struct {
	reply *api.InstallSnapshotReply
	err   error
}

// inboundSnapshotRegistry tracks in-flight inbound InstallSnapshot
// applications, keyed by source leader id: at most one per source. A second
// concurrent application from the same source is rejected outright rather
// than queued, mirroring the "assert no prior entry for from" bookkeeping.
type inboundSnapshotRegistry struct {
	mu      sync.Mutex
	pending map[api.ServerId]chan inboundResult
}

func newInboundSnapshotRegistry() *inboundSnapshotRegistry {
	return &inboundSnapshotRegistry{pending: make(map[api.ServerId]chan inboundResult)}
}

// begin registers a pending application from `from`. ok is false if one is
// already in flight.
func (r *inboundSnapshotRegistry) begin(from api.ServerId) (<-chan inboundResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[from]; exists {
		return nil, false
	}
	ch := make(chan inboundResult, 1)
	r.pending[from] = ch
	return ch, true
}

// forget removes a pending registration without resolving it, used only
// when the caller gave up before the application was ever dispatched to the
// I/O pipeline, so nothing else will ever call fulfill for it.
func (r *inboundSnapshotRegistry) forget(from api.ServerId) {
	r.mu.Lock()
	delete(r.pending, from)
	r.mu.Unlock()
}

// fulfill delivers result to the pending application from `from`, if any.
func (r *inboundSnapshotRegistry) fulfill(from api.ServerId, result inboundResult) {
	r.mu.Lock()
	ch, ok := r.pending[from]
	if ok {
		delete(r.pending, from)
	}
	r.mu.Unlock()
	if ok {
		ch <- result
	}
}

// dropAll fails every pending application with err, used on shutdown.
func (r *inboundSnapshotRegistry) dropAll(err error) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[api.ServerId]chan inboundResult)
	r.mu.Unlock()
	for _, ch := range pending {
		ch <- inboundResult{err: err}
	}
}
