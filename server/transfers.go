package server

import (
	"sync"

	"github.com/arnekt/raftcore/api"
)

// transferState is the lifecycle of one outbound InstallSnapshot transfer.
type transferState int

const (
	transferLive transferState = iota
	transferAborted
)

// transfer tracks one in-flight snapshot send to a follower, so a stepdown
// or a newer snapshot taken mid-transfer can cancel it instead of letting a
// stale install race a fresher one. done is closed by the sender goroutine
// once the transport call returns, letting drain await it instead of
// discarding it.
type transfer struct {
	to     api.ServerId
	desc   api.SnapshotDescriptor
	state  transferState
	cancel chan struct{}
	done   chan struct{}
}

// transferRegistry is the snapshot-transfer registry: at most one transfer
// per destination is live at a time; starting a new one to the same peer
// aborts whatever was already in flight there. Every transfer that is ever
// aborted is retained in aborted until drain collects and awaits it, so an
// abort never silently discards a sender goroutine still in flight.
type transferRegistry struct {
	mu      sync.Mutex
	byPeer  map[api.ServerId]*transfer
	aborted []*transfer
}

func newTransferRegistry() *transferRegistry {
	return &transferRegistry{
		byPeer: make(map[api.ServerId]*transfer),
	}
}

// begin registers a new live transfer to `to`, aborting any transfer
// already in flight to that peer. The sender must select on the returned
// transfer's cancel channel alongside its RPC call and close its done
// channel once the call returns.
func (r *transferRegistry) begin(to api.ServerId, desc api.SnapshotDescriptor) *transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byPeer[to]; ok {
		r.abortLocked(old)
	}
	t := &transfer{to: to, desc: desc, state: transferLive, cancel: make(chan struct{}), done: make(chan struct{})}
	r.byPeer[to] = t
	return t
}

func (r *transferRegistry) abortLocked(t *transfer) {
	if t.state != transferLive {
		return
	}
	t.state = transferAborted
	close(t.cancel)
	r.aborted = append(r.aborted, t)
}

// complete marks the transfer to `to` finished, clearing it from the live
// set if it is still the one that was begun (an older stale completion
// arriving after a newer transfer started is a no-op).
func (r *transferRegistry) complete(to api.ServerId, desc api.SnapshotDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byPeer[to]; ok && t.desc.Id == desc.Id {
		delete(r.byPeer, to)
	}
}

// abortPeer cancels the live transfer to `to`, if any, used when that peer
// leaves the cluster configuration.
func (r *transferRegistry) abortPeer(to api.ServerId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byPeer[to]
	if !ok {
		return
	}
	r.abortLocked(t)
	delete(r.byPeer, to)
}

// abortAll cancels every live transfer, used on stepdown and shutdown.
func (r *transferRegistry) abortAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for to, t := range r.byPeer {
		r.abortLocked(t)
		delete(r.byPeer, to)
	}
}

// isLive reports whether a transfer with this exact descriptor is still the
// current live one for its destination.
func (r *transferRegistry) isLive(to api.ServerId, id api.SnapshotId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byPeer[to]
	return ok && t.state == transferLive && t.desc.Id == id
}

// drain waits for every transfer ever aborted to finish sending. Called on
// shutdown so Abort never returns while a cancelled transfer's sender
// goroutine is still running against the transport.
func (r *transferRegistry) drain() {
	r.mu.Lock()
	aborted := r.aborted
	r.aborted = nil
	r.mu.Unlock()
	for _, t := range aborted {
		<-t.done
	}
}
