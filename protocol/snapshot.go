package protocol

import "github.com/arnekt/raftcore/api"

// TakeLocalSnapshot records that the orchestration layer has persisted a
// snapshot covering up to idx, letting the FSM trim its in-memory log tail
// accordingly. trailing entries are kept past idx so slow followers can
// still be caught up without a transfer. Returns false if a later snapshot
// was already recorded or idx hasn't committed yet, in which case the
// caller must drop the snapshot id it was given.
func (f *FSM) TakeLocalSnapshot(id api.SnapshotId, idx api.Index, trailing int, data []byte) bool {
	if idx <= f.log.lastIncludedIndex || idx > f.commitIdx {
		return false
	}
	term := f.log.termAt(idx)
	conf := f.log.lastConfigurationFor(idx, f.configuration)

	keepFrom := idx - api.Index(trailing)
	if keepFrom < f.log.lastIncludedIndex {
		keepFrom = f.log.lastIncludedIndex
	}
	f.log.truncateFrom(keepFrom + 1)
	f.log.lastIncludedIndex = idx
	f.log.lastIncludedTerm = term

	oldId := f.lastSnapshotId
	f.lastSnapshotId = id
	f.out.snapshot = &SnapshotOutput{
		Desc:    api.SnapshotDescriptor{Id: id, Idx: idx, Term: term, Conf: conf},
		Data:    data,
		IsLocal: true,
		OldId:   oldId,
	}
	return true
}

// ApplyRemoteSnapshot installs a snapshot received from `from`, discarding
// any conflicting log suffix. Returns false if desc is stale (already
// subsumed by a later snapshot), in which case no Batch.Snapshot is queued
// and the caller must resolve the pending application itself.
func (f *FSM) ApplyRemoteSnapshot(from api.ServerId, desc api.SnapshotDescriptor, data []byte) bool {
	if desc.Idx <= f.log.lastIncludedIndex {
		return false
	}
	f.log.truncateFrom(desc.Idx + 1)
	f.log.lastIncludedIndex = desc.Idx
	f.log.lastIncludedTerm = desc.Term
	if desc.Idx > f.commitIdx {
		f.commitIdx = desc.Idx
	}
	f.configuration = desc.Conf
	f.out.configurationDirty = true

	oldId := f.lastSnapshotId
	f.lastSnapshotId = desc.Id
	f.out.snapshot = &SnapshotOutput{Desc: desc, Data: data, IsLocal: false, OldId: oldId, From: from}
	return true
}

// LogSizeInBytes returns the approximate in-memory log tail size, summed
// over command payloads.
func (f *FSM) LogSizeInBytes() int { return f.log.sizeInBytes() }

// LastSnapshotIdx returns the index covered by the most recent snapshot.
func (f *FSM) LastSnapshotIdx() api.Index { return f.log.lastIncludedIndex }

// Stepdown requests an immediate abort of any in-flight leadership transfer
// and relinquishes leadership, per the orchestration layer's Stepdown
// timeout handling.
func (f *FSM) Stepdown() {
	if !f.isLeader() {
		return
	}
	f.out.abortLeadershipTransfer = true
	f.becomeFollower(f.curTerm)
}

func (f *FSM) onInstallSnapshotReply(from api.ServerId, reply *api.InstallSnapshotReply) {
	f.checkOrUpdateTerm(reply.Term)
	if !f.isLeader() || reply.Term != f.curTerm || !reply.Success {
		return
	}
	if reply.Idx > f.matchIdx[from] {
		f.matchIdx[from] = reply.Idx
		f.nextIdx[from] = reply.Idx + 1
		f.tryAdvanceCommitIndex()
	}
}

// TransferLeadership asks peer `to` to start an election immediately,
// short-circuiting its election timeout. It returns false, sending nothing,
// if `to` has not matched the leader's own log.
func (f *FSM) TransferLeadership(to api.ServerId) bool {
	if !f.isLeader() {
		return false
	}
	if f.matchIdx[to] < f.matchIdx[f.id] {
		return false
	}
	f.queueMessage(to, func(m *OutboundMessage) {
		m.TimeoutNow = &api.TimeoutNowRequest{Term: f.curTerm}
	})
	return true
}
