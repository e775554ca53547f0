package protocol

import "github.com/arnekt/raftcore/api"

// broadcastAppendEntries sends every peer whatever entries it needs, or a
// bare heartbeat if it is already caught up. Leader-only.
func (f *FSM) broadcastAppendEntries() {
	if !f.isLeader() {
		return
	}
	for _, p := range f.allVoters() {
		if p == f.id {
			continue
		}
		f.sendAppendEntriesTo(p)
	}
}

func (f *FSM) sendAppendEntriesTo(p api.ServerId) {
	next, ok := f.nextIdx[p]
	if !ok {
		lastIdx, _ := f.log.lastIdxAndTerm()
		next = lastIdx + 1
	}
	prevIdx := next - 1
	prevTerm := f.log.termAt(prevIdx)
	if prevTerm == -1 {
		f.sendSnapshotTo(p)
		return
	}

	var entries []api.LogEntry
	lastIdx, _ := f.log.lastIdxAndTerm()
	for idx := next; idx <= lastIdx; idx++ {
		if e := f.log.entryAt(idx); e != nil {
			entries = append(entries, *e)
		}
	}

	f.queueMessage(p, func(m *OutboundMessage) {
		m.AppendEntries = &api.AppendEntriesRequest{
			Term:              f.curTerm,
			LeaderId:          f.id,
			PrevLogIndex:      prevIdx,
			PrevLogTerm:       prevTerm,
			LeaderCommitIndex: f.commitIdx,
			Entries:           entries,
		}
	})
}

// sendSnapshotTo queues a local snapshot transfer when a follower has
// fallen behind the leader's log-truncation point. The request carries only
// the descriptor; the orchestration layer fills in the snapshot bytes from
// its own persisted copy before putting it on the wire.
func (f *FSM) sendSnapshotTo(p api.ServerId) {
	conf := f.log.lastConfigurationFor(f.log.lastIncludedIndex, f.configuration)
	f.queueMessage(p, func(m *OutboundMessage) {
		m.InstallSnapshot = &api.InstallSnapshotRequest{
			Term:     f.curTerm,
			LeaderId: f.id,
			Desc: api.SnapshotDescriptor{
				Idx:  f.log.lastIncludedIndex,
				Term: f.log.lastIncludedTerm,
				Conf: conf,
			},
		}
	})
}

func (f *FSM) onAppendEntries(from api.ServerId, req *api.AppendEntriesRequest) {
	if req.Term < f.curTerm {
		f.queueMessage(from, func(m *OutboundMessage) {
			m.AppendEntriesReply = &api.AppendEntriesReply{From: f.id, Term: f.curTerm, Success: false}
		})
		return
	}
	f.checkOrUpdateTerm(req.Term)
	if f.role != follower {
		if f.role == leader {
			f.out.lostLeadership = true
		}
		f.role = follower
	}
	leaderId := req.LeaderId
	f.leaderId = &leaderId
	f.resetElectionDeadline()

	if !f.log.isConsistentWith(req.PrevLogIndex, req.PrevLogTerm) {
		ci, ct := f.log.conflictInfo(req.PrevLogIndex)
		f.queueMessage(from, func(m *OutboundMessage) {
			m.AppendEntriesReply = &api.AppendEntriesReply{
				From: f.id, Term: f.curTerm, Success: false,
				ConflictIndex: ci, ConflictTerm: ct,
			}
		})
		return
	}

	stored, truncated, truncateIdx, changed := f.log.appendOrTruncate(req.PrevLogIndex, req.Entries)
	if truncated {
		f.out.truncateDirty = true
		f.out.truncateFromIdx = truncateIdx
	}
	if changed {
		f.out.logEntries = append(f.out.logEntries, stored...)
		for _, e := range stored {
			if e.Kind == api.EntryConfiguration {
				f.configuration = e.Conf
				f.out.configurationDirty = true
			}
		}
	}

	lastIdx, _ := f.log.lastIdxAndTerm()
	if req.LeaderCommitIndex > f.commitIdx {
		newCommit := req.LeaderCommitIndex
		if newCommit > lastIdx {
			newCommit = lastIdx
		}
		f.advanceCommitIndex(newCommit)
	}

	f.queueMessage(from, func(m *OutboundMessage) {
		m.AppendEntriesReply = &api.AppendEntriesReply{From: f.id, Term: f.curTerm, Success: true, ConflictIndex: lastIdx}
	})
}

func (f *FSM) onAppendEntriesReply(from api.ServerId, reply *api.AppendEntriesReply) {
	f.checkOrUpdateTerm(reply.Term)
	if !f.isLeader() || reply.Term != f.curTerm {
		return
	}

	if !reply.Success {
		if reply.ConflictTerm == -1 {
			f.nextIdx[from] = reply.ConflictIndex
		} else {
			f.nextIdx[from] = f.findFirstIdxAfterTerm(reply.ConflictTerm, reply.ConflictIndex)
		}
		f.sendAppendEntriesTo(from)
		return
	}

	if reply.ConflictIndex > f.matchIdx[from] {
		f.matchIdx[from] = reply.ConflictIndex
		f.nextIdx[from] = reply.ConflictIndex + 1
		f.tryAdvanceCommitIndex()
	}
}

// findFirstIdxAfterTerm implements the standard fast log-backup search: if
// the leader itself has entries at conflictTerm, retry from just past them;
// otherwise fall back to the follower-reported conflict index.
func (f *FSM) findFirstIdxAfterTerm(conflictTerm api.Term, conflictIdx api.Index) api.Index {
	lastIdx, _ := f.log.lastIdxAndTerm()
	for idx := lastIdx; idx > f.log.lastIncludedIndex; idx-- {
		if f.log.termAt(idx) == conflictTerm {
			return idx + 1
		}
	}
	return conflictIdx
}

// tryAdvanceCommitIndex recomputes the majority match index across both
// halves of a possibly-joint configuration and advances commitIdx if a
// strictly newer, current-term entry is now committed.
func (f *FSM) tryAdvanceCommitIndex() {
	candidate := majorityMatchIdx(f.configuration.Current, f.matchIdx)
	if f.configuration.IsJoint() {
		prevCandidate := majorityMatchIdx(f.configuration.Previous, f.matchIdx)
		if prevCandidate < candidate {
			candidate = prevCandidate
		}
	}
	if candidate <= f.commitIdx {
		return
	}
	if f.log.termAt(candidate) != f.curTerm {
		return
	}
	f.advanceCommitIndex(candidate)
}

func majorityMatchIdx(members []api.ServerAddress, matchIdx map[api.ServerId]api.Index) api.Index {
	if len(members) == 0 {
		return 1<<63 - 1
	}
	vals := make([]api.Index, 0, len(members))
	for _, m := range members {
		vals = append(vals, matchIdx[m.ID])
	}
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0 && vals[j-1] > vals[j]; j-- {
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
	return vals[(len(vals)-1)/2]
}

// advanceCommitIndex moves commitIdx forward and queues the newly committed
// entries for the orchestration layer to apply, plus recomputes which read
// barriers are now satisfied.
func (f *FSM) advanceCommitIndex(idx api.Index) {
	if idx <= f.commitIdx {
		return
	}
	for i := f.commitIdx + 1; i <= idx; i++ {
		if e := f.log.entryAt(i); e != nil {
			f.out.committed = append(f.out.committed, *e)
		}
	}
	f.commitIdx = idx
	f.satisfyReadBarriers()
}
