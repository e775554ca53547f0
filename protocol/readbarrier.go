package protocol

import "github.com/arnekt/raftcore/api"

// ExecuteReadBarrier starts a new linearizable read barrier. It returns the
// allocated read id and the index the read must observe as committed
// before it is safe to serve against the state machine. ok is false if
// this FSM is not currently the leader.
func (f *FSM) ExecuteReadBarrier() (id api.ReadId, idx api.Index, ok bool) {
	if !f.isLeader() {
		return 0, 0, false
	}
	id = f.nextReadId
	f.nextReadId++
	idx = f.commitIdx

	if len(f.allVoters()) <= 1 {
		f.markReadIdSatisfied(id)
		return id, idx, true
	}

	f.activeReads = append(f.activeReads, pendingRead{id: id, idx: idx})
	f.readQuorumVotes[id] = map[api.ServerId]bool{f.id: true}
	for _, p := range f.allVoters() {
		if p == f.id {
			continue
		}
		f.queueMessage(p, func(m *OutboundMessage) {
			m.ReadQuorum = &api.ReadQuorumRequest{Term: f.curTerm, ReadId: id}
		})
	}
	f.checkReadQuorum(id)
	return id, idx, true
}

func (f *FSM) onReadQuorum(from api.ServerId, req *api.ReadQuorumRequest) {
	f.checkOrUpdateTerm(req.Term)
	f.queueMessage(from, func(m *OutboundMessage) {
		m.ReadQuorumReply = &api.ReadQuorumReply{From: f.id, Term: f.curTerm, ReadId: req.ReadId}
	})
}

func (f *FSM) onReadQuorumReply(from api.ServerId, reply *api.ReadQuorumReply) {
	f.checkOrUpdateTerm(reply.Term)
	if !f.isLeader() || reply.Term != f.curTerm {
		return
	}
	votes, ok := f.readQuorumVotes[reply.ReadId]
	if !ok {
		return
	}
	votes[from] = true
	f.checkReadQuorum(reply.ReadId)
}

func (f *FSM) checkReadQuorum(id api.ReadId) {
	votes := f.readQuorumVotes[id]
	if !f.hasMajority(votes) {
		return
	}
	f.markReadIdSatisfied(id)
	delete(f.readQuorumVotes, id)
	f.removeActiveRead(id)
}

// markReadIdSatisfied records that every read up to and including id has
// quorum confirmation, surfacing the running maximum to the orchestration
// layer so it can release waiting readers in index order.
func (f *FSM) markReadIdSatisfied(id api.ReadId) {
	if !f.out.maxReadIdWithQuorumDirty || id > f.out.maxReadIdWithQuorum {
		f.out.maxReadIdWithQuorum = id
		f.out.maxReadIdWithQuorumDirty = true
	}
}

func (f *FSM) removeActiveRead(id api.ReadId) {
	kept := f.activeReads[:0]
	for _, r := range f.activeReads {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	f.activeReads = kept
}

// satisfyReadBarriers is called whenever commitIdx advances, releasing any
// active reads whose required index has now been committed locally.
func (f *FSM) satisfyReadBarriers() {
	var stillPending []pendingRead
	for _, r := range f.activeReads {
		if r.idx <= f.commitIdx {
			f.markReadIdSatisfied(r.id)
			delete(f.readQuorumVotes, r.id)
			continue
		}
		stillPending = append(stillPending, r)
	}
	f.activeReads = stillPending
}
