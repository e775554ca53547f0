package protocol

import "github.com/arnekt/raftcore/api"

// startElection begins either a pre-vote round (if enabled and this node is
// not already a pre-candidate whose round timed out) or a real election,
// soliciting votes from every peer in the current configuration.
func (f *FSM) startElection() {
	f.resetElectionDeadline()
	if !f.configuration.Contains(f.id) {
		return
	}
	if f.enablePrevoting && f.role != preCandidate {
		f.beginPreVote()
		return
	}
	f.beginElection()
}

func (f *FSM) beginPreVote() {
	f.role = preCandidate
	f.preVotesGranted = map[api.ServerId]bool{f.id: true}
	lastIdx, lastTerm := f.log.lastIdxAndTerm()
	nextTerm := f.curTerm + 1
	for _, p := range f.allVoters() {
		if p == f.id {
			continue
		}
		f.queueMessage(p, func(m *OutboundMessage) {
			m.RequestVote = &api.RequestVoteRequest{
				Term:         nextTerm,
				CandidateId:  f.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
				IsPreVote:    true,
			}
		})
	}
	f.maybeWinElection()
}

func (f *FSM) beginElection() {
	f.role = candidate
	f.curTerm++
	f.votedFor = f.id
	f.out.termAndVoteDirty = true
	f.out.startedElection = true
	f.votesGranted = map[api.ServerId]bool{f.id: true}
	lastIdx, lastTerm := f.log.lastIdxAndTerm()
	for _, p := range f.allVoters() {
		if p == f.id {
			continue
		}
		f.queueMessage(p, func(m *OutboundMessage) {
			m.RequestVote = &api.RequestVoteRequest{
				Term:         f.curTerm,
				CandidateId:  f.id,
				LastLogIndex: lastIdx,
				LastLogTerm:  lastTerm,
			}
		})
	}
	f.maybeWinElection()
}

// allVoters returns the union of current and previous configuration
// members, so joint-configuration elections require majorities in both.
func (f *FSM) allVoters() []api.ServerId {
	if f.configuration.IsJoint() {
		ids := make([]api.ServerId, 0, len(f.configuration.Current)+len(f.configuration.Previous))
		seen := map[api.ServerId]bool{}
		for _, s := range f.configuration.Union() {
			if !seen[s.ID] {
				seen[s.ID] = true
				ids = append(ids, s.ID)
			}
		}
		return ids
	}
	ids := make([]api.ServerId, 0, len(f.configuration.Current))
	for _, s := range f.configuration.Current {
		ids = append(ids, s.ID)
	}
	return ids
}

func (f *FSM) onRequestVote(from api.ServerId, req *api.RequestVoteRequest) {
	if !req.IsPreVote {
		f.checkOrUpdateTerm(req.Term)
	}
	upToDate := f.log.isCandidateUpToDate(req.LastLogIndex, req.LastLogTerm)

	if req.IsPreVote {
		grant := req.Term >= f.curTerm && upToDate && (f.leaderId == nil || !f.leaderIsAlive())
		f.queueMessage(from, func(m *OutboundMessage) {
			m.RequestVoteReply = &api.RequestVoteReply{VoterId: f.id, Term: req.Term, VoteGranted: grant, IsPreVote: true}
		})
		return
	}

	grant := false
	if req.Term == f.curTerm && (f.votedFor == votedForNone || f.votedFor == req.CandidateId) && upToDate {
		grant = true
		f.votedFor = req.CandidateId
		f.out.termAndVoteDirty = true
		f.resetElectionDeadline()
	}
	f.queueMessage(from, func(m *OutboundMessage) {
		m.RequestVoteReply = &api.RequestVoteReply{VoterId: f.id, Term: f.curTerm, VoteGranted: grant}
	})
}

func (f *FSM) onRequestVoteReply(from api.ServerId, reply *api.RequestVoteReply) {
	if reply.IsPreVote {
		if f.role != preCandidate || reply.Term < f.curTerm+1 || !reply.VoteGranted {
			return
		}
		f.preVotesGranted[from] = true
		f.maybeWinElection()
		return
	}

	f.checkOrUpdateTerm(reply.Term)
	if f.role != candidate || reply.Term != f.curTerm || !reply.VoteGranted {
		return
	}
	f.votesGranted[from] = true
	f.maybeWinElection()
}

func (f *FSM) maybeWinElection() {
	switch f.role {
	case preCandidate:
		if f.hasMajority(f.preVotesGranted) {
			f.beginElection()
		}
	case candidate:
		if f.hasMajority(f.votesGranted) {
			f.becomeLeader()
			f.broadcastAppendEntries()
		}
	}
}

// hasMajority checks granted against both halves of a (possibly joint)
// configuration, requiring a majority in each.
func (f *FSM) hasMajority(granted map[api.ServerId]bool) bool {
	if !majorityOf(f.configuration.Current, granted) {
		return false
	}
	if f.configuration.IsJoint() && !majorityOf(f.configuration.Previous, granted) {
		return false
	}
	return true
}

func majorityOf(members []api.ServerAddress, granted map[api.ServerId]bool) bool {
	if len(members) == 0 {
		return true
	}
	count := 0
	for _, m := range members {
		if granted[m.ID] {
			count++
		}
	}
	return count*2 > len(members)
}

func (f *FSM) leaderIsAlive() bool {
	if f.fd == nil || f.leaderId == nil {
		return false
	}
	return f.fd.IsAlive(*f.leaderId)
}

func (f *FSM) onTimeoutNow(from api.ServerId, req *api.TimeoutNowRequest) {
	f.checkOrUpdateTerm(req.Term)
	f.resetElectionDeadline()
	f.electionElapsed = f.electionTimeoutTicks
}
