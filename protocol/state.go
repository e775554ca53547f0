package protocol

import "github.com/arnekt/raftcore/api"

// role is the protocol FSM's local role.
type role int

const (
	follower role = iota
	candidate
	preCandidate
	leader
)

func (r role) String() string {
	switch r {
	case follower:
		return "follower"
	case candidate:
		return "candidate"
	case preCandidate:
		return "pre-candidate"
	case leader:
		return "leader"
	default:
		return "unknown"
	}
}

const votedForNone = api.ServerId(0)

// becomeFollower transitions to follower. If term advances past curTerm the
// vote is cleared and a term_and_vote output is queued. Stepping down from
// leader also queues a lostLeadership output so the orchestration layer can
// drop waiters and outstanding reads.
func (f *FSM) becomeFollower(term api.Term) {
	if f.role == leader {
		f.out.lostLeadership = true
	}
	f.role = follower
	if term > f.curTerm {
		f.curTerm = term
		f.votedFor = votedForNone
		f.out.termAndVoteDirty = true
	}
	f.leaderId = nil
	f.resetElectionDeadline()
}

func (f *FSM) becomeLeader() {
	f.role = leader
	f.out.becameLeader = true
	me := f.id
	f.leaderId = &me
	lastIdx, _ := f.log.lastIdxAndTerm()
	f.nextIdx = make(map[api.ServerId]api.Index, len(f.peers))
	f.matchIdx = make(map[api.ServerId]api.Index, len(f.peers))
	for _, p := range f.peers {
		if p == f.id {
			continue
		}
		f.nextIdx[p] = lastIdx + 1
		f.matchIdx[p] = 0
	}
	f.matchIdx[f.id] = lastIdx
	f.nextReadId = 1
	f.activeReads = f.activeReads[:0]
	f.readQuorumVotes = make(map[api.ReadId]map[api.ServerId]bool)
}

func (f *FSM) isLeader() bool { return f.role == leader }
