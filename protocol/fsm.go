// Package protocol implements the Raft protocol state machine: leader
// election, log matching and commit-index advancement, read-barrier vote
// counting and snapshot bookkeeping. It is deliberately synchronous and
// free of I/O — every external effect (persistence, RPC dispatch, applying
// committed entries to a state machine) is surfaced through PollOutput as a
// Batch for an orchestration layer to carry out.
package protocol

import (
	"math/rand"

	"github.com/arnekt/raftcore/api"
)

// pendingOutput accumulates the side effects produced by Step/Tick/AddEntry
// calls until the next PollOutput drains them into a Batch.
type pendingOutput struct {
	termAndVoteDirty bool

	snapshot *SnapshotOutput

	logEntries []api.LogEntry

	truncateDirty   bool
	truncateFromIdx api.Index

	configurationDirty bool

	messages []OutboundMessage

	committed []api.LogEntry

	maxReadIdWithQuorum      api.ReadId
	maxReadIdWithQuorumDirty bool

	abortLeadershipTransfer bool
	lostLeadership          bool

	startedElection bool
	becameLeader    bool
}

// pendingRead tracks a read barrier awaiting quorum confirmation: idx is the
// commit index the read must observe before it is safe to serve.
type pendingRead struct {
	id  api.ReadId
	idx api.Index
}

// FSM is the pure Raft protocol core. All of its methods are synchronous and
// non-blocking; none perform I/O. A single goroutine must own an FSM instance
// and serialize all calls into it.
type FSM struct {
	id    api.ServerId
	peers []api.ServerId
	fd    api.FailureDetector

	enablePrevoting bool

	curTerm  api.Term
	votedFor api.ServerId
	role     role

	log            inMemLog
	commitIdx      api.Index
	lastSnapshotId api.SnapshotId

	leaderId *api.ServerId

	nextIdx  map[api.ServerId]api.Index
	matchIdx map[api.ServerId]api.Index

	votesGranted    map[api.ServerId]bool
	preVotesGranted map[api.ServerId]bool

	configuration api.ClusterConfiguration
	jointEntryIdx api.Index
	jointPending  bool

	nextReadId      api.ReadId
	activeReads     []pendingRead
	readQuorumVotes map[api.ReadId]map[api.ServerId]bool

	electionElapsed       int
	electionTimeoutTicks  int
	electionTimeoutJitter int
	heartbeatElapsed      int
	heartbeatTimeoutTicks int

	rng *rand.Rand

	out pendingOutput
}

// Config carries the construction-time parameters for an FSM.
type Config struct {
	ID                    api.ServerId
	Peers                 []api.ServerId
	Configuration         api.ClusterConfiguration
	EnablePrevoting       bool
	ElectionTimeoutTicks  int
	ElectionTimeoutJitter int
	HeartbeatTimeoutTicks int
	FailureDetector       api.FailureDetector
	Rand                  *rand.Rand
}

// NewFSM constructs a follower FSM with an empty log. Callers that are
// restarting from persisted state should follow with Restore.
func NewFSM(cfg Config) *FSM {
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(int64(cfg.ID)))
	}
	f := &FSM{
		id:                    cfg.ID,
		peers:                 cfg.Peers,
		fd:                    cfg.FailureDetector,
		enablePrevoting:       cfg.EnablePrevoting,
		votedFor:              votedForNone,
		configuration:         cfg.Configuration,
		electionTimeoutTicks:  cfg.ElectionTimeoutTicks,
		electionTimeoutJitter: cfg.ElectionTimeoutJitter,
		heartbeatTimeoutTicks: cfg.HeartbeatTimeoutTicks,
		readQuorumVotes:       make(map[api.ReadId]map[api.ServerId]bool),
		rng:                   rng,
	}
	f.resetElectionDeadline()
	return f
}

// Restore seeds the FSM from persisted state after a restart or crash
// recovery. Must be called before any Step/Tick/AddEntry.
func (f *FSM) Restore(term api.Term, votedFor *api.ServerId, entries []api.LogEntry, lastIncludedIdx api.Index, lastIncludedTerm api.Term, lastSnapshotId api.SnapshotId, conf api.ClusterConfiguration) {
	f.curTerm = term
	if votedFor != nil {
		f.votedFor = *votedFor
	} else {
		f.votedFor = votedForNone
	}
	f.log = inMemLog{
		entries:           entries,
		lastIncludedIndex: lastIncludedIdx,
		lastIncludedTerm:  lastIncludedTerm,
	}
	f.commitIdx = lastIncludedIdx
	f.lastSnapshotId = lastSnapshotId
	f.configuration = conf
}

func (f *FSM) resetElectionDeadline() {
	f.electionElapsed = 0
}

func (f *FSM) randomizedElectionTimeout() int {
	if f.electionTimeoutJitter <= 0 {
		return f.electionTimeoutTicks
	}
	return f.electionTimeoutTicks + f.rng.Intn(f.electionTimeoutJitter)
}

// ID returns this FSM's own server id.
func (f *FSM) ID() api.ServerId { return f.id }

// CurrentTerm returns the current term.
func (f *FSM) CurrentTerm() api.Term { return f.curTerm }

// IsLeader reports whether this FSM currently believes itself the leader.
func (f *FSM) IsLeader() bool { return f.isLeader() }

// LeaderHint returns the last known leader id, if any.
func (f *FSM) LeaderHint() *api.ServerId { return f.leaderId }

// CommitIndex returns the highest log index known to be committed.
func (f *FSM) CommitIndex() api.Index { return f.commitIdx }

// LastLogIdxAndTerm returns the last log entry's index and term.
func (f *FSM) LastLogIdxAndTerm() (api.Index, api.Term) { return f.log.lastIdxAndTerm() }

// TermAt returns the term currently stored at idx, or -1 if idx is outside
// the retained log (already snapshotted away, or never written).
func (f *FSM) TermAt(idx api.Index) api.Term { return f.log.termAt(idx) }

// Configuration returns the currently active cluster configuration.
func (f *FSM) Configuration() api.ClusterConfiguration { return f.configuration }

// Step feeds one inbound message from `from` into the FSM. msg must be one
// of the pointer types declared in api/messages.go.
func (f *FSM) Step(from api.ServerId, msg any) {
	switch m := msg.(type) {
	case *api.AppendEntriesRequest:
		f.onAppendEntries(from, m)
	case *api.AppendEntriesReply:
		f.onAppendEntriesReply(from, m)
	case *api.RequestVoteRequest:
		f.onRequestVote(from, m)
	case *api.RequestVoteReply:
		f.onRequestVoteReply(from, m)
	case *api.TimeoutNowRequest:
		f.onTimeoutNow(from, m)
	case *api.ReadQuorumRequest:
		f.onReadQuorum(from, m)
	case *api.ReadQuorumReply:
		f.onReadQuorumReply(from, m)
	case *api.InstallSnapshotReply:
		f.onInstallSnapshotReply(from, m)
	}
}

// Tick advances the FSM's internal clock by one unit, driving election
// timeouts and leader heartbeats. The caller decides the real-time meaning
// of a tick.
func (f *FSM) Tick() {
	switch f.role {
	case leader:
		f.heartbeatElapsed++
		if f.heartbeatElapsed >= f.heartbeatTimeoutTicks {
			f.heartbeatElapsed = 0
			f.broadcastAppendEntries()
		}
	default:
		f.electionElapsed++
		if f.electionElapsed >= f.randomizedElectionTimeout() {
			f.startElection()
		}
	}
}

// checkOrUpdateTerm steps down to follower whenever it observes a higher
// term, per the Raft term-comparison rule common to every RPC handler.
func (f *FSM) checkOrUpdateTerm(term api.Term) {
	if term > f.curTerm {
		f.becomeFollower(term)
	}
}

// PollOutput drains and returns everything the FSM has queued for the
// orchestration layer to act on since the last call.
func (f *FSM) PollOutput() Batch {
	b := Batch{
		HasTermAndVote: f.out.termAndVoteDirty,
		Term:           f.curTerm,
		Snapshot:       f.out.snapshot,
		LogEntries:     f.out.logEntries,

		HasTruncation:   f.out.truncateDirty,
		TruncateFromIdx: f.out.truncateFromIdx,

		Messages:       f.out.messages,
		Committed:      f.out.committed,

		HasConfiguration: f.out.configurationDirty,
		Configuration:    f.configuration,

		HasMaxReadIdWithQuorum: f.out.maxReadIdWithQuorumDirty,
		MaxReadIdWithQuorum:    f.out.maxReadIdWithQuorum,

		AbortLeadershipTransfer: f.out.abortLeadershipTransfer,
		LostLeadership:          f.out.lostLeadership,

		StartedElection: f.out.startedElection,
		BecameLeader:    f.out.becameLeader,
	}
	if f.out.termAndVoteDirty && f.votedFor != votedForNone {
		v := f.votedFor
		b.Vote = &v
	}
	f.out = pendingOutput{}
	return b
}

func (f *FSM) queueMessage(to api.ServerId, build func(*OutboundMessage)) {
	msg := OutboundMessage{To: to}
	build(&msg)
	f.out.messages = append(f.out.messages, msg)
}
