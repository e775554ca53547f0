package api

// Wire message types exchanged between protocol FSMs over the Transport.
// These are plain data (no framing concerns); a concrete Transport is free
// to encode them however it likes.

type AppendEntriesRequest struct {
	Term              Term
	LeaderId          ServerId
	PrevLogIndex      Index
	PrevLogTerm       Term
	LeaderCommitIndex Index
	Entries           []LogEntry
}

type AppendEntriesReply struct {
	From          ServerId
	Term          Term
	Success       bool
	ConflictIndex Index
	ConflictTerm  Term
}

type RequestVoteRequest struct {
	Term         Term
	CandidateId  ServerId
	LastLogIndex Index
	LastLogTerm  Term
	IsPreVote    bool
}

type RequestVoteReply struct {
	VoterId     ServerId
	Term        Term
	VoteGranted bool
	IsPreVote   bool
}

type TimeoutNowRequest struct {
	Term Term
}

type ReadQuorumRequest struct {
	Term   Term
	ReadId ReadId
}

type ReadQuorumReply struct {
	From   ServerId
	Term   Term
	ReadId ReadId
}

type InstallSnapshotRequest struct {
	Term     Term
	LeaderId ServerId
	Desc     SnapshotDescriptor
	Data     []byte
}

type InstallSnapshotReply struct {
	From    ServerId
	Term    Term
	Success bool
	Idx     Index
}

// ReadBarrierReplyKind discriminates ReadBarrierReply's outcome.
type ReadBarrierReplyKind int

const (
	ReadBarrierStarted ReadBarrierReplyKind = iota
	ReadBarrierNotReady
	ReadBarrierNotALeader
)

// ReadBarrierReply is returned by execute_read_barrier (spec §6).
type ReadBarrierReply struct {
	Kind ReadBarrierReplyKind
	Id   ReadId
	Idx  Index
	Hint *ServerId
}
