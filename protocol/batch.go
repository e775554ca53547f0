package protocol

import "github.com/arnekt/raftcore/api"

// OutboundMessage pairs a destination with one of the typed RPC requests or
// replies the FSM wants sent. Exactly one of the fields is non-nil.
type OutboundMessage struct {
	To ServerId

	AppendEntries      *api.AppendEntriesRequest
	AppendEntriesReply *api.AppendEntriesReply
	RequestVote        *api.RequestVoteRequest
	RequestVoteReply   *api.RequestVoteReply
	TimeoutNow         *api.TimeoutNowRequest
	ReadQuorum         *api.ReadQuorumRequest
	ReadQuorumReply    *api.ReadQuorumReply
	InstallSnapshot    *api.InstallSnapshotRequest
}

// ServerId aliases api.ServerId purely for readability within this package.
type ServerId = api.ServerId

// SnapshotOutput describes a snapshot the FSM wants persisted/applied.
type SnapshotOutput struct {
	Desc    api.SnapshotDescriptor
	Data    []byte
	IsLocal bool
	// OldId is the previously active snapshot id being superseded, 0 if
	// none. The orchestration layer drops it from the state machine once
	// this one is persisted.
	OldId api.SnapshotId
	// From is the leader that sent this snapshot, set only when !IsLocal;
	// used to resolve the matching inbound-application promise once the
	// apply pipeline has loaded it.
	From api.ServerId
}

// Batch is the output of one FSM.PollOutput call, see spec §4.6.
type Batch struct {
	HasTermAndVote bool
	Term           api.Term
	Vote           *api.ServerId

	Snapshot *SnapshotOutput

	LogEntries []api.LogEntry

	HasTruncation   bool
	TruncateFromIdx api.Index

	HasConfiguration bool
	Configuration    api.ClusterConfiguration

	Messages []OutboundMessage

	Committed []api.LogEntry

	HasMaxReadIdWithQuorum bool
	MaxReadIdWithQuorum    api.ReadId

	AbortLeadershipTransfer bool
	// LostLeadership is set whenever this batch's transition left the FSM
	// no longer leader, distinct from AbortLeadershipTransfer: a stepdown
	// always carries both, but a future graceful handoff that aborts a
	// transfer attempt without yet losing leadership would carry only the
	// latter.
	LostLeadership bool

	StartedElection bool
	BecameLeader    bool
}

// Empty reports whether the batch carries nothing at all, letting callers
// skip a full poll cycle cheaply.
func (b *Batch) Empty() bool {
	return !b.HasTermAndVote && b.Snapshot == nil && len(b.LogEntries) == 0 &&
		!b.HasTruncation && !b.HasConfiguration && len(b.Messages) == 0 && len(b.Committed) == 0 &&
		!b.HasMaxReadIdWithQuorum && !b.AbortLeadershipTransfer && !b.LostLeadership &&
		!b.StartedElection && !b.BecameLeader
}
