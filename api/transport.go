package api

import "context"

// Transport is the outbound RPC contract the server's I/O pipeline dispatches
// through. Inbound delivery is the mirror-image RPCServer interface below,
// implemented by whatever concrete transport (gRPC, simulated network, ...)
// is wired in; it forwards into the server/protocol layer.
type Transport interface {
	SendAppendEntries(ctx context.Context, to ServerId, req *AppendEntriesRequest) error
	SendAppendEntriesReply(ctx context.Context, to ServerId, reply *AppendEntriesReply) error
	SendRequestVote(ctx context.Context, to ServerId, req *RequestVoteRequest) error
	SendRequestVoteReply(ctx context.Context, to ServerId, reply *RequestVoteReply) error
	SendTimeoutNow(ctx context.Context, to ServerId, req *TimeoutNowRequest) error
	SendReadQuorum(ctx context.Context, to ServerId, req *ReadQuorumRequest) error
	SendReadQuorumReply(ctx context.Context, to ServerId, reply *ReadQuorumReply) error
	// SendSnapshot blocks until the peer replies or cancel is closed, in
	// which case it must return promptly with an error.
	SendSnapshot(ctx context.Context, to ServerId, req *InstallSnapshotRequest, cancel <-chan struct{}) (*InstallSnapshotReply, error)
	// ExecuteReadBarrierOnLeader forwards a read-barrier request raised on a
	// follower to the node it believes is the current leader.
	ExecuteReadBarrierOnLeader(ctx context.Context, leader ServerId) (*ReadBarrierReply, error)

	// AddServer/RemoveServer update the transport's address book; called by
	// the RPC address-set manager (spec C4) as the observed cluster
	// configuration changes.
	AddServer(addr ServerAddress) error
	RemoveServer(id ServerId) error

	Abort() error
}

// RPCHandler is what an inbound transport (gRPC server, simulated network)
// dispatches into. The server facade implements it.
type RPCHandler interface {
	HandleAppendEntries(ctx context.Context, from ServerId, req *AppendEntriesRequest)
	HandleAppendEntriesReply(ctx context.Context, reply *AppendEntriesReply)
	HandleRequestVote(ctx context.Context, from ServerId, req *RequestVoteRequest)
	HandleRequestVoteReply(ctx context.Context, reply *RequestVoteReply)
	HandleTimeoutNow(ctx context.Context, from ServerId, req *TimeoutNowRequest)
	HandleReadQuorum(ctx context.Context, from ServerId, req *ReadQuorumRequest)
	HandleReadQuorumReply(ctx context.Context, reply *ReadQuorumReply)
	HandleExecuteReadBarrier(ctx context.Context, from ServerId) (*ReadBarrierReply, error)
}
