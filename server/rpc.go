package server

import (
	"context"

	"github.com/arnekt/raftcore/api"
)

var _ api.RPCHandler = (*Server)(nil)

// The Handle* methods implement api.RPCHandler. Dispatch is best-effort: an
// inbound message is dropped rather than blocking the caller if the I/O
// pipeline's queue is full or the server is shutting down, matching Raft's
// own tolerance for lost messages (the sender will simply retry or time
// out).
func (s *Server) HandleAppendEntries(ctx context.Context, from api.ServerId, req *api.AppendEntriesRequest) {
	s.stepBestEffort(from, req)
}

func (s *Server) HandleAppendEntriesReply(ctx context.Context, reply *api.AppendEntriesReply) {
	s.stepBestEffort(reply.From, reply)
}

func (s *Server) HandleRequestVote(ctx context.Context, from api.ServerId, req *api.RequestVoteRequest) {
	s.stepBestEffort(from, req)
}

func (s *Server) HandleRequestVoteReply(ctx context.Context, reply *api.RequestVoteReply) {
	s.stepBestEffort(reply.VoterId, reply)
}

func (s *Server) HandleTimeoutNow(ctx context.Context, from api.ServerId, req *api.TimeoutNowRequest) {
	s.stepBestEffort(from, req)
}

func (s *Server) HandleReadQuorum(ctx context.Context, from api.ServerId, req *api.ReadQuorumRequest) {
	s.stepBestEffort(from, req)
}

func (s *Server) HandleReadQuorumReply(ctx context.Context, reply *api.ReadQuorumReply) {
	s.stepBestEffort(reply.From, reply)
}

// HandleExecuteReadBarrier answers a remote read-barrier request forwarded
// by a caller that found this server to be the leader. It is synchronous
// from the RPC handler's point of view but still goes through the I/O
// pipeline like everything else that touches the FSM.
func (s *Server) HandleExecuteReadBarrier(ctx context.Context, from api.ServerId) (*api.ReadBarrierReply, error) {
	id, idx, err := s.executeReadBarrierBlockingCtx(ctx)
	if err != nil {
		if nl, ok := api.AsNotALeader(err); ok {
			return &api.ReadBarrierReply{Kind: api.ReadBarrierNotALeader, Hint: nl.Hint}, nil
		}
		return &api.ReadBarrierReply{Kind: api.ReadBarrierNotReady}, nil
	}
	return &api.ReadBarrierReply{Kind: api.ReadBarrierStarted, Id: id, Idx: idx}, nil
}

func (s *Server) stepBestEffort(from api.ServerId, msg any) {
	select {
	case s.ioCh <- func() {
		s.fsmMu.Lock()
		s.fsm.Step(from, msg)
		s.fsmMu.Unlock()
	}:
	default:
	}
}
