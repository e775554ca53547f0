package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/arnekt/raftcore/api"
)

// The envelope types below exist because several api message types carry
// no sender field of their own (TimeoutNowRequest, ReadQuorumRequest); the
// envelope is what actually crosses the wire. Request envelopes carry the
// sender's ServerId plus the inner payload; reply envelopes carry only the
// payload, whose own From/VoterId field names the sender.
type (
	ackReply struct{}

	appendEntriesEnvelope struct {
		From api.ServerId
		Req  *api.AppendEntriesRequest
	}
	appendEntriesReplyEnvelope struct {
		Reply *api.AppendEntriesReply
	}
	requestVoteEnvelope struct {
		From api.ServerId
		Req  *api.RequestVoteRequest
	}
	requestVoteReplyEnvelope struct {
		Reply *api.RequestVoteReply
	}
	timeoutNowEnvelope struct {
		From api.ServerId
		Req  *api.TimeoutNowRequest
	}
	readQuorumEnvelope struct {
		From api.ServerId
		Req  *api.ReadQuorumRequest
	}
	readQuorumReplyEnvelope struct {
		Reply *api.ReadQuorumReply
	}
	installSnapshotEnvelope struct {
		From api.ServerId
		Req  *api.InstallSnapshotRequest
	}
	executeReadBarrierEnvelope struct {
		From api.ServerId
	}
)

// inboundServer is the service implementation registered against
// raftServiceDesc by NewGRPCServer. RPCHandler carries everything except
// snapshot installation, which lives on api.Server alongside ApplySnapshot.
type inboundServer struct {
	handler  api.RPCHandler
	snapshot func(ctx context.Context, from api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error)
}

// methodDesc builds one grpc.MethodDesc by hand, the way protoc-gen-go-grpc
// would have generated it, for a unary RPC carrying Req in and returning
// whatever invoke produces.
func methodDesc[Req any](name string, invoke func(s *inboundServer, ctx context.Context, req *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*inboundServer)
			if interceptor == nil {
				return invoke(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/raftcore.RaftTransport/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return invoke(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var raftServiceDesc = grpc.ServiceDesc{
	ServiceName: "raftcore.RaftTransport",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc("AppendEntries", func(s *inboundServer, ctx context.Context, req *appendEntriesEnvelope) (any, error) {
			s.handler.HandleAppendEntries(ctx, req.From, req.Req)
			return &ackReply{}, nil
		}),
		methodDesc("AppendEntriesReply", func(s *inboundServer, ctx context.Context, req *appendEntriesReplyEnvelope) (any, error) {
			s.handler.HandleAppendEntriesReply(ctx, req.Reply)
			return &ackReply{}, nil
		}),
		methodDesc("RequestVote", func(s *inboundServer, ctx context.Context, req *requestVoteEnvelope) (any, error) {
			s.handler.HandleRequestVote(ctx, req.From, req.Req)
			return &ackReply{}, nil
		}),
		methodDesc("RequestVoteReply", func(s *inboundServer, ctx context.Context, req *requestVoteReplyEnvelope) (any, error) {
			s.handler.HandleRequestVoteReply(ctx, req.Reply)
			return &ackReply{}, nil
		}),
		methodDesc("TimeoutNow", func(s *inboundServer, ctx context.Context, req *timeoutNowEnvelope) (any, error) {
			s.handler.HandleTimeoutNow(ctx, req.From, req.Req)
			return &ackReply{}, nil
		}),
		methodDesc("ReadQuorum", func(s *inboundServer, ctx context.Context, req *readQuorumEnvelope) (any, error) {
			s.handler.HandleReadQuorum(ctx, req.From, req.Req)
			return &ackReply{}, nil
		}),
		methodDesc("ReadQuorumReply", func(s *inboundServer, ctx context.Context, req *readQuorumReplyEnvelope) (any, error) {
			s.handler.HandleReadQuorumReply(ctx, req.Reply)
			return &ackReply{}, nil
		}),
		methodDesc("Snapshot", func(s *inboundServer, ctx context.Context, req *installSnapshotEnvelope) (any, error) {
			return s.snapshot(ctx, req.From, req.Req)
		}),
		methodDesc("ExecuteReadBarrier", func(s *inboundServer, ctx context.Context, req *executeReadBarrierEnvelope) (any, error) {
			return s.handler.HandleExecuteReadBarrier(ctx, req.From)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftcore/transport",
}
