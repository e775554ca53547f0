package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

// SnapshotHandler is the narrow slice of api.Server the gRPC server needs
// beyond api.RPCHandler to service inbound InstallSnapshot calls.
type SnapshotHandler interface {
	ApplySnapshot(ctx context.Context, from api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error)
}

// GRPCServer listens for inbound Raft RPCs and dispatches them into an
// api.RPCHandler/SnapshotHandler, almost always a *server.Server.
type GRPCServer struct {
	addr   string
	log    *slog.Logger
	server *grpc.Server
	lis    net.Listener
}

// NewGRPCServer wires handler/snapshot into a gRPC server bound to addr.
// Call Start to begin accepting connections.
func NewGRPCServer(addr string, handler api.RPCHandler, snapshot SnapshotHandler, log *slog.Logger) *GRPCServer {
	gs := grpc.NewServer()
	gs.RegisterService(&raftServiceDesc, &inboundServer{handler: handler, snapshot: snapshot.ApplySnapshot})
	return &GRPCServer{addr: addr, log: log, server: gs}
}

// Start begins serving in the background. It returns once the listener is
// bound, so a failure to bind the port is reported synchronously.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("raftcore: transport: listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc server failed", logger.ErrAttr(err))
		}
	}()
	return nil
}

// Addr returns the listener's bound address, useful when addr was ":0".
// Only valid after Start returns successfully.
func (s *GRPCServer) Addr() string {
	return s.lis.Addr().String()
}

// Stop stops accepting new RPCs and waits for in-flight ones to finish.
func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
}
