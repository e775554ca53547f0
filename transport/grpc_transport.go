package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/arnekt/raftcore/api"
)

var _ api.Transport = (*GRPCTransport)(nil)

const serviceName = "raftcore.RaftTransport"

// GRPCTransport is the production api.Transport: one lazily-dialed
// grpc.ClientConn per peer, addressed by ServerId and kept in sync with the
// cluster configuration via AddServer/RemoveServer (spec C4).
type GRPCTransport struct {
	self           api.ServerId
	requestTimeout time.Duration

	mu    sync.RWMutex
	conns map[api.ServerId]*grpc.ClientConn
	addrs map[api.ServerId]string
}

// NewGRPCTransport constructs an empty transport; peers are added via
// AddServer as the cluster configuration is discovered, mirroring how the
// RPC address-set manager drives this interface in practice.
func NewGRPCTransport(self api.ServerId, cfg *api.RaftConfig) *GRPCTransport {
	return &GRPCTransport{
		self:           self,
		requestTimeout: cfg.Timings.RPCTimeout,
		conns:          make(map[api.ServerId]*grpc.ClientConn),
		addrs:          make(map[api.ServerId]string),
	}
}

func (t *GRPCTransport) AddServer(addr api.ServerAddress) error {
	hostport, ok := addr.Info.(string)
	if !ok {
		return fmt.Errorf("raftcore: transport: ServerAddress.Info for %s must be a host:port string", addr.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.addrs[addr.ID]; ok && existing == hostport {
		return nil
	}
	if conn, ok := t.conns[addr.ID]; ok {
		_ = conn.Close()
	}

	conn, err := grpc.NewClient(hostport, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("raftcore: transport: dial %s: %w", hostport, err)
	}
	t.conns[addr.ID] = conn
	t.addrs[addr.ID] = hostport
	return nil
}

func (t *GRPCTransport) RemoveServer(id api.ServerId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[id]; ok {
		_ = conn.Close()
		delete(t.conns, id)
		delete(t.addrs, id)
	}
	return nil
}

func (t *GRPCTransport) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, id)
	}
	return firstErr
}

func (t *GRPCTransport) connFor(to api.ServerId) (*grpc.ClientConn, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	conn, ok := t.conns[to]
	if !ok {
		return nil, fmt.Errorf("raftcore: transport: no known address for %s", to)
	}
	return conn, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, to api.ServerId, method string, req, reply any) error {
	conn, err := t.connFor(to)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, "/"+serviceName+"/"+method, req, reply)
}

func (t *GRPCTransport) SendAppendEntries(ctx context.Context, to api.ServerId, req *api.AppendEntriesRequest) error {
	return t.invoke(ctx, to, "AppendEntries", &appendEntriesEnvelope{From: req.LeaderId, Req: req}, new(ackReply))
}

func (t *GRPCTransport) SendAppendEntriesReply(ctx context.Context, to api.ServerId, reply *api.AppendEntriesReply) error {
	return t.invoke(ctx, to, "AppendEntriesReply", &appendEntriesReplyEnvelope{Reply: reply}, new(ackReply))
}

func (t *GRPCTransport) SendRequestVote(ctx context.Context, to api.ServerId, req *api.RequestVoteRequest) error {
	return t.invoke(ctx, to, "RequestVote", &requestVoteEnvelope{From: req.CandidateId, Req: req}, new(ackReply))
}

func (t *GRPCTransport) SendRequestVoteReply(ctx context.Context, to api.ServerId, reply *api.RequestVoteReply) error {
	return t.invoke(ctx, to, "RequestVoteReply", &requestVoteReplyEnvelope{Reply: reply}, new(ackReply))
}

func (t *GRPCTransport) SendTimeoutNow(ctx context.Context, to api.ServerId, req *api.TimeoutNowRequest) error {
	return t.invoke(ctx, to, "TimeoutNow", &timeoutNowEnvelope{From: t.self, Req: req}, new(ackReply))
}

func (t *GRPCTransport) SendReadQuorum(ctx context.Context, to api.ServerId, req *api.ReadQuorumRequest) error {
	return t.invoke(ctx, to, "ReadQuorum", &readQuorumEnvelope{From: t.self, Req: req}, new(ackReply))
}

func (t *GRPCTransport) SendReadQuorumReply(ctx context.Context, to api.ServerId, reply *api.ReadQuorumReply) error {
	return t.invoke(ctx, to, "ReadQuorumReply", &readQuorumReplyEnvelope{Reply: reply}, new(ackReply))
}

// SendSnapshot blocks on the RPC under a context that a helper goroutine
// cancels once cancel is closed, which the transfer registry (spec C3) does to abort a
// superseded transfer to the same peer without waiting for the network to
// notice.
func (t *GRPCTransport) SendSnapshot(ctx context.Context, to api.ServerId, req *api.InstallSnapshotRequest, cancel <-chan struct{}) (*api.InstallSnapshotReply, error) {
	select {
	case <-cancel:
		return nil, context.Canceled
	default:
	}

	ctx, cancelCtx := context.WithCancel(ctx)
	defer cancelCtx()
	if cancel != nil {
		go func() {
			select {
			case <-cancel:
				cancelCtx()
			case <-ctx.Done():
			}
		}()
	}

	reply := new(api.InstallSnapshotReply)
	err := t.invoke(ctx, to, "Snapshot", &installSnapshotEnvelope{From: req.LeaderId, Req: req}, reply)
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (t *GRPCTransport) ExecuteReadBarrierOnLeader(ctx context.Context, leader api.ServerId) (*api.ReadBarrierReply, error) {
	tctx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()
	reply := new(api.ReadBarrierReply)
	if err := t.invoke(tctx, leader, "ExecuteReadBarrier", &executeReadBarrierEnvelope{From: t.self}, reply); err != nil {
		return nil, err
	}
	return reply, nil
}
