package testsim

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
	"github.com/arnekt/raftcore/server"
	"github.com/arnekt/raftcore/statemachine/memkv"
	"github.com/arnekt/raftcore/storage"
	"github.com/arnekt/raftcore/transport/simulated"
)

// lazyHandler breaks the construction cycle between a simulated.Transport
// (which needs a handler to register) and the *server.Server (which needs
// a Transport to be built). srv is assigned once, right after the Server
// it forwards to is constructed, and never touched again concurrently with
// the assignment.
type lazyHandler struct {
	srv *server.Server
}

func (h *lazyHandler) HandleAppendEntries(ctx context.Context, from api.ServerId, req *api.AppendEntriesRequest) {
	h.srv.HandleAppendEntries(ctx, from, req)
}
func (h *lazyHandler) HandleAppendEntriesReply(ctx context.Context, reply *api.AppendEntriesReply) {
	h.srv.HandleAppendEntriesReply(ctx, reply)
}
func (h *lazyHandler) HandleRequestVote(ctx context.Context, from api.ServerId, req *api.RequestVoteRequest) {
	h.srv.HandleRequestVote(ctx, from, req)
}
func (h *lazyHandler) HandleRequestVoteReply(ctx context.Context, reply *api.RequestVoteReply) {
	h.srv.HandleRequestVoteReply(ctx, reply)
}
func (h *lazyHandler) HandleTimeoutNow(ctx context.Context, from api.ServerId, req *api.TimeoutNowRequest) {
	h.srv.HandleTimeoutNow(ctx, from, req)
}
func (h *lazyHandler) HandleReadQuorum(ctx context.Context, from api.ServerId, req *api.ReadQuorumRequest) {
	h.srv.HandleReadQuorum(ctx, from, req)
}
func (h *lazyHandler) HandleReadQuorumReply(ctx context.Context, reply *api.ReadQuorumReply) {
	h.srv.HandleReadQuorumReply(ctx, reply)
}
func (h *lazyHandler) HandleExecuteReadBarrier(ctx context.Context, from api.ServerId) (*api.ReadBarrierReply, error) {
	return h.srv.HandleExecuteReadBarrier(ctx, from)
}

// Cluster is a group of in-process raftcore servers wired together through
// a simulated.Network, for deterministic scenario tests.
type Cluster struct {
	t         *testing.T
	Network   *simulated.Network
	configure func(*api.RaftConfig)
	nextId    api.ServerId

	Servers       []api.Server
	StateMachines []*memkv.Store

	cancel context.CancelFunc
}

// NewCluster builds n servers with ids 1..n, a shared cluster configuration
// and a fresh memkv.Store each, but does not start them.
func NewCluster(t *testing.T, n int, configure func(*api.RaftConfig)) *Cluster {
	t.Helper()

	c := &Cluster{t: t, Network: simulated.NewNetwork(), configure: configure, nextId: 1}

	ids := make([]api.ServerId, n)
	for i := 0; i < n; i++ {
		ids[i] = api.ServerId(i + 1)
	}
	c.nextId = api.ServerId(n + 1)

	addrs := make([]api.ServerAddress, n)
	for i, id := range ids {
		addrs[i] = api.ServerAddress{ID: id, Info: fmt.Sprintf("node-%d", id)}
	}
	conf := api.ClusterConfiguration{Current: addrs}

	for _, id := range ids {
		peers := make([]api.ServerId, 0, n-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		c.addServer(id, peers, conf)
	}

	return c
}

// addServer builds and registers one node on the cluster's network without
// starting it.
func (c *Cluster) addServer(id api.ServerId, peers []api.ServerId, conf api.ClusterConfiguration) {
	t := c.t
	handler := &lazyHandler{}
	_, smLog := logger.NewTestLogger()
	sm := memkv.New(smLog)
	tr := c.Network.Register(id, handler, func(ctx context.Context, from api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error) {
		return handler.srv.ApplySnapshot(ctx, from, req)
	})

	cfg := api.TestsConfig()
	if c.configure != nil {
		c.configure(cfg)
	}

	dir := t.TempDir()
	_, log := logger.NewTestLogger()
	persister, err := storage.NewDefaultStorage(dir, log)
	if err != nil {
		t.Fatalf("failed to create persister for node %d: %v", id, err)
	}

	srv, err := server.New(server.Config{
		ID:            id,
		Peers:         peers,
		Configuration: conf,
		Raft:          cfg,
		Persister:     persister,
		Transport:     tr,
		StateMachine:  sm,
	})
	if err != nil {
		t.Fatalf("failed to build server %d: %v", id, err)
	}
	handler.srv = srv

	c.Servers = append(c.Servers, srv)
	c.StateMachines = append(c.StateMachines, sm)
}

// AddServer builds, registers and starts a new node not yet part of any
// cluster configuration, for tests exercising SetConfiguration. The caller
// is responsible for adding its returned address to a configuration and
// getting that committed through an existing leader.
func (c *Cluster) AddServer(ctx context.Context, peers []api.ServerId) api.ServerAddress {
	id := c.nextId
	c.nextId++

	c.addServer(id, peers, api.ClusterConfiguration{})
	srv := c.Servers[len(c.Servers)-1]
	if err := srv.Start(ctx); err != nil {
		c.t.Fatalf("failed to start added server %d: %v", id, err)
	}
	return api.ServerAddress{ID: id, Info: fmt.Sprintf("node-%d", id)}
}

// Start starts every server in the cluster.
func (c *Cluster) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for _, s := range c.Servers {
		if err := s.Start(ctx); err != nil {
			c.t.Fatalf("failed to start server %s: %v", s.ID(), err)
		}
	}
}

// Abort stops every server and releases the cluster's resources.
func (c *Cluster) Abort() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, s := range c.Servers {
		_ = s.Abort()
	}
}

// Client returns a leader-seeking Client over this cluster's servers.
func (c *Cluster) Client() *Client {
	return NewClient(c.Servers, time.Second, nil)
}

// AwaitLeader polls until exactly one server in the cluster believes
// itself leader, returning its index in c.Servers, or fails the test.
func (c *Cluster) AwaitLeader(ctx context.Context) int {
	c.t.Helper()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		for i, s := range c.Servers {
			if s.IsLeader() {
				return i
			}
		}
		select {
		case <-ctx.Done():
			c.t.Fatalf("no leader elected before deadline")
			return -1
		case <-ticker.C:
		}
	}
}
