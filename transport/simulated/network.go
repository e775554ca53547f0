// Package simulated provides an in-memory api.Transport for deterministic
// tests, grounded on the same shape as a simulated RPC network: servers
// register with a shared Network and exchange messages through it instead
// of a socket, with hooks to simulate a down node or a cut link.
package simulated

import (
	"context"
	"errors"
	"sync"

	"github.com/arnekt/raftcore/api"
)

var (
	ErrLinkDown    = errors.New("raftcore: simulated: link is down")
	ErrUnknownPeer = errors.New("raftcore: simulated: unknown peer")
)

type snapshotFunc func(ctx context.Context, from api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error)

type registeredServer struct {
	addr     api.ServerId
	handler  api.RPCHandler
	snapshot snapshotFunc
}

// Network is the shared medium every simulated.Transport sends through. It
// is safe for concurrent use by every server under test.
type Network struct {
	mu      sync.RWMutex
	servers map[api.ServerId]*registeredServer
	down    map[api.ServerId]bool
	cut     map[linkKey]bool
}

type linkKey struct {
	from, to api.ServerId
}

func NewNetwork() *Network {
	return &Network{
		servers: make(map[api.ServerId]*registeredServer),
		down:    make(map[api.ServerId]bool),
		cut:     make(map[linkKey]bool),
	}
}

// Register binds id's handler to the network and returns the api.Transport
// that id's server should use to reach its peers.
func (n *Network) Register(id api.ServerId, handler api.RPCHandler, snapshot snapshotFunc) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[id] = &registeredServer{addr: id, handler: handler, snapshot: snapshot}
	return &Transport{self: id, net: n}
}

// SetNodeUp flips whether id can send or receive anything at all, modeling
// a crashed or partitioned-away node.
func (n *Network) SetNodeUp(id api.ServerId, up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = !up
}

// Cut severs (or restores) the one-directional link from -> to.
func (n *Network) Cut(from, to api.ServerId, cut bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cut {
		n.cut[linkKey{from, to}] = true
	} else {
		delete(n.cut, linkKey{from, to})
	}
}

func (n *Network) deliverable(from, to api.ServerId) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[from] || n.down[to] {
		return false
	}
	return !n.cut[linkKey{from, to}]
}

func (n *Network) serverFor(to api.ServerId) (*registeredServer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.servers[to]
	return s, ok
}

// Transport is one server's api.Transport handle onto a Network.
type Transport struct {
	self api.ServerId
	net  *Network
}

var _ api.Transport = (*Transport)(nil)

func (t *Transport) target(to api.ServerId) (*registeredServer, error) {
	if !t.net.deliverable(t.self, to) {
		return nil, ErrLinkDown
	}
	s, ok := t.net.serverFor(to)
	if !ok {
		return nil, ErrUnknownPeer
	}
	return s, nil
}

// deliverAsync fires fn on the destination handler without blocking the
// caller, the way a real socket send returns once the bytes are on the
// wire rather than once the peer has acted on them.
func (t *Transport) deliverAsync(to api.ServerId, fn func(s *registeredServer)) error {
	s, err := t.target(to)
	if err != nil {
		return err
	}
	go fn(s)
	return nil
}

func (t *Transport) SendAppendEntries(_ context.Context, to api.ServerId, req *api.AppendEntriesRequest) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleAppendEntries(context.Background(), t.self, req)
	})
}

func (t *Transport) SendAppendEntriesReply(_ context.Context, to api.ServerId, reply *api.AppendEntriesReply) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleAppendEntriesReply(context.Background(), reply)
	})
}

func (t *Transport) SendRequestVote(_ context.Context, to api.ServerId, req *api.RequestVoteRequest) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleRequestVote(context.Background(), t.self, req)
	})
}

func (t *Transport) SendRequestVoteReply(_ context.Context, to api.ServerId, reply *api.RequestVoteReply) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleRequestVoteReply(context.Background(), reply)
	})
}

func (t *Transport) SendTimeoutNow(_ context.Context, to api.ServerId, req *api.TimeoutNowRequest) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleTimeoutNow(context.Background(), t.self, req)
	})
}

func (t *Transport) SendReadQuorum(_ context.Context, to api.ServerId, req *api.ReadQuorumRequest) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleReadQuorum(context.Background(), t.self, req)
	})
}

func (t *Transport) SendReadQuorumReply(_ context.Context, to api.ServerId, reply *api.ReadQuorumReply) error {
	return t.deliverAsync(to, func(s *registeredServer) {
		s.handler.HandleReadQuorumReply(context.Background(), reply)
	})
}

// SendSnapshot is request/response even in the simulated network, so it
// runs synchronously and honors cancel the same way the gRPC transport does.
func (t *Transport) SendSnapshot(ctx context.Context, to api.ServerId, req *api.InstallSnapshotRequest, cancel <-chan struct{}) (*api.InstallSnapshotReply, error) {
	s, err := t.target(to)
	if err != nil {
		return nil, err
	}

	type result struct {
		reply *api.InstallSnapshotReply
		err   error
	}
	doneCh := make(chan result, 1)
	go func() {
		reply, err := s.snapshot(ctx, t.self, req)
		doneCh <- result{reply, err}
	}()

	select {
	case r := <-doneCh:
		return r.reply, r.err
	case <-cancel:
		return nil, errors.New("raftcore: simulated: transfer canceled")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) ExecuteReadBarrierOnLeader(ctx context.Context, leader api.ServerId) (*api.ReadBarrierReply, error) {
	s, err := t.target(leader)
	if err != nil {
		return nil, err
	}
	return s.handler.HandleExecuteReadBarrier(ctx, t.self)
}

// AddServer/RemoveServer are no-ops: the simulated network already knows
// about every server that has called Register, regardless of the observed
// cluster configuration.
func (t *Transport) AddServer(api.ServerAddress) error { return nil }
func (t *Transport) RemoveServer(api.ServerId) error    { return nil }

func (t *Transport) Abort() error { return nil }
