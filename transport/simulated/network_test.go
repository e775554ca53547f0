package simulated

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnekt/raftcore/api"
)

type countingHandler struct {
	mu      sync.Mutex
	appends int
}

func (h *countingHandler) HandleAppendEntries(context.Context, api.ServerId, *api.AppendEntriesRequest) {
	h.mu.Lock()
	h.appends++
	h.mu.Unlock()
}
func (h *countingHandler) HandleAppendEntriesReply(context.Context, *api.AppendEntriesReply)      {}
func (h *countingHandler) HandleRequestVote(context.Context, api.ServerId, *api.RequestVoteRequest) {}
func (h *countingHandler) HandleRequestVoteReply(context.Context, *api.RequestVoteReply)           {}
func (h *countingHandler) HandleTimeoutNow(context.Context, api.ServerId, *api.TimeoutNowRequest)  {}
func (h *countingHandler) HandleReadQuorum(context.Context, api.ServerId, *api.ReadQuorumRequest)  {}
func (h *countingHandler) HandleReadQuorumReply(context.Context, *api.ReadQuorumReply)             {}

func (h *countingHandler) HandleExecuteReadBarrier(_ context.Context, from api.ServerId) (*api.ReadBarrierReply, error) {
	return &api.ReadBarrierReply{Kind: api.ReadBarrierStarted, Id: api.ReadId(from)}, nil
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appends
}

func TestNetwork_DeliversToRegisteredPeer(t *testing.T) {
	net := NewNetwork()
	h2 := &countingHandler{}
	net.Register(2, h2, nil)
	t1 := net.Register(1, &countingHandler{}, nil)

	require.NoError(t, t1.SendAppendEntries(context.Background(), 2, &api.AppendEntriesRequest{Term: 1}))

	require.Eventually(t, func() bool { return h2.count() == 1 }, time.Second, time.Millisecond)
}

func TestNetwork_CutLinkDropsMessages(t *testing.T) {
	net := NewNetwork()
	h2 := &countingHandler{}
	net.Register(2, h2, nil)
	t1 := net.Register(1, &countingHandler{}, nil)

	net.Cut(1, 2, true)
	err := t1.SendAppendEntries(context.Background(), 2, &api.AppendEntriesRequest{Term: 1})
	assert.ErrorIs(t, err, ErrLinkDown)
	assert.Equal(t, 0, h2.count())

	net.Cut(1, 2, false)
	require.NoError(t, t1.SendAppendEntries(context.Background(), 2, &api.AppendEntriesRequest{Term: 1}))
	require.Eventually(t, func() bool { return h2.count() == 1 }, time.Second, time.Millisecond)
}

func TestNetwork_DownNodeUnreachable(t *testing.T) {
	net := NewNetwork()
	h2 := &countingHandler{}
	net.Register(2, h2, nil)
	t1 := net.Register(1, &countingHandler{}, nil)

	net.SetNodeUp(2, false)
	err := t1.SendAppendEntries(context.Background(), 2, &api.AppendEntriesRequest{Term: 1})
	assert.ErrorIs(t, err, ErrLinkDown)
}

func TestNetwork_UnknownPeer(t *testing.T) {
	net := NewNetwork()
	t1 := net.Register(1, &countingHandler{}, nil)

	err := t1.SendAppendEntries(context.Background(), 77, &api.AppendEntriesRequest{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestNetwork_ExecuteReadBarrierOnLeader(t *testing.T) {
	net := NewNetwork()
	net.Register(2, &countingHandler{}, nil)
	t1 := net.Register(1, &countingHandler{}, nil)

	reply, err := t1.ExecuteReadBarrierOnLeader(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, api.ReadBarrierStarted, reply.Kind)
}

func TestNetwork_SendSnapshotCanceled(t *testing.T) {
	net := NewNetwork()
	blockCh := make(chan struct{})
	snap := func(ctx context.Context, from api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error) {
		<-blockCh
		return &api.InstallSnapshotReply{}, nil
	}
	net.Register(2, &countingHandler{}, snap)
	t1 := net.Register(1, &countingHandler{}, nil)

	cancel := make(chan struct{})
	close(cancel)

	_, err := t1.SendSnapshot(context.Background(), 2, &api.InstallSnapshotRequest{}, cancel)
	assert.Error(t, err)
	close(blockCh)
}
