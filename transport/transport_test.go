package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

type recordingHandler struct {
	mu sync.Mutex

	appendFrom api.ServerId
	appendReq  *api.AppendEntriesRequest
	voteFrom   api.ServerId
	voteReq    *api.RequestVoteRequest
	voteReply  *api.RequestVoteReply
}

func (h *recordingHandler) HandleAppendEntries(_ context.Context, from api.ServerId, req *api.AppendEntriesRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appendFrom, h.appendReq = from, req
}

func (h *recordingHandler) HandleAppendEntriesReply(context.Context, *api.AppendEntriesReply) {}

func (h *recordingHandler) HandleRequestVote(_ context.Context, from api.ServerId, req *api.RequestVoteRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voteFrom, h.voteReq = from, req
}

func (h *recordingHandler) HandleRequestVoteReply(_ context.Context, reply *api.RequestVoteReply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.voteReply = reply
}

func (h *recordingHandler) HandleTimeoutNow(context.Context, api.ServerId, *api.TimeoutNowRequest) {}
func (h *recordingHandler) HandleReadQuorum(context.Context, api.ServerId, *api.ReadQuorumRequest)  {}
func (h *recordingHandler) HandleReadQuorumReply(context.Context, *api.ReadQuorumReply)             {}

func (h *recordingHandler) HandleExecuteReadBarrier(_ context.Context, from api.ServerId) (*api.ReadBarrierReply, error) {
	return &api.ReadBarrierReply{Kind: api.ReadBarrierStarted, Id: api.ReadId(from), Idx: 42}, nil
}

type recordingSnapshotHandler struct {
	mu  sync.Mutex
	req *api.InstallSnapshotRequest
}

func (h *recordingSnapshotHandler) ApplySnapshot(_ context.Context, _ api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.req = req
	return &api.InstallSnapshotReply{From: 2, Term: req.Term, Success: true, Idx: req.Desc.Idx}, nil
}

func startTestServer(t *testing.T, handler *recordingHandler, snap *recordingSnapshotHandler) string {
	t.Helper()
	_, log := logger.NewTestLogger()
	srv := NewGRPCServer("127.0.0.1:0", handler, snap, log)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv.Addr()
}

func testTransportConfig() *api.RaftConfig {
	cfg := api.DefaultConfig()
	cfg.Timings.RPCTimeout = time.Second
	return cfg
}

func TestGRPCTransport_SendAppendEntries(t *testing.T) {
	handler := &recordingHandler{}
	addr := startTestServer(t, handler, &recordingSnapshotHandler{})

	tr := NewGRPCTransport(1, testTransportConfig())
	require.NoError(t, tr.AddServer(api.ServerAddress{ID: 2, Info: addr}))
	defer tr.Abort()

	req := &api.AppendEntriesRequest{Term: 3, LeaderId: 1, PrevLogIndex: 5}
	require.NoError(t, tr.SendAppendEntries(context.Background(), 2, req))

	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, api.ServerId(1), handler.appendFrom)
	assert.Equal(t, req.Term, handler.appendReq.Term)
	assert.Equal(t, req.PrevLogIndex, handler.appendReq.PrevLogIndex)
}

func TestGRPCTransport_SendRequestVoteAndReply(t *testing.T) {
	handler := &recordingHandler{}
	addr := startTestServer(t, handler, &recordingSnapshotHandler{})

	tr := NewGRPCTransport(1, testTransportConfig())
	require.NoError(t, tr.AddServer(api.ServerAddress{ID: 2, Info: addr}))
	defer tr.Abort()

	req := &api.RequestVoteRequest{Term: 4, CandidateId: 1, LastLogIndex: 9}
	require.NoError(t, tr.SendRequestVote(context.Background(), 2, req))

	handler.mu.Lock()
	assert.Equal(t, req.LastLogIndex, handler.voteReq.LastLogIndex)
	handler.mu.Unlock()

	reply := &api.RequestVoteReply{VoterId: 2, Term: 4, VoteGranted: true}
	require.NoError(t, tr.SendRequestVoteReply(context.Background(), 2, reply))
}

func TestGRPCTransport_SendSnapshot(t *testing.T) {
	handler := &recordingHandler{}
	snap := &recordingSnapshotHandler{}
	addr := startTestServer(t, handler, snap)

	tr := NewGRPCTransport(1, testTransportConfig())
	require.NoError(t, tr.AddServer(api.ServerAddress{ID: 2, Info: addr}))
	defer tr.Abort()

	req := &api.InstallSnapshotRequest{
		Term:     5,
		LeaderId: 1,
		Desc:     api.SnapshotDescriptor{Idx: 10, Term: 5},
		Data:     []byte("snapshot-bytes"),
	}
	reply, err := tr.SendSnapshot(context.Background(), 2, req, nil)
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, api.Index(10), reply.Idx)

	snap.mu.Lock()
	defer snap.mu.Unlock()
	assert.Equal(t, []byte("snapshot-bytes"), snap.req.Data)
}

func TestGRPCTransport_SendSnapshotCanceled(t *testing.T) {
	handler := &recordingHandler{}
	snap := &recordingSnapshotHandler{}
	addr := startTestServer(t, handler, snap)

	tr := NewGRPCTransport(1, testTransportConfig())
	require.NoError(t, tr.AddServer(api.ServerAddress{ID: 2, Info: addr}))
	defer tr.Abort()

	cancel := make(chan struct{})
	close(cancel)

	req := &api.InstallSnapshotRequest{Term: 5, LeaderId: 1}
	_, err := tr.SendSnapshot(context.Background(), 2, req, cancel)
	assert.Error(t, err)
}

func TestGRPCTransport_ExecuteReadBarrierOnLeader(t *testing.T) {
	handler := &recordingHandler{}
	addr := startTestServer(t, handler, &recordingSnapshotHandler{})

	tr := NewGRPCTransport(9, testTransportConfig())
	require.NoError(t, tr.AddServer(api.ServerAddress{ID: 2, Info: addr}))
	defer tr.Abort()

	reply, err := tr.ExecuteReadBarrierOnLeader(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, api.ReadBarrierStarted, reply.Kind)
	assert.Equal(t, api.Index(42), reply.Idx)
}

func TestGRPCTransport_UnknownPeer(t *testing.T) {
	tr := NewGRPCTransport(1, testTransportConfig())
	defer tr.Abort()

	err := tr.SendAppendEntries(context.Background(), 99, &api.AppendEntriesRequest{})
	assert.Error(t, err)
}
