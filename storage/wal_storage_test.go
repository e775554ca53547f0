package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

func testFsyncCfg() api.FsyncCfg {
	return api.FsyncCfg{BatchSize: 4, Timeout: 5 * time.Millisecond}
}

func newTestWAL(t *testing.T) (*WALStorage, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "wal_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	_, log := logger.NewTestLogger()
	ws, err := NewWALStorage(dir, log, testFsyncCfg())
	require.NoError(t, err)
	t.Cleanup(func() { ws.Abort() })

	return ws, dir
}

func sid(id uint64) *api.ServerId {
	v := api.ServerId(id)
	return &v
}

func TestNewWALStorage_CreatesDir(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "wal_test_new_dir")
	os.RemoveAll(dir)
	defer os.RemoveAll(dir)

	_, log := logger.NewTestLogger()
	ws, err := NewWALStorage(dir, log, testFsyncCfg())
	require.NoError(t, err)
	defer ws.Abort()

	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestWALStorage_EmptyLoadsAreZeroValue(t *testing.T) {
	ws, _ := newTestWAL(t)

	term, vote, err := ws.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, api.Term(0), term)
	assert.Nil(t, vote)

	desc, data, err := ws.LoadSnapshotDescriptor()
	require.NoError(t, err)
	assert.Nil(t, desc)
	assert.Nil(t, data)

	log, err := ws.LoadLog()
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestWALStorage_StoreAndLoadTermAndVote(t *testing.T) {
	ws, _ := newTestWAL(t)

	require.NoError(t, ws.StoreTermAndVote(3, sid(7)))

	term, vote, err := ws.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, api.Term(3), term)
	require.NotNil(t, vote)
	assert.Equal(t, api.ServerId(7), *vote)

	require.NoError(t, ws.StoreTermAndVote(4, nil))
	term, vote, err = ws.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, api.Term(4), term)
	assert.Nil(t, vote)
}

func TestWALStorage_StoreLogEntries(t *testing.T) {
	ws, _ := newTestWAL(t)

	entries := []api.LogEntry{
		{Term: 1, Idx: 1, Kind: api.EntryCommand, Cmd: []byte("a")},
		{Term: 1, Idx: 2, Kind: api.EntryCommand, Cmd: []byte("b")},
		{Term: 2, Idx: 3, Kind: api.EntryDummy},
	}
	require.NoError(t, ws.StoreLogEntries(entries))

	got, err := ws.LoadLog()
	require.NoError(t, err)
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Fatalf("round-tripped log entries differ (-want +got):\n%s", diff)
	}
}

func TestWALStorage_StoreLogEntriesAcrossBatches(t *testing.T) {
	ws, _ := newTestWAL(t)

	for i := 1; i <= 9; i++ {
		err := ws.StoreLogEntries([]api.LogEntry{{Term: 1, Idx: api.Index(i), Kind: api.EntryCommand}})
		require.NoError(t, err)
	}

	got, err := ws.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 9)
	for i, e := range got {
		assert.Equal(t, api.Index(i+1), e.Idx)
	}
}

func TestWALStorage_TruncateLog(t *testing.T) {
	ws, _ := newTestWAL(t)

	entries := []api.LogEntry{
		{Term: 1, Idx: 1},
		{Term: 1, Idx: 2},
		{Term: 2, Idx: 3},
		{Term: 2, Idx: 4},
	}
	require.NoError(t, ws.StoreLogEntries(entries))
	require.NoError(t, ws.TruncateLog(3))

	got, err := ws.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, api.Index(1), got[0].Idx)
	assert.Equal(t, api.Index(2), got[1].Idx)

	require.NoError(t, ws.StoreLogEntries([]api.LogEntry{{Term: 3, Idx: 3}}))
	got, err = ws.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, api.Term(3), got[2].Term)
}

func TestWALStorage_StoreSnapshotDescriptorTrimsTrailingWindow(t *testing.T) {
	ws, _ := newTestWAL(t)

	var entries []api.LogEntry
	for i := 1; i <= 10; i++ {
		entries = append(entries, api.LogEntry{Term: 1, Idx: api.Index(i), Cmd: []byte("x")})
	}
	require.NoError(t, ws.StoreLogEntries(entries))

	desc := api.SnapshotDescriptor{Id: 1, Idx: 8, Term: 1}
	require.NoError(t, ws.StoreSnapshotDescriptor(desc, []byte("snap-data"), 3))

	gotDesc, data, err := ws.LoadSnapshotDescriptor()
	require.NoError(t, err)
	require.NotNil(t, gotDesc)
	assert.Equal(t, desc, *gotDesc)
	assert.Equal(t, []byte("snap-data"), data)

	log, err := ws.LoadLog()
	require.NoError(t, err)
	// keepFrom = 8 - 3 = 5, so entries with Idx > 5 survive: 6,7,8,9,10
	require.Len(t, log, 5)
	assert.Equal(t, api.Index(6), log[0].Idx)
	assert.Equal(t, api.Index(10), log[len(log)-1].Idx)
}

func TestWALStorage_ReopenAfterRestartPreservesState(t *testing.T) {
	ws, dir := newTestWAL(t)

	require.NoError(t, ws.StoreTermAndVote(5, sid(2)))
	entries := []api.LogEntry{{Term: 5, Idx: 1, Cmd: []byte("hello")}}
	require.NoError(t, ws.StoreLogEntries(entries))
	desc := api.SnapshotDescriptor{Id: 1, Idx: 1, Term: 5}
	require.NoError(t, ws.StoreSnapshotDescriptor(desc, []byte("bytes"), 0))
	require.NoError(t, ws.Abort())

	_, log := logger.NewTestLogger()
	ws2, err := NewWALStorage(dir, log, testFsyncCfg())
	require.NoError(t, err)
	defer ws2.Abort()

	term, vote, err := ws2.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, api.Term(5), term)
	require.NotNil(t, vote)
	assert.Equal(t, api.ServerId(2), *vote)

	gotDesc, data, err := ws2.LoadSnapshotDescriptor()
	require.NoError(t, err)
	require.NotNil(t, gotDesc)
	assert.Equal(t, desc, *gotDesc)
	assert.Equal(t, []byte("bytes"), data)
}

func TestWALStorage_ClusterConfigurationRoundTrips(t *testing.T) {
	ws, _ := newTestWAL(t)

	conf := api.ClusterConfiguration{
		Current: []api.ServerAddress{
			{ID: 1, Info: "127.0.0.1:9001"},
			{ID: 2, Info: "127.0.0.1:9002"},
		},
	}
	entries := []api.LogEntry{{Term: 1, Idx: 1, Kind: api.EntryConfiguration, Conf: conf}}
	require.NoError(t, ws.StoreLogEntries(entries))

	got, err := ws.LoadLog()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, conf, got[0].Conf)
}
