package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

func newTestDefaultStorage(t *testing.T) *DefaultStorage {
	t.Helper()
	dir, err := os.MkdirTemp("", "default_storage_test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	_, log := logger.NewTestLogger()
	ds, err := NewDefaultStorage(dir, log)
	require.NoError(t, err)
	return ds
}

func TestDefaultStorage_CreatesVersionsDir(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "default_storage_test_new_dir")
	os.RemoveAll(dir)
	defer os.RemoveAll(dir)

	_, log := logger.NewTestLogger()
	_, err := NewDefaultStorage(dir, log)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, versionsDirName))
	require.NoError(t, err)
}

func TestDefaultStorage_EmptyLoadsAreZeroValue(t *testing.T) {
	ds := newTestDefaultStorage(t)

	term, vote, err := ds.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, api.Term(0), term)
	assert.Nil(t, vote)

	log, err := ds.LoadLog()
	require.NoError(t, err)
	assert.Empty(t, log)

	desc, data, err := ds.LoadSnapshotDescriptor()
	require.NoError(t, err)
	assert.Nil(t, desc)
	assert.Nil(t, data)
}

func TestDefaultStorage_StoreAndLoadTermAndVote(t *testing.T) {
	ds := newTestDefaultStorage(t)

	v := api.ServerId(9)
	require.NoError(t, ds.StoreTermAndVote(2, &v))

	term, vote, err := ds.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, api.Term(2), term)
	require.NotNil(t, vote)
	assert.Equal(t, v, *vote)
}

func TestDefaultStorage_StoreLogEntriesAccumulates(t *testing.T) {
	ds := newTestDefaultStorage(t)

	require.NoError(t, ds.StoreLogEntries([]api.LogEntry{{Term: 1, Idx: 1}}))
	require.NoError(t, ds.StoreLogEntries([]api.LogEntry{{Term: 1, Idx: 2}}))

	log, err := ds.LoadLog()
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, api.Index(1), log[0].Idx)
	assert.Equal(t, api.Index(2), log[1].Idx)
}

func TestDefaultStorage_TruncateLog(t *testing.T) {
	ds := newTestDefaultStorage(t)

	require.NoError(t, ds.StoreLogEntries([]api.LogEntry{
		{Term: 1, Idx: 1}, {Term: 1, Idx: 2}, {Term: 2, Idx: 3},
	}))
	require.NoError(t, ds.TruncateLog(2))

	log, err := ds.LoadLog()
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, api.Index(1), log[0].Idx)
}

func TestDefaultStorage_StoreSnapshotDescriptorTrimsAndPersists(t *testing.T) {
	ds := newTestDefaultStorage(t)

	var entries []api.LogEntry
	for i := 1; i <= 6; i++ {
		entries = append(entries, api.LogEntry{Term: 1, Idx: api.Index(i)})
	}
	require.NoError(t, ds.StoreLogEntries(entries))

	desc := api.SnapshotDescriptor{Id: 1, Idx: 5, Term: 1}
	require.NoError(t, ds.StoreSnapshotDescriptor(desc, []byte("snap"), 2))

	gotDesc, data, err := ds.LoadSnapshotDescriptor()
	require.NoError(t, err)
	require.NotNil(t, gotDesc)
	if diff := cmp.Diff(desc, *gotDesc); diff != "" {
		t.Fatalf("round-tripped snapshot descriptor differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte("snap"), data)

	log, err := ds.LoadLog()
	require.NoError(t, err)
	// keepFrom = 5 - 2 = 3, entries with Idx > 3 survive: 4,5,6
	require.Len(t, log, 3)
	assert.Equal(t, api.Index(4), log[0].Idx)
}

func TestDefaultStorage_SnapshotCarriesForwardOnUnrelatedMutation(t *testing.T) {
	ds := newTestDefaultStorage(t)

	desc := api.SnapshotDescriptor{Id: 1, Idx: 1, Term: 1}
	require.NoError(t, ds.StoreLogEntries([]api.LogEntry{{Term: 1, Idx: 1}}))
	require.NoError(t, ds.StoreSnapshotDescriptor(desc, []byte("snap"), 0))

	v := api.ServerId(4)
	require.NoError(t, ds.StoreTermAndVote(3, &v))

	gotDesc, data, err := ds.LoadSnapshotDescriptor()
	require.NoError(t, err)
	require.NotNil(t, gotDesc)
	if diff := cmp.Diff(desc, *gotDesc); diff != "" {
		t.Fatalf("round-tripped snapshot descriptor differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte("snap"), data)
}
