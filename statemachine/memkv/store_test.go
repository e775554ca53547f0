package memkv

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnekt/raftcore/pkg/logger"
)

func encodeOp(t *testing.T, op Op) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(op))
	return buf.Bytes()
}

func encodeQuery(t *testing.T, q Query) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(q))
	return buf.Bytes()
}

func TestStore_PutThenRead(t *testing.T) {
	_, log := logger.NewTestLogger()
	s := New(log)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, [][]byte{encodeOp(t, Op{Kind: OpPut, Key: "a", Value: "1"})}))

	got, err := s.Read(ctx, encodeQuery(t, Query{Key: "a"}))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))
}

func TestStore_ReadMissingKey(t *testing.T) {
	_, log := logger.NewTestLogger()
	s := New(log)

	_, err := s.Read(context.Background(), encodeQuery(t, Query{Key: "missing"}))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_Append(t *testing.T) {
	_, log := logger.NewTestLogger()
	s := New(log)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, [][]byte{
		encodeOp(t, Op{Kind: OpPut, Key: "a", Value: "foo"}),
		encodeOp(t, Op{Kind: OpAppend, Key: "a", Value: "bar"}),
	}))

	got, err := s.Read(ctx, encodeQuery(t, Query{Key: "a"}))
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(got))
}

func TestStore_Delete(t *testing.T) {
	_, log := logger.NewTestLogger()
	s := New(log)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, [][]byte{encodeOp(t, Op{Kind: OpPut, Key: "a", Value: "1"})}))
	require.NoError(t, s.Apply(ctx, [][]byte{encodeOp(t, Op{Kind: OpDelete, Key: "a"})}))

	_, err := s.Read(ctx, encodeQuery(t, Query{Key: "a"}))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestStore_SnapshotRoundTrip(t *testing.T) {
	_, log := logger.NewTestLogger()
	s := New(log)
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, [][]byte{
		encodeOp(t, Op{Kind: OpPut, Key: "a", Value: "1"}),
		encodeOp(t, Op{Kind: OpPut, Key: "b", Value: "2"}),
	}))

	id, data, err := s.TakeSnapshot(ctx)
	require.NoError(t, err)

	s2 := New(log)
	require.NoError(t, s2.LoadSnapshot(ctx, id, data))

	got, err := s2.Read(ctx, encodeQuery(t, Query{Key: "a"}))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	got, err = s2.Read(ctx, encodeQuery(t, Query{Key: "b"}))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}
