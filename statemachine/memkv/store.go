// Package memkv is a minimal in-memory key/value api.StateMachine, used by
// tests and examples that need a real state machine without a real
// database. Commands and snapshots are gob-encoded; concurrent Apply calls
// never happen (the server applies in strict log order on a single
// goroutine) but Read runs concurrently with it, so all access goes through
// a mutex.
package memkv

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"

	"github.com/arnekt/raftcore/api"
)

// OpKind discriminates the command payload a caller submits.
type OpKind int

const (
	OpPut OpKind = iota
	OpAppend
	OpDelete
)

// Op is the gob-encoded unit of work carried inside a committed LogEntry's
// Cmd field.
type Op struct {
	Kind  OpKind
	Key   string
	Value string
}

// Query is the gob-encoded payload passed to Read.
type Query struct {
	Key string
}

func init() {
	gob.Register(Op{})
	gob.Register(Query{})
}

// ErrKeyNotFound is returned by Read when the queried key has never been set.
var ErrKeyNotFound = fmt.Errorf("memkv: key not found")

// Store is a trivial map-backed api.StateMachine. The zero value is not
// usable; construct with New.
type Store struct {
	mu  sync.RWMutex
	log *slog.Logger
	kv  map[string]string
}

var _ api.StateMachine = (*Store)(nil)

func New(log *slog.Logger) *Store {
	return &Store{
		log: log,
		kv:  make(map[string]string),
	}
}

func (s *Store) Apply(ctx context.Context, commands [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cmd := range commands {
		var op Op
		if err := gob.NewDecoder(bytes.NewReader(cmd)).Decode(&op); err != nil {
			return fmt.Errorf("memkv: failed to decode command: %w", err)
		}
		switch op.Kind {
		case OpPut:
			s.kv[op.Key] = op.Value
		case OpAppend:
			s.kv[op.Key] += op.Value
		case OpDelete:
			delete(s.kv, op.Key)
		default:
			return fmt.Errorf("memkv: unknown op kind %d", op.Kind)
		}
	}
	return nil
}

func (s *Store) Read(ctx context.Context, query []byte) ([]byte, error) {
	var q Query
	if err := gob.NewDecoder(bytes.NewReader(query)).Decode(&q); err != nil {
		return nil, fmt.Errorf("memkv: failed to decode query: %w", err)
	}

	s.mu.RLock()
	v, ok := s.kv[q.Key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return []byte(v), nil
}

// snapshot is the gob-encoded form of a Store's entire key space.
type snapshot struct {
	Id uint64
	Kv map[string]string
}

func (s *Store) TakeSnapshot(ctx context.Context) (api.SnapshotId, []byte, error) {
	s.mu.RLock()
	kv := make(map[string]string, len(s.kv))
	for k, v := range s.kv {
		kv[k] = v
	}
	s.mu.RUnlock()

	id := api.SnapshotId(1)
	snap := snapshot{Id: uint64(id), Kv: kv}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return 0, nil, fmt.Errorf("memkv: failed to encode snapshot: %w", err)
	}
	return id, buf.Bytes(), nil
}

func (s *Store) LoadSnapshot(ctx context.Context, id api.SnapshotId, data []byte) error {
	var snap snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snap); err != nil {
		return fmt.Errorf("memkv: failed to decode snapshot: %w", err)
	}

	s.mu.Lock()
	s.kv = snap.Kv
	if s.kv == nil {
		s.kv = make(map[string]string)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) DropSnapshot(ctx context.Context, id api.SnapshotId) error {
	return nil
}

func (s *Store) Abort() error {
	return nil
}
