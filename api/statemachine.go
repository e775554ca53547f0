package api

import "context"

// SnapshotId is an opaque handle the state machine assigns to a snapshot it
// has taken. The server treats it as opaque and only ever stores, compares,
// or hands it back via LoadSnapshot/DropSnapshot.
type SnapshotId uint64

// StateMachine is the user-supplied application state. The server applies
// committed commands to it in strict log order and asks it to take/load/drop
// snapshots for compaction.
type StateMachine interface {
	// Apply delivers a contiguous batch of committed commands, in order.
	Apply(ctx context.Context, commands [][]byte) error
	// TakeSnapshot serializes current state, returning an opaque id for it
	// plus the serialized bytes to persist and, if needed, transfer.
	TakeSnapshot(ctx context.Context) (SnapshotId, []byte, error)
	// LoadSnapshot restores state from a previously taken (possibly
	// remote, transferred-by-byte-blob) snapshot.
	LoadSnapshot(ctx context.Context, id SnapshotId, data []byte) error
	// DropSnapshot releases resources held by a snapshot id that will never
	// be loaded (e.g. because the FSM rejected it as stale).
	DropSnapshot(ctx context.Context, id SnapshotId) error
	// Read executes a read-only query against the current state, used after
	// a read barrier resolves.
	Read(ctx context.Context, query []byte) ([]byte, error)
	// Abort releases any resources held by the state machine.
	Abort() error
}
