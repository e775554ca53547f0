package api

import (
	"context"
	"time"
)

// WaitType selects when add_entry's returned future resolves.
type WaitType int

const (
	WaitCommitted WaitType = iota
	WaitApplied
)

// SubmitResult is returned once a waiter resolves successfully.
type SubmitResult struct {
	Term Term
	Idx  Index
}

// Server is the public facade of one Raft node: lifecycle, client-facing
// submission, linearizable reads, snapshot transfer, and configuration
// changes. This is the orchestration core described by spec §4.7 (C7).
type Server interface {
	Start(ctx context.Context) error
	Abort() error

	ID() ServerId
	GetCurrentTerm() Term
	IsLeader() bool
	GetConfiguration() ClusterConfiguration

	// AddEntry submits a command for replication, returning a future-like
	// channel resolved once the entry reaches the requested WaitType, or an
	// error channel that receives one error instead (ErrDroppedEntry,
	// ErrCommitStatusUnknown, ErrStopped, a NotALeaderError when this server
	// is not the leader, or the context's error).
	AddEntry(ctx context.Context, command []byte, wait WaitType) (<-chan SubmitResult, <-chan error)

	// SetConfiguration requests a membership change. It returns once the
	// joint entry has committed; it does not wait for the trailing non-joint
	// entry, which is appended and committed afterwards.
	SetConfiguration(ctx context.Context, next []ServerAddress) error

	// ReadBarrier executes a linearizable read barrier on this server and
	// returns once applied_idx has caught up to the barrier's index. It does
	// not forward to the leader: on a non-leader it returns a
	// NotALeaderError carrying the last known leader hint.
	ReadBarrier(ctx context.Context) error

	// ApplySnapshot feeds an inbound InstallSnapshot to the protocol FSM and
	// waits for it to be applied and acknowledged.
	ApplySnapshot(ctx context.Context, from ServerId, snap *InstallSnapshotRequest) (*InstallSnapshotReply, error)

	// Stepdown asks a leader to transfer leadership within duration.
	Stepdown(ctx context.Context, d time.Duration) error

	// Test hooks.
	Tick()
	ElapseElection()
	WaitUntilCandidate(ctx context.Context) error
	WaitElectionDone(ctx context.Context) error
	WaitLogIdxTerm(ctx context.Context, idx Index, term Term) error
	LogLastIdxTerm() (Index, Term)
}
