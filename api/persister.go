package api

// SnapshotDescriptor is the persisted record of a snapshot: the state it
// subsumes (up through Idx/Term) and the cluster configuration in effect at
// that point. Snapshot bytes themselves are opaque and stored separately.
type SnapshotDescriptor struct {
	Id   SnapshotId
	Idx  Index
	Term Term
	Conf ClusterConfiguration
}

// Persister is the durable-storage contract: term+vote, snapshot
// descriptors, and contiguous log entries by index.
type Persister interface {
	LoadTermAndVote() (Term, *ServerId, error)
	LoadSnapshotDescriptor() (*SnapshotDescriptor, []byte, error)
	LoadLog() ([]LogEntry, error)

	StoreTermAndVote(term Term, vote *ServerId) error
	StoreSnapshotDescriptor(desc SnapshotDescriptor, data []byte, trailing int) error
	StoreLogEntries(entries []LogEntry) error
	// TruncateLog removes the persisted suffix starting at fromIdx (inclusive).
	TruncateLog(fromIdx Index) error

	Abort() error
}
