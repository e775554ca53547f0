package server

import "github.com/arnekt/raftcore/api"

// Config bundles everything needed to construct a Server: its identity,
// cluster membership, and the collaborators the orchestration core drives.
type Config struct {
	ID            api.ServerId
	Peers         []api.ServerId
	Configuration api.ClusterConfiguration
	Raft          *api.RaftConfig

	Persister       api.Persister
	Transport       api.Transport
	StateMachine    api.StateMachine
	FailureDetector api.FailureDetector
}
