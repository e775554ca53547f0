package server

import (
	"fmt"
	"log/slog"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
	"github.com/arnekt/raftcore/storage"
)

// Builder assembles a Server, defaulting the collaborators most callers
// don't need to customize: a WALStorage rooted at a per-node data
// directory, a logger scoped to the node's id, and a failure detector that
// never reports anyone down.
type Builder struct {
	id            api.ServerId
	peers         []api.ServerId
	configuration api.ClusterConfiguration
	transport     api.Transport
	stateMachine  api.StateMachine

	cfg             *api.RaftConfig
	persister       api.Persister
	failureDetector api.FailureDetector
	log             *slog.Logger
	dataDir         string
}

// NewBuilder starts a Builder for a node with the given identity and
// required collaborators. Transport and StateMachine have no sensible
// default and must always be supplied.
func NewBuilder(id api.ServerId, peers []api.ServerId, configuration api.ClusterConfiguration, transport api.Transport, stateMachine api.StateMachine) *Builder {
	return &Builder{
		id:            id,
		peers:         peers,
		configuration: configuration,
		transport:     transport,
		stateMachine:  stateMachine,
		cfg:           api.DefaultConfig(),
		dataDir:       fmt.Sprintf("data-%d", id),
	}
}

func (b *Builder) WithConfig(cfg *api.RaftConfig) *Builder {
	b.cfg = cfg
	return b
}

func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.log = l
	return b
}

func (b *Builder) WithPersister(p api.Persister) *Builder {
	b.persister = p
	return b
}

// WithDataDir overrides the directory a default WALStorage is rooted at.
// Ignored if WithPersister supplies a persister directly.
func (b *Builder) WithDataDir(dir string) *Builder {
	b.dataDir = dir
	return b
}

func (b *Builder) WithFailureDetector(fd api.FailureDetector) *Builder {
	b.failureDetector = fd
	return b
}

func (b *Builder) Build() (*Server, error) {
	log := b.log
	if log == nil {
		log = logger.NewLogger(b.cfg.Log.Env, false)
	}

	persister := b.persister
	if persister == nil {
		var err error
		persister, err = storage.NewWALStorage(b.dataDir, log, b.cfg.Fsync)
		if err != nil {
			return nil, fmt.Errorf("builder: failed to create WAL storage: %w", err)
		}
	}

	fd := b.failureDetector
	if fd == nil {
		fd = alwaysAliveFailureDetector{}
	}

	return New(Config{
		ID:              b.id,
		Peers:           b.peers,
		Configuration:   b.configuration,
		Raft:            b.cfg,
		Persister:       persister,
		Transport:       b.transport,
		StateMachine:    b.stateMachine,
		FailureDetector: fd,
	})
}

// alwaysAliveFailureDetector is the zero-effort default: with no external
// liveness signal, pre-voting still runs but never short-circuits against a
// leader this node hasn't actually heard an AppendEntries from.
type alwaysAliveFailureDetector struct{}

func (alwaysAliveFailureDetector) IsAlive(api.ServerId) bool { return true }
