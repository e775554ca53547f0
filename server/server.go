// Package server implements the Raft orchestration core: the I/O and apply
// pipelines, waiter and read-barrier bookkeeping, snapshot transfers and RPC
// membership tracking that sit around the pure protocol.FSM and turn it
// into a runnable, persistent, networked Raft server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
	"github.com/arnekt/raftcore/protocol"
)

// Server is the orchestration core. It owns a protocol.FSM exclusively from
// a single goroutine (the I/O pipeline) and exposes a safe, concurrent
// facade over it to callers.
type Server struct {
	id  api.ServerId
	cfg *api.RaftConfig
	log *slog.Logger

	fsmMu sync.Mutex
	fsm   *protocol.FSM

	persister    api.Persister
	transport    api.Transport
	stateMachine api.StateMachine

	waiters   *waiterRegistry
	reads     *readBarrierTracker
	transfers *transferRegistry
	inbound   *inboundSnapshotRegistry
	stepdowns *stepdownRegistry
	rpcAddrs  *rpcAddressSet
	dispatch  *dispatcher
	metrics   metrics

	// ioCh is the bounded work queue the cooperative I/O pipeline drains in
	// order; its capacity bounds how far callers can run ahead of it.
	ioCh chan func()

	applyCh chan applyItem

	lastAppliedIdx atomic.Int64

	monitoringServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopped atomic.Bool
}

const ioQueueCapacity = 10

// New constructs a Server. Call Start to begin running it.
func New(cfg Config) (*Server, error) {
	if cfg.Raft == nil {
		return nil, fmt.Errorf("raftcore: config.Raft must not be nil")
	}
	if err := cfg.Raft.Server.Validate(); err != nil {
		return nil, err
	}

	var log *slog.Logger
	if cfg.Raft.Log.Env == api.Dev {
		_, log = logger.NewTestLogger()
	} else {
		log = logger.NewLogger(cfg.Raft.Log.Env, false)
	}
	log = log.With(slog.String("id", cfg.ID.String()))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		id:           cfg.ID,
		cfg:          cfg.Raft,
		log:          log,
		persister:    cfg.Persister,
		transport:    cfg.Transport,
		stateMachine: cfg.StateMachine,
		transfers:    newTransferRegistry(),
		inbound:      newInboundSnapshotRegistry(),
		stepdowns:    newStepdownRegistry(),
		rpcAddrs:     newRPCAddressSet(cfg.Transport),
		ioCh:         make(chan func(), ioQueueCapacity),
		applyCh:      make(chan applyItem, ioQueueCapacity),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.dispatch = newDispatcher(ctx, cfg.Transport, cfg.Raft.CBreaker, cfg.Raft.Timings.RPCTimeout, cfg.Raft.Server.AppendRequestThreshold, log)

	s.fsm = protocol.NewFSM(protocol.Config{
		ID:                    cfg.ID,
		Peers:                 cfg.Peers,
		Configuration:         cfg.Configuration,
		EnablePrevoting:       cfg.Raft.Server.EnablePrevoting,
		ElectionTimeoutTicks:  int(cfg.Raft.Timings.ElectionTimeoutBase / tickInterval),
		ElectionTimeoutJitter: int(cfg.Raft.Timings.ElectionTimeoutRandomDelta / tickInterval),
		HeartbeatTimeoutTicks: int(cfg.Raft.Timings.HeartbeatTimeout / tickInterval),
		FailureDetector:       cfg.FailureDetector,
		Rand:                  nil,
	})
	s.waiters = newWaiterRegistry(s.termAtUnlocked, &s.metrics.droppedWaiters)
	s.reads = newReadBarrierTracker()

	return s, nil
}

// tickInterval is the real-time duration one protocol.FSM.Tick represents.
const tickInterval = 20 * time.Millisecond

// termAtUnlocked looks up the term stored at idx in the FSM's log. Used by
// the waiter registry to detect an entry overwritten by a later leader; it
// takes the lock itself since it is called from arbitrary goroutines.
func (s *Server) termAtUnlocked(idx api.Index) api.Term {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.TermAt(idx)
}

// fsmCurrentTerm reads the FSM's current term under lock, for building
// InstallSnapshot replies from the apply pipeline.
func (s *Server) fsmCurrentTerm() api.Term {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.CurrentTerm()
}

// ID returns this server's id.
func (s *Server) ID() api.ServerId { return s.id }

// Start begins running the I/O pipeline, apply pipeline, ticker and
// monitoring server. It restores persisted state first.
func (s *Server) Start(ctx context.Context) error {
	term, votedFor, err := s.persister.LoadTermAndVote()
	if err != nil {
		return fmt.Errorf("raftcore: failed to load term/vote: %w", err)
	}
	entries, err := s.persister.LoadLog()
	if err != nil {
		return fmt.Errorf("raftcore: failed to load log: %w", err)
	}
	desc, data, err := s.persister.LoadSnapshotDescriptor()
	if err != nil {
		return fmt.Errorf("raftcore: failed to load snapshot descriptor: %w", err)
	}

	if desc != nil {
		if err := s.stateMachine.LoadSnapshot(ctx, desc.Id, data); err != nil {
			return fmt.Errorf("raftcore: failed to load snapshot into state machine: %w", err)
		}
	}

	s.fsmMu.Lock()
	if desc != nil {
		s.fsm.Restore(term, votedFor, entries, desc.Idx, desc.Term, desc.Id, desc.Conf)
		s.lastAppliedIdx.Store(int64(desc.Idx))
	} else {
		s.fsm.Restore(term, votedFor, entries, 0, 0, 0, s.fsm.Configuration())
		s.lastAppliedIdx.Store(int64(s.fsm.CommitIndex()))
	}
	conf := s.fsm.Configuration()
	s.fsmMu.Unlock()

	if err := s.rpcAddrs.reconcile(conf); err != nil {
		s.log.Warn("failed to reconcile initial rpc address set", logger.ErrAttr(err))
	}

	s.startMonitoringServer(s.cfg.HttpMonitoringAddr)

	s.wg.Add(3)
	go s.ioPipeline()
	go s.applyPipeline()
	go s.tickLoop()

	return nil
}

// Abort stops the server and releases its resources.
func (s *Server) Abort() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	if s.monitoringServer != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), s.cfg.Timings.ShutdownTimeout)
		defer tcancel()
		_ = s.monitoringServer.Shutdown(tctx)
	}

	s.wg.Wait()
	s.waiters.dropAll(api.ErrStopped)
	s.reads.dropAll(api.ErrStopped)
	s.inbound.dropAll(api.ErrStopped)
	s.transfers.abortAll()
	s.transfers.drain()
	return s.persister.Abort()
}

// tickLoop drives the FSM's logical clock from a real-time ticker, handing
// each tick to the I/O pipeline as ordinary queued work.
func (s *Server) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.enqueue(func() {
				s.fsmMu.Lock()
				s.fsm.Tick()
				s.fsmMu.Unlock()
			})
		}
	}
}

// enqueue submits work to the I/O pipeline, blocking if its queue is full
// (applying natural backpressure) but giving up if the server is stopping.
func (s *Server) enqueue(fn func()) {
	select {
	case s.ioCh <- fn:
	case <-s.ctx.Done():
	}
}
