package server

import (
	"fmt"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
	"github.com/arnekt/raftcore/protocol"
)

// ioPipeline is the cooperative core: it is the only goroutine that ever
// calls a mutating method on the FSM. Each queued unit of work (an inbound
// RPC, a tick, a local AddEntry/SetConfiguration/ReadBarrier request) runs
// to completion, then the FSM's pending Batch is drained and carried out in
// a fixed order. That order matters: persistence must land before the
// corresponding messages go out, a joining member must be reachable before
// messages are dispatched to it, and a leaving member is only dropped (and
// its snapshot transfer aborted) once dispatch for this batch is done.
func (s *Server) ioPipeline() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case work := <-s.ioCh:
			work()
			s.drainBatch()
		}
	}
}

func (s *Server) drainBatch() {
	s.fsmMu.Lock()
	s.fsm.CompleteJointConfiguration()
	batch := s.fsm.PollOutput()
	s.fsmMu.Unlock()

	if batch.Empty() {
		return
	}

	s.applyBatch(batch)
}

func (s *Server) applyBatch(batch protocol.Batch) {
	if batch.HasTermAndVote {
		if err := s.persister.StoreTermAndVote(batch.Term, batch.Vote); err != nil {
			s.handlePersistenceError("store_term_and_vote", err)
			return
		}
	}

	if batch.Snapshot != nil {
		trailing := 0
		if batch.Snapshot.IsLocal {
			trailing = s.cfg.Server.SnapshotTrailing
		}
		if err := s.persister.StoreSnapshotDescriptor(batch.Snapshot.Desc, batch.Snapshot.Data, trailing); err != nil {
			s.handlePersistenceError("store_snapshot", err)
			return
		}
		if batch.Snapshot.OldId != 0 {
			if err := s.stateMachine.DropSnapshot(s.ctx, batch.Snapshot.OldId); err != nil {
				s.log.Warn("failed to drop superseded snapshot", logger.ErrAttr(err))
			}
		}
		if batch.Snapshot.IsLocal {
			s.metrics.snapshotsTaken.Add(1)
		} else {
			s.metrics.snapshotsInstalled.Add(1)
			select {
			case s.applyCh <- applyItem{snapshot: batch.Snapshot}:
			case <-s.ctx.Done():
			}
		}
	}

	if batch.HasTruncation {
		if err := s.persister.TruncateLog(batch.TruncateFromIdx); err != nil {
			s.handlePersistenceError("truncate_log", err)
			return
		}
	}

	if len(batch.LogEntries) > 0 {
		if err := s.persister.StoreLogEntries(batch.LogEntries); err != nil {
			s.handlePersistenceError("store_log_entries", err)
			return
		}
		s.metrics.entriesAppended.Add(int64(len(batch.LogEntries)))
	}

	if batch.HasConfiguration {
		if err := s.rpcAddrs.join(batch.Configuration); err != nil {
			s.log.Warn("failed to add joining rpc addresses", logger.ErrAttr(err))
		}
	}

	for _, msg := range batch.Messages {
		switch {
		case msg.InstallSnapshot != nil:
			go s.sendSnapshot(msg.To, msg.InstallSnapshot)
		case msg.AppendEntries != nil:
			s.dispatch.sendAppend(s.ctx, msg)
		default:
			go s.dispatch.send(s.ctx, msg)
		}
	}

	if batch.HasConfiguration {
		for _, id := range s.rpcAddrs.leave(batch.Configuration) {
			s.transfers.abortPeer(id)
		}
	}

	if len(batch.Committed) > 0 {
		s.metrics.entriesCommitted.Add(int64(len(batch.Committed)))
		select {
		case s.applyCh <- applyItem{entries: batch.Committed}:
		case <-s.ctx.Done():
		}
	}

	if batch.HasMaxReadIdWithQuorum {
		s.reads.satisfyUpTo(batch.MaxReadIdWithQuorum)
	}

	if batch.LostLeadership {
		s.stepdowns.resolve(nil)
		if !s.fsmConfigurationContains(s.id) {
			s.waiters.dropAll(api.ErrCommitStatusUnknown)
		}
		s.transfers.abortAll()
		s.reads.dropAll(api.NotALeader(s.fsmLeaderHint()))
	} else if batch.AbortLeadershipTransfer {
		s.stepdowns.resolve(api.ErrTimeout)
	}

	if batch.StartedElection {
		s.metrics.electionsStarted.Add(1)
	}
	if batch.BecameLeader {
		s.metrics.becameLeaderCount.Add(1)
	}
}

func (s *Server) fsmConfigurationContains(id api.ServerId) bool {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.Configuration().Contains(id)
}

func (s *Server) fsmLeaderHint() *api.ServerId {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.LeaderHint()
}

func (s *Server) handlePersistenceError(op string, err error) {
	s.log.Error("persistence failed, node state may be corrupted", "op", op, logger.ErrAttr(err))
	panic(fmt.Sprintf("raftcore: persistence failure in %s: %v", op, err))
}
