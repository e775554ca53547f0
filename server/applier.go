package server

import (
	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
	"github.com/arnekt/raftcore/protocol"
)

// applyItem is one unit handed from the I/O pipeline to the apply pipeline
// over the bounded apply queue: either a contiguous batch of newly
// committed entries, or a snapshot (local or remote) that must be loaded
// before anything queued after it is applied. Carrying both over the same
// ordered channel is what keeps a remote snapshot install from racing a
// committed batch that arrived right after it.
type applyItem struct {
	entries  []api.LogEntry
	snapshot *protocol.SnapshotOutput
}

// applyPipeline drains newly committed entries and snapshots and hands them
// to the state machine in order, advancing lastAppliedIdx and releasing
// commit/apply waiters as it goes. It runs independently of the I/O
// pipeline so a slow state machine never blocks election or replication
// progress; the two pipelines only share lastAppliedIdx (atomic) and the
// waiter/read registries (their own locks).
func (s *Server) applyPipeline() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.applyCh:
			if item.snapshot != nil {
				s.applySnapshot(item.snapshot)
			} else {
				s.applyEntries(item.entries)
			}
		}
	}
}

// applyEntries notifies commit waiters first, then applies, then notifies
// apply waiters: doing both notifications in this pipeline, alongside
// applySnapshot, is what prevents a commit from being reported just before
// a later snapshot subsumes it.
func (s *Server) applyEntries(entries []api.LogEntry) {
	last := entries[len(entries)-1]
	s.waiters.notifyCommitted(last.Idx)

	cmds := make([][]byte, 0, len(entries))
	for _, e := range entries {
		if e.Kind == api.EntryCommand {
			cmds = append(cmds, e.Cmd)
		}
	}

	if len(cmds) > 0 {
		if err := s.stateMachine.Apply(s.ctx, cmds); err != nil {
			s.log.Error("state machine failed to apply committed entries", logger.ErrAttr(err))
			return
		}
	}

	s.lastAppliedIdx.Store(int64(last.Idx))
	s.metrics.entriesApplied.Add(int64(len(entries)))
	s.waiters.notifyApplied(last.Idx)

	s.maybeTakeSnapshot(last.Idx)
}

// applySnapshot loads a persisted snapshot (local or remote) into the state
// machine and fast-forwards past whatever it subsumes. Waiters at or below
// its index fail with ErrCommitStatusUnknown: their entries are gone from
// the log, not overwritten, so their outcome is lost rather than wrong. For
// a remote snapshot, this is also what resolves the inbound application
// promise the sender is awaiting, and the matchIdx advance it causes only
// once the reply actually reaches the leader.
func (s *Server) applySnapshot(snp *protocol.SnapshotOutput) {
	idx := snp.Desc.Idx
	if err := s.stateMachine.LoadSnapshot(s.ctx, snp.Desc.Id, snp.Data); err != nil {
		s.log.Error("state machine failed to load snapshot", "idx", idx, logger.ErrAttr(err))
		if !snp.IsLocal {
			s.inbound.fulfill(snp.From, inboundResult{reply: &api.InstallSnapshotReply{From: s.id, Term: s.fsmCurrentTerm(), Success: false}})
		}
		return
	}

	s.waiters.dropUpTo(idx, api.ErrCommitStatusUnknown)
	s.lastAppliedIdx.Store(int64(idx))

	if !snp.IsLocal {
		s.inbound.fulfill(snp.From, inboundResult{reply: &api.InstallSnapshotReply{
			From: s.id, Term: s.fsmCurrentTerm(), Success: true, Idx: idx,
		}})
	}
}

// maybeTakeSnapshot requests a new state machine snapshot once the number
// of entries applied since the last snapshot reaches SnapshotThreshold.
// Evaluating this inline, right after the batch that crossed the threshold
// is applied, keeps the trigger check and the snapshot's base index in the
// same serial pipeline as every other apply decision.
func (s *Server) maybeTakeSnapshot(appliedIdx api.Index) {
	s.fsmMu.Lock()
	lastSnap := s.fsm.LastSnapshotIdx()
	s.fsmMu.Unlock()

	if appliedIdx < lastSnap || int(appliedIdx-lastSnap) < s.cfg.Server.SnapshotThreshold {
		return
	}

	id, data, err := s.stateMachine.TakeSnapshot(s.ctx)
	if err != nil {
		s.log.Warn("failed to take state machine snapshot", logger.ErrAttr(err))
		return
	}

	s.enqueue(func() {
		s.fsmMu.Lock()
		accepted := s.fsm.TakeLocalSnapshot(id, appliedIdx, s.cfg.Server.SnapshotTrailing, data)
		s.fsmMu.Unlock()
		if !accepted {
			if err := s.stateMachine.DropSnapshot(s.ctx, id); err != nil {
				s.log.Warn("failed to drop superseded snapshot", logger.ErrAttr(err))
			}
		}
	})
}
