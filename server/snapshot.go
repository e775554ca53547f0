package server

import (
	"context"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

// sendSnapshot carries out one outbound InstallSnapshot transfer queued by
// the FSM. It registers with the transfer registry first so a stepdown or a
// fresher snapshot to the same peer can cancel it mid-flight.
func (s *Server) sendSnapshot(to api.ServerId, req *api.InstallSnapshotRequest) {
	desc, data, err := s.persister.LoadSnapshotDescriptor()
	if err != nil || desc == nil || desc.Idx != req.Desc.Idx {
		s.log.Warn("no matching persisted snapshot for transfer", "to", to)
		return
	}
	req.Data = data

	t := s.transfers.begin(to, req.Desc)
	defer close(t.done)
	reply, err := s.transport.SendSnapshot(s.ctx, to, req, t.cancel)
	if err != nil {
		s.log.Warn("snapshot transfer failed", "to", to, logger.ErrAttr(err))
		return
	}
	s.transfers.complete(to, req.Desc)

	s.enqueue(func() {
		s.fsmMu.Lock()
		s.fsm.Step(to, reply)
		s.fsmMu.Unlock()
	})
}

// ApplySnapshot handles an inbound InstallSnapshot RPC from the current
// leader. Only one application per source is ever in flight: a second one
// arriving while the first is still being processed is rejected outright
// with ErrAlreadyInProgress rather than queued behind it. The promise it
// awaits is resolved by the apply pipeline once the snapshot (if accepted)
// is actually loaded into the state machine, not merely recorded by the FSM.
func (s *Server) ApplySnapshot(ctx context.Context, from api.ServerId, req *api.InstallSnapshotRequest) (*api.InstallSnapshotReply, error) {
	replyCh, ok := s.inbound.begin(from)
	if !ok {
		return nil, api.ErrAlreadyInProgress
	}

	work := func() {
		s.fsmMu.Lock()
		term := s.fsm.CurrentTerm()
		if req.Term < term {
			s.fsmMu.Unlock()
			s.inbound.fulfill(from, inboundResult{reply: &api.InstallSnapshotReply{From: s.id, Term: term, Success: false}})
			return
		}
		accepted := s.fsm.ApplyRemoteSnapshot(from, req.Desc, req.Data)
		s.fsmMu.Unlock()
		if !accepted {
			s.inbound.fulfill(from, inboundResult{reply: &api.InstallSnapshotReply{From: s.id, Term: term, Success: false}})
		}
	}

	select {
	case s.ioCh <- work:
	case <-s.ctx.Done():
		s.inbound.forget(from)
		return nil, api.ErrStopped
	case <-ctx.Done():
		s.inbound.forget(from)
		return nil, ctx.Err()
	}

	select {
	case r := <-replyCh:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, api.ErrStopped
	}
}
