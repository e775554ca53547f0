package server

import (
	"context"
	"time"

	"github.com/arnekt/raftcore/api"
)

var _ api.Server = (*Server)(nil)

// GetCurrentTerm returns the FSM's current term.
func (s *Server) GetCurrentTerm() api.Term {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.CurrentTerm()
}

// IsLeader reports whether this server currently believes itself leader.
func (s *Server) IsLeader() bool {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.IsLeader()
}

// GetConfiguration returns the currently active cluster configuration.
func (s *Server) GetConfiguration() api.ClusterConfiguration {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.Configuration()
}

// AddEntry submits a command to be replicated. The returned channels
// resolve exactly once, either with the entry's commit/apply outcome
// (depending on wait) or an error.
func (s *Server) AddEntry(ctx context.Context, command []byte, wait api.WaitType) (<-chan api.SubmitResult, <-chan error) {
	resultCh := make(chan api.SubmitResult, 1)
	errCh := make(chan error, 1)

	work := func() {
		s.fsmMu.Lock()
		idx, term, ok := s.fsm.AddEntry(command)
		hint := s.fsm.LeaderHint()
		s.fsmMu.Unlock()

		if !ok {
			errCh <- api.NotALeader(hint)
			return
		}

		rc, ec := s.waiters.register(idx, term, wait)
		go func() {
			select {
			case r := <-rc:
				resultCh <- r
			case err := <-ec:
				errCh <- err
			}
		}()
	}

	select {
	case s.ioCh <- work:
	case <-ctx.Done():
		errCh <- ctx.Err()
	case <-s.ctx.Done():
		errCh <- api.ErrStopped
	}

	return resultCh, errCh
}

// SetConfiguration starts a joint-consensus membership change and blocks
// until the joint entry commits, or ctx is done. The trailing non-joint
// entry that finalizes the change is appended and committed afterward,
// on its own quorum round, without a caller-visible wait.
func (s *Server) SetConfiguration(ctx context.Context, next []api.ServerAddress) error {
	type started struct {
		idx  api.Index
		term api.Term
		err  error
	}
	startedCh := make(chan started, 1)

	work := func() {
		s.fsmMu.Lock()
		idx, ok := s.fsm.SetConfiguration(next)
		term := s.fsm.CurrentTerm()
		hint := s.fsm.LeaderHint()
		s.fsmMu.Unlock()
		if !ok {
			startedCh <- started{err: api.NotALeader(hint)}
			return
		}
		startedCh <- started{idx: idx, term: term}
	}

	select {
	case s.ioCh <- work:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return api.ErrStopped
	}

	var st started
	select {
	case st = <-startedCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	if st.err != nil {
		return st.err
	}

	rc, ec := s.waiters.register(st.idx, st.term, api.WaitCommitted)
	select {
	case <-rc:
		return nil
	case err := <-ec:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReadBarrier blocks until a linearizable read against the state machine
// would observe every entry committed at the moment this call was made.
func (s *Server) ReadBarrier(ctx context.Context) error {
	_, idx, err := s.executeReadBarrierBlockingCtx(ctx)
	if err != nil {
		return err
	}
	return s.pollUntil(ctx, func() bool { return api.Index(s.lastAppliedIdx.Load()) >= idx })
}

func (s *Server) executeReadBarrierBlocking() (api.ReadId, api.Index, error) {
	return s.executeReadBarrierBlockingCtx(s.ctx)
}

func (s *Server) executeReadBarrierBlockingCtx(ctx context.Context) (api.ReadId, api.Index, error) {
	type started struct {
		id  api.ReadId
		idx api.Index
		err error
	}
	startedCh := make(chan started, 1)

	work := func() {
		s.fsmMu.Lock()
		id, idx, ok := s.fsm.ExecuteReadBarrier()
		hint := s.fsm.LeaderHint()
		s.fsmMu.Unlock()
		if !ok {
			startedCh <- started{err: api.NotALeader(hint)}
			return
		}
		startedCh <- started{id: id, idx: idx}
	}

	select {
	case s.ioCh <- work:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case <-s.ctx.Done():
		return 0, 0, api.ErrStopped
	}

	var st started
	select {
	case st = <-startedCh:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	if st.err != nil {
		return 0, 0, st.err
	}
	s.metrics.readBarriers.Add(1)

	errCh := s.reads.register(st.id)
	select {
	case err := <-errCh:
		return st.id, st.idx, err
	case <-ctx.Done():
		return st.id, st.idx, ctx.Err()
	}
}

// Stepdown asks this server, if leader, to relinquish leadership within d.
// It aborts in-flight leadership transfers immediately; d bounds how long
// the caller waits for the I/O pipeline to actually observe the leadership
// loss, returning ErrTimeout rather than a bare context error if it doesn't.
func (s *Server) Stepdown(ctx context.Context, d time.Duration) error {
	waitCh := s.stepdowns.register()
	s.enqueue(func() {
		s.fsmMu.Lock()
		s.fsm.Stepdown()
		s.fsmMu.Unlock()
	})

	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	select {
	case err := <-waitCh:
		return err
	case <-tctx.Done():
		return api.ErrTimeout
	}
}
