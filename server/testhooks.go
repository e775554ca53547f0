package server

import (
	"context"
	"time"

	"github.com/arnekt/raftcore/api"
)

// Tick advances the FSM's logical clock by one unit immediately, bypassing
// the real-time ticker. Intended for deterministic tests.
func (s *Server) Tick() {
	done := make(chan struct{})
	s.enqueue(func() {
		s.fsmMu.Lock()
		s.fsm.Tick()
		s.fsmMu.Unlock()
		close(done)
	})
	<-done
}

// ElapseElection repeatedly ticks until an election would fire, for tests
// that want to force a leader change without waiting on real time.
func (s *Server) ElapseElection() {
	for i := 0; i < maxElectionTicks; i++ {
		s.Tick()
		if s.IsLeader() || s.isCandidate() {
			return
		}
	}
}

const maxElectionTicks = 10_000

func (s *Server) isCandidate() bool {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	// A non-leader, non-zero-term node that has voted for itself is mid
	// election; CurrentTerm/IsLeader alone can't see preCandidate/candidate,
	// so this peeks at LeaderHint being cleared as the cheap local signal.
	return !s.fsm.IsLeader() && s.fsm.LeaderHint() == nil && s.fsm.CurrentTerm() > 0
}

// WaitUntilCandidate polls until this server becomes a candidate or leader.
func (s *Server) WaitUntilCandidate(ctx context.Context) error {
	return s.pollUntil(ctx, func() bool { return s.isCandidate() || s.IsLeader() })
}

// WaitElectionDone polls until this server is no longer mid-election.
func (s *Server) WaitElectionDone(ctx context.Context) error {
	return s.pollUntil(ctx, func() bool { return !s.isCandidate() })
}

// WaitLogIdxTerm polls until the FSM's last log entry reaches at least idx
// at exactly term.
func (s *Server) WaitLogIdxTerm(ctx context.Context, idx api.Index, term api.Term) error {
	return s.pollUntil(ctx, func() bool {
		lastIdx, lastTerm := s.LogLastIdxTerm()
		return lastIdx >= idx && lastTerm == term
	})
}

// LogLastIdxTerm returns the FSM's last log entry's index and term.
func (s *Server) LogLastIdxTerm() (api.Index, api.Term) {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return s.fsm.LastLogIdxAndTerm()
}

func (s *Server) pollUntil(ctx context.Context, done func() bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if done() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
