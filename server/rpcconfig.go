package server

import (
	"sync"

	"github.com/arnekt/raftcore/api"
)

// rpcAddressSet keeps the transport's known peer addresses in sync with the
// cluster configuration the FSM reports. During a joint configuration both
// the old and new member addresses must stay reachable, which is exactly
// what ClusterConfiguration.Union gives reconcile to diff against.
type rpcAddressSet struct {
	mu        sync.Mutex
	transport api.Transport
	addrs     map[api.ServerId]api.ServerAddress
}

func newRPCAddressSet(transport api.Transport) *rpcAddressSet {
	return &rpcAddressSet{
		transport: transport,
		addrs:     make(map[api.ServerId]api.ServerAddress),
	}
}

// reconcile updates the transport's address set so it matches conf exactly.
// Used only at startup, before any message dispatch is possible, where the
// join/leave ordering below doesn't matter yet.
func (s *rpcAddressSet) reconcile(conf api.ClusterConfiguration) error {
	err := s.join(conf)
	s.leave(conf)
	return err
}

// join adds every member of conf's joint union that isn't already known
// under the same address. Must run before a batch's messages are
// dispatched, so a newly-joining member is reachable in time to receive
// them.
func (s *rpcAddressSet) join(conf api.ClusterConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, addr := range conf.Union() {
		if existing, ok := s.addrs[addr.ID]; !ok || existing.Info != addr.Info {
			if err := s.transport.AddServer(addr); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			s.addrs[addr.ID] = addr
		}
	}
	return firstErr
}

// leave removes every known member absent from conf's joint union, and
// returns the ids removed. Must run after a batch's messages are
// dispatched, so a leaving member still receives its last message before
// the address set forgets it; callers must abort any in-flight snapshot
// transfer to each returned id.
func (s *rpcAddressSet) leave(conf api.ClusterConfiguration) []api.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[api.ServerId]struct{})
	for _, addr := range conf.Union() {
		wanted[addr.ID] = struct{}{}
	}

	var removed []api.ServerId
	for id := range s.addrs {
		if _, ok := wanted[id]; ok {
			continue
		}
		if err := s.transport.RemoveServer(id); err != nil {
			continue
		}
		delete(s.addrs, id)
		removed = append(removed, id)
	}
	return removed
}

// peers returns the server ids currently known to the transport, excluding
// self.
func (s *rpcAddressSet) peers(self api.ServerId) []api.ServerId {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]api.ServerId, 0, len(s.addrs))
	for id := range s.addrs {
		if id != self {
			ids = append(ids, id)
		}
	}
	return ids
}
