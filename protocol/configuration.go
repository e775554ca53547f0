package protocol

import "github.com/arnekt/raftcore/api"

// AddEntry appends a command entry to the leader's log and replicates it.
// Returns the assigned index/term, or ok=false if this FSM is not leader.
func (f *FSM) AddEntry(cmd []byte) (idx api.Index, term api.Term, ok bool) {
	if !f.isLeader() {
		return 0, 0, false
	}
	lastIdx, _ := f.log.lastIdxAndTerm()
	entry := api.LogEntry{Term: f.curTerm, Idx: lastIdx + 1, Kind: api.EntryCommand, Cmd: cmd}
	f.appendLocalEntry(entry)
	f.broadcastAppendEntries()
	return entry.Idx, entry.Term, true
}

func (f *FSM) appendLocalEntry(entry api.LogEntry) {
	f.log.entries = append(f.log.entries, entry)
	f.out.logEntries = append(f.out.logEntries, entry)
	f.matchIdx[f.id] = entry.Idx
	if entry.Kind == api.EntryConfiguration {
		f.configuration = entry.Conf
		f.out.configurationDirty = true
	}
}

// SetConfiguration begins a joint-consensus configuration change: it
// appends a joint entry spanning the current and requested membership.
// Once that entry commits, CompleteJointConfiguration (called by the I/O
// pipeline before every poll) appends the matching non-joint entry.
// Returns ok=false if this FSM is not leader or a change is already
// mid-flight.
func (f *FSM) SetConfiguration(next []api.ServerAddress) (idx api.Index, ok bool) {
	if !f.isLeader() || f.jointPending {
		return 0, false
	}
	joint := api.ClusterConfiguration{Current: next, Previous: f.configuration.Current}
	lastIdx, _ := f.log.lastIdxAndTerm()
	entry := api.LogEntry{Term: f.curTerm, Idx: lastIdx + 1, Kind: api.EntryConfiguration, Conf: joint}
	f.appendLocalEntry(entry)
	f.jointPending = true
	f.jointEntryIdx = entry.Idx
	if !f.configuration.Contains(f.id) {
		f.leaderId = nil
	}
	f.nextIdx[f.id] = entry.Idx + 1
	for _, addr := range next {
		if _, tracked := f.nextIdx[addr.ID]; !tracked {
			f.nextIdx[addr.ID] = entry.Idx + 1
			f.matchIdx[addr.ID] = 0
		}
	}
	f.broadcastAppendEntries()
	return entry.Idx, true
}

// CompleteJointConfiguration appends the non-joint entry that finalizes a
// configuration change once the joint entry has committed. No-op if no
// joint change is pending or the committed index hasn't reached it yet.
func (f *FSM) CompleteJointConfiguration() {
	if !f.jointPending || !f.isLeader() || f.commitIdx < f.jointEntryIdx {
		return
	}
	final := api.ClusterConfiguration{Current: f.configuration.Current}
	lastIdx, _ := f.log.lastIdxAndTerm()
	entry := api.LogEntry{Term: f.curTerm, Idx: lastIdx + 1, Kind: api.EntryConfiguration, Conf: final}
	f.appendLocalEntry(entry)
	f.jointPending = false
	if !final.Contains(f.id) {
		if f.role == leader {
			f.out.lostLeadership = true
		}
		f.role = follower
	}
	f.broadcastAppendEntries()
}
