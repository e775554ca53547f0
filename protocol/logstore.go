package protocol

import "github.com/arnekt/raftcore/api"

// inMemLog holds the log tail not yet subsumed by a snapshot. lastIncludedIndex
// / lastIncludedTerm record what the most recent snapshot covers.
type inMemLog struct {
	entries           []api.LogEntry
	lastIncludedIndex api.Index
	lastIncludedTerm  api.Term
}

// termAt returns the term of the entry at idx, handling the snapshot
// boundary. Returns -1 if idx is out of range on either side.
func (l *inMemLog) termAt(idx api.Index) api.Term {
	if idx == l.lastIncludedIndex {
		return l.lastIncludedTerm
	}
	if idx < l.lastIncludedIndex {
		return -1
	}
	slice := int(idx - l.lastIncludedIndex - 1)
	if slice < 0 || slice >= len(l.entries) {
		return -1
	}
	return l.entries[slice].Term
}

func (l *inMemLog) lastIdxAndTerm() (api.Index, api.Term) {
	if len(l.entries) > 0 {
		last := l.entries[len(l.entries)-1]
		return last.Idx, last.Term
	}
	return l.lastIncludedIndex, l.lastIncludedTerm
}

func (l *inMemLog) entryAt(idx api.Index) *api.LogEntry {
	slice := int(idx - l.lastIncludedIndex - 1)
	if slice < 0 || slice >= len(l.entries) {
		return nil
	}
	return &l.entries[slice]
}

// isConsistentWith reports whether prevIdx/prevTerm matches this log's
// entry at prevIdx, i.e. AppendEntries's log-matching precondition.
func (l *inMemLog) isConsistentWith(prevIdx api.Index, prevTerm api.Term) bool {
	lastIdx, _ := l.lastIdxAndTerm()
	if prevIdx > lastIdx {
		return false
	}
	return l.termAt(prevIdx) == prevTerm
}

// appendOrTruncate applies a follower-side AppendEntries: it finds the first
// mismatching entry, truncates the suffix from there, and appends the rest.
// Returns the entries that were newly stored, the index truncation started
// at (valid only when truncated is true), and whether the log changed.
func (l *inMemLog) appendOrTruncate(prevLogIdx api.Index, entries []api.LogEntry) (stored []api.LogEntry, truncated bool, truncateIdx api.Index, changed bool) {
	for i, entry := range entries {
		absIdx := prevLogIdx + 1 + api.Index(i)
		lastIdx, _ := l.lastIdxAndTerm()
		if absIdx > lastIdx {
			l.entries = append(l.entries, entries[i:]...)
			return entries[i:], truncated, truncateIdx, true
		}
		if l.termAt(absIdx) != entry.Term {
			sliceIdx := int(absIdx - l.lastIncludedIndex - 1)
			l.entries = l.entries[:sliceIdx]
			l.entries = append(l.entries, entries[i:]...)
			return entries[i:], true, absIdx, true
		}
	}
	return nil, false, 0, false
}

// conflictInfo fills the ConflictIndex/ConflictTerm fields for a rejected
// AppendEntries reply, per the standard Raft fast log-backup optimization.
func (l *inMemLog) conflictInfo(prevLogIdx api.Index) (conflictIdx api.Index, conflictTerm api.Term) {
	lastIdx, _ := l.lastIdxAndTerm()
	if prevLogIdx > lastIdx {
		return lastIdx + 1, -1
	}
	conflictTerm = l.termAt(prevLogIdx)
	firstIdxOfTerm := prevLogIdx
	for firstIdxOfTerm > l.lastIncludedIndex+1 && l.termAt(firstIdxOfTerm-1) == conflictTerm {
		firstIdxOfTerm--
	}
	return firstIdxOfTerm, conflictTerm
}

// isCandidateUpToDate implements the Raft vote-granting up-to-date check.
func (l *inMemLog) isCandidateUpToDate(candidateLastIdx api.Index, candidateLastTerm api.Term) bool {
	lastIdx, lastTerm := l.lastIdxAndTerm()
	if candidateLastTerm != lastTerm {
		return candidateLastTerm > lastTerm
	}
	return candidateLastIdx >= lastIdx
}

// truncateFrom drops every entry before idx, keeping idx and beyond, used
// when installing a newer local snapshot or restoring from a remote one.
func (l *inMemLog) truncateFrom(idx api.Index) {
	sliceIdx := int(idx - l.lastIncludedIndex - 1)
	if sliceIdx < len(l.entries) && sliceIdx >= 0 {
		l.entries = append([]api.LogEntry(nil), l.entries[sliceIdx:]...)
	} else {
		l.entries = nil
	}
}

func (l *inMemLog) sizeInBytes() int {
	n := 0
	for _, e := range l.entries {
		n += len(e.Cmd)
	}
	return n
}

// lastConfigurationFor returns the most recent EntryConfiguration at or
// before idx, used to attach a configuration to a locally-taken snapshot.
func (l *inMemLog) lastConfigurationFor(idx api.Index, fallback api.ClusterConfiguration) api.ClusterConfiguration {
	best := fallback
	for i := range l.entries {
		e := &l.entries[i]
		if e.Idx > idx {
			break
		}
		if e.Kind == api.EntryConfiguration {
			best = e.Conf
		}
	}
	return best
}
