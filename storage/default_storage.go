package storage

import (
	"bytes"
	"encoding/gob"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

const (
	stateFileName      = "state.bin"
	snapshotFileName   = "snapshot.bin"
	versionsDirName    = "versions"
	currentSymlinkName = "current"
	versionsToKeep     = 2
)

var _ api.Persister = (*DefaultStorage)(nil)

// persistedState is the gob-encoded contents of one version's state.bin:
// everything but the raw snapshot bytes, which live alongside it in
// snapshot.bin so a multi-megabyte state machine snapshot never has to be
// re-read just to change the vote.
type persistedState struct {
	CurrentTerm api.Term
	VotedFor    *api.ServerId
	Log         []api.LogEntry

	HasSnapshot  bool
	SnapshotDesc api.SnapshotDescriptor
}

// DefaultStorage implements api.Persister on the local filesystem with a
// directory-swap mechanism: every mutation writes a brand new version
// directory and atomically repoints a "current" symlink at it, so a crash
// mid-write never leaves a half-updated version visible. Simpler and more
// portable than WALStorage's append-only log, at the cost of rewriting the
// entire log on every mutation; suited to small clusters and tests rather
// than high-throughput replication.
//
// Safe for concurrent use.
type DefaultStorage struct {
	mu           sync.RWMutex
	logger       *slog.Logger
	dir          string
	current      string
	versions     string
	versionNames []string
}

// NewDefaultStorage creates a new DefaultStorage
// in the given directory, returning an error if initialization fails.
func NewDefaultStorage(dir string, logger *slog.Logger) (*DefaultStorage, error) {
	versionsPath := filepath.Join(dir, versionsDirName)
	if err := os.MkdirAll(versionsPath, 0755); err != nil {
		return nil, err
	}

	versionNames, err := restoreVersionNames(versionsPath)
	if err != nil {
		return nil, err
	}

	return &DefaultStorage{
		logger:       logger,
		dir:          dir,
		current:      filepath.Join(dir, currentSymlinkName),
		versions:     versionsPath,
		versionNames: versionNames,
	}, nil
}

func restoreVersionNames(versionsPath string) ([]string, error) {
	entries, err := os.ReadDir(versionsPath)
	if err != nil {
		return nil, err
	}

	var versionNames []string
	for _, entry := range entries {
		if entry.IsDir() {
			versionNames = append(versionNames, entry.Name())
		}
	}
	sort.Strings(versionNames)
	return versionNames, nil
}

// resolvePaths reads the symlink, finds the active version directory and
// returns the full paths to the state and snapshot files.
func (p *DefaultStorage) resolvePaths() (statePath, snapshotPath string, err error) {
	link, err := os.Readlink(p.current)
	if err != nil {
		return "", "", err
	}

	versionDir := filepath.Join(p.dir, link)
	return filepath.Join(versionDir, stateFileName), filepath.Join(versionDir, snapshotFileName), nil
}

// loadCurrent returns the active version's decoded state, or the zero value
// if no version has ever been committed.
func (p *DefaultStorage) loadCurrent() (persistedState, error) {
	statePath, _, err := p.resolvePaths()
	if err != nil {
		if os.IsNotExist(err) {
			return persistedState{}, nil
		}
		return persistedState{}, err
	}

	raw, err := os.ReadFile(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return persistedState{}, nil
		}
		return persistedState{}, err
	}

	var ps persistedState
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ps); err != nil {
		return persistedState{}, err
	}
	return ps, nil
}

func (p *DefaultStorage) LoadTermAndVote() (api.Term, *api.ServerId, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return 0, nil, err
	}
	return ps.CurrentTerm, ps.VotedFor, nil
}

func (p *DefaultStorage) LoadLog() ([]api.LogEntry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return nil, err
	}
	return ps.Log, nil
}

func (p *DefaultStorage) LoadSnapshotDescriptor() (*api.SnapshotDescriptor, []byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return nil, nil, err
	}
	if !ps.HasSnapshot {
		return nil, nil, nil
	}

	_, snapshotPath, err := p.resolvePaths()
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &ps.SnapshotDesc, nil, nil
		}
		return nil, nil, err
	}
	return &ps.SnapshotDesc, data, nil
}

func (p *DefaultStorage) StoreTermAndVote(term api.Term, vote *api.ServerId) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return err
	}
	ps.CurrentTerm = term
	ps.VotedFor = vote
	return p.commit(ps, nil, false)
}

func (p *DefaultStorage) StoreLogEntries(entries []api.LogEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return err
	}
	ps.Log = append(append([]api.LogEntry(nil), ps.Log...), entries...)
	return p.commit(ps, nil, false)
}

// TruncateLog removes the persisted suffix starting at fromIdx (inclusive).
func (p *DefaultStorage) TruncateLog(fromIdx api.Index) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return err
	}
	kept := ps.Log[:0:0]
	for _, e := range ps.Log {
		if e.Idx < fromIdx {
			kept = append(kept, e)
		}
	}
	ps.Log = kept
	return p.commit(ps, nil, false)
}

func (p *DefaultStorage) StoreSnapshotDescriptor(desc api.SnapshotDescriptor, data []byte, trailing int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ps, err := p.loadCurrent()
	if err != nil {
		return err
	}

	keepFrom := desc.Idx - api.Index(trailing)
	if ps.HasSnapshot && keepFrom < ps.SnapshotDesc.Idx {
		keepFrom = ps.SnapshotDesc.Idx
	}
	kept := ps.Log[:0:0]
	for _, e := range ps.Log {
		if e.Idx > keepFrom {
			kept = append(kept, e)
		}
	}
	ps.Log = kept
	ps.HasSnapshot = true
	ps.SnapshotDesc = desc

	return p.commit(ps, data, true)
}

// commit writes ps (and, if writeSnapshot, snapshot bytes — nil clears the
// prior snapshot carried over from the previous version) into a brand new
// version directory and atomically repoints the current symlink at it.
func (p *DefaultStorage) commit(ps persistedState, snapshot []byte, writeSnapshot bool) error {
	versionName := strconv.FormatInt(p.nextVersionSeq(), 10)
	newVersionPath := filepath.Join(p.versions, versionName)
	if err := os.MkdirAll(newVersionPath, 0755); err != nil {
		return err
	}

	var stateBuf bytes.Buffer
	if err := gob.NewEncoder(&stateBuf).Encode(ps); err != nil {
		return errors.Join(err, os.RemoveAll(newVersionPath))
	}

	statePath := filepath.Join(newVersionPath, stateFileName)
	if err := writeAndSyncFile(statePath, stateBuf.Bytes(), 0644); err != nil {
		return errors.Join(err, os.RemoveAll(newVersionPath))
	}

	if writeSnapshot && snapshot != nil {
		snapshotPath := filepath.Join(newVersionPath, snapshotFileName)
		if err := writeAndSyncFile(snapshotPath, snapshot, 0644); err != nil {
			return errors.Join(err, os.RemoveAll(newVersionPath))
		}
	} else if !writeSnapshot && ps.HasSnapshot {
		// Carry the previous version's snapshot bytes forward unchanged.
		if _, oldSnapshotPath, err := p.resolvePaths(); err == nil {
			if data, err := os.ReadFile(oldSnapshotPath); err == nil {
				snapshotPath := filepath.Join(newVersionPath, snapshotFileName)
				if err := writeAndSyncFile(snapshotPath, data, 0644); err != nil {
					return errors.Join(err, os.RemoveAll(newVersionPath))
				}
			}
		}
	}

	if err := syncDir(newVersionPath); err != nil {
		return errors.Join(err, os.RemoveAll(newVersionPath))
	}

	tmpSymlinkPath := p.current + ".tmp"
	symlinkTarget := filepath.Join(versionsDirName, versionName)

	if err := os.Remove(tmpSymlinkPath); err != nil && !os.IsNotExist(err) {
		return errors.Join(err, os.RemoveAll(newVersionPath))
	}

	if err := os.Symlink(symlinkTarget, tmpSymlinkPath); err != nil {
		return errors.Join(err, os.RemoveAll(newVersionPath))
	}

	if err := syncDir(p.dir); err != nil {
		return errors.Join(err, os.RemoveAll(newVersionPath), os.Remove(tmpSymlinkPath))
	}

	if err := os.Rename(tmpSymlinkPath, p.current); err != nil {
		return errors.Join(err, os.RemoveAll(newVersionPath), os.Remove(tmpSymlinkPath))
	}

	if err := syncDir(p.dir); err != nil {
		p.logger.Warn("failed to sync directory after rename", logger.ErrAttr(err))
	}

	p.versionNames = append(p.versionNames, versionName)
	go p.cleanupVersions()

	return nil
}

// nextVersionSeq picks a version name strictly greater than any existing
// one. Real time provides that ordering; a monotonic counter would work
// just as well but time.Now also gives an at-a-glance age in the directory
// listing.
func (p *DefaultStorage) nextVersionSeq() int64 {
	return time.Now().UnixNano()
}

func (p *DefaultStorage) cleanupVersions() {
	p.mu.Lock()
	if len(p.versionNames) <= versionsToKeep {
		p.mu.Unlock()
		return
	}

	versionsToDelete := p.versionNames[:len(p.versionNames)-versionsToKeep]
	p.versionNames = p.versionNames[len(p.versionNames)-versionsToKeep:]
	p.mu.Unlock()

	for _, versionName := range versionsToDelete {
		pathToDelete := filepath.Join(p.versions, versionName)
		if err := os.RemoveAll(pathToDelete); err != nil {
			p.logger.Warn(
				"failed to delete outdated version",
				"version", versionName,
				logger.ErrAttr(err),
			)
		}
	}
}

// Abort releases DefaultStorage's resources. There is no background worker
// or open file handle to clean up; version directories beyond the retention
// window are reclaimed by cleanupVersions as new ones are committed.
func (p *DefaultStorage) Abort() error { return nil }

// writeAndSyncFile opens or creates a file, writes data to it
// and calls Sync to ensure the data is flushed to stable storage.
func writeAndSyncFile(filename string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

// syncDir opens a directory and calls Sync to ensure its metadata is flushed to stable storage.
func syncDir(dir string) (err error) {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := f.Close(); cerr != nil {
			if err != nil {
				err = errors.Join(err, cerr)
			} else {
				err = cerr
			}
		}
	}()

	return f.Sync()
}
