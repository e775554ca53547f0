package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/pkg/logger"
)

const (
	metadataFileName = "metadata.json"
	walFileName      = "log.wal"
	snapFileName     = "snapshot.bin"
	tmpSuffix        = ".tmp"
)

const entryHeaderSize = 8 // 4 bytes for length, 4 for CRC

//  ______________________________________________________________ ...
// | Entry length (4 byte)     | CRC Hash (4 byte) |  gob-encoded   ...
// |___________________________|___________________|______________ ...

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func init() {
	// ServerAddress.Info is an any; every transport in this module stores a
	// string there, so that's the only concrete type gob ever needs to know
	// about to round-trip a ClusterConfiguration through the WAL.
	gob.Register("")
}

// walMetadata represents the data stored in metadata.json: term/vote plus
// the descriptor of the most recently persisted snapshot, if any.
type walMetadata struct {
	CurrentTerm int64  `json:"current_term"`
	HasVotedFor bool   `json:"has_voted_for"`
	VotedFor    uint64 `json:"voted_for"`

	HasSnapshot       bool                     `json:"has_snapshot"`
	SnapshotId        uint64                   `json:"snapshot_id"`
	LastIncludedIndex int64                    `json:"last_included_index"`
	LastIncludedTerm  int64                    `json:"last_included_term"`
	SnapshotConf      api.ClusterConfiguration `json:"snapshot_configuration"`
}

type opType int

const (
	opStoreLogEntries opType = iota
	opStoreTermAndVote
	opStoreSnapshotDescriptor
	opTruncateLog
)

type termAndVoteReq struct {
	term api.Term
	vote *api.ServerId
}

type snapshotReq struct {
	desc     api.SnapshotDescriptor
	data     []byte
	trailing int
}

// persistRequest is a request sent to the persister worker.
type persistRequest struct {
	op      opType
	data    any
	errChan chan error
}

// WALStorage implements api.Persister using an append-only WAL file plus a
// background worker that batches log writes before fsyncing. Term/vote and
// snapshot descriptor changes are synchronous and flush any pending batch
// first, so a caller blocked on StoreTermAndVote never returns before an
// in-flight StoreLogEntries batch is durable.
//
// Safe for concurrent use.
type WALStorage struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	dir      string
	fsyncCfg api.FsyncCfg

	metadataPath string
	walPath      string
	snapshotPath string

	walFile      *os.File
	metadata     walMetadata
	opChan       chan *persistRequest
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	abortOnce    sync.Once
	abortErr     error
}

var _ api.Persister = (*WALStorage)(nil)

// NewWALStorage creates a new WALStorage and starts its background persister worker.
func NewWALStorage(dir string, log *slog.Logger, cfg api.FsyncCfg) (*WALStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}

	ws := &WALStorage{
		logger:       log,
		dir:          dir,
		fsyncCfg:     cfg,
		metadataPath: filepath.Join(dir, metadataFileName),
		walPath:      filepath.Join(dir, walFileName),
		snapshotPath: filepath.Join(dir, snapFileName),
		opChan:       make(chan *persistRequest, cfg.BatchSize*2),
		shutdownChan: make(chan struct{}),
	}

	if err := ws.load(); err != nil {
		return nil, fmt.Errorf("failed to load WAL data: %w", err)
	}

	walFile, err := os.OpenFile(ws.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", ws.walPath, err)
	}
	ws.walFile = walFile

	ws.wg.Add(1)
	go ws.persister()

	return ws, nil
}

// Abort stops the background persister worker and closes the WAL file.
// Safe to call more than once; only the first call's result is returned.
func (ws *WALStorage) Abort() error {
	ws.abortOnce.Do(func() {
		close(ws.shutdownChan)
		ws.wg.Wait()
		ws.abortErr = ws.walFile.Close()
	})
	return ws.abortErr
}

// submitRequest sends a request to the persister worker and waits for a response.
func (ws *WALStorage) submitRequest(op opType, data any) error {
	req := &persistRequest{
		op:      op,
		data:    data,
		errChan: make(chan error, 1),
	}
	ws.opChan <- req
	return <-req.errChan
}

// stopTimer safely stops a timer and drains its channel if the stop fails.
// This is the required pattern for reusing a timer.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// persister is the background worker that batches and writes to disk.
func (ws *WALStorage) persister() {
	defer ws.wg.Done()
	batch := make([]*persistRequest, 0, ws.fsyncCfg.BatchSize)
	timer := time.NewTimer(ws.fsyncCfg.Timeout)
	stopTimer(timer)

	for {
		select {
		case req := <-ws.opChan:
			if req.op == opStoreLogEntries {
				batch = append(batch, req)
				if len(batch) == 1 {
					timer.Reset(ws.fsyncCfg.Timeout)
				}
				if len(batch) >= ws.fsyncCfg.BatchSize {
					ws.flush(batch)
					batch = batch[:0]
					stopTimer(timer)
				}
			} else {
				// Non-append ops need a consistent view of the WAL, so any
				// pending batch goes out first.
				if len(batch) > 0 {
					ws.flush(batch)
					batch = batch[:0]
					stopTimer(timer)
				}
				ws.handleSyncOp(req)
			}
		case <-timer.C:
			if len(batch) > 0 {
				ws.flush(batch)
				batch = batch[:0]
			}
		case <-ws.shutdownChan:
			if len(batch) > 0 {
				ws.flush(batch)
			}
			return
		}
	}
}

// handleSyncOp handles non-batchable operations.
func (ws *WALStorage) handleSyncOp(req *persistRequest) {
	var err error
	switch req.op {
	case opStoreTermAndVote:
		data := req.data.(termAndVoteReq)
		err = ws.storeTermAndVote(data.term, data.vote)
	case opStoreSnapshotDescriptor:
		data := req.data.(snapshotReq)
		err = ws.storeSnapshotDescriptor(data)
	case opTruncateLog:
		data := req.data.(api.Index)
		err = ws.truncateLog(data)
	default:
		err = fmt.Errorf("unknown op type: %v", req.op)
	}
	req.errChan <- err
}

// flush writes a batch of append requests to disk and fsyncs.
func (ws *WALStorage) flush(batch []*persistRequest) {
	var totalErr error
	for _, req := range batch {
		entries := req.data.([]api.LogEntry)
		for i := range entries {
			encoded, err := encodeEntry(&entries[i])
			if err != nil {
				totalErr = errors.Join(totalErr, fmt.Errorf("failed to encode entry: %w", err))
				continue
			}
			if _, err := ws.walFile.Write(encoded); err != nil {
				totalErr = errors.Join(totalErr, fmt.Errorf("failed to write to WAL file: %w", err))
			}
		}
	}

	if totalErr == nil {
		if err := ws.walFile.Sync(); err != nil {
			totalErr = fmt.Errorf("failed to sync WAL file: %w", err)
		}
	}

	for _, req := range batch {
		req.errChan <- totalErr
	}
}

// load reads metadata from disk into memory and validates the WAL.
func (ws *WALStorage) load() error {
	metaData, err := os.ReadFile(ws.metadataPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}
	if len(metaData) > 0 {
		if err := json.Unmarshal(metaData, &ws.metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	f, err := os.Open(ws.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open WAL file for validation: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	for {
		_, err := decodeEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("failed to decode/validate WAL entry: %w", err)
		}
	}
	return nil
}

func (ws *WALStorage) readLog() ([]api.LogEntry, error) {
	f, err := os.Open(ws.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL file for reading: %w", err)
	}
	defer f.Close()

	var log []api.LogEntry
	reader := bufio.NewReader(f)
	for {
		entry, err := decodeEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode WAL entry: %w", err)
		}
		log = append(log, *entry)
	}
	return log, nil
}

// rewriteWAL replaces the WAL file's contents with entries, used to drop a
// truncated suffix or the prefix a snapshot now subsumes. Assumes ws.mu is
// held.
func (ws *WALStorage) rewriteWAL(entries []api.LogEntry) error {
	buf := new(bytes.Buffer)
	for i := range entries {
		encoded, err := encodeEntry(&entries[i])
		if err != nil {
			return fmt.Errorf("failed to encode entry for WAL rewrite: %w", err)
		}
		buf.Write(encoded)
	}

	if ws.walFile != nil {
		if err := ws.walFile.Close(); err != nil {
			ws.logger.Warn("failed to close WAL file before rewrite", logger.ErrAttr(err))
		}
	}

	if err := syncFile(ws.walPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to sync rewritten WAL file: %w", err)
	}

	newFile, err := os.OpenFile(ws.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file after rewrite: %w", err)
	}
	ws.walFile = newFile
	return nil
}

func (ws *WALStorage) LoadTermAndVote() (api.Term, *api.ServerId, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if !ws.metadata.HasVotedFor {
		return api.Term(ws.metadata.CurrentTerm), nil, nil
	}
	v := api.ServerId(ws.metadata.VotedFor)
	return api.Term(ws.metadata.CurrentTerm), &v, nil
}

func (ws *WALStorage) LoadSnapshotDescriptor() (*api.SnapshotDescriptor, []byte, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if !ws.metadata.HasSnapshot {
		return nil, nil, nil
	}
	desc := &api.SnapshotDescriptor{
		Id:   api.SnapshotId(ws.metadata.SnapshotId),
		Idx:  api.Index(ws.metadata.LastIncludedIndex),
		Term: api.Term(ws.metadata.LastIncludedTerm),
		Conf: ws.metadata.SnapshotConf,
	}
	data, err := os.ReadFile(ws.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return desc, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	return desc, data, nil
}

func (ws *WALStorage) LoadLog() ([]api.LogEntry, error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.readLog()
}

func (ws *WALStorage) StoreTermAndVote(term api.Term, vote *api.ServerId) error {
	return ws.submitRequest(opStoreTermAndVote, termAndVoteReq{term: term, vote: vote})
}

func (ws *WALStorage) storeTermAndVote(term api.Term, vote *api.ServerId) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	newMeta := ws.metadata
	newMeta.CurrentTerm = int64(term)
	if vote != nil {
		newMeta.HasVotedFor = true
		newMeta.VotedFor = uint64(*vote)
	} else {
		newMeta.HasVotedFor = false
		newMeta.VotedFor = 0
	}
	return ws.commitMetadata(newMeta)
}

func (ws *WALStorage) StoreLogEntries(entries []api.LogEntry) error {
	return ws.submitRequest(opStoreLogEntries, entries)
}

// TruncateLog removes the persisted suffix starting at fromIdx, used when a
// follower's AppendEntries conflict-resolution discards entries that never
// committed.
func (ws *WALStorage) TruncateLog(fromIdx api.Index) error {
	return ws.submitRequest(opTruncateLog, fromIdx)
}

func (ws *WALStorage) truncateLog(fromIdx api.Index) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	log, err := ws.readLog()
	if err != nil {
		return fmt.Errorf("failed to read log before truncate: %w", err)
	}
	kept := log[:0:0]
	for _, e := range log {
		if e.Idx < fromIdx {
			kept = append(kept, e)
		}
	}
	return ws.rewriteWAL(kept)
}

// StoreSnapshotDescriptor persists a new snapshot and trims the WAL down to
// the trailing window behind it, keeping entries a slow follower might
// still be caught up on without a full InstallSnapshot transfer.
func (ws *WALStorage) StoreSnapshotDescriptor(desc api.SnapshotDescriptor, data []byte, trailing int) error {
	return ws.submitRequest(opStoreSnapshotDescriptor, snapshotReq{desc: desc, data: data, trailing: trailing})
}

func (ws *WALStorage) storeSnapshotDescriptor(req snapshotReq) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	keepFrom := req.desc.Idx - api.Index(req.trailing)
	if keepFrom < api.Index(ws.metadata.LastIncludedIndex) {
		keepFrom = api.Index(ws.metadata.LastIncludedIndex)
	}

	log, err := ws.readLog()
	if err != nil {
		return fmt.Errorf("failed to read log before snapshot trim: %w", err)
	}
	kept := log[:0:0]
	for _, e := range log {
		if e.Idx > keepFrom {
			kept = append(kept, e)
		}
	}
	if err := ws.rewriteWAL(kept); err != nil {
		return err
	}

	if req.data != nil {
		if err := syncFile(ws.snapshotPath, req.data, 0644); err != nil {
			return fmt.Errorf("failed to sync snapshot file: %w", err)
		}
	}

	newMeta := ws.metadata
	newMeta.HasSnapshot = true
	newMeta.SnapshotId = uint64(req.desc.Id)
	newMeta.LastIncludedIndex = int64(req.desc.Idx)
	newMeta.LastIncludedTerm = int64(req.desc.Term)
	newMeta.SnapshotConf = req.desc.Conf
	return ws.commitMetadata(newMeta)
}

func (ws *WALStorage) commitMetadata(newMeta walMetadata) error {
	metaBytes, err := json.Marshal(newMeta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := syncFile(ws.metadataPath, metaBytes, 0644); err != nil {
		return fmt.Errorf("failed to sync metadata file: %w", err)
	}
	ws.metadata = newMeta
	return nil
}

func encodeEntry(entry *api.LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	payload := buf.Bytes()
	header := make([]byte, entryHeaderSize)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.Checksum(payload, crc32cTable))
	return append(header, payload...), nil
}

func decodeEntry(r io.Reader) (*api.LogEntry, error) {
	header := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	crc := binary.BigEndian.Uint32(header[4:8])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	if actualCRC := crc32.Checksum(payload, crc32cTable); actualCRC != crc {
		return nil, fmt.Errorf("crc mismatch: expected %d, got %d", crc, actualCRC)
	}

	entry := new(api.LogEntry)
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(entry); err != nil {
		return nil, fmt.Errorf("failed to decode log entry: %w", err)
	}
	return entry, nil
}

func syncFile(path string, data []byte, perm os.FileMode) error {
	tempPath := path + tmpSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return err
	}
	f.Close()
	return os.Rename(tempPath, path)
}
