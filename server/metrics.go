package server

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/arnekt/raftcore/pkg/logger"
)

// metrics tracks server-lifetime counters as plain atomics, exposed as JSON
// over a net/http status endpoint.
type metrics struct {
	entriesAppended    atomic.Int64
	entriesCommitted   atomic.Int64
	entriesApplied     atomic.Int64
	electionsStarted   atomic.Int64
	becameLeaderCount  atomic.Int64
	snapshotsTaken     atomic.Int64
	snapshotsInstalled atomic.Int64
	readBarriers       atomic.Int64
	droppedWaiters     atomic.Int64
}

type metricsSnapshot struct {
	EntriesAppended    int64 `json:"entriesAppended"`
	EntriesCommitted   int64 `json:"entriesCommitted"`
	EntriesApplied     int64 `json:"entriesApplied"`
	ElectionsStarted   int64 `json:"electionsStarted"`
	BecameLeaderCount  int64 `json:"becameLeaderCount"`
	SnapshotsTaken     int64 `json:"snapshotsTaken"`
	SnapshotsInstalled int64 `json:"snapshotsInstalled"`
	ReadBarriers       int64 `json:"readBarriers"`
	DroppedWaiters     int64 `json:"droppedWaiters"`
}

func (m *metrics) snapshot() metricsSnapshot {
	return metricsSnapshot{
		EntriesAppended:    m.entriesAppended.Load(),
		EntriesCommitted:   m.entriesCommitted.Load(),
		EntriesApplied:     m.entriesApplied.Load(),
		ElectionsStarted:   m.electionsStarted.Load(),
		BecameLeaderCount:  m.becameLeaderCount.Load(),
		SnapshotsTaken:     m.snapshotsTaken.Load(),
		SnapshotsInstalled: m.snapshotsInstalled.Load(),
		ReadBarriers:       m.readBarriers.Load(),
		DroppedWaiters:     m.droppedWaiters.Load(),
	}
}

// statusView is what the /status endpoint reports, mixing FSM-derived
// state with the raw metrics counters.
type statusView struct {
	NodeID      string `json:"nodeId"`
	State       string `json:"state"`
	CurrentTerm int64  `json:"currentTerm"`
	CommitIndex int64  `json:"commitIndex"`
	LastApplied int64  `json:"lastApplied"`

	Metrics metricsSnapshot `json:"metrics"`
}

type statusHandler struct {
	srv *Server
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v := h.srv.statusView()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.srv.log.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

func (s *Server) statusView() statusView {
	s.fsmMu.Lock()
	term := s.fsm.CurrentTerm()
	commit := s.fsm.CommitIndex()
	isLeader := s.fsm.IsLeader()
	s.fsmMu.Unlock()

	st := "follower"
	if isLeader {
		st = "leader"
	}

	return statusView{
		NodeID:      s.id.String(),
		State:       st,
		CurrentTerm: int64(term),
		CommitIndex: int64(commit),
		LastApplied: int64(s.lastAppliedIdx.Load()),
		Metrics:     s.metrics.snapshot(),
	}
}

func (s *Server) startMonitoringServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{srv: s})
	s.monitoringServer = &http.Server{Addr: addr, Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.monitoringServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("monitoring server failed", logger.ErrAttr(err))
		}
	}()
}
