package api

import (
	"fmt"
	"time"
)

// ServerConfig is the per-server (not cluster-wide) configuration, see
// spec §3. It is validated at construction time.
type ServerConfig struct {
	// AppendRequestThreshold caps the number of in-flight AppendEntries
	// batches queued per peer before backpressure kicks in.
	AppendRequestThreshold int
	// MaxLogSize is the upper bound SnapshotThreshold is validated against.
	// AddEntry does not block on it; log growth is not otherwise limited.
	MaxLogSize int
	// SnapshotThreshold is the minimum number of newly-applied entries
	// since the last snapshot before the apply pipeline requests another.
	SnapshotThreshold int
	// SnapshotTrailing is how many already-applied entries are kept in the
	// log behind a local snapshot, to serve slow-replicating followers
	// without a full InstallSnapshot.
	SnapshotTrailing int
	// EnablePrevoting runs a non-disruptive pre-vote round before a
	// candidate increments its term.
	EnablePrevoting bool
}

// Validate enforces the invariant snapshot_threshold < max_log_size (spec §3).
func (c ServerConfig) Validate() error {
	if c.MaxLogSize <= 0 {
		return fmt.Errorf("%w: max_log_size must be positive", ErrConfigError)
	}
	if c.SnapshotThreshold < 0 {
		return fmt.Errorf("%w: snapshot_threshold must be non-negative", ErrConfigError)
	}
	if c.SnapshotThreshold >= c.MaxLogSize {
		return fmt.Errorf("%w: snapshot_threshold (%d) must be < max_log_size (%d)",
			ErrConfigError, c.SnapshotThreshold, c.MaxLogSize)
	}
	if c.SnapshotTrailing < 0 {
		return fmt.Errorf("%w: snapshot_trailing must be non-negative", ErrConfigError)
	}
	if c.AppendRequestThreshold <= 0 {
		return fmt.Errorf("%w: append_request_threshold must be positive", ErrConfigError)
	}
	return nil
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		AppendRequestThreshold: 64,
		MaxLogSize:             10_000,
		SnapshotThreshold:      1_000,
		SnapshotTrailing:       100,
		EnablePrevoting:        true,
	}
}

// LoggerCfg selects the logging environment.
type LoggerCfg struct {
	Env Environment
}

// Environment is the running environment, selecting log verbosity/format.
type Environment int

const (
	_ Environment = iota
	Prod
	Dev
	Staging
)

// RaftTimings holds every duration the server and protocol FSM use.
type RaftTimings struct {
	ElectionTimeoutBase        time.Duration
	ElectionTimeoutRandomDelta time.Duration
	HeartbeatTimeout           time.Duration
	RPCTimeout                 time.Duration
	ShutdownTimeout            time.Duration
}

// CircuitBreakerCfg tunes the per-peer circuit breaker wrapping outbound RPCs.
type CircuitBreakerCfg struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// FsyncCfg tunes batching of WAL writes.
type FsyncCfg struct {
	BatchSize int
	Timeout   time.Duration
}

// RaftConfig is the full runtime configuration of one server, combining the
// ambient (logging/timings/CB) stack with the per-server ServerConfig.
type RaftConfig struct {
	Log                LoggerCfg
	Timings            RaftTimings
	CBreaker           CircuitBreakerCfg
	Fsync              FsyncCfg
	Server             ServerConfig
	HttpMonitoringAddr string
	GRPCAddr           string
	ApplyQueueSize     int
}

func DefaultConfig() *RaftConfig {
	return &RaftConfig{
		Log: LoggerCfg{Env: Dev},
		Timings: RaftTimings{
			ElectionTimeoutBase:        150 * time.Millisecond,
			ElectionTimeoutRandomDelta: 150 * time.Millisecond,
			HeartbeatTimeout:           60 * time.Millisecond,
			RPCTimeout:                 100 * time.Millisecond,
			ShutdownTimeout:            3 * time.Second,
		},
		CBreaker: CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		Fsync: FsyncCfg{
			BatchSize: 128,
			Timeout:   15 * time.Millisecond,
		},
		Server:         DefaultServerConfig(),
		ApplyQueueSize: 10,
	}
}

func TestsConfig() *RaftConfig {
	cfg := DefaultConfig()
	cfg.Timings = RaftTimings{
		ElectionTimeoutBase:        50 * time.Millisecond,
		ElectionTimeoutRandomDelta: 50 * time.Millisecond,
		HeartbeatTimeout:           15 * time.Millisecond,
		RPCTimeout:                 50 * time.Millisecond,
		ShutdownTimeout:            time.Second,
	}
	cfg.Fsync = FsyncCfg{BatchSize: 4, Timeout: 5 * time.Millisecond}
	return cfg
}
