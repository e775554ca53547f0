package testsim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/internal/retry"
	"github.com/arnekt/raftcore/pkg/logger"
)

const staleLeader = -1

// Client is a leader-seeking client for a cluster of in-process api.Server
// handles, used by the scenario tests below. It caches the last known
// leader and re-discovers on any NotALeaderError, the same shape as a real
// client talking to the cluster over the network would use, minus the RPC
// dialing.
type Client struct {
	logger         *slog.Logger
	requestTimeout time.Duration
	servers        []api.Server

	mu       sync.RWMutex
	leaderId int
}

func NewClient(servers []api.Server, reqTimeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		_, log = logger.NewTestLogger()
	}
	return &Client{
		logger:         log,
		requestTimeout: reqTimeout,
		servers:        servers,
		leaderId:       staleLeader,
	}
}

// Submit submits cmd for replication and waits for it to commit, retrying
// against a freshly discovered leader whenever the contacted server turns
// out not to be one.
func (c *Client) Submit(ctx context.Context, cmd []byte) (*api.SubmitResult, error) {
	var result api.SubmitResult

	err := retry.Do(ctx, func(ctx context.Context) error {
		leader, err := c.getLeader(ctx)
		if err != nil {
			return err
		}

		resultCh, errCh := c.servers[leader].AddEntry(ctx, cmd, api.WaitCommitted)
		select {
		case r := <-resultCh:
			result = r
			return nil
		case err := <-errCh:
			if nl, ok := api.AsNotALeader(err); ok {
				c.logger.Debug("contacted node is not leader, retrying", "node_id", leader)
				c.invalidateLeader(leader, nl.Hint)
				return err
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}, retry.WithMaxAttempts(len(c.servers)+1))

	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Read performs a query: a read barrier against the leader followed by a
// direct read against sm, the state machine the caller passed in (which is
// not necessarily the leader's).
func (c *Client) Read(ctx context.Context, sm api.StateMachine, query []byte) ([]byte, error) {
	var data []byte

	err := retry.Do(ctx, func(ctx context.Context) error {
		leader, err := c.getLeader(ctx)
		if err != nil {
			return err
		}

		if err := c.servers[leader].ReadBarrier(ctx); err != nil {
			if nl, ok := api.AsNotALeader(err); ok {
				c.logger.Debug("contacted node is not leader for read, retrying", "node_id", leader)
				c.invalidateLeader(leader, nl.Hint)
				return err
			}
			return err
		}

		data, err = sm.Read(ctx, query)
		return err
	}, retry.WithMaxAttempts(len(c.servers)+1))

	if err != nil {
		return nil, err
	}
	return data, nil
}

// getLeader returns the cached leader id, discovering one if the cache is
// stale. Safe for concurrent use.
func (c *Client) getLeader(ctx context.Context) (int, error) {
	c.mu.RLock()
	leader := c.leaderId
	c.mu.RUnlock()
	if leader != staleLeader {
		return leader, nil
	}

	discovered, err := c.discoverLeader(ctx)
	if err != nil {
		return -1, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderId != staleLeader {
		return c.leaderId, nil
	}
	c.leaderId = discovered
	return c.leaderId, nil
}

// invalidateLeader clears the cached leader if it still matches current,
// adopting hint as the new cached leader when one was offered.
func (c *Client) invalidateLeader(current int, hint *api.ServerId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderId != current {
		return
	}
	if hint != nil {
		for i, s := range c.servers {
			if s.ID() == *hint {
				c.leaderId = i
				return
			}
		}
	}
	c.leaderId = staleLeader
}

func (c *Client) discoverLeader(ctx context.Context) (int, error) {
	tctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	for i, s := range c.servers {
		if s.IsLeader() {
			return i, nil
		}
		select {
		case <-tctx.Done():
			return -1, tctx.Err()
		default:
		}
	}
	return -1, errors.New("raftcore: leader discovery failed: no server believes itself leader")
}
