package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arnekt/raftcore/api"
	"github.com/arnekt/raftcore/internal/cbreaker"
	"github.com/arnekt/raftcore/internal/retry"
	"github.com/arnekt/raftcore/pkg/logger"
	"github.com/arnekt/raftcore/protocol"
)

// dispatcher fans outbound messages from a protocol.Batch out to the
// transport, each guarded by a per-peer circuit breaker and a bounded
// retry. A tripped breaker for a down peer must never stall delivery to
// the rest of the cluster, which is why one-off sends are fire-and-forget
// rather than awaited by the I/O pipeline. AppendEntries requests go
// through a per-peer FIFO chain instead (sendAppend): that is the
// replication stream's backpressure boundary, so at most one append send
// per peer is ever outstanding.
type dispatcher struct {
	ctx        context.Context
	transport  api.Transport
	cfg        api.CircuitBreakerCfg
	rpcTimeout time.Duration
	chainSize  int

	mu       sync.Mutex
	breakers map[api.ServerId]*cbreaker.CircuitBreaker
	chains   map[api.ServerId]chan protocol.OutboundMessage

	log *slog.Logger
}

func newDispatcher(ctx context.Context, transport api.Transport, cfg api.CircuitBreakerCfg, rpcTimeout time.Duration, chainSize int, log *slog.Logger) *dispatcher {
	return &dispatcher{
		ctx:        ctx,
		transport:  transport,
		cfg:        cfg,
		rpcTimeout: rpcTimeout,
		chainSize:  chainSize,
		breakers:   make(map[api.ServerId]*cbreaker.CircuitBreaker),
		chains:     make(map[api.ServerId]chan protocol.OutboundMessage),
		log:        log,
	}
}

// sendAppend enqueues msg onto its destination's serialized chain, started
// lazily on first use. The channel's bounded capacity is the backpressure:
// once it fills, further appends to that peer block the caller rather than
// spawning another concurrent send.
func (d *dispatcher) sendAppend(ctx context.Context, msg protocol.OutboundMessage) {
	ch := d.chainFor(msg.To)
	select {
	case ch <- msg:
	case <-ctx.Done():
	case <-d.ctx.Done():
	}
}

func (d *dispatcher) chainFor(id api.ServerId) chan protocol.OutboundMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.chains[id]; ok {
		return ch
	}
	ch := make(chan protocol.OutboundMessage, d.chainSize)
	d.chains[id] = ch
	go d.runChain(id, ch)
	return ch
}

func (d *dispatcher) runChain(id api.ServerId, ch chan protocol.OutboundMessage) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case msg := <-ch:
			d.send(d.ctx, msg)
		}
	}
}

func (d *dispatcher) breakerFor(id api.ServerId) *cbreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.breakers[id]; ok {
		return b
	}
	b := cbreaker.NewCircuitBreaker(d.cfg.FailureThreshold, d.cfg.SuccessThreshold, d.cfg.ResetTimeout)
	d.breakers[id] = b
	return b
}

func (d *dispatcher) send(ctx context.Context, msg protocol.OutboundMessage) {
	b := d.breakerFor(msg.To)
	fn := func(ctx context.Context) error {
		return d.sendOnce(ctx, msg)
	}

	_, err := cbreaker.Do(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, retry.Do(ctx, fn)
	})
	if err != nil && err != cbreaker.ErrOpenState {
		d.log.Warn("failed to dispatch message", "to", msg.To, logger.ErrAttr(err))
	}
}

func (d *dispatcher) sendOnce(parent context.Context, msg protocol.OutboundMessage) error {
	ctx, cancel := context.WithTimeout(parent, d.rpcTimeout)
	defer cancel()

	switch {
	case msg.AppendEntries != nil:
		return d.transport.SendAppendEntries(ctx, msg.To, msg.AppendEntries)
	case msg.AppendEntriesReply != nil:
		return d.transport.SendAppendEntriesReply(ctx, msg.To, msg.AppendEntriesReply)
	case msg.RequestVote != nil:
		return d.transport.SendRequestVote(ctx, msg.To, msg.RequestVote)
	case msg.RequestVoteReply != nil:
		return d.transport.SendRequestVoteReply(ctx, msg.To, msg.RequestVoteReply)
	case msg.TimeoutNow != nil:
		return d.transport.SendTimeoutNow(ctx, msg.To, msg.TimeoutNow)
	case msg.ReadQuorum != nil:
		return d.transport.SendReadQuorum(ctx, msg.To, msg.ReadQuorum)
	case msg.ReadQuorumReply != nil:
		return d.transport.SendReadQuorumReply(ctx, msg.To, msg.ReadQuorumReply)
	default:
		return nil
	}
}
