package lib

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type inboundPacket struct {
	from Addr
	data []byte
}

type peerOp int

const (
	opSend peerOp = iota
	opAddPeer
	opRemovePeer
)

type outboundPacket struct {
	op   peerOp
	to   Addr
	data []byte
}

// endpoint is the part of an engine shared by both roles: it owns the transport
// handlers, the inbound and outbound queues, the rate limiter, and the block pool.
// Peer table changes travel through the outbound queue so they stay ordered with sends.
type endpoint struct {
	config    *CoreConfig
	transport Transport
	limiter   *RateLimiter
	pool      *ChunkPool
	inbound   *Queue[inboundPacket]
	outbound  *Queue[outboundPacket]
	metrics   *metrics
	lossRng   *rand.Rand
	log       *slog.Logger
	ctx       context.Context
	wg        sync.WaitGroup
}

func newEndpoint(name string, config *CoreConfig, transport Transport, m *metrics, log *slog.Logger) *endpoint {
	e := &endpoint{
		config:    config,
		transport: transport,
		limiter:   NewRateLimiter(config.MaxBufferedTx, log),
		pool: NewChunkPool(name+": ", config.PayloadPoolSize, config.MaxBlockSize, config.PoolDebug,
			time.Duration(config.ProcessTimeThreshold)*time.Millisecond),
		inbound:  NewQueue[inboundPacket](config.InboundQueueSize),
		outbound: NewQueue[outboundPacket](config.OutboundQueueSize),
		metrics:  m,
		lossRng:  rand.New(rand.NewSource(time.Now().UnixNano())),
		log:      log,
		ctx:      context.Background(),
	}
	transport.SetHandlers(e.onRecv, e.onSent)
	return e
}

// start launches the sender goroutine.
func (e *endpoint) start(ctx context.Context) {
	e.ctx = ctx
	e.wg.Add(1)
	go e.handleOutgoingPackets(ctx)
}

func (e *endpoint) wait() {
	e.wg.Wait()
}

// onRecv runs on the transport goroutine and never blocks.
func (e *endpoint) onRecv(from Addr, data []byte) {
	if !e.inbound.TryPush(inboundPacket{from: from, data: data}) {
		e.metrics.packetsDropped.Add(1)
		e.log.Debug("inbound queue full, packet dropped", "from", from, "len", len(data))
	}
}

func (e *endpoint) onSent(to Addr, err error) {
	e.limiter.Release()
	if err != nil {
		e.metrics.sendFailures.Add(1)
		e.log.Debug("send completion reported failure", "to", to, "err", err)
	}
}

// send queues p for to. A full outbound queue drops the packet; the retransmit
// path recovers it.
func (e *endpoint) send(to Addr, p *Packet) bool {
	data, err := p.MarshalBinary()
	if err != nil {
		e.log.Error("cannot encode packet", "packet", p.String(), "err", err)
		return false
	}
	if !e.outbound.TryPush(outboundPacket{op: opSend, to: to, data: data}) {
		e.metrics.packetsDropped.Add(1)
		e.log.Debug("outbound queue full, packet dropped", "to", to, "type", p.Type)
		return false
	}
	if e.config.Debug {
		e.log.Debug("queued", "to", to, "packet", p.String())
	}
	return true
}

func (e *endpoint) addPeer(addr Addr) {
	e.control(outboundPacket{op: opAddPeer, to: addr})
}

func (e *endpoint) removePeer(addr Addr) {
	e.control(outboundPacket{op: opRemovePeer, to: addr})
}

// control waits for room in the outbound queue, bounded by DrainTimeout. Once
// the sender is gone the change is applied directly.
func (e *endpoint) control(op outboundPacket) {
	if e.ctx.Err() != nil {
		e.applyControl(op)
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.config.DrainTimeout)
	defer cancel()
	if err := e.outbound.Push(ctx, op); err != nil {
		e.log.Warn("peer table update not queued", "peer", op.to, "err", err)
	}
}

func (e *endpoint) applyControl(op outboundPacket) {
	switch op.op {
	case opAddPeer:
		if err := e.transport.AddPeer(op.to); err != nil {
			e.log.Warn("cannot register peer", "peer", op.to, "err", err)
		}
	case opRemovePeer:
		if err := e.transport.RemovePeer(op.to); err != nil {
			e.log.Warn("cannot deregister peer", "peer", op.to, "err", err)
		}
	}
}

// decode parses an inbound datagram, counting malformed ones.
func (e *endpoint) decode(in inboundPacket) (*Packet, bool) {
	p := &Packet{}
	if err := p.Unmarshal(in.data); err != nil {
		e.metrics.malformedPackets.Add(1)
		e.log.Debug("dropping malformed packet", "from", in.from, "err", err)
		return nil, false
	}
	if e.config.Debug {
		e.log.Debug("received", "from", in.from, "packet", p.String())
	}
	return p, true
}

func (e *endpoint) handleOutgoingPackets(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case out := <-e.outbound.C():
			if out.op != opSend {
				e.applyControl(out)
				continue
			}

			if err := e.limiter.Acquire(ctx); err != nil {
				return
			}
			if e.config.PacketLostSimulation && e.lossRng.Intn(e.config.PacketLossMod) == 0 {
				e.limiter.Release()
				e.metrics.packetsDropped.Add(1)
				e.log.Debug("simulated packet loss", "to", out.to, "len", len(out.data))
				continue
			}
			if err := e.transport.Send(out.to, out.data); err != nil {
				e.limiter.Release()
				e.metrics.sendFailures.Add(1)
				e.log.Warn("send failed", "to", out.to, "err", err)
				continue
			}
			e.metrics.packetsSent.Add(1)
		}
	}
}
