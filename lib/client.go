package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

type ClientState int32

// restartAfterStalls is how many silent retransmit intervals a read survives
// before the collector requests it again.
const restartAfterStalls = 4

const (
	ClientFindingPeer ClientState = iota
	ClientLoadingList
	ClientWaitingForWrites
	ClientStartingRead
	ClientActive
)

func (s ClientState) String() string {
	switch s {
	case ClientFindingPeer:
		return "FINDING_PEER"
	case ClientLoadingList:
		return "LOADING_LIST"
	case ClientWaitingForWrites:
		return "WAITING_FOR_WRITES"
	case ClientStartingRead:
		return "STARTING_READ"
	case ClientActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

// clientTransfer tracks one READ_REQUEST on the collector.
type clientTransfer struct {
	active         bool
	tag            uint8
	entry          DirEntry // Size is the resume offset
	window         uint32
	blockSize      int
	contiguous     uint32 // highest block delivered in order
	highest        uint32 // highest block received
	lastAck        uint32
	eofBlock       uint32 // short block number, 0 until seen
	offset         uint32 // file offset of the next in order byte
	gaps           map[uint32]*Chunk
	gotData        bool
	lastProgress   time.Time
	lastRetransmit time.Time
	retransmitSent bool
	retransmitBase uint32 // lastAck when the last early RETRANSMIT went out
	stalls         int    // stall timer expiries since the last new block
}

// missing lists blocks after contiguous and up to upTo that have not arrived.
func (x *clientTransfer) missing(upTo uint32) []uint16 {
	var blocks []uint16
	for b := x.contiguous + 1; b <= upTo && len(blocks) < MaxRetransmitBlocks; b++ {
		if _, ok := x.gaps[b]; !ok {
			blocks = append(blocks, wireBlock(b))
		}
	}
	return blocks
}

func (x *clientTransfer) release() {
	for b, c := range x.gaps {
		c.Release()
		delete(x.gaps, b)
	}
}

// Client is the collector role: it finds a node, reads its directory, and
// fetches every file that is missing or shorter locally.
type Client struct {
	config   *CoreConfig
	ep       *endpoint
	store    BlockStore
	local    BlockStore
	pipe     *WritePipe
	entries  *EntryRing
	parser   *DirectoryParser
	backoff  *syncBackoff
	cmds     *Queue[func()]
	log      *slog.Logger
	metrics  metrics
	state    atomic.Int32
	mu       sync.Mutex
	session  *Session
	xfer     clientTransfer
	finished *DirEntry
	nextSync time.Time
	lastTag  uint8

	onIdle        func()
	onTimeout     func(error)
	onTransferEnd func(DirEntry)
}

func NewClient(config *CoreConfig, transport Transport, store BlockStore, log *slog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("role", "collector")
	c := &Client{
		config:  config,
		store:   store,
		local:   store,
		pipe:    NewWritePipe(store, config.Pipeline, log.With("component", "write_pipe")),
		entries: NewEntryRing(config.EntryQueueSize),
		backoff: newSyncBackoff(config, rand.New(rand.NewSource(time.Now().UnixNano()))),
		cmds:    NewQueue[func()](config.CommandQueueSize),
		log:     log,
	}
	c.ep = newEndpoint("collector", config, transport, &c.metrics, log)
	c.parser = NewDirectoryParser(store, c.entries, log)
	return c, nil
}

// OnIdle registers f to run when the fetch sequence of a session completes.
func (c *Client) OnIdle(f func()) { c.onIdle = f }

// OnTimeout registers f to run when a session ends for peer inactivity.
func (c *Client) OnTimeout(f func(error)) { c.onTimeout = f }

// OnTransferEnd registers f to run once a fetched file is fully on storage.
// The entry carries the offset the fetch resumed from.
func (c *Client) OnTransferEnd(f func(DirEntry)) { c.onTransferEnd = f }

func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Session returns a copy of the current session.
func (c *Client) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

func (c *Client) Metrics() Metrics {
	return c.metrics.snapshot()
}

// InFlight reports the datagrams handed to the transport and not yet completed.
func (c *Client) InFlight() int {
	return c.ep.limiter.InFlight()
}

// BeginRead asks the engine to read file from offset with the given window,
// replacing any read in progress. It needs an established session.
func (c *Client) BeginRead(file FileID, offset uint32, window uint16) error {
	if !c.cmds.TryPush(func() {
		c.beginRead(DirEntry{File: file, Size: offset}, window, time.Now())
	}) {
		return fmt.Errorf("begin read of file %d: command queue full", file)
	}
	return nil
}

// Run drives the collector until ctx ends.
func (c *Client) Run(ctx context.Context) error {
	workers, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pipe.Run(workers)
	}()
	c.ep.start(workers)

	ticker := time.NewTicker(c.config.TickInterval)
	defer ticker.Stop()
	c.tick(time.Now())

	for {
		select {
		case <-ctx.Done():
			c.teardown(nil, time.Now())
			stop()
			wg.Wait()
			c.ep.wait()
			return nil
		case in := <-c.ep.inbound.C():
			c.handlePacket(in, time.Now())
		case cmd := <-c.cmds.C():
			cmd()
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Client) setState(s ClientState) {
	if old := ClientState(c.state.Swap(int32(s))); old != s {
		c.log.Debug("state change", "from", old, "to", s)
	}
}

func (c *Client) handlePacket(in inboundPacket, now time.Time) {
	c.metrics.packetsReceived.Add(1)
	if c.State() == ClientFindingPeer {
		if IsSync(in.data) {
			c.handshake(in.from, now)
		}
		return
	}
	sess := c.session
	if sess == nil || in.from != sess.Peer {
		c.metrics.foreignPackets.Add(1)
		return
	}
	c.mu.Lock()
	sess.LastActivity = now
	c.mu.Unlock()

	p, ok := c.ep.decode(in)
	if !ok {
		return
	}
	switch p.Type {
	case PacketSync:
		// echo of our own handshake
	case PacketData:
		c.handleData(p, now)
	case PacketError:
		c.handleError(p, now)
	default:
		c.log.Debug("ignoring packet not meant for a collector", "type", p.Type)
	}
}

func (c *Client) handshake(peer Addr, now time.Time) {
	sess := newSession(peer, now)
	c.ep.addPeer(peer)
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.metrics.sessions.Add(1)
	c.backoff.Reset()

	c.local = c.store
	if scoped, ok := c.store.(PeerScoped); ok {
		c.local = scoped.ForPeer(peer)
	}
	c.pipe.SetStore(c.local)
	c.entries.Reset()
	c.parser.Reset(c.local)
	c.finished = nil

	c.log.Info("peer found", "peer", peer, "session", sess.ID)
	c.beginRead(DirEntry{File: DirectoryFile}, uint16(c.config.WindowSize), now)
}

func (c *Client) beginRead(entry DirEntry, window uint16, now time.Time) {
	sess := c.session
	if sess == nil {
		c.log.Warn("read requested without a peer", "file", entry.File)
		return
	}
	c.abortTransfer()
	if window == 0 {
		window = uint16(c.config.WindowSize)
	}
	if entry.File == DirectoryFile {
		c.parser.Reset(c.local)
	}
	c.lastTag++
	c.xfer = clientTransfer{
		active:         true,
		tag:            c.lastTag,
		entry:          entry,
		window:         uint32(window),
		blockSize:      c.config.BlockSize,
		offset:         entry.Size,
		gaps:           make(map[uint32]*Chunk),
		lastProgress:   now,
		lastRetransmit: now,
	}
	c.sendRequest()
	if entry.File == DirectoryFile {
		c.setState(ClientLoadingList)
	} else {
		c.setState(ClientActive)
	}
	c.log.Info("reading file", "session", sess.ID, "file", entry.File, "offset", entry.Size, "window", window)
}

func (c *Client) sendRequest() {
	x := &c.xfer
	c.ep.send(c.session.Peer, NewReadRequest(x.tag, x.entry.File, x.entry.Size, uint16(x.window), uint16(x.blockSize)))
}

func (c *Client) sendAck(block uint32) {
	if block == 0 {
		return
	}
	c.xfer.lastAck = block
	c.ep.send(c.session.Peer, NewAckPacket(c.xfer.tag, wireBlock(block)))
}

func (c *Client) sendRetransmit(blocks []uint16, now time.Time) {
	c.xfer.lastRetransmit = now
	c.metrics.retransmitRequests.Add(1)
	c.log.Debug("requesting retransmit", "file", c.xfer.entry.File, "blocks", blocks)
	c.ep.send(c.session.Peer, NewRetransmitPacket(c.xfer.tag, blocks))
}

func (c *Client) handleData(p *Packet, now time.Time) {
	x := &c.xfer
	if !x.active || p.Tag != x.tag {
		// left over from an earlier read
		c.metrics.duplicateBlocks.Add(1)
		return
	}
	if len(p.Payload) > x.blockSize {
		c.metrics.malformedPackets.Add(1)
		return
	}
	block := expandBlock(p.Block, x.contiguous+1)
	if block <= x.contiguous {
		c.metrics.duplicateBlocks.Add(1)
		return
	}
	if block > x.contiguous+2*x.window || (x.eofBlock != 0 && block > x.eofBlock) {
		return
	}
	if _, ok := x.gaps[block]; ok {
		c.metrics.duplicateBlocks.Add(1)
		return
	}
	chunk, err := c.ep.pool.Get(p.Payload)
	if err != nil {
		c.metrics.packetsDropped.Add(1)
		c.log.Debug("no buffer for block", "block", block, "err", err)
		return
	}
	x.gaps[block] = chunk
	x.gotData = true
	x.lastProgress = now
	x.stalls = 0
	if block > x.highest {
		x.highest = block
	}
	if len(p.Payload) < x.blockSize && (x.eofBlock == 0 || block < x.eofBlock) {
		x.eofBlock = block
		for b, ch := range x.gaps {
			if b > block {
				ch.Release()
				delete(x.gaps, b)
			}
		}
		if x.highest > block {
			x.highest = block
		}
	}
	c.deliver(now)
}

// deliver moves in order blocks to the directory parser or the write pipe, then
// acknowledges progress and detects the end of the file.
func (c *Client) deliver(now time.Time) {
	x := &c.xfer
	if !x.active {
		return
	}
	for {
		chunk, ok := x.gaps[x.contiguous+1]
		if !ok {
			break
		}
		data := chunk.Bytes()
		n := len(data)
		if x.entry.File == DirectoryFile {
			c.parser.Feed(data)
		} else if !c.push(data) {
			break
		}
		delete(x.gaps, x.contiguous+1)
		chunk.Release()
		x.contiguous++
		x.offset += uint32(n)
		c.metrics.bytesReceived.Add(uint64(n))
	}

	if x.eofBlock != 0 && x.contiguous == x.eofBlock {
		c.sendAck(x.contiguous)
		c.completeFile(now)
		return
	}
	step := x.window / 2
	if step == 0 {
		step = 1
	}
	if x.contiguous >= x.lastAck+step {
		c.sendAck(x.contiguous)
	}
	c.requestMissing(now)
}

// push hands one block to the write pipe, opening the file on first use.
func (c *Client) push(data []byte) bool {
	x := &c.xfer
	if !c.pipe.IsOpen() {
		if err := c.pipe.Err(); err != nil {
			// tick tears the session down
			return false
		}
		if err := c.pipe.Open(x.entry.File, x.offset); err != nil {
			return false
		}
	}
	err := c.pipe.TryPush(x.offset, data)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPipeFull):
		// retried from tick once the consumer catches up
	default:
		c.log.Error("write pipe rejected block", "file", x.entry.File, "offset", x.offset, "err", err)
	}
	return false
}

// requestMissing sends one RETRANSMIT per window cycle once the node has sent
// everything it may send and holes remain.
func (c *Client) requestMissing(now time.Time) {
	x := &c.xfer
	if x.highest <= x.contiguous {
		return
	}
	windowEnd := x.lastAck + x.window
	if x.highest < windowEnd && (x.eofBlock == 0 || x.highest < x.eofBlock) {
		return
	}
	if x.retransmitSent && x.retransmitBase == x.lastAck {
		return
	}
	blocks := x.missing(x.highest)
	if len(blocks) == 0 {
		return
	}
	x.retransmitSent = true
	x.retransmitBase = x.lastAck
	c.sendRetransmit(blocks, now)
}

// stall runs from tick when no new block arrived for RetransmitInterval.
func (c *Client) stall(now time.Time) {
	x := &c.xfer
	if now.Sub(x.lastProgress) < c.config.RetransmitInterval || now.Sub(x.lastRetransmit) < c.config.RetransmitInterval {
		return
	}
	x.lastRetransmit = now
	x.stalls++
	if !x.gotData {
		c.log.Debug("no data yet, repeating read request", "file", x.entry.File)
		c.sendRequest()
		return
	}
	if x.stalls >= restartAfterStalls {
		c.restartRead(now)
		return
	}
	c.sendAck(x.contiguous)
	upTo := x.lastAck + x.window
	if x.eofBlock != 0 && x.eofBlock < upTo {
		upTo = x.eofBlock
	}
	if blocks := x.missing(upTo); len(blocks) > 0 {
		c.sendRetransmit(blocks, now)
	}
}

// restartRead asks again for the rest of the file under a new tag. The node
// may have lost track of the read, for instance after a stale READ_REQUEST.
func (c *Client) restartRead(now time.Time) {
	x := &c.xfer
	entry := x.entry
	if entry.File == DirectoryFile {
		c.entries.Reset()
		entry.Size = 0
	} else {
		entry.Size = x.offset
	}
	c.log.Info("read stalled, requesting the rest again", "file", entry.File, "offset", entry.Size)
	c.beginRead(entry, uint16(x.window), now)
}

func (c *Client) completeFile(now time.Time) {
	x := &c.xfer
	x.active = false
	x.release()
	if x.entry.File == DirectoryFile {
		queued := c.parser.Finish()
		c.log.Info("directory loaded", "files_to_fetch", queued)
		c.setState(ClientStartingRead)
		c.startNext(now)
		return
	}
	if err := c.pipe.CloseFile(); err != nil {
		c.log.Error("cannot close file in write pipe", "file", x.entry.File, "err", err)
	}
	entry := x.entry
	c.finished = &entry
	c.log.Info("file received", "file", entry.File, "from_offset", entry.Size, "to_offset", x.offset)
	c.setState(ClientWaitingForWrites)
	c.checkWrites(now)
}

// checkWrites leaves WAITING_FOR_WRITES once the pipe is empty.
func (c *Client) checkWrites(now time.Time) {
	if !c.pipe.Idle() {
		return
	}
	if err := c.pipe.Err(); err != nil {
		c.metrics.storageErrors.Add(1)
		c.teardown(err, now)
		return
	}
	if c.finished != nil {
		c.metrics.filesCompleted.Add(1)
		if c.onTransferEnd != nil {
			c.onTransferEnd(*c.finished)
		}
		c.finished = nil
	}
	c.setState(ClientStartingRead)
	c.startNext(now)
}

func (c *Client) startNext(now time.Time) {
	entry, ok := c.entries.Pop()
	if !ok {
		c.log.Info("fetch sequence complete")
		if c.onIdle != nil {
			c.onIdle()
		}
		c.teardown(nil, now)
		c.nextSync = now.Add(c.config.RescanDelay)
		return
	}
	c.beginRead(entry, uint16(c.config.WindowSize), now)
}

func (c *Client) handleError(p *Packet, now time.Time) {
	x := &c.xfer
	if !x.active {
		return
	}
	if p.Code == ErrCodeFileNotFound && x.entry.File != DirectoryFile {
		c.log.Warn("peer has no such file, skipping", "file", x.entry.File)
		c.abortTransfer()
		c.setState(ClientWaitingForWrites)
		c.checkWrites(now)
		return
	}
	c.teardown(&RemoteError{Code: p.Code}, now)
}

// abortTransfer stops the current read. Bytes already pushed stay on storage.
func (c *Client) abortTransfer() {
	c.xfer.active = false
	c.xfer.release()
	if err := c.pipe.CloseFile(); err != nil {
		c.log.Error("cannot close file in write pipe", "err", err)
	}
}

func (c *Client) tick(now time.Time) {
	state := c.State()
	if state == ClientFindingPeer {
		if !now.Before(c.nextSync) {
			c.ep.send(c.ep.transport.Broadcast(), NewSyncPacket())
			c.nextSync = now.Add(c.backoff.Next())
		}
		return
	}

	sess := c.session
	if idle := sess.idle(now); idle >= c.config.InactivityTimeout {
		c.teardown(newTimeoutError(sess.Peer, idle), now)
		return
	}
	if err := c.pipe.Err(); err != nil {
		c.metrics.storageErrors.Add(1)
		c.teardown(err, now)
		return
	}

	switch state {
	case ClientWaitingForWrites, ClientStartingRead:
		c.checkWrites(now)
	case ClientActive, ClientLoadingList:
		c.deliver(now)
		if c.xfer.active {
			c.stall(now)
		}
	}
}

// teardown ends the session: pending writes are drained, the peer is
// deregistered, and the collector goes back to searching.
func (c *Client) teardown(err error, now time.Time) {
	sess := c.session
	if sess == nil {
		return
	}
	c.abortTransfer()
	ctx, cancel := context.WithTimeout(context.Background(), c.config.DrainTimeout)
	if derr := c.pipe.Drain(ctx); derr != nil {
		c.log.Warn("pending writes not drained", "session", sess.ID, "err", derr)
	}
	cancel()
	c.pipe.ClearErr()
	c.ep.removePeer(sess.Peer)
	c.entries.Reset()
	c.finished = nil

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	c.setState(ClientFindingPeer)
	c.nextSync = now

	var te *TimeoutError
	switch {
	case err == nil:
		c.log.Info("session ended", "session", sess.ID, "peer", sess.Peer)
	case errors.As(err, &te):
		c.metrics.timeouts.Add(1)
		c.log.Warn("session timed out", "session", sess.ID, "peer", sess.Peer, "err", err)
		if c.onTimeout != nil {
			c.onTimeout(err)
		}
	default:
		c.log.Warn("session aborted", "session", sess.ID, "peer", sess.Peer, "err", err)
	}
}
