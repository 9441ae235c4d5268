package lib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type ServerState int32

const (
	ServerWaitingForPeer ServerState = iota
	ServerActive
)

func (s ServerState) String() string {
	switch s {
	case ServerWaitingForPeer:
		return "WAITING_FOR_PEER"
	case ServerActive:
		return "ACTIVE"
	}
	return fmt.Sprintf("STATE(%d)", int32(s))
}

// serverTransfer tracks the READ_REQUEST being served.
type serverTransfer struct {
	active    bool
	tag       uint8
	file      FileID
	offset    uint32 // file offset of block 1
	window    uint32
	blockSize uint16
	base      uint32 // highest acknowledged block
	next      uint32 // next block to send
	eofBlock  uint32 // short block number, 0 until read
	held      map[uint32]*Chunk
}

func (x *serverTransfer) release() {
	for b, c := range x.held {
		c.Release()
		delete(x.held, b)
	}
}

// releaseThrough frees held blocks up to and including block.
func (x *serverTransfer) releaseThrough(block uint32) {
	for b := x.base + 1; b <= block; b++ {
		if c, ok := x.held[b]; ok {
			c.Release()
			delete(x.held, b)
		}
	}
}

// Server is the node role: it answers one collector at a time with its
// directory listing and the files named in READ_REQUESTs.
type Server struct {
	config  *CoreConfig
	ep      *endpoint
	store   BlockStore
	listing *Listing
	reader  *ReadAhead
	log     *slog.Logger
	metrics metrics
	state   atomic.Int32
	mu      sync.Mutex
	session *Session
	xfer    serverTransfer

	// set by the first non-SYNC packet of the session
	sawTraffic bool

	onIdle        func()
	onTimeout     func(error)
	onTransferEnd func(DirEntry)
}

func NewServer(config *CoreConfig, transport Transport, store BlockStore, log *slog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("role", "node")
	s := &Server{
		config:  config,
		store:   store,
		listing: NewListing(store),
		reader:  NewReadAhead(store, config.Pipeline, log.With("component", "read_ahead")),
		log:     log,
	}
	s.ep = newEndpoint("node", config, transport, &s.metrics, log)
	return s, nil
}

// OnIdle registers f to run whenever a session ends and the node waits for a new peer.
func (s *Server) OnIdle(f func()) { s.onIdle = f }

// OnTimeout registers f to run when a session ends for peer inactivity.
func (s *Server) OnTimeout(f func(error)) { s.onTimeout = f }

// OnTransferEnd registers f to run once the collector acknowledged the last
// block of a file. The entry carries the offset the read started from.
func (s *Server) OnTransferEnd(f func(DirEntry)) { s.onTransferEnd = f }

func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// Session returns a copy of the current session.
func (s *Server) Session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return Session{}, false
	}
	return *s.session, true
}

func (s *Server) Metrics() Metrics {
	return s.metrics.snapshot()
}

// InFlight reports the datagrams handed to the transport and not yet completed.
func (s *Server) InFlight() int {
	return s.ep.limiter.InFlight()
}

// Run drives the node until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	workers, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reader.Run(workers)
	}()
	s.ep.start(workers)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardown(nil)
			stop()
			wg.Wait()
			s.ep.wait()
			return nil
		case in := <-s.ep.inbound.C():
			s.handlePacket(in, time.Now())
		case <-s.reader.Ready():
			s.fillWindow()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Server) setState(st ServerState) {
	if old := ServerState(s.state.Swap(int32(st))); old != st {
		s.log.Debug("state change", "from", old, "to", st)
	}
}

func (s *Server) handlePacket(in inboundPacket, now time.Time) {
	s.metrics.packetsReceived.Add(1)
	sess := s.session
	if sess == nil {
		if IsSync(in.data) {
			s.handshake(in.from, now)
		} else {
			s.metrics.foreignPackets.Add(1)
		}
		return
	}
	if in.from != sess.Peer {
		s.metrics.foreignPackets.Add(1)
		s.log.Debug("dropping packet from foreign address", "from", in.from, "peer", sess.Peer)
		return
	}
	s.mu.Lock()
	sess.LastActivity = now
	s.mu.Unlock()

	p, ok := s.ep.decode(in)
	if !ok {
		return
	}
	if p.Type == PacketSync {
		s.handleSync(sess)
		return
	}
	s.sawTraffic = true

	switch p.Type {
	case PacketReadRequest:
		s.handleRequest(p)
	case PacketAck:
		s.handleAck(p)
	case PacketRetransmit:
		s.handleRetransmit(p)
	case PacketError:
		s.teardown(&RemoteError{Code: p.Code})
	default:
		s.log.Debug("ignoring packet not meant for a node", "type", p.Type)
	}
}

func (s *Server) handshake(peer Addr, now time.Time) {
	sess := newSession(peer, now)
	s.ep.addPeer(peer)
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
	s.sawTraffic = false
	s.metrics.sessions.Add(1)
	s.ep.send(peer, NewSyncPacket())
	s.setState(ServerActive)
	s.log.Info("peer connected", "peer", peer, "session", sess.ID)
}

// handleSync answers a SYNC from the current peer. A read in progress is left
// alone. A finished read is forgotten, since a restarted collector numbers its
// requests from the first tag again.
func (s *Server) handleSync(sess *Session) {
	if s.sawTraffic {
		s.log.Debug("peer synced again", "peer", sess.Peer, "session", sess.ID)
		if !s.xfer.active {
			s.xfer = serverTransfer{}
		}
	} else {
		s.log.Debug("repeating handshake acknowledgment", "peer", sess.Peer)
	}
	s.ep.send(sess.Peer, NewSyncPacket())
}

func (s *Server) handleRequest(p *Packet) {
	x := &s.xfer
	if p.Tag == x.tag && x.held != nil && p.File == x.file && p.Offset == x.offset {
		if x.active {
			// repeated because the first blocks were lost
			s.resend(x.base+1, x.next-1)
		}
		return
	}
	if p.Window == 0 || p.BlockSize == 0 || int(p.BlockSize) > s.config.MaxBlockSize {
		s.log.Warn("rejecting read request", "request", p.String())
		s.ep.send(s.session.Peer, NewErrorPacket(ErrCodeBadRequest))
		return
	}
	window := uint32(p.Window)
	if window > uint32(s.config.MaxWindowSize) {
		window = uint32(s.config.MaxWindowSize)
	}

	s.endTransfer()
	if p.File == DirectoryFile {
		if err := s.listing.Prepare(p.Offset); err != nil {
			s.storageFailure(err)
			return
		}
	} else {
		_, exists, err := s.store.Size(p.File)
		if err != nil {
			s.storageFailure(err)
			return
		}
		if !exists {
			s.log.Warn("requested file does not exist", "file", p.File)
			s.ep.send(s.session.Peer, NewErrorPacket(ErrCodeFileNotFound))
			return
		}
	}
	s.xfer = serverTransfer{
		active:    true,
		tag:       p.Tag,
		file:      p.File,
		offset:    p.Offset,
		window:    window,
		blockSize: p.BlockSize,
		next:      1,
		held:      make(map[uint32]*Chunk),
	}
	s.log.Info("serving file", "session", s.session.ID, "file", p.File, "offset", p.Offset, "window", window, "block_size", p.BlockSize)
	s.fillWindow()
}

// fillWindow sends new blocks until the window is full, the file ends, or the
// read-ahead has nothing buffered.
func (s *Server) fillWindow() {
	x := &s.xfer
	if !x.active {
		return
	}
	for x.eofBlock == 0 && x.next <= x.base+x.window {
		off := blockOffset(x.offset, x.next, x.blockSize)
		var data []byte
		if x.file == DirectoryFile {
			data = s.listing.Read(off, int(x.blockSize))
		} else {
			var err error
			data, err = s.reader.TryRead(x.file, off, int(x.blockSize))
			if errors.Is(err, ErrNotReady) {
				return
			}
			if err != nil {
				s.storageFailure(err)
				return
			}
		}
		chunk, err := s.ep.pool.Get(data)
		if err != nil {
			// retried from tick; the read-ahead refetches the consumed bytes
			s.log.Debug("no buffer for block", "block", x.next, "err", err)
			return
		}
		x.held[x.next] = chunk
		s.ep.send(s.session.Peer, NewDataPacket(x.tag, wireBlock(x.next), chunk.Bytes()))
		s.metrics.bytesSent.Add(uint64(len(data)))
		if len(data) < int(x.blockSize) {
			x.eofBlock = x.next
		}
		x.next++
	}
}

// resend repeats held blocks from..to without touching the read-ahead.
func (s *Server) resend(from, to uint32) {
	x := &s.xfer
	for b := from; b <= to; b++ {
		if chunk, ok := x.held[b]; ok {
			s.ep.send(s.session.Peer, NewDataPacket(x.tag, wireBlock(b), chunk.Bytes()))
			s.metrics.blocksResent.Add(1)
		}
	}
}

func (s *Server) handleAck(p *Packet) {
	x := &s.xfer
	if !x.active || p.Tag != x.tag {
		return
	}
	block := expandBlock(p.Block, x.base+1)
	if block <= x.base || block >= x.next {
		return
	}
	x.releaseThrough(block)
	x.base = block
	if x.eofBlock != 0 && x.base == x.eofBlock {
		s.log.Info("file served", "file", x.file, "from_offset", x.offset, "blocks", x.eofBlock)
		s.metrics.filesCompleted.Add(1)
		entry := DirEntry{File: x.file, Size: x.offset}
		s.endTransfer()
		if s.onTransferEnd != nil {
			s.onTransferEnd(entry)
		}
		return
	}
	s.fillWindow()
}

func (s *Server) handleRetransmit(p *Packet) {
	x := &s.xfer
	if !x.active || p.Tag != x.tag {
		return
	}
	for _, w := range p.Blocks {
		b := expandBlock(w, x.base+1)
		if _, ok := x.held[b]; !ok {
			s.log.Debug("retransmit of block not in window", "block", b, "base", x.base, "next", x.next)
			continue
		}
		s.resend(b, b)
	}
}

// endTransfer stops serving the current read. The tag and position are kept so
// stale repeats of its READ_REQUEST are recognised.
func (s *Server) endTransfer() {
	x := &s.xfer
	x.active = false
	x.release()
	s.reader.Reset()
}

func (s *Server) storageFailure(err error) {
	s.metrics.storageErrors.Add(1)
	if sess := s.session; sess != nil {
		s.ep.send(sess.Peer, NewErrorPacket(ErrCodeStorage))
	}
	s.teardown(err)
}

func (s *Server) tick(now time.Time) {
	sess := s.session
	if sess == nil {
		return
	}
	if idle := sess.idle(now); idle >= s.config.InactivityTimeout {
		s.teardown(newTimeoutError(sess.Peer, idle))
		return
	}
	s.fillWindow()
}

// teardown ends the session and returns to WAITING_FOR_PEER.
func (s *Server) teardown(err error) {
	sess := s.session
	if sess == nil {
		return
	}
	s.endTransfer()
	s.xfer = serverTransfer{}
	s.sawTraffic = false
	s.ep.removePeer(sess.Peer)

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
	s.setState(ServerWaitingForPeer)

	var te *TimeoutError
	switch {
	case err == nil:
		s.log.Info("session ended", "session", sess.ID, "peer", sess.Peer)
	case errors.As(err, &te):
		s.metrics.timeouts.Add(1)
		s.log.Warn("session timed out", "session", sess.ID, "peer", sess.Peer, "err", err)
		if s.onTimeout != nil {
			s.onTimeout(err)
		}
	default:
		s.log.Warn("session aborted", "session", sess.ID, "peer", sess.Peer, "err", err)
	}
	if s.onIdle != nil {
		s.onIdle()
	}
}
